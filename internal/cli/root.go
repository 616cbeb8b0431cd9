// Package cli implements the cyphermesh command-line interface using Cobra.
// `run` starts a node; the other commands inspect or manage the local data
// directory, or talk to a running node over its admin API.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cyphermesh/cyphermesh/internal/daemon"
	"github.com/cyphermesh/cyphermesh/internal/infra/sqlite"
)

var dataDir string

var rootCmd = &cobra.Command{
	Use:   "cyphermesh",
	Short: "CypherMesh: peer-to-peer threat intelligence mesh",
	Long: `CypherMesh nodes share signed threat reports over a gossip mesh.
Every node verifies, stores and re-broadcasts what it receives, and scores
reporters by the validity of their signatures.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Data directory (default $CYPHER_DATA_DIR or ~/.cyphermesh)")
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// home resolves the data directory for this invocation.
func home() string {
	if dataDir != "" {
		return dataDir
	}
	return daemon.Home()
}

// openStore opens the local event store for offline commands. SQLite in WAL
// mode lets these run alongside a live node.
func openStore() (*sqlite.DB, error) {
	db, err := sqlite.Open(home())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}
