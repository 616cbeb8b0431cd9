package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cyphermesh/cyphermesh/internal/daemon"
	"github.com/cyphermesh/cyphermesh/internal/infra/sqlite"
)

func init() {
	resetCmd.Flags().BoolVar(&resetDB, "db", false, "Remove the event database")
	resetCmd.Flags().BoolVar(&resetConfig, "config", false, "Remove the config file")
	resetCmd.Flags().BoolVar(&resetAll, "all", false, "Remove the whole data directory, keys included")
	rootCmd.AddCommand(resetCmd)
}

var (
	resetDB     bool
	resetConfig bool
	resetAll    bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete local node state",
	Long:  `Delete local node state. Stop the node first.`,
	RunE:  runReset,
}

func runReset(cmd *cobra.Command, args []string) error {
	if !resetDB && !resetConfig && !resetAll {
		return errors.New("specify at least one of --db, --config, --all")
	}
	dir := home()
	out := cmd.OutOrStdout()

	if resetAll {
		if err := os.RemoveAll(dir); err != nil {
			return err
		}
		fmt.Fprintf(out, "Removed %s\n", dir)
		return nil
	}

	if resetDB {
		base := filepath.Join(dir, sqlite.FileName)
		for _, path := range []string{base, base + "-wal", base + "-shm"} {
			if err := removeIfExists(path); err != nil {
				return err
			}
		}
		fmt.Fprintln(out, "Database removed")
	}
	if resetConfig {
		if err := removeIfExists(filepath.Join(dir, daemon.ConfigFile)); err != nil {
			return err
		}
		fmt.Fprintln(out, "Configuration removed")
	}
	return nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
