package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/cyphermesh/cyphermesh/internal/daemon"
)

func init() {
	runCmd.Flags().StringVar(&runIP, "ip", "", "Advertised node IP (overrides config and CYPHER_IP)")
	runCmd.Flags().IntVar(&runPort, "port", 0, "Mesh TCP port (overrides config and CYPHER_PORT)")
	runCmd.Flags().StringVar(&runAPIHost, "api-host", "", "Admin API host")
	runCmd.Flags().IntVar(&runAPIPort, "api-port", 0, "Admin API port")
	runCmd.Flags().BoolVar(&runNoAPI, "no-api", false, "Disable the admin API")
	runCmd.Flags().BoolVar(&runNoDiscovery, "no-discovery", false, "Disable LAN broadcast discovery")
	runCmd.Flags().StringArrayVar(&runSeeds, "seed", nil, "Peer to dial at start, IP:PORT (repeatable)")
	runCmd.Flags().StringVar(&runDedup, "dedup", "", "Dedup mode: atomic or naive")
	runCmd.Flags().StringVar(&runLogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.AddCommand(runCmd)
}

var (
	runIP          string
	runPort        int
	runAPIHost     string
	runAPIPort     int
	runNoAPI       bool
	runNoDiscovery bool
	runSeeds       []string
	runDedup       string
	runLogLevel    string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a mesh node",
	Long: `Start a CypherMesh node: listen for peers, discover the LAN, gossip
threat events and serve the admin API.`,
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := daemon.LoadConfig(home())
	if err != nil {
		return err
	}
	applyRunFlags(cmd, &cfg)

	d, err := daemon.New(home(), cfg)
	if err != nil {
		return err
	}
	return d.Serve(context.Background())
}

// applyRunFlags overlays the flags the user actually set.
func applyRunFlags(cmd *cobra.Command, cfg *daemon.Config) {
	flags := cmd.Flags()
	if flags.Changed("ip") {
		cfg.Node.IP = runIP
	}
	if flags.Changed("port") {
		cfg.Node.Port = runPort
	}
	if flags.Changed("api-host") {
		cfg.API.Host = runAPIHost
	}
	if flags.Changed("api-port") {
		cfg.API.Port = runAPIPort
	}
	if runNoAPI {
		cfg.API.Enabled = false
	}
	if runNoDiscovery {
		cfg.Discovery.Enabled = false
	}
	if len(runSeeds) > 0 {
		cfg.Node.Seeds = append(cfg.Node.Seeds, runSeeds...)
	}
	if flags.Changed("dedup") {
		cfg.Mesh.DedupMode = runDedup
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = runLogLevel
	}
}
