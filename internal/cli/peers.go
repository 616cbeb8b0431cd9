package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cyphermesh/cyphermesh/internal/domain"
)

func init() {
	peersAddCmd.Flags().BoolVar(&peersConnect, "connect", false, "Also ask the running node to dial the peer now")
	peersAddCmd.Flags().StringVar(&peersNode, "node", DefaultNodeURL, "Admin API URL of the running node")
	peersCmd.AddCommand(peersAddCmd, peersListCmd, peersRemoveCmd)
	rootCmd.AddCommand(peersCmd)
}

var (
	peersConnect bool
	peersNode    string
)

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "Manage the known-peer list",
}

var peersAddCmd = &cobra.Command{
	Use:   "add IP:PORT",
	Short: "Record a peer to dial on start",
	Args:  cobra.ExactArgs(1),
	RunE:  runPeersAdd,
}

var peersListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List known peers",
	RunE:    runPeersList,
}

var peersRemoveCmd = &cobra.Command{
	Use:     "remove IP:PORT",
	Aliases: []string{"rm"},
	Short:   "Forget a known peer",
	Args:    cobra.ExactArgs(1),
	RunE:    runPeersRemove,
}

func runPeersAdd(cmd *cobra.Command, args []string) error {
	host, port, err := domain.ParsePeerAddr(args[0])
	if err != nil {
		return err
	}

	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.UpsertPeer(host, port); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Added %s\n", args[0])

	if peersConnect {
		if err := postJSON(peersNode, "/api/peers", map[string]string{"addr": args[0]}, nil); err != nil {
			return fmt.Errorf("connect %s: %w", args[0], err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Connected %s\n", args[0])
	}
	return nil
}

func runPeersList(cmd *cobra.Command, args []string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	peers, err := db.ListPeers()
	if err != nil {
		return err
	}
	if len(peers) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No known peers. Run 'cyphermesh peers add IP:PORT' or start a node on the LAN.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tLAST SEEN")
	for _, p := range peers {
		fmt.Fprintf(w, "%s\t%s\n", p.Address(), p.LastSeen.Local().Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func runPeersRemove(cmd *cobra.Command, args []string) error {
	host, port, err := domain.ParsePeerAddr(args[0])
	if err != nil {
		return err
	}

	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.RemovePeer(host, port); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
	return nil
}
