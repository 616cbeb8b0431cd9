package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cyphermesh/cyphermesh/internal/threat"
)

func init() {
	eventsCmd.Flags().IntVarP(&eventsLimit, "limit", "n", 20, "Number of events to show")
	rootCmd.AddCommand(eventsCmd)
}

var eventsLimit int

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show the most recent threat events",
	RunE:  runEvents,
}

func runEvents(cmd *cobra.Command, args []string) error {
	if eventsLimit <= 0 {
		return fmt.Errorf("--limit must be positive")
	}
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	events, err := db.RecentEvents(eventsLimit)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No events yet.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTIMESTAMP\tSOURCE\tTYPE\tSEVERITY\tREPORTER\tVALID")
	for _, e := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%t\n",
			threat.ShortID(e.ID),
			e.Timestamp,
			e.SourceIP,
			e.ThreatType,
			e.Severity,
			fingerprint(e.ReporterPubKey),
			e.Valid,
		)
	}
	return w.Flush()
}
