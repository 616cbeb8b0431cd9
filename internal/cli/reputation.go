package cli

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(reputationCmd)
}

var reputationCmd = &cobra.Command{
	Use:     "reputation",
	Aliases: []string{"rep"},
	Short:   "Show reporter reputation scores",
	RunE:    runReputation,
}

func runReputation(cmd *cobra.Command, args []string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	scores, err := db.Reputations()
	if err != nil {
		return err
	}
	if len(scores) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No reporters scored yet.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "REPORTER\tSCORE")
	for _, s := range scores {
		fmt.Fprintf(w, "%s\t%d\n", fingerprint(s.PubKey), s.Score)
	}
	return w.Flush()
}

// fingerprint shortens a PEM public key to the first 16 hex digits of its
// SHA-256.
func fingerprint(pubPEM string) string {
	sum := sha256.Sum256([]byte(pubPEM))
	return hex.EncodeToString(sum[:8])
}
