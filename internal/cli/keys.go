package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cyphermesh/cyphermesh/internal/security"
)

func init() {
	rootCmd.AddCommand(keysCmd)
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Create the node key pair if needed and print the public key",
	RunE:  runKeys,
}

func runKeys(cmd *cobra.Command, args []string) error {
	created := !security.KeysExist(home())
	kp, err := security.LoadOrCreateKeypair(home())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if created {
		fmt.Fprintf(out, "Generated new key pair in %s\n", security.KeyDir(home()))
	}
	fmt.Fprintf(out, "Fingerprint: %s\n", fingerprint(kp.PublicKeyPEM()))
	fmt.Fprint(out, kp.PublicKeyPEM())
	return nil
}
