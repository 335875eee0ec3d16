package cmd

import (
	"github.com/spf13/cobra"

	"github.com/crewcall/crewcall/infra/push"
)

var vapidCmd = &cobra.Command{
	Use:   "vapid",
	Short: "Generate a VAPID key pair for web push",
	RunE: func(cmd *cobra.Command, args []string) error {
		pub, priv, err := push.GenerateVAPIDKeys()
		if err != nil {
			return err
		}
		cmd.Printf("vapid_public_key: %s\nvapid_private_key: %s\n", pub, priv)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(vapidCmd)
}
