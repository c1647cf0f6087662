package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/wabot/internal/identity"
)

func jidCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "jid <id>...",
		Short: "Normalize WhatsApp ids and print their kind",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			for _, raw := range args {
				id := identity.Normalize(raw)
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", id, identity.KindOf(id))
			}
		},
	}
}
