package commands

import (
	"github.com/spf13/cobra"
)

const (
	flagServer  = "server"
	flagSession = "session"

	defaultServerURL = "http://localhost:8080"
)

// NewRootCommand builds the dispatchctl root command with its persistent
// connection flags and subcommand tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "dispatchctl",
		Short:         "Operator CLI for the dispatch task marketplace engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String(flagServer, defaultServerURL, "dispatch server base URL")
	root.PersistentFlags().String(flagSession, "", "operator session id (x-session-id header)")

	root.AddCommand(NewTasksCommand())
	root.AddCommand(NewWalletCommand())
	root.AddCommand(NewRenderCommand())

	return root
}

func clientFromFlags(cmd *cobra.Command) *Client {
	server, _ := cmd.Flags().GetString(flagServer)
	session, _ := cmd.Flags().GetString(flagSession)

	return NewClient(server, session)
}
