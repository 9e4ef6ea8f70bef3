package commands

import "github.com/spf13/cobra"

// serverURL is the gateway base URL targeted by all commands.
var serverURL string

func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "lemonade-server",
		Short:         "Lemonade local inference gateway",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&serverURL, "url", "http://127.0.0.1:8000", "Gateway base URL")
	rootCmd.AddCommand(
		newStatusCmd(),
		newListCmd(),
		newPullCmd(),
		newRemoveCmd(),
		newLoadCmd(),
		newUnloadCmd(),
		newRecipesCmd(),
	)
	return rootCmd
}
