package commands

import (
	"github.com/spf13/cobra"
)

func newPullCmd() *cobra.Command {
	var checkpoint, recipe, mmproj string
	c := &cobra.Command{
		Use:   "pull MODEL",
		Short: "Download a model's weights",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"model": args[0]}
			if checkpoint != "" {
				body["checkpoint"] = checkpoint
				body["recipe"] = recipe
				if mmproj != "" {
					body["mmproj"] = mmproj
				}
			}
			if err := postStream(cmd.OutOrStdout(), "/pull", body); err != nil {
				return err
			}
			cmd.Printf("Model %s downloaded.\n", args[0])
			return nil
		},
	}
	c.Flags().StringVar(&checkpoint, "checkpoint", "", "Register a user model from this hub checkpoint")
	c.Flags().StringVar(&recipe, "recipe", "llamacpp", "Recipe for a registered user model")
	c.Flags().StringVar(&mmproj, "mmproj", "", "Multimodal projector file for a registered user model")
	return c
}

func newRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "rm MODEL",
		Aliases: []string{"delete"},
		Short:   "Remove a model's downloaded files",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := postJSON("/delete", map[string]string{"model": args[0]}, nil); err != nil {
				return err
			}
			cmd.Printf("Removed %s.\n", args[0])
			return nil
		},
	}
}
