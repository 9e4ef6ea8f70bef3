package commands

import (
	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/bhardwajRahul/lemonade/pkg/models"
)

func newListCmd() *cobra.Command {
	var all bool
	c := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List models",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/models"
			if all {
				path += "?show_all=true"
			}
			var listing struct {
				Models []models.Summary `json:"models"`
			}
			if err := getJSON(path, &listing); err != nil {
				return err
			}
			if len(listing.Models) == 0 {
				cmd.Println("No models downloaded. Use --all to list available models.")
				return nil
			}
			for _, model := range listing.Models {
				size := "-"
				if model.SizeBytes > 0 {
					size = units.BytesSize(float64(model.SizeBytes))
				}
				downloaded := " "
				if model.Downloaded {
					downloaded = "*"
				}
				cmd.Printf("%s %-40s %-12s %s\n", downloaded, model.Name, model.Recipe, size)
			}
			return nil
		},
	}
	c.Flags().BoolVar(&all, "all", false, "Include models that are not downloaded")
	return c
}
