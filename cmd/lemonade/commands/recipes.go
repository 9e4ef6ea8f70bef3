package commands

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bhardwajRahul/lemonade/pkg/backends"
)

func newRecipesCmd() *cobra.Command {
	var install, uninstall string
	c := &cobra.Command{
		Use:   "recipes [--install RECIPE:BACKEND | --uninstall RECIPE:BACKEND]",
		Short: "Show or manage engine backends",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case install != "":
				recipe, backend, err := splitTarget(install)
				if err != nil {
					return err
				}
				body := map[string]string{"recipe": recipe, "backend": backend}
				if err := postStream(cmd.OutOrStdout(), "/install", body); err != nil {
					return err
				}
				cmd.Printf("Installed %s.\n", install)
				return nil
			case uninstall != "":
				recipe, backend, err := splitTarget(uninstall)
				if err != nil {
					return err
				}
				body := map[string]string{"recipe": recipe, "backend": backend}
				if err := postJSON("/uninstall", body, nil); err != nil {
					return err
				}
				cmd.Printf("Uninstalled %s.\n", uninstall)
				return nil
			default:
				return printRecipes(cmd)
			}
		},
	}
	c.Flags().StringVar(&install, "install", "", "Install a backend (recipe:backend)")
	c.Flags().StringVar(&uninstall, "uninstall", "", "Uninstall a backend (recipe:backend)")
	return c
}

func splitTarget(target string) (string, string, error) {
	parts := strings.SplitN(target, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("expected RECIPE:BACKEND, got %q", target)
	}
	return parts[0], parts[1], nil
}

func printRecipes(cmd *cobra.Command) error {
	var info struct {
		Recipes backends.RecipesCache `json:"recipes"`
	}
	if err := getJSON("/system-info", &info); err != nil {
		return err
	}

	recipes := make([]string, 0, len(info.Recipes))
	for name := range info.Recipes {
		recipes = append(recipes, name)
	}
	sort.Strings(recipes)
	for _, name := range recipes {
		entry := info.Recipes[name]
		backendNames := make([]string, 0, len(entry.Backends))
		for backendName := range entry.Backends {
			backendNames = append(backendNames, backendName)
		}
		sort.Strings(backendNames)
		for _, backendName := range backendNames {
			status := entry.Backends[backendName]
			line := fmt.Sprintf("%-14s %-8s %-16s", name, backendName, status.State)
			if status.Version != "" {
				line += " " + status.Version
			}
			cmd.Println(line)
			if status.Message != "" {
				cmd.Printf("%-14s %-8s   %s\n", "", "", status.Message)
			}
		}
	}
	return nil
}
