package commands

import (
	"github.com/spf13/cobra"
)

func newLoadCmd() *cobra.Command {
	var ctxSize int
	var backend string
	c := &cobra.Command{
		Use:   "load MODEL",
		Short: "Ensure a model is loaded",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"model": args[0]}
			if ctxSize > 0 {
				body["ctx_size"] = ctxSize
			}
			if backend != "" {
				body["backend"] = backend
			}
			var result struct {
				Engine struct {
					Recipe  string `json:"recipe"`
					Backend string `json:"backend"`
					Port    int    `json:"port"`
				} `json:"engine"`
			}
			if err := postJSON("/load", body, &result); err != nil {
				return err
			}
			cmd.Printf("Loaded %s on %s:%s (port %d).\n",
				args[0], result.Engine.Recipe, result.Engine.Backend, result.Engine.Port)
			return nil
		},
	}
	c.Flags().IntVar(&ctxSize, "ctx-size", 0, "Context size for the engine")
	c.Flags().StringVar(&backend, "backend", "", "Backend variant to load on")
	return c
}

func newUnloadCmd() *cobra.Command {
	var all bool
	c := &cobra.Command{
		Use:   "unload (MODEL | --all)",
		Short: "Stop a loaded engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{}
			if !all {
				if len(args) != 1 {
					return cmd.Usage()
				}
				body["model"] = args[0]
			}
			if err := postJSON("/unload", body, nil); err != nil {
				return err
			}
			cmd.Println("Unloaded.")
			return nil
		},
	}
	c.Flags().BoolVar(&all, "all", false, "Unload all engines")
	return c
}
