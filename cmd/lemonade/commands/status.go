package commands

import (
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show loaded engines and last-request stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			var health struct {
				Status  string `json:"status"`
				Engines []struct {
					Recipe  string `json:"recipe"`
					Backend string `json:"backend"`
					Model   string `json:"model"`
					PID     int    `json:"pid"`
					Port    int    `json:"port"`
				} `json:"engines"`
			}
			if err := getJSON("/health", &health); err != nil {
				return err
			}
			cmd.Printf("Gateway: %s\n", health.Status)
			if len(health.Engines) == 0 {
				cmd.Println("No engines loaded.")
				return nil
			}
			for _, engine := range health.Engines {
				cmd.Printf("%s:%s\tmodel=%s\tpid=%d\tport=%d\n",
					engine.Recipe, engine.Backend, engine.Model, engine.PID, engine.Port)
			}
			return nil
		},
	}
}
