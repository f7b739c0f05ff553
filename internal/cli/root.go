// Package cli provides the command-line interface for openclaw-china.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wendell1224/openclaw-china/internal/cli/commands"
	"github.com/wendell1224/openclaw-china/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "openclaw-china",
	Short: "Multi-channel Chinese IM gateway",
	Long: `openclaw-china bridges DingTalk, Feishu, WeCom and QQ bot accounts
to a Host agent runtime. Configure accounts in openclaw.json, then run
the gateway.`,
	Version: version.Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if path, err := cmd.Flags().GetString("config"); err == nil && path != "" {
			_ = os.Setenv("OPENCLAW_CONFIG_PATH", path)
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

func init() {
	rootCmd.AddCommand(commands.NewGatewayCommand())
	rootCmd.AddCommand(commands.NewStatusCommand())
	rootCmd.AddCommand(commands.NewSendCommand())
	rootCmd.AddCommand(commands.NewVersionCommand())

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is ~/.openclaw-china/openclaw.json)")
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	return nil
}
