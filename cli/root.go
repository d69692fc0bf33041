package cli

import (
	"github.com/spf13/cobra"

	"github.com/d1nch8g/ptt/config"
)

// Shared CLI flags
var (
	logLevel      string
	verbose       bool
	micPermission string
)

// AppConfig holds the loaded configuration (set by main)
var AppConfig *config.Config

// SetupRootCmd configures the root command with all subcommands and flags
func SetupRootCmd(c *config.Config) *cobra.Command {
	AppConfig = c

	rootCmd := &cobra.Command{
		Use:   "ptt",
		Short: "ptt - push-to-talk voice channel client",
		Long: `ptt joins a real-time voice channel and lets you talk by holding a
push-to-talk toggle. Start and end cues play locally and into the channel.

Settings come from PTT_* environment variables or a .env file.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (default: PTT_LOG_LEVEL)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().StringVar(&micPermission, "mic-permission", "", "prompt, granted or denied (default: PTT_MIC_PERMISSION)")

	rootCmd.AddCommand(JoinCmd())
	rootCmd.AddCommand(DevicesCmd())

	return rootCmd
}

func effectiveLogLevel() string {
	switch {
	case verbose:
		return "debug"
	case logLevel != "":
		return logLevel
	default:
		return AppConfig.LogLevel
	}
}
