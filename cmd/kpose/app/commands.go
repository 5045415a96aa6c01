// Package app provides the kpose commands.
package app

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/tsawler/kpose/logging"
)

// EnvPrefix is the prefix of environment variables read by the CLI
const EnvPrefix = "KPOSE"

// Build information, set with -ldflags at release time
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// NewRootCmd creates the kpose root command with all subcommands attached.
// Flags are bound into a fresh viper instance so KPOSE_* environment
// variables override their defaults.
func NewRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:               "kpose",
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		Short:             "Keypoint training and evaluation tools",
		Long: `kpose scores keypoint predictions with the COCO keypoint metrics,
inspects training checkpoints and validates run configurations.`,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			level, err := logging.ParseLevel(v.GetString("log-level"))
			if err != nil {
				return err
			}
			_, err = logging.Setup(logging.Options{
				Level:  level,
				Format: v.GetString("log-format"),
				Output: cmd.ErrOrStderr(),
			})
			return err
		},
		Run: func(cmd *cobra.Command, _ []string) {
			// If no subcommand is provided, print help
			if err := cmd.Help(); err != nil {
				slog.Error("Error displaying help", "error", err)
			}
		},
	}

	root.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().String("log-format", "text", "Log format (text, json)")
	mustBind(v, "log-level", root.PersistentFlags().Lookup("log-level"))
	mustBind(v, "log-format", root.PersistentFlags().Lookup("log-format"))

	root.AddCommand(newScoreCmd(v))
	root.AddCommand(newInspectCmd(v))
	root.AddCommand(newConfigCmd(v))
	root.AddCommand(newVersionCmd())

	return root
}

// mustBind binds a flag into v. Binding only fails for a nil flag, which is
// a programming error.
func mustBind(v *viper.Viper, key string, flag *pflag.Flag) {
	if err := v.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("failed to bind %s flag: %v", key, err))
	}
}

func newVersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := map[string]string{
				"version":  Version,
				"commit":   Commit,
				"built":    BuildDate,
				"go":       runtime.Version(),
				"platform": runtime.GOOS + "/" + runtime.GOARCH,
			}

			format, err := cmd.Flags().GetString("format")
			if err != nil {
				return err
			}
			if format == "json" {
				output, err := json.MarshalIndent(info, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to format version info: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(output))
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "kpose %s (commit %s, built %s, %s %s)\n",
				info["version"], info["commit"], info["built"], info["go"], info["platform"])
			return nil
		},
	}
	cmd.Flags().String("format", "", "Output format (json)")
	return cmd
}
