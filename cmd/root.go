// -- cmd/root.go --
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagescope/internal/config"
	"github.com/xkilldash9x/pagescope/internal/observability"
)

var (
	cfgFile string
	cfg     *config.Config
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "pagescope",
	Short: "Pagescope drives a Chromium browser and renders pages as compact accessibility snapshots.",
	// Version is dynamically set at build time. See cmd/version.go.
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// This function runs before any command, setting up config and logging.
		if err := initializeConfig(); err != nil {
			return err
		}

		loaded, err := config.NewConfigFromViper(viper.GetViper())
		if err != nil {
			// Initialize a fallback logger so the error itself gets reported.
			observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "pagescope"})
			return err
		}
		cfg = loaded

		observability.InitializeLogger(cfg.Logger())
		observability.GetLogger().Debug("Starting pagescope.", zap.String("version", Version))
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags
// appropriately. The command context is cancelled on SIGINT or SIGTERM so a
// long navigation aborts cleanly.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		observability.Sync()
		stop()
		os.Exit(1)
	}
	observability.Sync()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./pagescope.yaml)")
	rootCmd.PersistentFlags().Bool("headless", true, "launch an owned headless browser")
	rootCmd.PersistentFlags().String("binary", "", "explicit browser binary path")
	rootCmd.PersistentFlags().Int("remote-port", 0, "attach to an already-running browser on this DevTools port instead of launching")
	rootCmd.PersistentFlags().Int("fallback-port", 0, "headed browser DevTools port for the bot-challenge fallback")
	rootCmd.PersistentFlags().String("proxy", "", "proxy server address for the launched browser")
	rootCmd.PersistentFlags().String("state", "", "session state file to seed cookies from and save back to")

	mustBind("browser.headless", "headless")
	mustBind("browser.binary", "binary")
	mustBind("browser.debug_port", "remote-port")
	mustBind("browser.fallback_port", "fallback-port")
	mustBind("browser.proxy", "proxy")
	mustBind("storage.state_path", "state")

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
}

func mustBind(key, flag string) {
	if err := viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

// initializeConfig reads in config file and ENV variables if set.
func initializeConfig() error {
	config.SetDefaults(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("pagescope")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("PAGESCOPE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; proceed with defaults and env vars.
	}
	return nil
}
