// cmd/root.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/marketwatch/internal/config"
	"github.com/xkilldash9x/marketwatch/internal/observability"
)

const appName = "marketwatch"

// Flag annotations read by the root command before the config is built.
const (
	// viperKeyAnnotation binds a flag to a config key, so the flag overrides
	// the config file and environment.
	viperKeyAnnotation = "marketwatch_viper_key"
	// logToStderrAnnotation marks commands whose stdout carries data.
	logToStderrAnnotation = "marketwatch_log_stderr"
)

// rootOptions is the state shared by the root command and its subcommands.
type rootOptions struct {
	cfgFile string
	envFile string

	v   *viper.Viper
	cfg *config.Config

	// newCollector builds the collection pipeline. Tests replace it.
	newCollector collectorFactory
}

// NewRootCommand builds a fresh command tree. Each call is independent, so
// tests can run commands without leaking flag state between them.
func NewRootCommand() *cobra.Command {
	cmd, _ := newRootCmd()
	return cmd
}

func newRootCmd() (*cobra.Command, *rootOptions) {
	opts := &rootOptions{newCollector: newMarketCollector}

	rootCmd := &cobra.Command{
		Use:   appName,
		Short: "marketwatch collects marketplace listings through a real browser.",
		Long: `marketwatch drives a headless Chromium instance against the marketplace,
captures the listing API responses the page makes on its own, and merges
every page of results in page order.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.initialize(cmd)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.cfgFile, "config", "c", "", "config file (default searches ./config.yaml and $XDG_CONFIG_HOME/marketwatch/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	rootCmd.PersistentFlags().Bool("headless", true, "run the browser without a visible window")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	annotateViperKey(rootCmd.PersistentFlags(), "headless", "browser.headless")
	annotateViperKey(rootCmd.PersistentFlags(), "log-level", "logger.level")
	rootCmd.SetVersionTemplate(`{{printf "%s version %s\n" .Name .Version}}`)

	rootCmd.AddCommand(
		newServeCmd(opts),
		newFetchCmd(opts),
		newVersionCmd(),
	)

	return rootCmd, opts
}

// Execute runs the command tree with ctx, which should be canceled on
// SIGINT/SIGTERM.
func Execute(ctx context.Context) error {
	rootCmd := NewRootCommand()
	defer observability.Sync()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			observability.GetLogger().Warn("Command aborted by signal.")
			return err
		}
		fmt.Fprintln(rootCmd.ErrOrStderr(), "Error:", err)
		return err
	}
	return nil
}

// initialize loads the configuration and the global logger. It runs before
// every subcommand.
func (o *rootOptions) initialize(cmd *cobra.Command) error {
	if err := loadDotEnv(o.envFile); err != nil {
		return err
	}

	o.v = viper.New()
	config.SetDefaults(o.v)
	config.BindEnvironment(o.v)

	if err := readConfigFile(o.v, o.cfgFile); err != nil {
		return err
	}
	if err := bindAnnotatedFlags(o.v, cmd.Flags()); err != nil {
		return err
	}

	cfg, err := config.NewConfigFromViper(o.v)
	if err != nil {
		return fmt.Errorf("failed to load or validate config: %w", err)
	}
	o.cfg = cfg

	if cmd.Annotations[logToStderrAnnotation] == "true" {
		observability.Initialize(cfg.Logger(), zapcore.Lock(os.Stderr))
	} else {
		observability.InitializeLogger(cfg.Logger())
	}

	logger := observability.GetLogger()
	logger.Debug("Configuration loaded.",
		zap.String("config_file", o.v.ConfigFileUsed()),
		zap.String("version", Version),
	)
	return nil
}

// loadDotEnv loads path into the process environment. A missing file is not
// an error; existing variables are never overwritten.
func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// readConfigFile reads cfgFile, or searches the working directory and the
// XDG config directory when it is empty. Running without a config file is fine.
func readConfigFile(v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath(filepath.Join(xdg.ConfigHome, appName))
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("error reading config file: %w", err)
	}
	return nil
}

func annotateViperKey(flags *pflag.FlagSet, name, key string) {
	// Only fails for unknown flags, which is a programming error.
	if err := flags.SetAnnotation(name, viperKeyAnnotation, []string{key}); err != nil {
		panic(err)
	}
}

// bindAnnotatedFlags binds every flag carrying a viper key annotation. Viper
// only prefers a bound flag's value when the flag was set on the command line.
func bindAnnotatedFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var bindErr error
	flags.VisitAll(func(f *pflag.Flag) {
		keys := f.Annotations[viperKeyAnnotation]
		if len(keys) == 0 || bindErr != nil {
			return
		}
		if err := v.BindPFlag(keys[0], f); err != nil {
			bindErr = fmt.Errorf("failed to bind flag --%s: %w", f.Name, err)
		}
	})
	return bindErr
}
