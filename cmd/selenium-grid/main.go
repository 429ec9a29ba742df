// Command selenium-grid runs a Selenium Grid: a standalone server, a hub or
// a node, and fetches the driver binaries.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wanmail/selenium-grid/grid/config"
	"github.com/wanmail/selenium-grid/internal/logging"
)

// version is reported in node status. It is set at link time.
var version = "dev"

var (
	// Global flags
	configPath string
	logLevel   string
	logFile    string

	cfg    *config.Config
	logger *zap.Logger
	syncFn func() error
)

var rootCmd = &cobra.Command{
	Use:   "selenium-grid",
	Short: "Selenium Grid hub, node and standalone server",
	Long: `selenium-grid routes WebDriver sessions to browsers on one or more nodes.

Configuration is read from a TOML file, then SE_* environment variables,
then command line flags, each overriding the previous one.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath, flagValues(cmd))
		if err != nil {
			return err
		}
		lc := logging.DefaultConfig()
		lc.Level = cfg.Logging.Level
		lc.File = cfg.Logging.File
		lc.JSON = cfg.Logging.Encoding == "json"
		logger, syncFn, err = logging.Setup(lc)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if syncFn != nil {
			_ = syncFn()
		}
	},
}

// flagBindings maps flag names to their configuration section and key.
var flagBindings = map[string][2]string{
	"log-level":               {"logging", "log-level"},
	"log-file":                {"logging", "log-file"},
	"host":                    {"server", "host"},
	"port":                    {"server", "port"},
	"hub":                     {"node", "hub"},
	"max-sessions":            {"node", "max-sessions"},
	"detect-drivers":          {"node", "detect-drivers"},
	"session-request-timeout": {"sessionqueue", "session-request-timeout"},
	"reject-unsupported-caps": {"distributor", "reject-unsupported-caps"},
	"sessions-implementation": {"sessions", "implementation"},
	"redis-addr":              {"sessions", "redis-addr"},
}

// flagValues returns the flags set on the command line.
func flagValues(cmd *cobra.Command) config.Flags {
	flags := config.Flags{}
	for name, key := range flagBindings {
		f := cmd.Flags().Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		var v interface{}
		switch f.Value.Type() {
		case "int":
			v, _ = cmd.Flags().GetInt(name)
		case "bool":
			v, _ = cmd.Flags().GetBool(name)
		default:
			v = f.Value.String()
		}
		if flags[key[0]] == nil {
			flags[key[0]] = map[string]interface{}{}
		}
		flags[key[0]][key[1]] = v
	}
	return flags
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "TOML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn or error")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "write logs to this file, rotated by size")

	for _, c := range []*cobra.Command{standaloneCmd, hubCmd, nodeCmd} {
		c.Flags().String("host", "", "address to listen on")
		c.Flags().Int("port", 0, "port to listen on")
	}
	for _, c := range []*cobra.Command{standaloneCmd, nodeCmd} {
		c.Flags().Int("max-sessions", 0, "maximum number of concurrent sessions")
		c.Flags().Bool("detect-drivers", true, "look up drivers on the PATH when none are configured")
	}
	for _, c := range []*cobra.Command{standaloneCmd, hubCmd} {
		c.Flags().Int("session-request-timeout", 0, "seconds a new session request may wait in the queue")
		c.Flags().Bool("reject-unsupported-caps", false, "fail requests no node can serve")
	}
	hubCmd.Flags().String("sessions-implementation", "", "session map: local or redis")
	hubCmd.Flags().String("redis-addr", "", "redis address of the session map")
	nodeCmd.Flags().String("hub", "", "URL of the hub to register with")

	downloadCmd.Flags().StringVarP(&downloadDir, "dir", "d", ".", "destination directory")
	downloadCmd.Flags().IntVar(&downloadParallel, "parallel", 2, "concurrent downloads")

	rootCmd.AddCommand(standaloneCmd, hubCmd, nodeCmd, downloadCmd)
}

// signalContext is done on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
