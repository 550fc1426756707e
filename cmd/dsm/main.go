// Package main provides the dsm CLI entry point.
package main

import (
	"fmt"
	"os"
	"time"

	"dsmessenger/internal/config"
	"dsmessenger/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose    bool
	configPath string
	serverAddr string
	username   string
	password   string
	dataDir    string
	timeout    time.Duration

	// Resolved configuration, set in PersistentPreRunE
	cfg *config.Config

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "dsm",
	Short: "dsm - direct messenger client",
	Long: `dsm talks to a direct-message server over a line-delimited JSON
protocol (TCP port 3001 by default).

It keeps a local notebook per user holding contacts, diary entries and
chat history, and a SQLite cache of every message seen.

Run without arguments to start the interactive chat interface.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Initialize logger
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		cfg, err = loadConfig()
		if err != nil {
			return err
		}

		if err := logging.Initialize(cfg.Storage.DataDir, loggingSettings(cfg)); err != nil {
			logger.Warn("file logging disabled", zap.Error(err))
		}
		if err := logging.InitAudit(); err != nil {
			logger.Warn("audit log disabled", zap.Error(err))
		}
		logging.Boot("dsm %s starting, server %s", cmd.Name(), cfg.ServerAddr())
		logging.BootDebug("config %s, notebook %s, cache %s (enabled=%v)",
			resolvedConfigPath(), cfg.NotebookPath(), cfg.CachePath(), cfg.Storage.CacheEnabled)
		logger.Debug("configuration resolved",
			zap.String("server", cfg.ServerAddr()),
			zap.String("user", cfg.Account.Username),
			zap.String("data_dir", cfg.Storage.DataDir))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAudit()
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: runChat,
}

// loadConfig reads the config file and applies flag overrides on top of
// file and environment values.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	c, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if serverAddr != "" {
		c.Server.Address = serverAddr
	}
	if username != "" {
		c.Account.Username = username
	}
	if password != "" {
		c.Account.Password = password
	}
	if dataDir != "" {
		c.Storage.DataDir = dataDir
	}
	if timeout > 0 {
		c.Server.RequestTimeout = timeout.String()
	}
	return c, nil
}

func loggingSettings(c *config.Config) logging.Settings {
	return logging.Settings{
		DebugMode:  c.Logging.DebugMode,
		Level:      c.Logging.Level,
		JSONFormat: c.Logging.JSONFormat(),
		Categories: c.Logging.Categories,
	}
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.config/dsm/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&serverAddr, "server", "s", "", "Server address (host, host:port, tcp://, ws://, wss://)")
	rootCmd.PersistentFlags().StringVarP(&username, "username", "u", "", "Account username (or DSM_USERNAME)")
	rootCmd.PersistentFlags().StringVarP(&password, "password", "p", "", "Account password (or DSM_PASSWORD)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Directory for notebooks, cache and logs")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 0, "Per-request timeout (overrides server.request_timeout)")

	// Messaging
	fetchCmd.Flags().BoolVar(&fetchAll, "all", false, "Fetch the full history instead of unread messages")
	fetchCmd.Flags().BoolVar(&fetchJSON, "json", false, "Print messages as JSON")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 50, "Show at most this many recent messages (0 for all)")
	historyCmd.Flags().BoolVar(&historyRender, "render", false, "Render the conversation as markdown")
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 0, "Poll interval (overrides poll.interval)")
	statsCmd.Flags().IntVar(&statsTop, "top", 10, "Show at most this many contacts (0 for all)")

	// Contacts
	contactsCmd.AddCommand(contactsListCmd, contactsAddCmd)

	// Diary
	diaryCmd.AddCommand(diaryAddCmd, diaryListCmd, diaryDeleteCmd)

	// Config
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing config file")
	configCmd.AddCommand(configInitCmd, configShowCmd)

	rootCmd.AddCommand(
		sendCmd,
		fetchCmd,
		historyCmd,
		contactsCmd,
		diaryCmd,
		watchCmd,
		chatCmd,
		statsCmd,
		configCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
