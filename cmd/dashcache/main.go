package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jwilder/dashcache"
	"github.com/jwilder/dashcache/internal/config"
	"github.com/jwilder/dashcache/internal/logger"
	"github.com/jwilder/dashcache/internal/server"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	configPath string
	cfg        config.Config

	flagListen    string
	flagWorkers   int
	flagMinBlock  int
	flagMaxBlock  int
	flagMaxDepth  int
	flagSweep     time.Duration
	flagLogLevel  string
	flagLogFormat string
	forceInit     bool
)

var rootCmd = &cobra.Command{
	Use:   "dashcache",
	Short: "dashcache is a memcached-compatible in-memory cache",
	Long: `dashcache is an in-memory key/value cache speaking the memcached binary
protocol. Keys live in a dashtable index and values in buddy-allocated arenas.`,
	SilenceUsage: true,
}

// loadConfig reads the config file if one was given, applies flag overrides
// and initializes logging.
func loadConfig(cmd *cobra.Command) error {
	var err error
	cfg = config.Default()
	if configPath != "" {
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
	}
	applyOverrides(cmd.Flags(), &cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	return logger.Init(logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
}

// applyOverrides copies explicitly set flags over the file configuration.
func applyOverrides(fs *pflag.FlagSet, cfg *config.Config) {
	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "listen":
			cfg.Listen = flagListen
		case "workers":
			cfg.Workers = flagWorkers
		case "min-block":
			cfg.MinBlockSize = flagMinBlock
		case "max-block":
			cfg.MaxBlockSize = flagMaxBlock
		case "max-depth":
			cfg.MaxDepth = flagMaxDepth
		case "sweep":
			cfg.SweepInterval = config.Duration(flagSweep)
		case "log-level":
			cfg.LogLevel = flagLogLevel
		case "log-format":
			cfg.LogFormat = flagLogFormat
		}
	})
}

// newShard builds a standalone shard from the loaded configuration.
func newShard() (*dashcache.Shard, error) {
	return dashcache.NewShard(dashcache.ShardConfig{
		MinBlockSize: cfg.MinBlockSize,
		MaxBlockSize: cfg.MaxBlockSize,
		Store: dashcache.Options{
			SegmentSize: cfg.SegmentSize,
			RegularSize: cfg.RegularSize,
			SlotSize:    cfg.SlotSize,
			MaxDepth:    cfg.MaxDepth,
			Logger:      logger.L,
		},
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the cache server",
	Long:  `Serve the memcached binary protocol until interrupted. Flags override values from --config.`,
	Args:  cobra.NoArgs,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		srv, err := server.New(cfg, logger.L)
		if err != nil {
			return err
		}
		logger.Info("starting dashcache",
			"version", server.Version,
			"listen", cfg.Listen,
			"workers", cfg.Workers)
		return srv.ListenAndServe(ctx)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or create configuration files",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write the default configuration to a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		if _, err := os.Stat(path); err == nil && !forceInit {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		} else if err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		if err := config.Write(path, config.Default()); err != nil {
			return err
		}
		fmt.Printf("Wrote default configuration to %s\n", path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  `Print the configuration serve would run with, after applying --config and flag overrides.`,
	Args:  cobra.NoArgs,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := config.Format(cfg)
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	},
}

// addServerFlags registers the configuration overrides on fs.
func addServerFlags(fs *pflag.FlagSet) {
	def := config.Default()
	fs.StringVarP(&flagListen, "listen", "l", def.Listen, "Address to listen on")
	fs.IntVarP(&flagWorkers, "workers", "w", def.Workers, "Number of worker shards")
	fs.IntVar(&flagMinBlock, "min-block", def.MinBlockSize, "Smallest arena block in bytes (power of two)")
	fs.IntVar(&flagMaxBlock, "max-block", def.MaxBlockSize, "Arena size in bytes (power of two)")
	fs.IntVar(&flagMaxDepth, "max-depth", def.MaxDepth, "Maximum directory depth per shard")
	fs.DurationVar(&flagSweep, "sweep", time.Duration(def.SweepInterval), "Expired key sweep interval (0 = lazy only)")
	fs.StringVar(&flagLogLevel, "log-level", def.LogLevel, "Log level: debug, info, warn, error")
	fs.StringVar(&flagLogFormat, "log-format", def.LogFormat, "Log format: text or json")
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (JSON with comments)")
	rootCmd.PersistentFlags().StringVarP(&serverAddr, "addr", "a", "127.0.0.1:11211", "Server address for client commands")

	addServerFlags(serveCmd.Flags())
	addServerFlags(configShowCmd.Flags())

	configInitCmd.Flags().BoolVarP(&forceInit, "force", "f", false, "Overwrite an existing file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(replCmd)
	rootCmd.AddCommand(benchCmd)
	addClientCommands(rootCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
