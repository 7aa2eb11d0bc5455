package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	hpsa "github.com/ehrlich-b/go-hpsa"
	"github.com/ehrlich-b/go-hpsa/backend"
	"github.com/ehrlich-b/go-hpsa/internal/logging"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:               "hpsa-sim",
		Short:             "Smart Array controller core running against a simulated board",
		SilenceUsage:      true,
		DisableAutoGenTag: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cfgFile)
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./hpsa-sim.yaml or /etc/hpsa-sim/hpsa-sim.yaml)")
	cmd.MarkPersistentFlagFilename("config", "yaml", "yml")

	flags := cmd.PersistentFlags()
	flags.String("topology", "", "topology file describing volumes and physical devices")
	flags.String("transport", hpsa.TransportAuto, "transport mode: auto, simple or performant")
	flags.Int("replyQueues", 4, "performant reply queues to request")
	flags.Int("maxCommands", 256, "command slots to allocate")
	flags.Bool("sim.performant", true, "simulated board supports the performant transport")
	flags.Bool("sim.swizzle", false, "simulated board expects byte-swapped abort tags")
	flags.Bool("sim.noTaskAbort", false, "simulated board has no task abort support")

	flags.String("logging.level", "info", "log level: debug, info, warn or error")
	flags.String("logging.format", "text", "log format: text or json")
	flags.String("logging.filename", "", "also write logs to this file, rotated")
	flags.Int("logging.maxSize", 100, "size in megabytes at which the log file is rotated")
	flags.Duration("logging.maxAge", 96*time.Hour, "how long rotated log files are kept")
	for _, name := range []string{
		"topology", "transport", "replyQueues", "maxCommands",
		"sim.performant", "sim.swizzle", "sim.noTaskAbort",
		"logging.level", "logging.format", "logging.filename", "logging.maxSize", "logging.maxAge",
	} {
		viper.BindPFlag(name, flags.Lookup(name))
	}

	cmd.AddCommand(
		newServeCmd(),
		newScanCmd(),
		newInquiryCmd(),
		newResetCmd(),
	)
	return cmd
}

// loadConfig reads the config file and HPSA_ environment variables
func loadConfig(configFile string) error {
	viper.SetEnvPrefix("hpsa")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigType("yaml")
		viper.SetConfigName("hpsa-sim")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/hpsa-sim/")
	}
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok && configFile == "" {
			return nil
		}
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// setupLogging builds the process logger from the logging.* keys. The
// returned func closes the log file, if any.
func setupLogging() (*logging.Logger, func() error, error) {
	level, err := logging.ParseLevel(viper.GetString("logging.level"))
	if err != nil {
		return nil, nil, err
	}
	var out io.Writer = os.Stderr
	closer := func() error { return nil }
	if name := viper.GetString("logging.filename"); name != "" {
		lj := &lumberjack.Logger{
			Filename: name,
			MaxSize:  viper.GetInt("logging.maxSize"),
			MaxAge:   int(viper.GetDuration("logging.maxAge") / (24 * time.Hour)),
			Compress: true,
		}
		out = io.MultiWriter(os.Stderr, lj)
		closer = lj.Close
	}
	logger := logging.NewLogger(&logging.Config{
		Level:   level,
		Format:  viper.GetString("logging.format"),
		Output:  out,
		Sync:    true,
		NoColor: viper.GetString("logging.filename") != "",
	})
	logging.SetDefault(logger)
	return logger, closer, nil
}

// simConfig is the simulated board described by the sim.* keys
func simConfig(logger *logging.Logger) backend.Config {
	cfg := backend.DefaultConfig()
	cfg.Performant = viper.GetBool("sim.performant")
	cfg.NeedsAbortTagSwizzle = viper.GetBool("sim.swizzle")
	if viper.GetBool("sim.noTaskAbort") {
		cfg.TMFSupportFlags = 0
	}
	cfg.Logger = logger
	return cfg
}

// controllerConfig is the controller configuration from viper
func controllerConfig(logger *logging.Logger) hpsa.Config {
	cfg := hpsa.DefaultConfig()
	cfg.TransportMode = viper.GetString("transport")
	cfg.ReplyQueues = viper.GetInt("replyQueues")
	cfg.MaxCommands = viper.GetInt("maxCommands")
	if viper.IsSet("offlineMonitorInterval") {
		cfg.OfflineMonitorInterval = viper.GetDuration("offlineMonitorInterval")
	}
	if viper.IsSet("rescanOnUnitAttention") {
		cfg.RescanOnUnitAttention = viper.GetBool("rescanOnUnitAttention")
	}
	cfg.Logger = logger
	return cfg
}

// currentLayout loads the topology file, or the built-in layout when
// none is configured
func currentLayout() (*layout, error) {
	path := viper.GetString("topology")
	if path == "" {
		return defaultLayout(), nil
	}
	return loadLayout(path)
}
