package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/apfaudio/tiliqua/embedded"
	"github.com/apfaudio/tiliqua/internal/bridge"
	"github.com/apfaudio/tiliqua/internal/serial"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var configFlag string

// config is the daemon configuration, decoded from viper's merged
// settings (defaults, config file, flags).
type config struct {
	Port      string          `mapstructure:"port"`
	Baud      int             `mapstructure:"baud"`
	Sequences string          `mapstructure:"sequences"`
	Link      string          `mapstructure:"link"`
	Pins      bridge.GPIOPins `mapstructure:"pins"`
	Command   []string        `mapstructure:"command"`
	HTTP      string          `mapstructure:"http"`
	Log       string          `mapstructure:"log"`
}

var atom = zap.NewAtomicLevel()

func zapLevel(name string) zapcore.Level {
	switch name {
	case "debug":
		return zap.DebugLevel
	case "info":
		return zap.InfoLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

func initLogger(level string) *zap.Logger {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	logger := zap.New(zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderCfg),
		zapcore.Lock(os.Stdout),
		atom,
	))
	atom.SetLevel(zapLevel(level))
	return logger
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "tiliqua-bridged",
		Short: "Reconfiguration bridge daemon for Tiliqua",
		Long: `tiliqua-bridged runs on the bridge controller. It watches the main
device's debug UART for reconfiguration request tokens and replays the
matching pre-recorded sequence over the configuration link, forcing the
main device to restart from the requested slot's bitstream.

The sequences are generated at build time, one per slot plus one for
bootloader return; the daemon itself knows nothing about flash layout.`,
		RunE: runDaemon,
	}
	rootCmd.Flags().StringVarP(&configFlag, "config", "c", "", "Config file (default bridged.yaml, searched in . and /etc/tiliqua)")
	rootCmd.Flags().String("port", "", "Debug UART device path")
	rootCmd.Flags().Int("baud", 0, "Debug UART baud rate")
	rootCmd.Flags().String("sequences", "", "Sequence directory")
	rootCmd.Flags().String("link", "", "Configuration link: gpio or exec")
	rootCmd.Flags().String("http", "", "Status API listen address")
	rootCmd.Flags().String("log", "", "Log level: debug, info, error")
	viper.BindPFlags(rootCmd.Flags())

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tiliqua-bridged %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the stock configuration template",
		Run: func(cmd *cobra.Command, args []string) {
			os.Stdout.Write(embedded.BridgedConfig())
		},
	}

	rootCmd.AddCommand(versionCmd, configCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig merges the stock template, an optional config file, and
// bound flags, then decodes the result.
func loadConfig() (*config, error) {
	viper.SetConfigType("yaml")
	if err := viper.ReadConfig(bytes.NewReader(embedded.BridgedConfig())); err != nil {
		return nil, fmt.Errorf("built-in config is broken: %w", err)
	}

	if configFlag != "" {
		viper.SetConfigFile(configFlag)
	} else {
		viper.SetConfigName("bridged")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/tiliqua")
	}
	if err := viper.MergeInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFlag != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &config{}
	if err := mapstructure.Decode(viper.AllSettings(), cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}

func buildLink(cfg *config, log *zap.Logger) (bridge.Link, func(), error) {
	switch cfg.Link {
	case "gpio":
		l, err := bridge.NewGPIOLink(cfg.Pins, log)
		if err != nil {
			return nil, nil, err
		}
		return l, func() { l.Close() }, nil
	case "exec":
		l, err := bridge.NewExecLink(cfg.Command, log)
		if err != nil {
			return nil, nil, err
		}
		return l, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown link %q (want gpio or exec)", cfg.Link)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log := initLogger(cfg.Log)
	defer log.Sync()
	log.Info("tiliqua-bridged starting",
		zap.String("version", version),
		zap.String("port", cfg.Port),
		zap.Int("baud", cfg.Baud),
		zap.String("sequences", cfg.Sequences),
		zap.String("link", cfg.Link))

	store, err := bridge.LoadStore(cfg.Sequences, log)
	if err != nil {
		return err
	}

	link, closeLink, err := buildLink(cfg, log)
	if err != nil {
		return err
	}
	defer closeLink()

	engine, err := bridge.NewEngine(store, link, log)
	if err != nil {
		return err
	}

	// The config watcher only reloads what is safe to swap at runtime:
	// the sequence store and the log level. Port and link changes need a
	// restart.
	viper.WatchConfig()
	viper.OnConfigChange(func(e fsnotify.Event) {
		log.Info("config file changed", zap.String("file", e.Name))
		atom.SetLevel(zapLevel(viper.GetString("log")))
		fresh, err := bridge.LoadStore(viper.GetString("sequences"), log)
		if err != nil {
			log.Error("sequence store not reloaded", zap.Error(err))
			return
		}
		engine.SetStore(fresh)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.HTTP != "" {
		srv := &http.Server{Addr: cfg.HTTP, Handler: bridge.NewRouter(engine)}
		go func() {
			log.Info("status api listening", zap.String("addr", cfg.HTTP))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("status api failed", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	return watchStream(ctx, engine, cfg, log)
}

// watchStream keeps the debug stream open until shutdown, reopening the
// port when it drops. Replays happen inside engine.Run.
func watchStream(ctx context.Context, engine *bridge.Engine, cfg *config, log *zap.Logger) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		port, err := serial.Open(cfg.Port, cfg.Baud)
		if err != nil {
			log.Warn("debug uart not available", zap.String("port", cfg.Port), zap.Error(err))
			if !sleepCtx(ctx, 2*time.Second) {
				return nil
			}
			continue
		}
		// The bridge gates its transmit path on DTR; without the
		// handshake the stream stays silent.
		if err := port.Handshake(); err != nil {
			port.Close()
			return err
		}
		if err := port.StreamMode(); err != nil {
			port.Close()
			return err
		}
		log.Info("watching debug stream", zap.String("port", cfg.Port))

		// Closing the port unblocks the scanner's pending read.
		closed := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				port.Close()
			case <-closed:
			}
		}()

		err = engine.Run(ctx, port)
		close(closed)
		port.Close()

		if ctx.Err() != nil {
			log.Info("shutting down")
			return nil
		}
		log.Warn("debug stream ended, reopening", zap.Error(err))
		if !sleepCtx(ctx, 2*time.Second) {
			return nil
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
