// Command relayd runs the relay server: it accepts one authenticated
// controller at a time and exposes its advertised ports to the world.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-envparse"
	"github.com/relaymux/relay/pkg/relaylog"
	"github.com/relaymux/relay/pkg/rlconfig"
	"github.com/relaymux/relay/pkg/server"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"golang.org/x/mod/semver"
)

var opt struct {
	Help    bool
	Config  string
	EnvFile string

	Trace bool
	Debug bool
	Info  bool
	Warn  bool
	Error bool
	Off   bool

	TraceFile   bool
	DisableLog  bool
	LogFilePath string
}

func init() {
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
	pflag.StringVar(&opt.Config, "config", "relayd.json", "Path to the server config file")
	pflag.StringVar(&opt.EnvFile, "env-file", "", "Load RELAY_AUTH from a KEY=VALUE env file instead of the config file")

	pflag.BoolVar(&opt.Trace, "trace", false, "Set terminal log level to trace")
	pflag.BoolVar(&opt.Debug, "debug", false, "Set terminal log level to debug")
	pflag.BoolVar(&opt.Info, "info", false, "Set terminal log level to info (default)")
	pflag.BoolVar(&opt.Warn, "warn", false, "Set terminal log level to warn")
	pflag.BoolVar(&opt.Error, "error", false, "Set terminal log level to error")
	pflag.BoolVar(&opt.Off, "off", false, "Disable terminal logging")

	pflag.BoolVar(&opt.TraceFile, "trace-file", false, "Set file log level to trace")
	pflag.BoolVar(&opt.DisableLog, "disable-log", false, "Disable file logging")
	pflag.StringVar(&opt.LogFilePath, "log-file", "relayd.log", "Path to the log file")
}

func main() {
	pflag.Parse()
	if opt.Help {
		fmt.Printf("usage: %s [options]\n\noptions:\n%s", os.Args[0], pflag.CommandLine.FlagUsages())
		os.Exit(0)
	}

	fileLevel := zerolog.InfoLevel
	if opt.TraceFile {
		fileLevel = zerolog.TraceLevel
	}
	if opt.DisableLog {
		opt.LogFilePath = ""
	}

	log, err := relaylog.Build(relaylog.Settings{
		TerminalLevel: relaylog.LevelFromFlags(opt.Trace, opt.Debug, opt.Warn, opt.Error, opt.Off),
		Pretty:        true,
		FilePath:      opt.LogFilePath,
		FileLevel:     fileLevel,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: initialize logging: %v\n", err)
		os.Exit(2)
	}

	cfg, err := rlconfig.Load(log.Logger, opt.Config, server.DefaultConfig())
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
		os.Exit(2)
	}

	if opt.EnvFile != "" {
		secret, err := readAuthEnv(opt.EnvFile)
		if err != nil {
			log.Error().Err(err).Msg("failed to read env file")
			os.Exit(2)
		}
		if secret != "" {
			cfg.Auth = rlconfig.Bytes(secret)
		}
	}

	if cfg.MinimumClientVersion != "" && !semver.IsValid(cfg.MinimumClientVersion) {
		log.Warn().Str("minimum_client_version", cfg.MinimumClientVersion).Msg("configured minimum_client_version is not a valid semver string, ignoring")
		cfg.MinimumClientVersion = ""
	}

	m := server.NewMetrics()
	master, err := server.NewMaster(cfg, log.Logger, m)
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize server")
		os.Exit(2)
	}

	if cfg.StatusListen != "" {
		status := server.NewStatusServer(master, m, log.Logger)
		go func() {
			if err := status.ListenAndServe(cfg.StatusListen); err != nil {
				log.Warn().Err(err).Msg("status server stopped")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hch := make(chan os.Signal, 1)
	signal.Notify(hch, syscall.SIGHUP)
	go func() {
		for range hch {
			log.Info().Msg("received SIGHUP, reopening log file")
			log.Reopen()
		}
	}()

	if err := master.Run(ctx); err != nil {
		log.Error().Err(err).Msg("server exited with error")
		os.Exit(2)
	}
}

func readAuthEnv(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	m, err := envparse.Parse(f)
	if err != nil {
		return "", err
	}
	return m["RELAY_AUTH"], nil
}
