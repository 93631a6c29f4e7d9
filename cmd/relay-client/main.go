// Command relay-client dials a relay server and exposes configured local
// services through it.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-envparse"
	"github.com/relaymux/relay/pkg/client"
	"github.com/relaymux/relay/pkg/relaylog"
	"github.com/relaymux/relay/pkg/rlconfig"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
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
	pflag.StringVar(&opt.Config, "config", "relay-client.json", "Path to the client config file")
	pflag.StringVar(&opt.EnvFile, "env-file", "", "Load RELAY_AUTH from a KEY=VALUE env file instead of the config file")

	pflag.BoolVar(&opt.Trace, "trace", false, "Set terminal log level to trace")
	pflag.BoolVar(&opt.Debug, "debug", false, "Set terminal log level to debug")
	pflag.BoolVar(&opt.Info, "info", false, "Set terminal log level to info (default)")
	pflag.BoolVar(&opt.Warn, "warn", false, "Set terminal log level to warn")
	pflag.BoolVar(&opt.Error, "error", false, "Set terminal log level to error")
	pflag.BoolVar(&opt.Off, "off", false, "Disable terminal logging")

	pflag.BoolVar(&opt.TraceFile, "trace-file", false, "Set file log level to trace")
	pflag.BoolVar(&opt.DisableLog, "disable-log", false, "Disable file logging")
	pflag.StringVar(&opt.LogFilePath, "log-file", "relay-client.log", "Path to the log file")
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

	cfg, err := rlconfig.Load(log.Logger, opt.Config, client.DefaultConfig())
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

	if len(cfg.Targets) == 0 {
		log.Error().Msg("no targets configured")
		os.Exit(2)
	}

	m := client.NewMetrics()
	proxy := client.NewProxy(cfg, log.Logger, m)

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

	if err := proxy.Run(ctx); err != nil {
		if errors.Is(err, client.ErrAuthRejected) {
			log.Error().Msg("authentication rejected by server")
			os.Exit(3)
		}
		log.Error().Err(err).Msg("client exited with error")
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
