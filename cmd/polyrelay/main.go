// Command polyrelay is the translating relay for chat-completion APIs.
//
// Usage:
//
//	polyrelay serve --config config.yaml
//	polyrelay serve --port 3000
//	polyrelay version
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/polyrelay/polyrelay/pkg/auth"
	"github.com/polyrelay/polyrelay/pkg/channels"
	"github.com/polyrelay/polyrelay/pkg/config"
	"github.com/polyrelay/polyrelay/pkg/dispatch"
	"github.com/polyrelay/polyrelay/pkg/logger"
	"github.com/polyrelay/polyrelay/pkg/observability"
	"github.com/polyrelay/polyrelay/pkg/server"
	"github.com/polyrelay/polyrelay/pkg/translate"
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Serve   ServeCmd   `cmd:"" help:"Start the relay server."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)."`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple or verbose)."`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("polyrelay version %s\n", version)
	return nil
}

// ServeCmd starts the relay server.
type ServeCmd struct {
	Port int `help:"Port to listen on (overrides config)." default:"0"`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		cancel()
	}()

	cfg, err := config.Load(cli.Config)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	cleanup, err := initLogger(cli, cfg)
	if err != nil {
		return err
	}
	if cleanup != nil {
		defer cleanup()
	}
	log := logger.GetLogger()

	store, err := channels.NewStore(cfg.Database, log)
	if err != nil {
		return fmt.Errorf("failed to open channel store: %w", err)
	}
	defer store.Close()

	metrics, err := observability.InitMetrics(ctx, observability.MetricsConfig{
		Enabled: cfg.Observability.MetricsEnabled,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}

	if _, err := observability.InitGlobalTracer(ctx, observability.TracerConfig{
		Enabled:      cfg.Observability.TracingEnabled,
		EndpointURL:  cfg.Observability.OTLPEndpoint,
		SamplingRate: cfg.Observability.SamplingRate,
		ServiceName:  "polyrelay",
	}); err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	registry := translate.NewRegistry(translate.NewBudgetMapper(cfg.Budget))
	dispatcher := dispatch.New(registry, metrics, log)
	resolver := channels.NewResolver(store)
	authMgr := auth.NewManager(store, cfg.Admin.Password)

	srv := server.New(cfg, store, resolver, authMgr, registry, dispatcher, metrics, log)

	fmt.Printf("polyrelay ready on %s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("  OpenAI:    POST /v1/chat/completions\n")
	fmt.Printf("  Anthropic: POST /v1/messages\n")
	fmt.Printf("  Gemini:    POST /v1beta/models/{model}:generateContent\n")
	fmt.Printf("  Admin:     /admin\n")
	if cfg.Observability.MetricsEnabled {
		fmt.Printf("  Metrics:   /metrics\n")
	}
	fmt.Println("Press Ctrl+C to stop")

	return srv.Start(ctx)
}

// initLogger applies CLI flags over config file settings.
func initLogger(cli *CLI, cfg *config.Config) (func(), error) {
	level := cfg.Log.Level
	if cli.LogLevel != "" {
		level = cli.LogLevel
	}
	format := cfg.Log.Format
	if cli.LogFormat != "" {
		format = cli.LogFormat
	}
	path := cfg.Log.File
	if cli.LogFile != "" {
		path = cli.LogFile
	}

	output := os.Stderr
	var cleanup func()
	if path != "" {
		file, closeFile, err := logger.OpenLogFile(path, cfg.Log.MaxDays)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output = file
		cleanup = closeFile
	}

	logger.Init(logger.ParseLevel(level), output, format)
	return cleanup, nil
}

func main() {
	_ = config.LoadEnvFiles()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("polyrelay"),
		kong.Description("polyrelay - translating relay for chat-completion APIs"),
		kong.UsageOnError(),
	)

	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
