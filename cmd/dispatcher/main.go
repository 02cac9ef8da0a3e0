package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/kelseyhightower/envconfig"
	"github.com/lmittmann/tint"

	"github.com/edgectl/dispatcher/internal/api"
	"github.com/edgectl/dispatcher/internal/configstore"
	"github.com/edgectl/dispatcher/internal/dispatcher"
	"github.com/edgectl/dispatcher/internal/metrics"
	"github.com/edgectl/dispatcher/internal/notify"
	"github.com/edgectl/dispatcher/internal/pipeline"
	"github.com/edgectl/dispatcher/internal/registry"
	"github.com/edgectl/dispatcher/internal/script"
	"github.com/edgectl/dispatcher/internal/server"
	"github.com/edgectl/dispatcher/internal/southbound"
	"github.com/edgectl/dispatcher/internal/storage"
)

//nolint:gochecknoglobals,revive // build variables
var (
	commit string = "unspecified"
	app    string = "dispatcher"
)

type cli struct {
	Foreground bool `short:"d" help:"Run in the foreground. The service never daemonizes; the flag is accepted and has no effect."`

	Debug    bool   `help:"Enable debug logging."`
	Name     string `default:"dispatcher" help:"Service name used for registration and configuration."`
	Address  string `default:"0.0.0.0" help:"Address the ingress API binds to."`
	Port     int    `default:"8084" help:"Port the ingress API listens on."`
	LogLevel string `name:"logLevel" help:"Minimum log level (debug, info, warning, error)."`
	Token    string `help:"Bearer token for calls to the core and south services."`
	DryRun   bool   `name:"dryrun" help:"Validate configuration and pipelines, then exit."`
}

type config struct {
	LogFormat    string `default:"plain" split_words:"true"`
	LogAddSource bool   `default:"false" split_words:"true"`

	CoreURL    string `default:"http://localhost:8081" split_words:"true"`
	StorageDSN string `default:"postgres://fledge@localhost:5432/fledge" split_words:"true"`
	NatsURL    string `split_words:"true"`

	ServerWriteTimeout    time.Duration `default:"15s" split_words:"true"`
	ServerReadTimeout     time.Duration `default:"15s" split_words:"true"`
	ServerIdleTimeout     time.Duration `default:"5m" split_words:"true"`
	ServerShutdownTimeout time.Duration `default:"30s" split_words:"true"`

	ConfigTimeout time.Duration `default:"10s" split_words:"true"`
}

func main() {
	var flags cli
	kong.Parse(&flags, kong.Name(app), kong.Description("Control request dispatcher service."))

	var cfg config
	if err := envconfig.Process("dispatcher", &cfg); err != nil {
		slog.Error("unable to parse config", slog.Any("error", err))
		os.Exit(1)
	}

	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)
	if flags.LogLevel != "" {
		level.Set(parseLevel(flags.LogLevel))
	}
	if flags.Debug {
		level.Set(slog.LevelDebug)
	}

	//nolint: exhaustruct // optional config
	logOpts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.LogAddSource,
	}

	var logHandler slog.Handler
	switch cfg.LogFormat {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stdout, logOpts)
	default:
		//nolint:exhaustruct // optional config
		logHandler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
	}

	log := slog.New(logHandler).With(
		slog.String("app", app),
		slog.String("commit_hash", commit),
		slog.String("goversion", runtime.Version()),
	)
	slog.SetDefault(log)

	if err := mainErr(&flags, &cfg, level, log); err != nil {
		log.Error("Service stopped with error", slog.Any("error", err))
		os.Exit(1)
	}

	log.Info("Service terminated gracefully")
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warning", "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func mainErr(flags *cli, cfg *config, level *slog.LevelVar, log *slog.Logger) error {
	ctx := context.Background()

	store, err := storage.NewPostgres(ctx, cfg.StorageDSN, log)
	if err != nil {
		return fmt.Errorf("connect to storage: %w", err)
	}
	defer store.Close()

	cfgStore := configstore.NewHTTPClient(cfg.CoreURL, flags.Name, cfg.ConfigTimeout)
	reg := registry.NewHTTPClient(cfg.CoreURL, flags.Token, log)
	met := metrics.New()
	mgr := pipeline.NewManager(store, cfgStore, log)
	south := southbound.NewClient(flags.Token, log)

	svc := dispatcher.New(dispatcher.Options{
		Name:           flags.Name,
		Address:        flags.Address,
		Port:           flags.Port,
		ManagementPort: flags.Port,
		Token:          flags.Token,
	}, reg, cfgStore, mgr, south, met, level, log)
	svc.SetScriptEngine(script.NewEngine(store, svc, log))

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start dispatcher: %w", err)
	}

	if flags.DryRun {
		log.Info("Dry run complete, configuration and pipelines are valid")
		svc.Stop(ctx, true)
		return nil
	}

	var consumer *notify.Consumer
	if cfg.NatsURL != "" {
		consumer, err = notify.NewConsumer(cfg.NatsURL, flags.Name, mgr, svc, svc.ScriptEngine(), log)
		if err != nil {
			svc.Stop(ctx, true)
			return fmt.Errorf("start change consumer: %w", err)
		}
		if err := consumer.Start(ctx); err != nil {
			svc.Stop(ctx, true)
			return fmt.Errorf("start change consumer: %w", err)
		}
	}

	apiServer := server.NewHTTPServer(
		fmt.Sprintf("%s:%d", flags.Address, flags.Port),
		api.NewRouter(svc, mgr, met, log),
		cfg.ServerReadTimeout,
		cfg.ServerWriteTimeout,
		cfg.ServerIdleTimeout,
		log,
	)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- apiServer.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		if consumer != nil {
			consumer.Stop()
		}
		svc.Stop(ctx, true)
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	case <-shutdown:
		log.Info("Received termination signal - service will shutdown")
		if consumer != nil {
			consumer.Stop()
		}
		if err := apiServer.Shutdown(cfg.ServerShutdownTimeout); err != nil {
			svc.Stop(ctx, true)
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
		svc.Stop(ctx, true)
		return nil
	}
}
