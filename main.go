package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/mbridgwater/webserver/handler"
	"github.com/mbridgwater/webserver/internal/config"
	"github.com/mbridgwater/webserver/internal/httplog"
	"github.com/mbridgwater/webserver/internal/logging"
	"github.com/mbridgwater/webserver/internal/metrics"
)

const shutdownTimeout = 5 * time.Second

type options struct {
	configPath string
	listen     string
	prefix     string
	path       string
}

func parseFlags(fs *flag.FlagSet, args []string) (options, error) {
	var opts options
	fs.StringVar(&opts.configPath, "config", "", "path to a TOML config file")
	fs.StringVar(&opts.listen, "listen", "", "listen address for http server (overrides config)")
	fs.StringVar(&opts.prefix, "prefix", "", "url prefix to mount the page under (overrides config)")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() > 1 {
		return options{}, fmt.Errorf("expected at most one package argument, got %q", fs.Args())
	}
	opts.path = fs.Arg(0)
	return opts, nil
}

// loadConfig merges the config file, command line, and working directory.
func loadConfig(opts options) (config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if opts.listen != "" {
		cfg.Listen = opts.listen
	}
	if opts.prefix != "" {
		cfg.Prefix = opts.prefix
	}
	if opts.path != "" {
		cfg.Package = opts.path
		if filepath.IsAbs(opts.path) {
			cfg.SrcDir = opts.path
			cfg.Package = "."
		}
	}
	if cfg.SrcDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return config.Config{}, fmt.Errorf("failed to get working directory: %w", err)
		}
		cfg.SrcDir = wd
	}
	logging.ApplyEnv(&cfg.Log, os.LookupEnv)
	return cfg, config.Validate(cfg)
}

func newMux(cfg config.Config, logger zerolog.Logger) (http.Handler, *handler.WASMHandler, error) {
	mux := http.NewServeMux()

	var m *metrics.Metrics
	if cfg.Metrics {
		reg := prometheus.NewRegistry()
		var err error
		if m, err = metrics.New(reg); err != nil {
			return nil, nil, err
		}
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	wh, err := handler.NewWASMHandler(cfg.SrcDir, cfg.Package,
		handler.WithLogger(logger),
		handler.WithEnv(cfg.Env),
		handler.WithMetrics(m),
	)
	if err != nil {
		return nil, nil, err
	}
	wh.Mount(cfg.Prefix, mux)

	return httplog.Handler(logger, m, mux), wh, nil
}

func run(ctx context.Context, args []string) error {
	opts, err := parseFlags(flag.CommandLine, args)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger := logging.New("webserver", cfg.Log)

	h, wh, err := newMux(cfg, logger)
	if err != nil {
		return err
	}
	defer wh.Close()

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %q failed: %w", cfg.Listen, err)
	}

	logger.Info().
		Str("package", cfg.Package).
		Str("dir", wh.PackageDir()).
		Strs("env", wh.EnvList()).
		Bool("metrics", cfg.Metrics).
		Msgf("listening on http://%v%s/", ln.Addr(), cfg.Prefix)

	srv := &http.Server{Handler: h}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:]); err != nil {
		log.Fatal().Err(err).Msg("webserver stopped")
	}
}
