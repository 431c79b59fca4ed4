package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	go2tvadapters "go2tv.app/castkeeper/internal/adapters/go2tv"
	"go2tv.app/castkeeper/internal/api"
	"go2tv.app/castkeeper/internal/buildinfo"
	"go2tv.app/castkeeper/internal/catalog"
	"go2tv.app/castkeeper/internal/config"
	"go2tv.app/castkeeper/internal/coordinator"
	"go2tv.app/castkeeper/internal/device"
	"go2tv.app/castkeeper/internal/diagnostics"
	"go2tv.app/castkeeper/internal/discovery"
	"go2tv.app/castkeeper/internal/lifecycle"
	xlog "go2tv.app/castkeeper/internal/log"
	"go2tv.app/castkeeper/internal/mcpserver"
	"go2tv.app/castkeeper/internal/mediaserver"
	"go2tv.app/castkeeper/internal/monitor"
	"go2tv.app/castkeeper/internal/registry"
)

const (
	serverName   = "castkeeper"
	syncInterval = 30 * time.Second
	shutdownWait = 10 * time.Second
)

var errStdioClosed = errors.New("stdio session closed")

type selfTestOutput struct {
	Server struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"server"`
	Go2TVAdapters struct {
		DiscoveryWired bool `json:"discovery_wired"`
		CastWired      bool `json:"cast_wired"`
		DLNAWired      bool `json:"dlna_wired"`
	} `json:"go2tv_adapters"`
	diagnostics.Report
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", os.Getenv("CASTKEEPER_CONFIG"), "path to the YAML config file")
	selfTest := flag.Bool("self-test", false, "run dependency and wiring diagnostics then exit")
	showVersion := flag.Bool("version", false, "print version and exit")
	stdio := flag.Bool("stdio", false, "also serve MCP tools over stdin/stdout; EOF shuts the daemon down")
	flag.Parse()

	if *showVersion {
		fmt.Println(buildinfo.Version)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	xlog.Configure(xlog.Config{
		Level:   cfg.Log.Level,
		Service: serverName,
		File: xlog.FileConfig{
			Path:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
		},
	})
	logger := xlog.WithComponent("main")

	bundle := go2tvadapters.NewBundle()

	if *selfTest {
		return runSelfTest(cfg, bundle)
	}

	ctx, stopSignals := signal.NotifyContext(context.Background(), lifecycle.TerminationSignals()...)
	defer stopSignals()

	logger.Info().
		Str(xlog.FieldEvent, "daemon.start").
		Str("version", buildinfo.Version).
		Str("listen", cfg.Server.Listen).
		Str("library", cfg.Library.Dir).
		Msg("starting castkeeper")

	store, err := catalog.OpenStore(cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn().Err(err).Msg("closing database")
		}
	}()

	deps := diagnostics.DetectDependencies()
	if !deps.FFmpeg.Found {
		logger.Warn().Str(xlog.FieldEvent, "daemon.ffmpeg_missing").Msg("ffmpeg not found; video durations will be unknown")
	}
	library := catalog.NewLibrary(afero.NewOsFs(), cfg.Library.Dir, catalog.FFmpegProber(deps.FFmpeg.Path))
	videos := catalog.New(store, library)
	if err := videos.Load(ctx); err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	if n, err := videos.Refresh(ctx); err != nil {
		logger.Warn().Err(err).Str(xlog.FieldEvent, "catalog.refresh_failed").Msg("initial library scan failed")
	} else {
		logger.Info().Int("videos", n).Msg("library scanned")
	}

	reg := registry.New()
	media := mediaserver.New(mediaserver.Options{
		BindHost:        cfg.Media.BindHost,
		AdvertiseHost:   cfg.Media.AdvertiseHost,
		Port:            cfg.Media.Port,
		MaxBindAttempts: cfg.Media.MaxBindAttempts,
		MaxSessions:     cfg.Media.MaxSessions,
		IdleGrace:       cfg.Media.IdleGrace,
		ExpireAfter:     cfg.Media.ExpireAfter,
		SweepEvery:      cfg.Media.SweepEvery,
	})
	factory := device.NewFactory(bundle.CastFactory, bundle.DLNAFactory, cfg.Assign.CallTimeout)

	coord := coordinator.New(reg, media, videos, factory, store, coordinator.Options{
		Monitor: monitor.Config{
			PollInterval:       cfg.Monitor.PollInterval,
			Jitter:             cfg.Monitor.Jitter,
			CallTimeout:        cfg.Monitor.CallTimeout,
			FailureThreshold:   cfg.Monitor.FailureThreshold,
			FailureMaxBackoff:  cfg.Monitor.FailureMaxBackoff,
			RestartAttempts:    cfg.Monitor.RestartAttempts,
			RestartBaseBackoff: cfg.Monitor.RestartBaseBackoff,
			RestartMaxBackoff:  cfg.Monitor.RestartMaxBackoff,
			ActivityGrace:      cfg.Monitor.ActivityGrace,
			EndTolerance:       cfg.Monitor.EndTolerance,
		},
		PollLimiter: pollLimiter(cfg.Monitor.PollsPerSecond),
		PlayRetry: device.RetryPolicy{
			Attempts:    cfg.Assign.PlayAttempts,
			BaseBackoff: cfg.Assign.BaseBackoff,
			MaxBackoff:  cfg.Assign.MaxBackoff,
		},
		CallTimeout:           cfg.Assign.CallTimeout,
		ManualOverrideDefault: cfg.ManualOverrideDefault,
	})
	if err := coord.Bootstrap(ctx); err != nil {
		return fmt.Errorf("load devices: %w", err)
	}

	httpSrv := &http.Server{
		Addr: cfg.Server.Listen,
		Handler: api.New(coord, videos, api.Options{
			RateLimit:      cfg.Server.RateLimit,
			RateWindow:     cfg.Server.RateWindow,
			RequestTimeout: cfg.Server.RequestTimeout,
		}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str(xlog.FieldEvent, "http.listen").Str("addr", httpSrv.Addr).Msg("control API listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("control API: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWait)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if cfg.Discovery.Enabled {
		svc := discovery.NewService(bundle.Discovery, gctx)
		g.Go(func() error {
			return svc.Run(gctx, reg, cfg.Discovery.Interval, cfg.Discovery.Timeout)
		})
	}

	// The watcher is best effort; a missing library dir should not stop the daemon.
	if cfg.Library.Watch {
		g.Go(func() error {
			if err := videos.Watch(gctx, cfg.Library.WatchDebounce); err != nil {
				logger.Warn().Err(err).Str(xlog.FieldEvent, "catalog.watcher_start_failed").Msg("library watcher unavailable")
			}
			return nil
		})
	}

	if sigs := lifecycle.ReloadSignals(); len(sigs) > 0 {
		g.Go(func() error {
			reload := make(chan os.Signal, 1)
			signal.Notify(reload, sigs...)
			defer signal.Stop(reload)
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-reload:
					n, err := videos.Refresh(gctx)
					if err != nil {
						logger.Error().Err(err).Str(xlog.FieldEvent, "catalog.reload_failed").Msg("library rescan failed")
						continue
					}
					logger.Info().Str(xlog.FieldEvent, "catalog.reloaded").Int("videos", n).Msg("library rescanned")
				}
			}
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(syncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := coord.Sync(gctx); err != nil && gctx.Err() == nil {
					logger.Warn().Err(err).Str(xlog.FieldEvent, "devices.sync_failed").Msg("device persistence failed")
				}
			}
		}
	})

	if *stdio {
		srv := mcpserver.New(os.Stdin, os.Stdout, mcpserver.Config{
			ServerName:    serverName,
			ServerVersion: buildinfo.Version,
			Controller:    coord,
			Videos:        videos,
		})
		// Reads from stdin block without regard to ctx, so the reader is not
		// waited on once the group is shutting down.
		g.Go(func() error {
			done := make(chan error, 1)
			go func() { done <- srv.Run(gctx) }()
			select {
			case <-gctx.Done():
				return nil
			case err := <-done:
				if err != nil {
					return err
				}
				return errStdioClosed
			}
		})
	}

	runErr := g.Wait()
	logStop(logger, runErr)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWait)
	defer cancel()
	var errs []error
	if err := coord.Close(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("stop monitors: %w", err))
	}
	if err := coord.Sync(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if err := media.Close(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("stop media server: %w", err))
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, errStdioClosed) {
		errs = append(errs, runErr)
	}
	return errors.Join(errs...)
}

func runSelfTest(cfg config.Config, bundle go2tvadapters.Bundle) error {
	var out selfTestOutput
	out.Server.Name = serverName
	out.Server.Version = buildinfo.Version
	out.Go2TVAdapters.DiscoveryWired = bundle.Discovery != nil
	out.Go2TVAdapters.CastWired = bundle.CastFactory != nil
	out.Go2TVAdapters.DLNAWired = bundle.DLNAFactory != nil
	out.Report = diagnostics.SelfTest(diagnostics.Inputs{
		LibraryDir:   cfg.Library.Dir,
		DatabasePath: cfg.Database,
		MediaHost:    cfg.Media.BindHost,
		MediaPort:    cfg.Media.Port,
	})

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(out); err != nil {
		return err
	}
	if !out.OK {
		return errors.New("self-test failed")
	}
	return nil
}

func pollLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

func logStop(logger zerolog.Logger, err error) {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		logger.Info().Str(xlog.FieldEvent, "daemon.stopping").Str("reason", "signal").Msg("shutting down")
	case errors.Is(err, errStdioClosed):
		logger.Info().Str(xlog.FieldEvent, "daemon.stopping").Str("reason", "clean_eof").Msg("shutting down")
	default:
		logger.Warn().Err(err).Str(xlog.FieldEvent, "daemon.stopping").Msg("shutting down")
	}
}
