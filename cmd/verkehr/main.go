package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/fabian4/verkehr/internal/config"
	"github.com/fabian4/verkehr/internal/forward"
	"github.com/fabian4/verkehr/internal/metrics"
	"github.com/fabian4/verkehr/internal/middleware"
	"github.com/fabian4/verkehr/internal/proxy"
	"github.com/fabian4/verkehr/internal/routecache"
	"github.com/fabian4/verkehr/internal/server"
)

func main() {
	configPath := flag.String("config", "./cmd/config.yaml", "path to YAML config")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	logFormat := flag.String("log-format", "text", "log format: text or json")
	accessLog := flag.String("access-log", "stdout", `access log destination: "stdout", a file path, or "" to disable`)
	metricsAddress := flag.String("metrics-address", "", "serve /metrics on this address, empty disables")
	drainTimeout := flag.Duration("drain-timeout", server.DefaultDrainTimeout, "how long stopped entrypoints drain connections")
	cacheSize := flag.Int("route-cache-size", routecache.DefaultSize, "routing cache entries per entrypoint")
	flag.Parse()

	if err := setupLogging(*logLevel, *logFormat); err != nil {
		log.Fatalf("logging: %v", err)
	}

	c, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	store := config.NewStore(c)

	access, closeAccess, err := accessLogger(*accessLog)
	if err != nil {
		log.Fatalf("access log: %v", err)
	}
	defer closeAccess()

	m := metrics.NewRegistry()
	transports := forward.NewDefaultRegistry()
	gw := proxy.NewGateway(transports, m, access)
	if err := m.RegisterRouteCache(gw.CacheStats); err != nil {
		log.Fatalf("metrics: %v", err)
	}

	stores := middleware.NewStores()
	mgr := server.NewManager(store, gw, stores, server.Options{
		DrainTimeout: *drainTimeout,
		CacheSize:    *cacheSize,
	})
	mgr.StartAll()
	log.WithFields(log.Fields{
		"config":           *configPath,
		"http_entrypoints": len(c.HTTP.Entrypoints),
		"tcp_entrypoints":  len(c.TCP.Entrypoints),
	}).Info("verkehr started")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider := &config.FileProvider{
		Path:    *configPath,
		Store:   store,
		OnError: func(error) { m.ObserveReload(0, false) },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return provider.Run(gctx) })
	g.Go(func() error { return mgr.Watch(gctx) })
	g.Go(func() error {
		stores.Run(gctx)
		return nil
	})
	if *metricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		srv := &http.Server{Addr: *metricsAddress, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			log.Infof("metrics listening on %s", *metricsAddress)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			return srv.Close()
		})
	}

	if err := g.Wait(); err != nil {
		log.Errorf("shutting down: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), *drainTimeout+time.Second)
	defer cancel()
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		log.Warnf("shutdown: %v", err)
	}
	transports.CloseIdle()
	log.Info("verkehr stopped")
}

func setupLogging(level, format string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return err
	}
	log.SetLevel(lvl)
	switch format {
	case "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		return errors.New("unknown log format " + format)
	}
	return nil
}

// accessLogger writes one JSON line per request.
func accessLogger(dest string) (*log.Logger, func(), error) {
	noop := func() {}
	if dest == "" {
		return nil, noop, nil
	}
	l := log.New()
	l.SetFormatter(&log.JSONFormatter{})
	if dest == "stdout" {
		l.SetOutput(os.Stdout)
		return l, noop, nil
	}
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, noop, err
	}
	l.SetOutput(f)
	return l, func() { _ = f.Close() }, nil
}
