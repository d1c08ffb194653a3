// Command veloxd runs the server with a demo route set, a Prometheus
// metrics endpoint, and graceful shutdown.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/veloxhttp/velox/pkg/velox"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to YAML config file")
		addr        = flag.String("addr", "", "listen address (overrides config)")
		metricsAddr = flag.String("metrics-addr", ":9090", "Prometheus metrics listen address, empty to disable")
	)
	flag.Parse()

	logger := log.New(os.Stderr, "veloxd ", log.LstdFlags)

	cfg := velox.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = velox.LoadConfig(*configPath)
		if err != nil {
			logger.Fatalf("load config: %v", err)
		}
		stop, err := velox.WatchConfig(*configPath, logger, func(next velox.Config) {
			// Address and buffer changes need a restart; log so the
			// operator knows the file was picked up.
			logger.Printf("config file changed; restart to apply addr=%s", next.Addr)
		})
		if err != nil {
			logger.Printf("config watch disabled: %v", err)
		} else {
			defer stop()
		}
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	cfg.Logger = logger

	router := velox.NewRouter()
	router.GET("/", func(c *velox.Context) error {
		return c.String(200, "velox is running\n")
	})
	router.GET("/hello/:name", func(c *velox.Context) error {
		return c.JSON(200, map[string]string{"hello": c.Param("name")})
	})
	router.POST("/echo", func(c *velox.Context) error {
		return c.Bytes(200, c.Header("content-type"), c.Body())
	})
	router.GET("/health", func(c *velox.Context) error {
		return c.NoContent(204)
	})

	server := velox.New(cfg).Use(
		velox.Recovery(logger),
		velox.Logger(logger),
		velox.RequestID(),
		velox.Tracing(),
		velox.Prometheus(),
		velox.Compress(),
	)

	var metricsSrv *http.Server
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: *metricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Printf("metrics listener: %v", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe(router)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			logger.Fatalf("server: %v", err)
		}
	case s := <-sig:
		logger.Printf("received %s, shutting down", s)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Stop(ctx); err != nil {
			logger.Printf("shutdown: %v", err)
		}
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(ctx)
		}
	}
}
