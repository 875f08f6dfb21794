package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/glimte/mqhost"
	"github.com/glimte/mqhost/contracts"
	"github.com/glimte/mqhost/health"
	"github.com/glimte/mqhost/messaging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// Request is the message the example consumes and forwards
type Request struct {
	ID   string `xml:"id"`
	Text string `xml:"text"`
}

// forwarder waits, then republishes each request on the host
type forwarder struct {
	host   *mqhost.Host
	delay  time.Duration
	logger *slog.Logger
}

func (f *forwarder) Consume(ctx context.Context, req *Request) error {
	f.logger.Info("request received", "id", req.ID)

	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return ctx.Err()
	}

	f.host.Publish(ctx, req)
	return nil
}

func setupLogger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if os.Getenv("LOG_FORMAT") == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func main() {
	var (
		url         string
		inQueue     string
		outQueue    string
		listen      string
		delay       time.Duration
		drain       time.Duration
		fullMessage bool
	)

	rootCmd := &cobra.Command{
		Use:   "mqhost-example",
		Short: "Consume requests from a queue and forward them to another",
		Long: `mqhost-example consumes Request messages, waits, and republishes each one
to the output queue. Broker settings are read from the MQHOST_* environment
variables and may be overridden with flags.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger()

			settings, err := mqhost.SettingsFromEnv()
			if err != nil {
				return fmt.Errorf("failed to read environment: %w", err)
			}
			if cmd.Flags().Changed("url") {
				settings.SetURL(url)
			}
			if fullMessage {
				settings.LogFullMessage()
			}
			settings.RegisterEventHandler(contracts.NewLogEventHandler(logger.With("component", "events")))

			options := []mqhost.Option{
				mqhost.WithLogger(logger),
				mqhost.WithMetrics(messaging.NewMetrics(prometheus.DefaultRegisterer)),
				mqhost.WithConnectionName("mqhost-example"),
			}
			if drain > 0 {
				options = append(options, mqhost.WithShutdownPolicy(messaging.ShutdownDrain, drain))
			}

			host, err := mqhost.NewHost(settings, options...)
			if err != nil {
				return err
			}

			mqhost.AddConsumer[Request](settings, inQueue, &forwarder{host: host, delay: delay, logger: logger})
			mqhost.AddProducer[Request](settings, outQueue)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			registry := health.NewRegistry()
			registry.Register(health.NewHostChecker(host))
			registry.Register(health.NewGoroutineChecker(1000, 5000))

			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			mux.Handle("/healthz", health.NewHandler(registry, 5*time.Second))
			server := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

			go func() {
				logger.Info("serving metrics and health", "addr", listen)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("http server failed", "error", err)
				}
			}()

			logger.Info("starting host", "settings", settings.String())
			if err := host.Start(ctx); err != nil {
				_ = server.Close()
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return fmt.Errorf("failed to start host: %w", err)
			}

			<-ctx.Done()
			logger.Info("shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			if err := host.Stop(shutdownCtx); err != nil {
				logger.Warn("host stopped with errors", "error", err)
			}
			return server.Shutdown(shutdownCtx)
		},
	}

	rootCmd.Flags().StringVarP(&url, "url", "u", mqhost.DefaultURL, "Broker URL (overrides MQHOST_URL)")
	rootCmd.Flags().StringVar(&inQueue, "in", "", "Queue to consume requests from (default Request_in)")
	rootCmd.Flags().StringVar(&outQueue, "out", "Request_out", "Queue to forward requests to")
	rootCmd.Flags().StringVar(&listen, "listen", ":9090", "Address for /metrics and /healthz")
	rootCmd.Flags().DurationVar(&delay, "delay", 500*time.Millisecond, "Wait before forwarding each request")
	rootCmd.Flags().DurationVar(&drain, "drain", 0, "Wait up to this long for running handlers on shutdown")
	rootCmd.Flags().BoolVar(&fullMessage, "log-full-message", false, "Include payloads in received events")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
