package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/wanglei99999/ai-agent-learning/pkg/maintenance"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the memory HTTP API",
	Long: `Serve the memory and session HTTP API, Prometheus metrics on /metrics
and a liveness probe on /healthz. With --grpc-addr a gRPC health service
is exposed as well. With --maintenance a background worker periodically
consolidates working memories and forgets unimportant ones.

Examples:
  agentmem serve --addr :8080
  agentmem serve --backend sqlite --db memories.db --maintenance --maintenance-interval 5m`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", ":8080", "HTTP listen address")
	serveCmd.Flags().String("grpc-addr", "", "gRPC health listen address (disabled when empty)")
	serveCmd.Flags().Bool("maintenance", false, "Run the background maintenance worker")
	serveCmd.Flags().Duration("maintenance-interval", 0, "Interval between maintenance passes (default: maintenance.interval)")

	_ = viper.BindPFlag("serve.addr", serveCmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("serve.grpc_addr", serveCmd.Flags().Lookup("grpc-addr"))
	_ = viper.BindPFlag("maintenance.enabled", serveCmd.Flags().Lookup("maintenance"))
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v := viper.GetViper()
	if cmd.Flags().Changed("maintenance-interval") {
		d, _ := cmd.Flags().GetDuration("maintenance-interval")
		v.Set("maintenance.interval", d)
	}

	e, err := buildEngine(ctx, v)
	if err != nil {
		return err
	}
	defer func() { _ = e.Close(context.Background()) }()
	logger := e.logger.With("component", "server")

	if v.GetBool("maintenance.enabled") {
		worker := maintenance.New(e.manager, maintenanceConfig(v, e.cfg), e.logger)
		worker.Start()
		defer worker.Stop()
	}

	errCh := make(chan error, 2)

	var healthSrv *health.Server
	if addr := v.GetString("serve.grpc_addr"); addr != "" {
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen grpc %s: %w", addr, err)
		}
		gs := grpc.NewServer()
		healthSrv = health.NewServer()
		healthpb.RegisterHealthServer(gs, healthSrv)
		healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		healthSrv.SetServingStatus("agentmem.memory", healthpb.HealthCheckResponse_SERVING)
		go func() {
			logger.Info("grpc health listening", "addr", addr)
			if err := gs.Serve(lis); err != nil {
				errCh <- fmt.Errorf("grpc server: %w", err)
			}
		}()
		defer gs.GracefulStop()
	}

	srv := &http.Server{
		Addr:              v.GetString("serve.addr"),
		Handler:           newHTTPHandler(e, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("http listening", "addr", srv.Addr, "owner_id", e.cfg.OwnerID, "tiers", e.cfg.EnabledTiers)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return err
	}

	if healthSrv != nil {
		healthSrv.Shutdown()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// newHTTPHandler builds the routed API for e.
func newHTTPHandler(e *engine, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mw := instrument(e, logger)

	memAPI := &MemoryAPI{manager: e.manager, recorder: e.recorder, logger: logger}
	memAPI.RegisterMemoryRoutes(mux, mw)

	sessAPI := &SessionAPI{recorder: e.recorder, errs: memAPI}
	sessAPI.working, _ = e.working()
	sessAPI.RegisterSessionRoutes(mux, mw)

	mux.Handle("/metrics", e.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":  "ok",
			"version": version,
			"tiers":   e.manager.Kinds(),
		})
	})
	return mux
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument logs every request and records its latency.
func instrument(e *engine, logger *slog.Logger) func(string, http.HandlerFunc) http.HandlerFunc {
	return func(route string, h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			h(rec, r)
			d := time.Since(start)
			e.metrics.ObserveRequest(route, rec.status, d)
			logger.Debug("request", "route", route, "method", r.Method, "status", rec.status, "duration", d)
		}
	}
}
