package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wonny/aegis-macro/backend/internal/api"
	"github.com/wonny/aegis-macro/backend/internal/api/handlers"
)

// apiCmd represents the api command
var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "읽기 전용 API 서버 시작",
	Long: `REST API 서버를 시작합니다. 파이프라인 결과를 조회만 합니다.

Endpoints:
  GET  /health                         - Health check
  GET  /metrics                        - Prometheus metrics
  GET  /api/series                     - 시계열 목록 + 품질 플래그
  GET  /api/series/{id}/observations   - 관측치 (?from=&to=)
  GET  /api/indices                    - 지수별 최신 값
  GET  /api/indices/{name}             - 지수 이력 (?from=&to=)
  GET  /api/horizon                    - z-score 패널 (?from=&to=)
  GET  /api/runs                       - update log
  GET  /api/alerts                     - 알림 이벤트 (?monitor=&limit=)
  GET  /api/alerts/states              - 모니터 상태
  WS   /ws/alerts                      - 알림 스트림

Example:
  go run ./cmd/macro api
  go run ./cmd/macro api --port 8090`,
	RunE: runAPIServer,
}

var apiPort string

func init() {
	rootCmd.AddCommand(apiCmd)
	apiCmd.Flags().StringVar(&apiPort, "port", "", "API 서버 포트 (기본: PORT)")
}

// newRouter mounts every read handler on sys
func newRouter(sys *system) http.Handler {
	var metricsHandler http.Handler
	if sys.cfg.MetricsEnabled {
		metricsHandler = sys.metric.Handler()
	}
	return api.NewRouter(api.Routes{
		Series:  handlers.NewSeriesHandler(sys.reg, sys.store, sys.meta, sys.cache, sys.clock, sys.log),
		Indices: handlers.NewIndexHandler(sys.reg, sys.indices, sys.horizon, sys.cache, sys.clock, sys.log),
		Runs:    handlers.NewRunHandler(sys.updateLog, sys.alerts, sys.log),
		Store:   sys.store,
		Metrics: metricsHandler,
		Alerts:  sys.hub,
	}, sys.log)
}

func runAPIServer(cmd *cobra.Command, args []string) error {
	sys, err := openSystem(cmd.Context())
	if err != nil {
		return err
	}
	defer sys.Close()

	if apiPort != "" {
		sys.cfg.Port = apiPort
	}

	server := api.New(sys.cfg, sys.log, newRouter(sys))
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	PrintSuccess(fmt.Sprintf("Server running on http://localhost:%s", sys.cfg.Port))
	PrintInfo("Press Ctrl+C to stop")

	return serveUntilSignal(server, errCh)
}

// serveUntilSignal blocks until SIGINT/SIGTERM or a server error, then shuts down
func serveUntilSignal(server *api.Server, errCh <-chan error) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		return err
	case <-quit:
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	PrintSuccess("Server stopped")
	return nil
}
