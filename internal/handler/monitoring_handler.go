package handler

import (
	"net/http"
	"time"

	"github.com/hitoshi/authstarter/internal/middleware"
	"github.com/hitoshi/authstarter/internal/model"
)

// healthResponse はヘルスチェックの応答。
type healthResponse struct {
	Status      string  `json:"status"`
	Message     string  `json:"message"`
	Timestamp   string  `json:"timestamp"`
	Uptime      float64 `json:"uptime"`
	Environment string  `json:"environment"`
}

// MonitoringHandler はヘルスチェックとメトリクスのHTTPハンドラー。
type MonitoringHandler struct {
	environment string
	startedAt   time.Time
	now         func() time.Time
	metrics     http.Handler
}

// NewMonitoringHandler はMonitoringHandlerを生成する。metricsがnilの場合は404を返す。
func NewMonitoringHandler(environment string, startedAt time.Time, metrics http.Handler) *MonitoringHandler {
	return &MonitoringHandler{
		environment: environment,
		startedAt:   startedAt,
		now:         time.Now,
		metrics:     metrics,
	}
}

// Health はプロセスの稼働状況を返す。
// GET /api/monitoring/health
func (h *MonitoringHandler) Health(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	middleware.WriteJSON(w, http.StatusOK, healthResponse{
		Status:      "success",
		Message:     "Server is healthy",
		Timestamp:   now.UTC().Format(time.RFC3339Nano),
		Uptime:      now.Sub(h.startedAt).Seconds(),
		Environment: h.environment,
	})
}

// Metrics はPrometheus形式のメトリクスを返す。
// GET /api/monitoring/metrics
func (h *MonitoringHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	if h.metrics == nil {
		middleware.WriteErrorResponse(w, model.NewNotFoundError(r.URL.Path))
		return
	}
	h.metrics.ServeHTTP(w, r)
}
