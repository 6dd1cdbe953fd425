// Package metrics 基于 Prometheus 暴露轮次、阶段、工具调用与 HTTP 请求指标。
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "querypilot"

// Registry 持有全部指标。每个实例使用独立的 prometheus.Registry，便于测试隔离。
type Registry struct {
	reg *prometheus.Registry

	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	turns          *prometheus.CounterVec
	turnDuration   prometheus.Histogram
	stageDuration  *prometheus.HistogramVec
	toolCalls      *prometheus.CounterVec
	toolDuration   *prometheus.HistogramVec
	replans        prometheus.Counter
	parseRecovered *prometheus.CounterVec
	jobs           *prometheus.CounterVec
}

// New 创建指标注册表，并附带 Go 运行时与进程指标。
func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
		turns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Finished conversation turns by outcome.",
		}, []string{"outcome"}),
		turnDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Wall time of a conversation turn.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		stageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each pipeline stage.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"stage"}),
		toolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool invocations by tool and status.",
		}, []string{"tool", "status"}),
		toolDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Tool invocation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
		replans: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replans_total",
			Help:      "Re-planning rounds triggered by the user or by planner errors.",
		}),
		parseRecovered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parse_recoveries_total",
			Help:      "Model outputs accepted through a named repair rule.",
		}, []string{"rule"}),
		jobs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Asynchronous turn jobs by final handling status.",
		}, []string{"status"}),
	}
}

// Gatherer 返回底层的 prometheus.Gatherer。
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// ObserveHTTPRequest 记录一次 HTTP 请求。
func (r *Registry) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	r.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveTurn 记录一轮对话的结束方式。
func (r *Registry) ObserveTurn(outcome string, duration time.Duration) {
	r.turns.WithLabelValues(outcome).Inc()
	r.turnDuration.Observe(duration.Seconds())
}

// ObserveStage 记录一个阶段的耗时。
func (r *Registry) ObserveStage(stage string, duration time.Duration) {
	r.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// ObserveToolCall 记录一次工具调用。
func (r *Registry) ObserveToolCall(tool, status string, duration time.Duration) {
	r.toolCalls.WithLabelValues(tool, status).Inc()
	if duration > 0 {
		r.toolDuration.WithLabelValues(tool).Observe(duration.Seconds())
	}
}

// ObserveReplan 记录一次重新规划。
func (r *Registry) ObserveReplan() { r.replans.Inc() }

// ObserveParseRecovery 记录一次借助修复规则的解析。
func (r *Registry) ObserveParseRecovery(rule string) {
	r.parseRecovered.WithLabelValues(rule).Inc()
}

// ObserveJob 记录异步任务的处理结果。
func (r *Registry) ObserveJob(status string) {
	r.jobs.WithLabelValues(status).Inc()
}

// Handler 以 Prometheus 文本格式暴露指标。
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// StartServer 启动独立的 /metrics 服务，直到 ctx 结束。
func StartServer(ctx context.Context, addr string, handler http.Handler) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
