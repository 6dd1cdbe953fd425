package api

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	xerrors "QueryPilot/internal/errors"
	"QueryPilot/internal/storage/mysql"
	"QueryPilot/internal/task"
	"QueryPilot/pkg/logger"
)

// TurnService 是 API 需要的异步轮次能力，由 *task.Service 实现。
type TurnService interface {
	Submit(ctx context.Context, req task.Request) (*task.Task, error)
	Get(ctx context.Context, id string) (*task.Task, error)
	List(ctx context.Context, opts ...task.ListOption) ([]*task.Task, error)
	Stats(ctx context.Context, opts ...task.ListOption) (task.TaskStats, error)
}

// RequestObserver 记录 HTTP 请求指标。
type RequestObserver interface {
	ObserveHTTPRequest(handler, method string, status int, duration time.Duration)
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr            string
	turns           TurnService
	history         mysql.TurnRepository
	observer        RequestObserver
	metrics         http.Handler
	metricsPath     string
	readTimeout     time.Duration
	writeTimeout    time.Duration
	shutdownTimeout time.Duration
	apiKeys         [][sha256.Size]byte
	logger          *slog.Logger
}

// Option 定义可选配置。
type Option func(*Server)

// WithHistory 暴露已完成轮次的历史记录。
func WithHistory(repo mysql.TurnRepository) Option {
	return func(s *Server) { s.history = repo }
}

// WithMetrics 在 path 上挂载指标处理器，并记录每个请求。
func WithMetrics(path string, handler http.Handler, observer RequestObserver) Option {
	return func(s *Server) {
		s.metricsPath = path
		s.metrics = handler
		s.observer = observer
	}
}

// WithTimeouts 设置读写与优雅退出的超时时间。
func WithTimeouts(read, write, shutdown time.Duration) Option {
	return func(s *Server) {
		if read > 0 {
			s.readTimeout = read
		}
		if write > 0 {
			s.writeTimeout = write
		}
		if shutdown > 0 {
			s.shutdownTimeout = shutdown
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, turns TurnService, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		turns:           turns,
		readTimeout:     15 * time.Second,
		writeTimeout:    60 * time.Second,
		shutdownTimeout: 5 * time.Second,
		logger:          logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回带有全部路由与中间件的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/turns", s.handleCreateTurn)
	mux.HandleFunc("GET /api/v1/turns", s.handleListTurns)
	mux.HandleFunc("GET /api/v1/turns/stats", s.handleTurnStats)
	mux.HandleFunc("GET /api/v1/turns/{id}", s.handleTurnDetail)
	mux.HandleFunc("GET /api/v1/history", s.handleHistory)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil && s.metricsPath != "" {
		mux.Handle("GET "+s.metricsPath, s.metrics)
	}
	return s.instrument(s.authenticate(mux))
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API 服务启动", "address", s.addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type createTurnRequest struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Query     string         `json:"query"`
	Metadata  map[string]any `json:"metadata"`
}

func (s *Server) handleCreateTurn(w http.ResponseWriter, r *http.Request) {
	var body createTurnRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	created, err := s.turns.Submit(r.Context(), task.Request{
		ID:        body.ID,
		SessionID: body.SessionID,
		Query:     body.Query,
		Metadata:  body.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Location", "/api/v1/turns/"+created.ID)
	writeJSON(w, http.StatusAccepted, created)
}

func (s *Server) handleTurnDetail(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少任务 ID"))
		return
	}
	found, err := s.turns.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (s *Server) handleListTurns(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	tasks, err := s.turns.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": tasks, "count": len(tasks)})
}

func (s *Server) handleTurnStats(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.turns.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "未配置历史记录存储"))
		return
	}
	limit, err := intParam(r, "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	var records []mysql.TurnRecord
	if session := strings.TrimSpace(r.URL.Query().Get("session_id")); session != "" {
		records, err = s.history.ListBySession(r.Context(), session, limit)
	} else {
		records, err = s.history.ListLatest(r.Context(), limit)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": records, "count": len(records)})
}

func listOptions(r *http.Request) ([]task.ListOption, error) {
	q := r.URL.Query()
	var opts []task.ListOption
	limit, err := intParam(r, "limit")
	if err != nil {
		return nil, err
	}
	offset, err := intParam(r, "offset")
	if err != nil {
		return nil, err
	}
	opts = append(opts, task.WithLimit(limit), task.WithOffset(offset))

	if raw := q.Get("status"); raw != "" {
		var statuses []task.Status
		for _, part := range strings.Split(raw, ",") {
			status := task.Status(strings.TrimSpace(part))
			if !task.IsValidStatus(status) {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的任务状态: "+part)
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if session := q.Get("session_id"); session != "" {
		opts = append(opts, task.WithSession(session))
	}
	if query := q.Get("q"); query != "" {
		opts = append(opts, task.WithQuery(query))
	}
	if q.Get("order") == "asc" {
		opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
	}
	if raw := q.Get("has_result"); raw != "" {
		has, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "has_result 必须是布尔值")
		}
		opts = append(opts, task.WithResultPresence(has))
	}
	for _, key := range []string{"since", "until"} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, key+" 必须是 RFC3339 时间")
		}
		if key == "since" {
			opts = append(opts, task.WithUpdatedSince(ts))
		} else {
			opts = append(opts, task.WithUpdatedUntil(ts))
		}
	}
	return opts, nil
}

func intParam(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, key+" 必须是非负整数")
	}
	return n, nil
}

func statusFor(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument, task.CodeTaskValidation:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, task.CodeTaskNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, task.CodeTaskConflict:
		return http.StatusConflict
	case xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	case task.CodeTaskPublish, xerrors.CodeQueueFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	code := xerrors.CodeOf(err)
	message := err.Error()
	if e, ok := xerrors.From(err); ok {
		message = e.Message()
	}
	if status >= http.StatusInternalServerError {
		logger.L().Error("API 请求失败", "error", err, "code", code)
	}
	writeJSON(w, status, map[string]string{"error": message, "code": string(code)})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
