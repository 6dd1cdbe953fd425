package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"QueryPilot/internal/config"
	xerrors "QueryPilot/internal/errors"
	"QueryPilot/internal/knowledge"
	"QueryPilot/internal/llm"
	"QueryPilot/internal/llm/openai"
	"QueryPilot/internal/llm/pythonbridge"
	"QueryPilot/internal/memory"
	"QueryPilot/internal/observability/alerting"
	"QueryPilot/internal/observability/metrics"
	"QueryPilot/internal/pipeline"
	"QueryPilot/internal/storage/mysql"
	"QueryPilot/internal/task"
	"QueryPilot/internal/tools"
)

// components 保存由配置构建出的组件以及需要在退出时释放的资源。
type components struct {
	cfg        *config.Config
	metrics    *metrics.Registry
	controller *pipeline.Controller
	turns      mysql.TurnRepository
	closers    []func() error
}

func (r *components) onClose(fn func() error) {
	r.closers = append(r.closers, fn)
}

// Close 逆序释放资源。
func (r *components) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i]())
	}
	r.closers = nil
	return errors.Join(errs...)
}

// buildRuntime 构建流水线及其依赖。
func buildRuntime(ctx context.Context, cfg *config.Config) (*components, error) {
	rt := &components{cfg: cfg}
	if cfg.Metrics.Enabled {
		rt.metrics = metrics.New()
	}

	client, err := buildLLMClient(cfg)
	if err != nil {
		return nil, err
	}
	registry, err := buildRegistry(cfg)
	if err != nil {
		return nil, err
	}

	turns, err := buildTurnRepository(ctx, cfg, rt)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.turns = turns

	sessionStore, err := buildSessionStore(cfg, rt)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}

	sessions := pipeline.NewSessionManager(sessionStore, cfg.Agent.MemoryCapacity)
	sessions.SetResidentLimit(cfg.Sessions.MaxResident)

	opts := []pipeline.Option{
		pipeline.WithSessions(sessions),
		pipeline.WithTurnRepository(turns),
		pipeline.WithMaxReplans(cfg.Agent.MaxReplans),
		pipeline.WithMaxUnclear(cfg.Agent.MaxUnclear),
		pipeline.WithStageTimeout(cfg.Agent.StageTimeout),
		pipeline.WithToolTimeout(cfg.Agent.ToolTimeout),
	}
	if cfg.Agent.Guardrail {
		opts = append(opts, pipeline.WithGuardrail(pipeline.LLMGuardrail{Client: client}))
	}
	if cfg.Agent.LLMClassifier {
		opts = append(opts, pipeline.WithClassifier(pipeline.LLMClassifier{Client: client}))
	}
	if cfg.Agent.LLMSynthesizer {
		opts = append(opts, pipeline.WithSynthesizer(pipeline.LLMSynthesizer{Client: client}))
	}
	if cfg.Agent.ReasoningLoop {
		opts = append(opts, pipeline.WithReasoningLoop(client, cfg.Agent.MaxIterations))
	}
	if rt.metrics != nil {
		opts = append(opts, pipeline.WithObserver(rt.metrics))
	}
	rt.controller = pipeline.New(pipeline.LLMPlanner{Client: client}, registry, opts...)
	return rt, nil
}

func buildLLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "python_bridge":
		scriptPath := pythonbridge.ResolveScriptPath(cfg.LLM.Python.WorkingDir, cfg.LLM.Python.ScriptPath)
		return pythonbridge.NewClient(cfg.LLM.Python.PythonExecutable, scriptPath, cfg.LLM.Python.WorkingDir)
	case "openai", "":
		if strings.TrimSpace(cfg.LLM.APIKey) == "" {
			return nil, xerrors.New(xerrors.CodeInitializationFailure, "OpenAI provider 需要配置 api_key、api_key_env 或 QP_LLM_API_KEY")
		}
		return openai.NewClient(openai.Config{
			APIKey:      cfg.LLM.APIKey,
			BaseURL:     cfg.LLM.BaseURL,
			Model:       cfg.LLM.Model,
			Timeout:     cfg.LLM.Timeout,
			Temperature: cfg.LLM.Temperature,
		})
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.LLM.Provider)
	}
}

// buildRegistry 注册目录工具与远程 HTTP 工具。
func buildRegistry(cfg *config.Config) (*tools.Registry, error) {
	registry, err := tools.NewRegistry()
	if err != nil {
		return nil, err
	}
	if path := cfg.Tools.Catalog.Path; path != "" {
		catalog, err := knowledge.LoadCatalog(path, cfg.Tools.Catalog.MaxResults)
		if err != nil {
			return nil, err
		}
		names := knowledge.ToolNames{
			Scope:     cfg.Tools.Catalog.ScopeTool,
			Candidate: cfg.Tools.Catalog.CandidateTool,
			Detail:    cfg.Tools.Catalog.DetailTool,
		}
		for _, tool := range catalog.Tools(names) {
			if err := registry.Register(tool); err != nil {
				return nil, err
			}
		}
	}
	for _, remote := range cfg.Tools.Remote {
		tier, err := tools.ParseTier(remote.Tier)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "remote tool "+remote.Name)
		}
		tool, err := tools.NewHTTPTool(remote.Name, tier, remote.Description, remote.Endpoint, remote.Timeout)
		if err != nil {
			return nil, err
		}
		if err := registry.Register(tool); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func mysqlConfig(cfg *config.Config) mysql.Config {
	return mysql.Config{
		DSN:             cfg.Storage.MySQL.DSN,
		MaxOpenConns:    cfg.Storage.MySQL.MaxOpenConns,
		MaxIdleConns:    cfg.Storage.MySQL.MaxIdleConns,
		ConnMaxLifetime: cfg.Storage.MySQL.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Storage.MySQL.ConnMaxIdleTime,
	}
}

func buildTurnRepository(ctx context.Context, cfg *config.Config, rt *components) (mysql.TurnRepository, error) {
	switch cfg.Storage.Turns.Driver {
	case "mysql":
		repo, err := mysql.NewSQLTurnRepository(ctx, mysqlConfig(cfg))
		if err != nil {
			return nil, err
		}
		rt.onClose(repo.Close)
		return repo, nil
	default:
		if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建数据目录失败")
		}
		return mysql.NewFileTurnRepository(cfg.Runtime.DataDir)
	}
}

func buildSessionStore(cfg *config.Config, rt *components) (memory.Store, error) {
	if cfg.Sessions.Driver != "redis" {
		return memory.NewMemoryStore(), nil
	}
	store, err := memory.NewRedisStore(memory.RedisStoreConfig{
		Address:  cfg.Storage.Redis.Address,
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
		Prefix:   cfg.Sessions.Prefix,
		TTL:      cfg.Sessions.TTL,
	})
	if err != nil {
		return nil, err
	}
	rt.onClose(store.Close)
	return store, nil
}

// buildJobs 构建异步轮次任务的存储与队列。
func buildJobs(ctx context.Context, cfg *config.Config, rt *components) (task.Store, task.Queue, error) {
	var store task.Store
	switch cfg.Storage.Jobs.Driver {
	case "mysql":
		s, err := task.NewMySQLStore(ctx, mysqlConfig(cfg))
		if err != nil {
			return nil, nil, err
		}
		store = s
	default:
		store = task.NewMemoryStore()
	}
	rt.onClose(store.Close)

	var queue task.Queue
	switch cfg.Queue.Driver {
	case "redis":
		q, err := task.NewRedisQueue(task.RedisQueueConfig{
			Address:   cfg.Storage.Redis.Address,
			Password:  cfg.Storage.Redis.Password,
			DB:        cfg.Storage.Redis.DB,
			Queue:     cfg.Queue.Redis.Queue,
			Consumer:  cfg.Queue.Redis.Consumer,
			BlockWait: cfg.Queue.Redis.BlockWait,
		})
		if err != nil {
			return nil, nil, err
		}
		queue = q
	case "rabbitmq":
		q, err := task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:      cfg.Queue.RabbitMQ.URL,
			Queue:    cfg.Queue.RabbitMQ.Queue,
			Prefetch: cfg.Queue.RabbitMQ.Prefetch,
			Durable:  cfg.Queue.RabbitMQ.Durable,
		})
		if err != nil {
			return nil, nil, err
		}
		queue = q
	default:
		queue = task.NewMemoryQueue(cfg.Queue.BufferSize)
	}
	rt.onClose(queue.Close)
	return store, queue, nil
}

// buildAlerts 组合日志与 webhook 告警渠道。
func buildAlerts(cfg *config.Config) alerting.Dispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	for _, hook := range cfg.Alerting.Webhooks {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: hook.URL, Format: alerting.Channel(hook.Format)})
	}
	return alerting.NewFanout(notifiers...).WithMinSeverity(xerrors.Severity(cfg.Alerting.MinSeverity))
}
