package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "QueryPilot/internal/errors"
)

const defaultHTTPToolTimeout = 60 * time.Second

// HTTPTool 把调用转发给远端 HTTP 服务：POST {input, context}，响应体为结果 JSON。
type HTTPTool struct {
	ToolName string
	ToolTier Tier
	Desc     string
	Endpoint string
	Headers  map[string]string
	Client   *http.Client
}

// NewHTTPTool 创建远端工具。
func NewHTTPTool(name string, tier Tier, desc, endpoint string, timeout time.Duration) (*HTTPTool, error) {
	if strings.TrimSpace(name) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "remote tool name cannot be empty")
	}
	if strings.TrimSpace(endpoint) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("remote tool %s has no endpoint", name))
	}
	if timeout <= 0 {
		timeout = defaultHTTPToolTimeout
	}
	return &HTTPTool{
		ToolName: name,
		ToolTier: tier,
		Desc:     desc,
		Endpoint: strings.TrimRight(endpoint, "/"),
		Client:   &http.Client{Timeout: timeout},
	}, nil
}

// Name 实现 Tool。
func (t *HTTPTool) Name() string { return t.ToolName }

// Tier 实现 Tool。
func (t *HTTPTool) Tier() Tier { return t.ToolTier }

// Description 实现 Tool。
func (t *HTTPTool) Description() string { return t.Desc }

type httpToolRequest struct {
	Tool    string  `json:"tool"`
	Input   string  `json:"input"`
	Context Context `json:"context"`
}

// Call 实现 Tool。
func (t *HTTPTool) Call(ctx context.Context, input string, tc Context) (*Result, error) {
	payload, err := json.Marshal(httpToolRequest{Tool: t.ToolName, Input: input, Context: tc})
	if err != nil {
		return nil, fmt.Errorf("序列化工具请求失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("构建工具请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range t.Headers {
		req.Header.Set(k, v)
	}

	client := t.Client
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPToolTimeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("调用工具 %s 失败: %w", t.ToolName, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("读取工具 %s 响应失败: %w", t.ToolName, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("工具 %s 返回错误状态 %d: %s", t.ToolName, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return DecodeJSON(body)
}

var _ Tool = (*HTTPTool)(nil)
