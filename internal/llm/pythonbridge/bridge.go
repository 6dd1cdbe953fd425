package pythonbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"QueryPilot/internal/llm"
)

// Client 通过调用 Python 脚本实现大模型推理。
// 脚本从标准输入读取 {"system","user","timestamp"}，向标准输出写入 {"reply"} 或纯文本。
type Client struct {
	pythonExec string
	scriptPath string
	workingDir string
}

// NewClient 创建 Python Bridge 客户端。
func NewClient(pythonExec, scriptPath, workingDir string) (*Client, error) {
	if scriptPath == "" {
		return nil, fmt.Errorf("未指定 Python 脚本路径")
	}
	if pythonExec == "" {
		pythonExec = "python3"
	}
	return &Client{
		pythonExec: pythonExec,
		scriptPath: scriptPath,
		workingDir: workingDir,
	}, nil
}

// Invoke 调用外部脚本，并解析输出。
func (c *Client) Invoke(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	encoded, err := json.Marshal(map[string]any{
		"system":    systemPrompt,
		"user":      userPrompt,
		"timestamp": time.Now().Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("序列化请求失败: %w", err)
	}

	command := exec.CommandContext(ctx, c.pythonExec, c.scriptPath)
	if c.workingDir != "" {
		command.Dir = c.workingDir
	}
	command.Stdin = bytes.NewReader(encoded)

	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return "", fmt.Errorf("执行 Python 脚本失败: %v, stderr=%s", err, strings.TrimSpace(stderr.String()))
	}
	return decodeReply(stdout.Bytes())
}

func decodeReply(out []byte) (string, error) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return "", fmt.Errorf("Python 脚本没有输出")
	}
	if trimmed[0] != '{' {
		return string(trimmed), nil
	}
	var resp struct {
		Reply string `json:"reply"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(trimmed, &resp); err != nil {
		return "", fmt.Errorf("解析 Python 输出失败: %w", err)
	}
	if resp.Error != "" {
		return "", fmt.Errorf("Python 脚本返回错误: %s", resp.Error)
	}
	return resp.Reply, nil
}

// ResolveScriptPath 根据工作目录推导脚本绝对路径。
func ResolveScriptPath(baseDir, script string) string {
	if script == "" {
		return ""
	}
	if filepath.IsAbs(script) {
		return script
	}
	if baseDir == "" {
		return script
	}
	return filepath.Join(baseDir, script)
}

var _ llm.Client = (*Client)(nil)
