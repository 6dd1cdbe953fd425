package llm

import (
	"context"
	"strings"
)

// Client 定义了调用大模型的统一接口：给定系统提示与用户提示，返回模型的原始文本输出。
type Client interface {
	Invoke(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// ClientFunc 将普通函数适配为 Client。
type ClientFunc func(ctx context.Context, systemPrompt, userPrompt string) (string, error)

// Invoke 实现 Client。
func (f ClientFunc) Invoke(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return f(ctx, systemPrompt, userPrompt)
}

// Truncate 截断过长的文本，用于把观察结果拼入提示词。
func Truncate(text string, limit int) string {
	text = strings.TrimSpace(text)
	if limit <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) > limit {
		return string(runes[:limit]) + "..."
	}
	return text
}
