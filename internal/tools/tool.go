package tools

import (
	"context"
	"fmt"
	"strings"

	xerrors "QueryPilot/internal/errors"
)

// Tier 表示工具在强制调用顺序中的层级。
type Tier int

const (
	// TierNone 表示不参与分层顺序的工具。
	TierNone Tier = iota
	// TierScope 负责确定查询关注的范围（例如实体或类别）。
	TierScope
	// TierCandidate 负责发现候选工作项。
	TierCandidate
	// TierDetail 负责逐个分析工作项并产出证据。
	TierDetail
)

// String 返回层级名称。
func (t Tier) String() string {
	switch t {
	case TierScope:
		return "scope"
	case TierCandidate:
		return "candidate"
	case TierDetail:
		return "detail"
	default:
		return "none"
	}
}

// ParseTier 将配置中的层级名称转换为 Tier。
func ParseTier(raw string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "none":
		return TierNone, nil
	case "scope", "1":
		return TierScope, nil
	case "candidate", "candidates", "2":
		return TierCandidate, nil
	case "detail", "3":
		return TierDetail, nil
	default:
		return TierNone, fmt.Errorf("unknown tool tier %q", raw)
	}
}

// Context 携带调用工具时显式传入的上下文信息。
type Context struct {
	SessionID    string
	TurnID       string
	FocusKey     string
	PendingItems []string
}

// Tool 是所有工具需要实现的统一接口。
type Tool interface {
	Name() string
	Tier() Tier
	Description() string
	Call(ctx context.Context, input string, tc Context) (*Result, error)
}

// Func 将普通函数适配为 Tool。
type Func struct {
	ToolName string
	ToolTier Tier
	Desc     string
	Fn       func(ctx context.Context, input string, tc Context) (*Result, error)
}

// Name 实现 Tool。
func (f Func) Name() string { return f.ToolName }

// Tier 实现 Tool。
func (f Func) Tier() Tier { return f.ToolTier }

// Description 实现 Tool。
func (f Func) Description() string { return f.Desc }

// Call 实现 Tool。
func (f Func) Call(ctx context.Context, input string, tc Context) (*Result, error) {
	if f.Fn == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "tool "+f.ToolName+" has no implementation")
	}
	return f.Fn(ctx, input, tc)
}

var _ Tool = Func{}
