package agent

import (
	"fmt"
	"math"
	"sort"
	"strings"

	xerrors "QueryPilot/internal/errors"
	"QueryPilot/internal/tools"
)

// 置信度取值范围。
const (
	MinConfidence = 0.0
	MaxConfidence = 10.0
)

// Tiers 指定三层工具链中各层的工具名称：范围 → 候选 → 详情。
type Tiers struct {
	Scope     string
	Candidate string
	Detail    string
}

// Ordered 返回已配置的层级工具名称，按调用顺序排列。
func (t Tiers) Ordered() []string {
	out := make([]string, 0, 3)
	for _, name := range []string{t.Scope, t.Candidate, t.Detail} {
		if name != "" {
			out = append(out, name)
		}
	}
	return out
}

// TierOf 返回工具名称所属的层级。
func (t Tiers) TierOf(name string) tools.Tier {
	switch {
	case name == "":
		return tools.TierNone
	case name == t.Scope:
		return tools.TierScope
	case name == t.Candidate:
		return tools.TierCandidate
	case name == t.Detail:
		return tools.TierDetail
	default:
		return tools.TierNone
	}
}

// TiersFromRegistry 根据注册表中工具声明的层级推导 Tiers，每层取名称排序后的第一个。
func TiersFromRegistry(reg *tools.Registry) Tiers {
	pick := func(tier tools.Tier) string {
		names := reg.ByTier(tier)
		if len(names) == 0 {
			return ""
		}
		return names[0]
	}
	return Tiers{
		Scope:     pick(tools.TierScope),
		Candidate: pick(tools.TierCandidate),
		Detail:    pick(tools.TierDetail),
	}
}

// State 记录单次查询期间工具链的执行状态。
// 每次查询独立创建，不在会话之间共享；只有 UpdateFromToolResult 会修改它。
type State struct {
	tiers Tiers

	pending      map[string]struct{}
	processed    map[string]struct{}
	confidence   float64
	evidence     []string
	toolSequence []string
	focusKey     string
	lastError    string
}

// NewState 创建一个干净的状态。
func NewState(tiers Tiers) *State {
	s := &State{tiers: tiers}
	s.Reset()
	return s
}

// Reset 将状态恢复为初始值。
func (s *State) Reset() {
	s.pending = map[string]struct{}{}
	s.processed = map[string]struct{}{}
	s.confidence = MinConfidence
	s.evidence = []string{}
	s.toolSequence = []string{}
	s.focusKey = ""
	s.lastError = ""
}

// Tiers 返回状态使用的层级配置。
func (s *State) Tiers() Tiers { return s.tiers }

// UpdateFromToolResult 把一次工具调用的结果合并进状态。
//
// result 必须是结构化记录（*tools.Result、tools.Result 或 JSON 解码得到的 map），
// 否则返回 CodeInvalidToolResult 且状态不变。新状态先在副本上计算再整体替换。
func (s *State) UpdateFromToolResult(toolName string, result any) error {
	res, err := normalizeResult(result)
	if err != nil {
		return err
	}

	next := s.clone()
	if c, ok := res.ConfidenceValue(); ok && !math.IsNaN(c) {
		next.confidence = math.Max(next.confidence, clamp(c))
	}

	switch s.tiers.TierOf(toolName) {
	case tools.TierScope:
		if res.FocusKey != "" {
			next.focusKey = res.FocusKey
		}
	case tools.TierCandidate:
		for _, id := range res.DiscoveredIDs {
			if _, done := next.processed[id]; done {
				continue
			}
			next.pending[id] = struct{}{}
		}
	case tools.TierDetail:
		next.evidence = append(next.evidence, res.Evidence...)
		for _, id := range res.AnalyzedIDs {
			delete(next.pending, id)
			next.processed[id] = struct{}{}
		}
	}

	next.toolSequence = append(next.toolSequence, toolName)
	if res.Error != "" {
		next.lastError = res.Error
	}
	*s = *next
	return nil
}

func normalizeResult(result any) (*tools.Result, error) {
	switch v := result.(type) {
	case *tools.Result:
		if v == nil {
			return nil, xerrors.New(xerrors.CodeInvalidToolResult, "tool returned a nil result")
		}
		return v, nil
	case tools.Result:
		return &v, nil
	case map[string]any:
		return tools.FromMap(v)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidToolResult, fmt.Sprintf("tool result of type %T is not a structured record", result))
	}
}

func clamp(v float64) float64 {
	return math.Min(MaxConfidence, math.Max(MinConfidence, v))
}

func (s *State) clone() *State {
	next := &State{
		tiers:        s.tiers,
		pending:      make(map[string]struct{}, len(s.pending)),
		processed:    make(map[string]struct{}, len(s.processed)),
		confidence:   s.confidence,
		evidence:     append([]string{}, s.evidence...),
		toolSequence: append([]string{}, s.toolSequence...),
		focusKey:     s.focusKey,
		lastError:    s.lastError,
	}
	for id := range s.pending {
		next.pending[id] = struct{}{}
	}
	for id := range s.processed {
		next.processed[id] = struct{}{}
	}
	return next
}

// Validate 检查状态不变量，返回是否合法以及诊断信息。
func (s *State) Validate() (bool, []string) {
	var diags []string
	if s.confidence < MinConfidence || s.confidence > MaxConfidence || math.IsNaN(s.confidence) {
		diags = append(diags, fmt.Sprintf("confidence %.2f outside [%.0f, %.0f]", s.confidence, MinConfidence, MaxConfidence))
	}
	if s.pending == nil {
		diags = append(diags, "pending items not initialised")
	}
	if s.processed == nil {
		diags = append(diags, "processed items not initialised")
	}
	if s.evidence == nil {
		diags = append(diags, "evidence not initialised")
	}
	if s.toolSequence == nil {
		diags = append(diags, "tool sequence not initialised")
	}
	for id := range s.pending {
		if _, ok := s.processed[id]; ok {
			diags = append(diags, fmt.Sprintf("item %q is both pending and processed", id))
		}
	}
	sort.Strings(diags)
	return len(diags) == 0, diags
}

// SeedPending 把调用方已知的工作项放入待处理集合，不记录工具调用。
// 已处理过的项会被忽略。
func (s *State) SeedPending(ids ...string) {
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, done := s.processed[id]; done {
			continue
		}
		s.pending[id] = struct{}{}
	}
}

// PendingItems 返回排序后的待处理项副本。
func (s *State) PendingItems() []string { return sortedKeys(s.pending) }

// ProcessedItems 返回排序后的已处理项副本。
func (s *State) ProcessedItems() []string { return sortedKeys(s.processed) }

// HasPending 判断是否仍有待处理项。
func (s *State) HasPending() bool { return len(s.pending) > 0 }

// Confidence 返回当前置信度。
func (s *State) Confidence() float64 { return s.confidence }

// Evidence 返回证据副本。
func (s *State) Evidence() []string { return append([]string{}, s.evidence...) }

// ToolSequence 返回工具调用序列副本。
func (s *State) ToolSequence() []string { return append([]string{}, s.toolSequence...) }

// FocusKey 返回当前关注范围。
func (s *State) FocusKey() string { return s.focusKey }

// LastError 返回最近一次工具错误。
func (s *State) LastError() string { return s.lastError }

// Snapshot 是状态的只读快照，用于 trace 与日志。
type Snapshot struct {
	Pending      []string `json:"pending"`
	Processed    []string `json:"processed"`
	Confidence   float64  `json:"confidence"`
	Evidence     []string `json:"evidence"`
	ToolSequence []string `json:"tool_sequence"`
	FocusKey     string   `json:"focus_key,omitempty"`
	LastError    string   `json:"last_error,omitempty"`
}

// Snapshot 返回当前状态快照。
func (s *State) Snapshot() Snapshot {
	return Snapshot{
		Pending:      s.PendingItems(),
		Processed:    s.ProcessedItems(),
		Confidence:   s.confidence,
		Evidence:     s.Evidence(),
		ToolSequence: s.ToolSequence(),
		FocusKey:     s.focusKey,
		LastError:    s.lastError,
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
