package tools

import (
	"fmt"
	"sort"
	"sync"

	xerrors "QueryPilot/internal/errors"
)

// Registry 按名称保存工具。进程启动时构建，之后只读。
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry 创建注册表并注册给定工具。
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool)}
	for _, tool := range tools {
		if err := r.Register(tool); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register 注册一个工具，名称不可重复。
func (r *Registry) Register(tool Tool) error {
	if tool == nil || tool.Name() == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "tool must have a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name()]; exists {
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("tool %s already registered", tool.Name()))
	}
	r.tools[tool.Name()] = tool
	return nil
}

// Get 按名称查找工具。
func (r *Registry) Get(name string) (Tool, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Names 返回已注册的工具名称（按字母序）。
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List 返回全部工具（按名称排序）。
func (r *Registry) List() []Tool {
	names := r.Names()
	out := make([]Tool, 0, len(names))
	for _, name := range names {
		tool, _ := r.Get(name)
		out = append(out, tool)
	}
	return out
}

// ByTier 返回注册在指定层级的工具名称。
func (r *Registry) ByTier(tier Tier) []string {
	var names []string
	for _, tool := range r.List() {
		if tool.Tier() == tier {
			names = append(names, tool.Name())
		}
	}
	return names
}
