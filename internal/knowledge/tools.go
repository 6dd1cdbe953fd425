package knowledge

import (
	"context"
	"fmt"
	"strings"

	xerrors "QueryPilot/internal/errors"
	"QueryPilot/internal/tools"
)

// ToolNames 指定三个目录工具在注册表中的名称。
type ToolNames struct {
	Scope     string
	Candidate string
	Detail    string
}

// DefaultToolNames 是目录工具的默认名称。
var DefaultToolNames = ToolNames{
	Scope:     "CategoryFinder",
	Candidate: "DocumentSearch",
	Detail:    "DocumentAnalyzer",
}

func (n ToolNames) withDefaults() ToolNames {
	if n.Scope == "" {
		n.Scope = DefaultToolNames.Scope
	}
	if n.Candidate == "" {
		n.Candidate = DefaultToolNames.Candidate
	}
	if n.Detail == "" {
		n.Detail = DefaultToolNames.Detail
	}
	return n
}

// Tools 返回基于目录的 scope / candidate / detail 三层工具。
func (c *Catalog) Tools(names ToolNames) []tools.Tool {
	names = names.withDefaults()
	return []tools.Tool{
		tools.Func{
			ToolName: names.Scope,
			ToolTier: tools.TierScope,
			Desc:     "Finds the document category a question is about. Input: the question.",
			Fn:       c.findCategory,
		},
		tools.Func{
			ToolName: names.Candidate,
			ToolTier: tools.TierCandidate,
			Desc:     "Lists candidate document IDs in the current category. Input: search terms.",
			Fn:       c.searchDocuments,
		},
		tools.Func{
			ToolName: names.Detail,
			ToolTier: tools.TierDetail,
			Desc:     "Reads documents and returns evidence. Input: comma separated document IDs.",
			Fn:       c.analyzeDocuments,
		},
	}
}

func (c *Catalog) findCategory(_ context.Context, input string, _ tools.Context) (*tools.Result, error) {
	category, score := c.FindCategory(input)
	if category == "" {
		return tools.ErrorResult(xerrors.CodeNotFound, "no category matches the question"), nil
	}
	res := tools.Text("category: "+category, 6+float64(min(score, 3)))
	res.FocusKey = category
	return res, nil
}

func (c *Catalog) searchDocuments(_ context.Context, input string, tc tools.Context) (*tools.Result, error) {
	category := tc.FocusKey
	docs := c.Search(category, input)
	if len(docs) == 0 {
		return tools.ErrorResult(xerrors.CodeNotFound, "no documents match the search"), nil
	}
	ids := make([]string, 0, len(docs))
	titles := make([]string, 0, len(docs))
	for _, doc := range docs {
		ids = append(ids, doc.ID)
		titles = append(titles, fmt.Sprintf("%s (%s)", doc.Title, doc.ID))
	}
	confidence := 7.0
	if category == "" {
		confidence = 5
	}
	res := tools.Text("candidates: "+strings.Join(titles, "; "), confidence)
	res.DiscoveredIDs = ids
	return res, nil
}

func (c *Catalog) analyzeDocuments(_ context.Context, input string, tc tools.Context) (*tools.Result, error) {
	ids := splitIDs(input)
	if len(ids) == 0 {
		ids = append(ids, tc.PendingItems...)
	}
	if len(ids) == 0 {
		return tools.ErrorResult(xerrors.CodeInvalidArgument, "no document IDs given"), nil
	}

	var (
		analyzed []string
		evidence []string
		missing  []string
	)
	for _, id := range ids {
		doc, ok := c.Get(id)
		if !ok {
			missing = append(missing, id)
			continue
		}
		analyzed = append(analyzed, doc.ID)
		evidence = append(evidence, fmt.Sprintf("%s: %s", doc.ID, summarize(doc.Content)))
	}
	if len(analyzed) == 0 {
		return tools.ErrorResult(xerrors.CodeNotFound, "unknown documents: "+strings.Join(missing, ", ")), nil
	}
	res := tools.Text(fmt.Sprintf("analyzed %d document(s)", len(analyzed)), 8)
	res.AnalyzedIDs = analyzed
	res.Evidence = evidence
	if len(missing) > 0 {
		res.Data = map[string]any{"missing": missing}
	}
	return res, nil
}

func splitIDs(input string) []string {
	fields := strings.FieldsFunc(input, func(r rune) bool {
		return r == ',' || r == ';' || r == '，' || r == ' ' || r == '\n' || r == '\t'
	})
	out := make([]string, 0, len(fields))
	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, `"'[]`)
		if f == "" {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}
