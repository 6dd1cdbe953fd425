// Package knowledge 提供基于 JSON 文档目录的本地工具，使服务在没有外部工具服务时也能完整运行。
package knowledge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	xerrors "QueryPilot/internal/errors"
)

// Document 描述目录中的一篇业务文档。
type Document struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Category string   `json:"category"`
	Content  string   `json:"content"`
	Keywords []string `json:"keywords"`
	Tags     []string `json:"tags"`
}

// Catalog 是只读的文档目录。
type Catalog struct {
	docs       []Document
	byID       map[string]int
	maxResults int
}

// NewCatalog 创建目录，文档 ID 必须唯一且非空。
func NewCatalog(docs []Document, maxResults int) (*Catalog, error) {
	if maxResults <= 0 {
		maxResults = 5
	}
	c := &Catalog{
		docs:       make([]Document, 0, len(docs)),
		byID:       make(map[string]int, len(docs)),
		maxResults: maxResults,
	}
	for _, doc := range docs {
		doc.ID = strings.TrimSpace(doc.ID)
		if doc.ID == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "文档 ID 不能为空")
		}
		if _, exists := c.byID[doc.ID]; exists {
			return nil, xerrors.New(xerrors.CodeConflict, fmt.Sprintf("文档 ID %s 重复", doc.ID))
		}
		doc.Category = strings.ToLower(strings.TrimSpace(doc.Category))
		c.byID[doc.ID] = len(c.docs)
		c.docs = append(c.docs, doc)
	}
	return c, nil
}

// LoadCatalog 从 JSON 文件加载文档目录。
func LoadCatalog(path string, maxResults int) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "文档目录路径不能为空")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析文档目录路径失败")
	}
	file, err := os.Open(absPath)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取文档目录失败")
	}
	defer file.Close()

	var docs []Document
	if err := json.NewDecoder(file).Decode(&docs); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析文档目录失败")
	}
	return NewCatalog(docs, maxResults)
}

// Len 返回文档数量。
func (c *Catalog) Len() int { return len(c.docs) }

// Get 按 ID 查找文档。
func (c *Catalog) Get(id string) (Document, bool) {
	idx, ok := c.byID[strings.TrimSpace(id)]
	if !ok {
		return Document{}, false
	}
	return c.docs[idx], true
}

// Categories 返回按字母序排列的类别。
func (c *Catalog) Categories() []string {
	seen := make(map[string]struct{})
	for _, doc := range c.docs {
		if doc.Category != "" {
			seen[doc.Category] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for cat := range seen {
		out = append(out, cat)
	}
	sort.Strings(out)
	return out
}

// FindCategory 返回与查询关键词命中最多的类别以及命中次数。
// 类别名本身出现在查询中时直接胜出。
func (c *Catalog) FindCategory(query string) (string, int) {
	q := strings.ToLower(query)
	for _, cat := range c.Categories() {
		if strings.Contains(q, cat) {
			return cat, len(c.docs)
		}
	}
	scores := make(map[string]int)
	for _, doc := range c.docs {
		if doc.Category == "" {
			continue
		}
		scores[doc.Category] += hits(doc, q)
	}
	best, bestScore := "", 0
	for _, cat := range c.Categories() {
		if scores[cat] > bestScore {
			best, bestScore = cat, scores[cat]
		}
	}
	return best, bestScore
}

// Search 返回类别内与查询相关的文档，按命中数降序。
// 没有任何命中时返回该类别的前 maxResults 篇文档。
func (c *Catalog) Search(category, query string) []Document {
	category = strings.ToLower(strings.TrimSpace(category))
	q := strings.ToLower(query)

	type scored struct {
		doc   Document
		score int
	}
	var inCategory []scored
	for _, doc := range c.docs {
		if category != "" && doc.Category != category {
			continue
		}
		inCategory = append(inCategory, scored{doc: doc, score: hits(doc, q)})
	}
	sort.SliceStable(inCategory, func(i, j int) bool { return inCategory[i].score > inCategory[j].score })

	anyHit := len(inCategory) > 0 && inCategory[0].score > 0
	if !anyHit && category == "" {
		return nil
	}
	matched := make([]Document, 0, c.maxResults)
	for _, s := range inCategory {
		if anyHit && s.score == 0 {
			break
		}
		matched = append(matched, s.doc)
		if len(matched) >= c.maxResults {
			break
		}
	}
	return matched
}

func hits(doc Document, query string) int {
	if query == "" {
		return 0
	}
	n := 0
	for _, term := range append(append([]string{}, doc.Keywords...), doc.Tags...) {
		term = strings.ToLower(strings.TrimSpace(term))
		if term != "" && strings.Contains(query, term) {
			n++
		}
	}
	if title := strings.ToLower(strings.TrimSpace(doc.Title)); title != "" && strings.Contains(query, title) {
		n++
	}
	return n
}

// summarize 返回正文的第一句，过长时截断。
func summarize(content string) string {
	content = strings.TrimSpace(content)
	if idx := strings.IndexFunc(content, func(r rune) bool {
		return r == '.' || r == '。' || r == '\n'
	}); idx > 0 {
		content = content[:idx]
	}
	runes := []rune(content)
	if len(runes) > 160 {
		content = string(runes[:160]) + "…"
	}
	return strings.TrimRightFunc(content, unicode.IsSpace)
}
