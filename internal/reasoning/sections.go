package reasoning

import (
	"regexp"
	"sort"
	"strings"
)

type label int

const (
	labelThought label = iota
	labelAction
	labelActionInput
	labelFinalAnswer
	labelObservation
)

// labelPattern 匹配行首的段落标签，允许 markdown 修饰（*、#、>、-）和大小写差异。
// action input 必须排在 action 之前。
var labelPattern = regexp.MustCompile(`(?im)^[ \t>*#-]*(thought|action[ \t_-]*input|action|final[ \t_-]*answer|observation)[ \t*]*:`)

// inlineFinalPattern 匹配与其他内容同处一行的 Final Answer 标签，
// 标签前必须是句末标点或空白。
var inlineFinalPattern = regexp.MustCompile(`(?i)[.!?。;\s][ \t*]*(final[ \t_-]*answer)[ \t*]*:`)

type section struct {
	label label
	body  string
}

type document struct {
	raw      string
	sections []section
}

func classify(name string) label {
	name = strings.ToLower(name)
	switch {
	case strings.HasPrefix(name, "thought"):
		return labelThought
	case strings.HasPrefix(name, "final"):
		return labelFinalAnswer
	case strings.HasPrefix(name, "observation"):
		return labelObservation
	case strings.Contains(name, "input"):
		return labelActionInput
	default:
		return labelAction
	}
}

type labelMatch struct {
	start     int
	bodyStart int
	name      string
}

// split 将文本按标签切分为段落，段落正文延续到下一个标签为止。
func split(text string) document {
	doc := document{raw: text}
	var matches []labelMatch
	atLineStart := make(map[int]bool)
	for _, m := range labelPattern.FindAllStringSubmatchIndex(text, -1) {
		matches = append(matches, labelMatch{start: m[0], bodyStart: m[1], name: text[m[2]:m[3]]})
		atLineStart[m[2]] = true
	}
	for _, m := range inlineFinalPattern.FindAllStringSubmatchIndex(text, -1) {
		if atLineStart[m[2]] {
			continue
		}
		matches = append(matches, labelMatch{start: m[2], bodyStart: m[1], name: text[m[2]:m[3]]})
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].start < matches[j].start })

	for i, m := range matches {
		end := len(text)
		if i+1 < len(matches) {
			end = matches[i+1].start
		}
		if end < m.bodyStart {
			continue
		}
		doc.sections = append(doc.sections, section{
			label: classify(m.name),
			body:  text[m.bodyStart:end],
		})
	}
	return doc
}

func (d document) first(l label) (section, bool) {
	for _, s := range d.sections {
		if s.label == l {
			return s, true
		}
	}
	return section{}, false
}

func (d document) has(l label) bool {
	_, ok := d.first(l)
	return ok
}

// only 判断文档中是否只出现了给定标签。
func (d document) only(l label) bool {
	if len(d.sections) == 0 {
		return false
	}
	for _, s := range d.sections {
		if s.label != l {
			return false
		}
	}
	return true
}

// actionParts 将 Action 段拆成首个非空行（工具名）与其后的剩余文本。
func actionParts(body string) (head, rest string) {
	lines := strings.Split(body, "\n")
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		return cleanName(line), strings.Join(lines[i+1:], "\n")
	}
	return "", ""
}

func cleanName(line string) string {
	return strings.Trim(strings.TrimSpace(line), "*`\"' \t\r")
}

var plainName = regexp.MustCompile(`^[A-Za-z_][\w.\-]*$`)

func isPlainName(name string) bool {
	return plainName.MatchString(name)
}
