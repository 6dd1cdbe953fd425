package reasoning

import "strings"

var quotePairs = [][2]string{
	{"```", "```"},
	{`"`, `"`},
	{"'", "'"},
	{"`", "`"},
	{"“", "”"},
}

// StripValue 去除首尾空白、换行以及成对包裹的引号或代码围栏。
// 函数重复剥离直到不再变化，因此对结果再次调用不会改变它。
func StripValue(value string) string {
	for {
		next := stripOnce(value)
		if next == value {
			return next
		}
		value = next
	}
}

func stripOnce(value string) string {
	value = strings.Trim(value, " \t\r\n")
	for _, pair := range quotePairs {
		open, closing := pair[0], pair[1]
		if len(value) < len(open)+len(closing) {
			continue
		}
		if strings.HasPrefix(value, open) && strings.HasSuffix(value, closing) {
			inner := value[len(open) : len(value)-len(closing)]
			if open == "```" {
				inner = dropFenceLanguage(inner)
			}
			return inner
		}
	}
	return value
}

// dropFenceLanguage 去掉 ```json 这类围栏首行的语言标记。
func dropFenceLanguage(inner string) string {
	idx := strings.IndexByte(inner, '\n')
	if idx < 0 {
		return inner
	}
	head := strings.TrimSpace(inner[:idx])
	if head != "" && !strings.ContainsAny(head, " {[\"'") {
		return inner[idx+1:]
	}
	return inner
}
