package tools

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	xerrors "QueryPilot/internal/errors"
)

// Result 是工具返回的结构化记录。
type Result struct {
	Answer        *string        `json:"answer"`
	Confidence    *float64       `json:"confidence,omitempty"`
	Error         string         `json:"error,omitempty"`
	ErrorCode     string         `json:"error_code,omitempty"`
	FocusKey      string         `json:"focus_key,omitempty"`
	DiscoveredIDs []string       `json:"discovered_ids,omitempty"`
	AnalyzedIDs   []string       `json:"analyzed_ids,omitempty"`
	Evidence      []string       `json:"evidence,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
}

// Text 构造只有答案的结果。
func Text(answer string, confidence float64) *Result {
	return &Result{Answer: &answer, Confidence: &confidence}
}

// ErrorResult 构造与普通结果同形的错误结果：answer 为空，confidence 为 0。
func ErrorResult(code xerrors.Code, message string) *Result {
	zero := 0.0
	return &Result{Confidence: &zero, Error: message, ErrorCode: string(code)}
}

// FromError 把任意 error 转换为结构化错误结果。
func FromError(err error) *Result {
	if err == nil {
		return ErrorResult(xerrors.CodeUnknown, "unknown error")
	}
	code := xerrors.CodeOf(err)
	if code == xerrors.CodeUnknown {
		code = xerrors.CodeToolExecution
	}
	return ErrorResult(code, err.Error())
}

// Failed 判断结果是否携带错误。
func (r *Result) Failed() bool {
	return r != nil && r.Error != ""
}

// AnswerText 返回答案文本，为空时返回空串。
func (r *Result) AnswerText() string {
	if r == nil || r.Answer == nil {
		return ""
	}
	return *r.Answer
}

// ConfidenceValue 返回置信度以及是否存在。
func (r *Result) ConfidenceValue() (float64, bool) {
	if r == nil || r.Confidence == nil {
		return 0, false
	}
	return *r.Confidence, true
}

// Clone 返回结果的深拷贝。
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	dup := *r
	if r.Answer != nil {
		answer := *r.Answer
		dup.Answer = &answer
	}
	if r.Confidence != nil {
		confidence := *r.Confidence
		dup.Confidence = &confidence
	}
	dup.DiscoveredIDs = append([]string(nil), r.DiscoveredIDs...)
	dup.AnalyzedIDs = append([]string(nil), r.AnalyzedIDs...)
	dup.Evidence = append([]string(nil), r.Evidence...)
	if r.Data != nil {
		dup.Data = make(map[string]any, len(r.Data))
		for k, v := range r.Data {
			dup.Data[k] = v
		}
	}
	return &dup
}

// FromMap 将松散的 JSON 记录规范化为 Result。
// 数值型的 confidence 与列表型的 evidence / id 字段才会被采纳，其余形状被忽略；
// 非字符串的 answer 或 error 视为无效结果。
func FromMap(raw map[string]any) (*Result, error) {
	if raw == nil {
		return nil, xerrors.New(xerrors.CodeInvalidToolResult, "tool result is not a structured record")
	}
	res := &Result{Data: map[string]any{}}
	for key, value := range raw {
		switch normalizeKey(key) {
		case "answer":
			switch v := value.(type) {
			case nil:
			case string:
				res.Answer = &v
			default:
				return nil, xerrors.New(xerrors.CodeInvalidToolResult, fmt.Sprintf("answer has unexpected type %T", value))
			}
		case "confidence":
			if f, ok := numeric(value); ok {
				res.Confidence = &f
			}
		case "error":
			switch v := value.(type) {
			case nil:
			case string:
				res.Error = v
			default:
				return nil, xerrors.New(xerrors.CodeInvalidToolResult, fmt.Sprintf("error has unexpected type %T", value))
			}
		case "errorcode":
			if s, ok := value.(string); ok {
				res.ErrorCode = s
			}
		case "focuskey":
			if s, ok := value.(string); ok {
				res.FocusKey = strings.TrimSpace(s)
			}
		case "discoveredids":
			res.DiscoveredIDs = stringList(value)
		case "analyzedids":
			res.AnalyzedIDs = stringList(value)
		case "evidence":
			res.Evidence = stringList(value)
		default:
			res.Data[key] = value
		}
	}
	if len(res.Data) == 0 {
		res.Data = nil
	}
	return res, nil
}

// DecodeJSON 解析工具返回的 JSON 文本。
func DecodeJSON(payload []byte) (*Result, error) {
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidToolResult, err, "tool result is not a JSON object")
	}
	return FromMap(raw)
}

func normalizeKey(key string) string {
	key = strings.ToLower(key)
	key = strings.ReplaceAll(key, "_", "")
	return strings.ReplaceAll(key, "-", "")
}

func numeric(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func stringList(value any) []string {
	switch v := value.(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if item == nil {
				continue
			}
			text := strings.TrimSpace(fmt.Sprint(item))
			if text != "" {
				out = append(out, text)
			}
		}
		return out
	default:
		return nil
	}
}
