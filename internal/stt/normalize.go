package stt

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Normalize flattens a raw engine result into plain text. A mapping yields its
// "text" field, a sequence yields the space-joined text of its elements, and
// anything else is stringified. It never fails.
func Normalize(raw any) string {
	switch v := raw.(type) {
	case nil:
		return ""
	case string:
		return v
	case map[string]any:
		if text, ok := v["text"]; ok {
			return stringify(text)
		}
		return stringify(v)
	case map[string]string:
		if text, ok := v["text"]; ok {
			return text
		}
		return stringify(v)
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, elementText(item))
		}
		return strings.Join(parts, " ")
	case []map[string]any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, elementText(item))
		}
		return strings.Join(parts, " ")
	case []string:
		return strings.Join(v, " ")
	}
	return stringify(raw)
}

func elementText(item any) string {
	switch m := item.(type) {
	case map[string]any:
		if text, ok := m["text"]; ok {
			return stringify(text)
		}
	case map[string]string:
		if text, ok := m["text"]; ok {
			return text
		}
	}
	return stringify(item)
}

func stringify(v any) (out string) {
	defer func() {
		if recover() != nil {
			out = fmt.Sprintf("%#v", v)
		}
	}()
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	case error:
		return t.Error()
	}
	if data, err := json.Marshal(v); err == nil {
		return string(data)
	}
	return fmt.Sprint(v)
}
