package stt

import (
	"testing"
	"time"
)

type label string

func (l label) String() string { return "label:" + string(l) }

func TestNormalize(t *testing.T) {
	cases := []struct {
		name string
		raw  any
		want string
	}{
		{"nil", nil, ""},
		{"string", "plain", "plain"},
		{"map with text", map[string]any{"text": "你好", "language": "zh"}, "你好"},
		{"map text not string", map[string]any{"text": 42}, "42"},
		{"map without text", map[string]any{"b": 2, "a": 1}, `{"a":1,"b":2}`},
		{"list of maps", []any{map[string]any{"text": "a"}, map[string]any{"text": "b"}}, "a b"},
		{"mixed list", []any{map[string]any{"text": "a"}, "b", 3}, "a b 3"},
		{"typed list", []map[string]any{{"text": "x"}, {"other": true}}, `x {"other":true}`},
		{"empty list", []any{}, ""},
		{"string list", []string{"one", "two"}, "one two"},
		{"stringer", label("x"), "label:x"},
		{"number", 3.5, "3.5"},
		{"duration stringer", time.Second, "1s"},
	}
	for _, tc := range cases {
		if got := Normalize(tc.raw); got != tc.want {
			t.Fatalf("%s: expected %q, got %q", tc.name, tc.want, got)
		}
	}
}

func TestNormalizeNeverPanics(t *testing.T) {
	ch := make(chan int)
	fn := func() {}
	var nilMap map[string]any
	for _, raw := range []any{ch, fn, nilMap, []any{fn, nil}, struct{ C chan int }{ch}} {
		_ = Normalize(raw)
	}
}

func TestNormalizeDeterministic(t *testing.T) {
	raw := map[string]any{"z": 1, "m": []any{"x"}, "a": map[string]any{"k": "v"}}
	first := Normalize(raw)
	for i := 0; i < 20; i++ {
		if got := Normalize(raw); got != first {
			t.Fatalf("expected stable output, got %q then %q", first, got)
		}
	}
}
