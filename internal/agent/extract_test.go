package agent

import (
	"testing"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare object", `{"a":1}`, `{"a":1}`},
		{"json fence", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"bare fence", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"leading prose", "Here is the result:\n{\"a\":1}", `{"a":1}`},
		{"trailing prose", "{\"a\":1}\nLet me know if you need more.", `{"a":1}`},
		{"fence with prose", "Sure!\n```json\n{\"a\": {\"b\": 2}}\n```", `{"a": {"b": 2}}`},
		{"no object", "I could not produce a diff.", ""},
		{"unbalanced", `{"a":`, ""},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractJSON(tt.in); got != tt.want {
				t.Errorf("ExtractJSON() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFieldHelpers(t *testing.T) {
	body := `{
		"title": "  padded  ",
		"steps": ["one", " ", "two"],
		"count": 3,
		"items": [{"file": "a.go"}, {"file": "b.go"}]
	}`

	if got := fieldString(body, "title"); got != "padded" {
		t.Errorf("fieldString = %q", got)
	}
	if got := fieldString(body, "missing"); got != "" {
		t.Errorf("fieldString(missing) = %q", got)
	}

	steps := fieldStrings(body, "steps")
	if len(steps) != 2 || steps[0] != "one" || steps[1] != "two" {
		t.Errorf("fieldStrings = %v", steps)
	}
	if got := fieldStrings(body, "missing"); got != nil {
		t.Errorf("fieldStrings(missing) = %v", got)
	}

	if got := fieldInt(body, "count"); got != 3 {
		t.Errorf("fieldInt = %d", got)
	}

	items := fieldItems(body, "items")
	if len(items) != 2 {
		t.Fatalf("fieldItems = %v", items)
	}
	if got := fieldString(items[1], "file"); got != "b.go" {
		t.Errorf("nested field = %q", got)
	}
}
