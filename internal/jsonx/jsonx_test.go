package jsonx

import "testing"

func TestExtract(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
		ok    bool
	}{
		{
			name:  "bare object",
			input: `{"narrative": "x"}`,
			want:  `{"narrative": "x"}`,
			ok:    true,
		},
		{
			name:  "fenced block wins",
			input: "前言 ```json\n{\"a\": 1}\n``` 后记 {\"b\": 2}",
			want:  `{"a": 1}`,
			ok:    true,
		},
		{
			name:  "matching brace span ignores trailing text",
			input: `噪声 {"a": {"b": 2}} 尾部`,
			want:  `{"a": {"b": 2}}`,
			ok:    true,
		},
		{
			name:  "unbalanced falls back to last brace",
			input: `{"a": {"b": 2}`,
			want:  `{"a": {"b": 2}`,
			ok:    true,
		},
		{
			name:  "no json",
			input: "纯叙事文本",
			ok:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Extract(tt.input)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if got != tt.want {
				t.Errorf("Extract() = %q, want %q", got, tt.want)
			}
		})
	}
}
