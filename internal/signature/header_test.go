package signature

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHeader(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    Header
	}{
		{
			name:    "inline body",
			content: "define add(a, b): return a + b",
			want:    Header{Name: "add", Params: []string{"a", "b"}, Inline: "return a + b"},
		},
		{
			name:    "block body with return type",
			content: "\n\ndefine hello(name: str) -> str:\n  return 'hi ' + name\n",
			want:    Header{Name: "hello", Params: []string{"name: str"}, ReturnType: "str", Line: 2},
		},
		{
			name:    "no params",
			content: "define now():\n  return Date.now()",
			want:    Header{Name: "now", Params: []string{}},
		},
		{
			name:    "indented header",
			content: "    define f(x):\n      return x",
			want:    Header{Name: "f", Params: []string{"x"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseHeader(tt.content)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseHeader_Invalid(t *testing.T) {
	for _, content := range []string{
		"",
		"   \n\n",
		"function add(a, b) { return a + b }",
		"define (a): return a",
		"define add(a, b) return a + b",
		"x = 1\ndefine add(a, b): return a + b",
	} {
		_, err := ParseHeader(content)
		assert.ErrorIs(t, err, ErrInvalidHeader, "content %q", content)
	}
}

func TestSplitLines(t *testing.T) {
	assert.Equal(t, []string{"a", "", "b"}, SplitLines("a\r\n\r\nb\n\n  \n"))
	assert.Empty(t, SplitLines(""))
}

func TestParamName(t *testing.T) {
	assert.Equal(t, "a", ParamName("a: int"))
	assert.Equal(t, "b", ParamName(" b = 3 "))
	assert.Equal(t, "c", ParamName("c"))
}
