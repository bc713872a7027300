package signature

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := New("KEY")
	require.NoError(t, err)
	return c
}

func TestNew_RejectsBadDelimiter(t *testing.T) {
	for _, d := range []string{"", "  ", "a,b", "a\nb"} {
		_, err := New(d)
		assert.Error(t, err, "delimiter %q", d)
	}
}

func TestEncodeStart(t *testing.T) {
	c := newTestCodec(t)
	got := c.EncodeStart("add", []string{"a", "b"})
	assert.Equal(t, `//start-function: KEY, function: add, params: ["a", "b"]`, got)

	got = c.EncodeStart("noop", nil)
	assert.Equal(t, `//start-function: KEY, function: noop, params: []`, got)
}

func TestParse_RoundTrip(t *testing.T) {
	c := newTestCodec(t)

	m := c.Parse(c.EncodeStart("add", []string{"a: int", "b"}))
	require.Equal(t, KindStart, m.Kind)
	assert.Equal(t, "add", m.Name)
	params, err := DecodeParams(m.Params)
	require.NoError(t, err)
	assert.Equal(t, []string{"a: int", "b"}, params)

	m = c.Parse(c.EncodeEnd("add"))
	assert.Equal(t, KindEnd, m.Kind)
	assert.Equal(t, "add", m.Name)

	m = c.Parse(c.EncodeAuthor("alice", "$2a$10$abc"))
	require.Equal(t, KindAuthor, m.Kind)
	assert.Equal(t, "alice", m.Author)
	assert.Equal(t, "$2a$10$abc", m.Hash)
}

func TestParse_OtherDelimiterIgnored(t *testing.T) {
	c := newTestCodec(t)
	other, err := New("OTHER")
	require.NoError(t, err)

	assert.Equal(t, KindNone, c.Parse(other.EncodeStart("add", nil)).Kind)
	assert.Equal(t, KindNone, c.Parse("return a + b").Kind)
	assert.Equal(t, KindNone, c.Parse(c.UnitStart()).Kind)
}

func TestFindBoundaries(t *testing.T) {
	c := newTestCodec(t)
	lines := []string{
		c.EncodeStart("add", []string{"a", "b"}),
		"define add(a, b):",
		"  return a + b",
		c.EncodeEnd("add"),
		c.EncodeStart("add2", []string{"a"}),
		"define add2(a): return a + 2",
		c.EncodeEnd("add2"),
	}

	start, end, ok := c.FindBoundaries("add", lines)
	require.True(t, ok)
	assert.Equal(t, 0, start)
	assert.Equal(t, 3, end)

	start, end, ok = c.FindBoundaries("add2", lines)
	require.True(t, ok)
	assert.Equal(t, 4, start)
	assert.Equal(t, 6, end)

	_, _, ok = c.FindBoundaries("ad", lines)
	assert.False(t, ok, "prefix of a name must not match")
}

func TestFindBoundaries_EndBeforeStart(t *testing.T) {
	c := newTestCodec(t)
	lines := []string{c.EncodeEnd("f"), c.EncodeStart("f", nil)}
	_, _, ok := c.FindBoundaries("f", lines)
	assert.False(t, ok)
}

func TestListNames(t *testing.T) {
	c := newTestCodec(t)
	assert.Nil(t, c.ListNames([]string{"plain", "text"}))

	lines := []string{
		c.EncodeStart("b", nil), c.EncodeEnd("b"),
		c.EncodeStart("a", nil), c.EncodeEnd("a"),
	}
	assert.Equal(t, []string{"b", "a"}, c.ListNames(lines))
}

func TestParamsOf(t *testing.T) {
	c := newTestCodec(t)
	lines := []string{c.EncodeStart("f", []string{"x", "y"}), c.EncodeEnd("f")}

	params, ok, err := c.ParamsOf("f", lines)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"x", "y"}, params)

	_, ok, _ = c.ParamsOf("g", lines)
	assert.False(t, ok)
}

func TestDecodeParams_Constrained(t *testing.T) {
	params, err := DecodeParams(`["a", 1, 2.5]`)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "1", "2.5"}, params)

	for _, raw := range []string{
		`__import__('os').system('id')`,
		`{"a": 1}`,
		`["a", ["nested"]]`,
		`[a, b]`,
		`["a", null]`,
	} {
		_, err := DecodeParams(raw)
		assert.ErrorIs(t, err, ErrBadParams, raw)
	}
}

func TestAuthorOf(t *testing.T) {
	c := newTestCodec(t)
	lines := []string{
		c.EncodeStart("f", nil),
		c.EncodeAuthor("bob", "h"),
		"define f(): return 1",
		c.EncodeEnd("f"),
		c.EncodeStart("g", nil),
		"define g(): return 2",
		c.EncodeEnd("g"),
	}

	m, ok := c.AuthorOf("f", lines)
	require.True(t, ok)
	assert.Equal(t, "bob", m.Author)

	_, ok = c.AuthorOf("g", lines)
	assert.False(t, ok)
}

func TestIsMarker(t *testing.T) {
	c := newTestCodec(t)
	assert.True(t, c.IsMarker("  "+c.EncodeEnd("x")))
	assert.True(t, c.IsMarker(c.ReturnSentinel()))
	assert.True(t, c.IsMarker(c.UnitStart()))
	assert.False(t, c.IsMarker("// an ordinary comment"))
}
