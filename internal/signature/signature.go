// Package signature encodes and parses the marker comments that delimit
// function blocks inside store files.
//
// Every marker is a single `//` comment line carrying a shared delimiter
// token, so markers survive being embedded in otherwise arbitrary source:
//
//	//start-function: <delim>, function: <name>, params: ["a", "b"]
//	//author-function: <delim>, author: <identity>, hash: <hash>
//	//end-function: <delim>, function: <name>
//
// A block is one start marker, an optional author marker on the next line,
// the raw function source and one end marker.
package signature

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	startPrefix  = "//start-function: "
	endPrefix    = "//end-function: "
	authorPrefix = "//author-function: "
	returnPrefix = "//function-return: "

	nameField   = ", function: "
	paramsField = ", params: "
	authorField = ", author: "
	hashField   = ", hash: "
)

// ErrBadParams is returned when a start marker carries a malformed
// parameter literal.
var ErrBadParams = errors.New("signature: malformed parameter list")

// Kind identifies a marker line.
type Kind int

const (
	KindNone Kind = iota
	KindStart
	KindAuthor
	KindEnd
)

// Marker is a parsed marker line.
type Marker struct {
	Kind   Kind
	Name   string // start and end markers
	Params string // raw parameter literal of a start marker
	Author string // author marker
	Hash   string // author marker
}

// Codec reads and writes markers for one delimiter token.
type Codec struct {
	delim string
}

// New creates a Codec. The delimiter must be non-empty and must not contain
// commas or line breaks, since both are field separators in marker lines.
func New(delim string) (*Codec, error) {
	delim = strings.TrimSpace(delim)
	if delim == "" {
		return nil, fmt.Errorf("signature: empty delimiter")
	}
	if strings.ContainsAny(delim, ",\r\n") {
		return nil, fmt.Errorf("signature: delimiter %q contains a separator", delim)
	}
	return &Codec{delim: delim}, nil
}

// Delimiter returns the shared delimiter token.
func (c *Codec) Delimiter() string { return c.delim }

// EncodeStart returns the start marker for a function.
func (c *Codec) EncodeStart(name string, params []string) string {
	return startPrefix + c.delim + nameField + name + paramsField + encodeParams(params)
}

// EncodeEnd returns the end marker for a function.
func (c *Codec) EncodeEnd(name string) string {
	return endPrefix + c.delim + nameField + name
}

// EncodeAuthor returns the author marker carrying an identity and its
// credential hash.
func (c *Codec) EncodeAuthor(identity, hash string) string {
	return authorPrefix + c.delim + authorField + identity + hashField + hash
}

// ReturnSentinel is the line an execution unit prints right before the
// encoded return value.
func (c *Codec) ReturnSentinel() string {
	return returnPrefix + c.delim
}

// UnitStart and UnitEnd are the sentinel lines of the driver template
// between which one function is injected.
func (c *Codec) UnitStart() string { return startPrefix + c.delim }
func (c *Codec) UnitEnd() string   { return endPrefix + c.delim }

// Parse classifies a line. Lines that are not markers for this codec's
// delimiter report KindNone.
func (c *Codec) Parse(line string) Marker {
	line = strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(line, startPrefix):
		rest, ok := c.afterDelim(line, startPrefix, nameField)
		if !ok {
			return Marker{}
		}
		name, params, ok := strings.Cut(rest, paramsField)
		if !ok || name == "" {
			return Marker{}
		}
		return Marker{Kind: KindStart, Name: name, Params: params}

	case strings.HasPrefix(line, endPrefix):
		rest, ok := c.afterDelim(line, endPrefix, nameField)
		if !ok || rest == "" {
			return Marker{}
		}
		return Marker{Kind: KindEnd, Name: rest}

	case strings.HasPrefix(line, authorPrefix):
		rest, ok := c.afterDelim(line, authorPrefix, authorField)
		if !ok {
			return Marker{}
		}
		i := strings.LastIndex(rest, hashField)
		if i <= 0 {
			return Marker{}
		}
		return Marker{Kind: KindAuthor, Author: rest[:i], Hash: rest[i+len(hashField):]}
	}
	return Marker{}
}

// IsMarker reports whether line is any marker or unit sentinel for this
// delimiter. Uploaded source must not contain such lines.
func (c *Codec) IsMarker(line string) bool {
	trimmed := strings.TrimSpace(line)
	for _, p := range []string{startPrefix, endPrefix, authorPrefix, returnPrefix} {
		if strings.HasPrefix(trimmed, p+c.delim) {
			return true
		}
	}
	return false
}

func (c *Codec) afterDelim(line, prefix, field string) (string, bool) {
	rest := strings.TrimPrefix(line, prefix)
	return strings.CutPrefix(rest, c.delim+field)
}

// FindBoundaries returns the 0-based indices of the named function's start
// and end markers. ok is false when either marker is missing or the end
// marker does not follow the start marker.
func (c *Codec) FindBoundaries(name string, lines []string) (start, end int, ok bool) {
	start = -1
	for i, line := range lines {
		m := c.Parse(line)
		if m.Name != name {
			continue
		}
		switch {
		case m.Kind == KindStart && start < 0:
			start = i
		case m.Kind == KindEnd && start >= 0:
			return start, i, true
		}
	}
	return -1, -1, false
}

// ListNames returns the distinct function names found in start markers, in
// file order. It returns nil when the file holds no functions.
func (c *Codec) ListNames(lines []string) []string {
	var names []string
	seen := make(map[string]bool)
	for _, line := range lines {
		m := c.Parse(line)
		if m.Kind != KindStart || seen[m.Name] {
			continue
		}
		seen[m.Name] = true
		names = append(names, m.Name)
	}
	return names
}

// ParamsOf parses the parameter list from the named function's start
// marker. ok is false when the function has no start marker.
func (c *Codec) ParamsOf(name string, lines []string) (params []string, ok bool, err error) {
	for _, line := range lines {
		m := c.Parse(line)
		if m.Kind == KindStart && m.Name == name {
			params, err := DecodeParams(m.Params)
			return params, true, err
		}
	}
	return nil, false, nil
}

// AuthorOf returns the author marker immediately following the named
// function's start marker.
func (c *Codec) AuthorOf(name string, lines []string) (Marker, bool) {
	start, _, ok := c.FindBoundaries(name, lines)
	if !ok || start+1 >= len(lines) {
		return Marker{}, false
	}
	m := c.Parse(lines[start+1])
	if m.Kind != KindAuthor {
		return Marker{}, false
	}
	return m, true
}

func encodeParams(params []string) string {
	parts := make([]string, len(params))
	for i, p := range params {
		b, _ := json.Marshal(p)
		parts[i] = string(b)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// DecodeParams parses a parameter literal. Only a flat JSON array of strings
// and numbers is accepted; nothing in the literal is ever evaluated.
func DecodeParams(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if !gjson.Valid(raw) {
		return nil, fmt.Errorf("%w: %q", ErrBadParams, raw)
	}
	res := gjson.Parse(raw)
	if !res.IsArray() {
		return nil, fmt.Errorf("%w: not a list: %q", ErrBadParams, raw)
	}
	params := []string{}
	var bad error
	res.ForEach(func(_, v gjson.Result) bool {
		switch v.Type {
		case gjson.String:
			params = append(params, v.Str)
		case gjson.Number:
			params = append(params, v.Raw)
		default:
			bad = fmt.Errorf("%w: unsupported element %s", ErrBadParams, v.Raw)
			return false
		}
		return true
	})
	if bad != nil {
		return nil, bad
	}
	return params, nil
}
