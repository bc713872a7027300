package signature

import (
	"errors"
	"regexp"
	"strings"
)

// ErrInvalidHeader is returned when content does not start with a
// `define <name>(<params>) [-> <type>]:` header.
var ErrInvalidHeader = errors.New("signature: invalid function header")

var headerPattern = regexp.MustCompile(`^define\s+(\w+)\s*\((.*?)\)(?:\s*->\s*(\w+))?\s*:(.*)$`)

// Header is the declaration line of a stored function.
type Header struct {
	Name       string
	Params     []string
	ReturnType string
	// Inline is any source following the colon on the header line.
	Inline string
	// Line is the index of the header within the content's lines.
	Line int
}

// SplitLines splits content into lines, normalizing CRLF and dropping
// trailing blank lines.
func SplitLines(content string) []string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	lines := strings.Split(content, "\n")
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// ParseHeader parses the header from the first non-blank line of content.
func ParseHeader(content string) (Header, error) {
	return ParseHeaderLines(SplitLines(content))
}

// ParseHeaderLines is ParseHeader for content already split into lines.
func ParseHeaderLines(lines []string) (Header, error) {
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		m := headerPattern.FindStringSubmatch(trimmed)
		if m == nil {
			return Header{}, ErrInvalidHeader
		}
		return Header{
			Name:       m[1],
			Params:     splitParams(m[2]),
			ReturnType: m[3],
			Inline:     strings.TrimSpace(m[4]),
			Line:       i,
		}, nil
	}
	return Header{}, ErrInvalidHeader
}

func splitParams(raw string) []string {
	params := []string{}
	if strings.TrimSpace(raw) == "" {
		return params
	}
	for _, p := range strings.Split(raw, ",") {
		params = append(params, strings.TrimSpace(p))
	}
	return params
}

// ParamName strips a type annotation or default value from a declared
// parameter, leaving the bare identifier.
func ParamName(param string) string {
	if i := strings.IndexAny(param, ":="); i >= 0 {
		param = param[:i]
	}
	return strings.TrimSpace(param)
}
