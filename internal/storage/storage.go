// Package storage persists store files: ordered lists of text lines
// addressed by a non-negative ordinal id.
//
// The Backend interface is the primary abstraction. DirBackend keeps one
// UTF-8 file per id inside a directory; SQLiteBackend keeps them in a
// pure-Go SQLite database (modernc.org/sqlite).
//
// Backends do not lock across calls. Callers that read-modify-write a file
// serialize those sequences themselves.
package storage

import (
	"context"
	"errors"
	"strings"
)

// ErrFileNotFound is returned when a store file id does not exist.
var ErrFileNotFound = errors.New("storage: store file not found")

// Backend is the persistent store file interface.
type Backend interface {
	// Files returns the ids of all store files in ascending order.
	Files(ctx context.Context) ([]int, error)

	// Read returns the lines of a store file.
	Read(ctx context.Context, id int) ([]string, error)

	// Write atomically replaces a store file, creating it if needed.
	Write(ctx context.Context, id int, lines []string) error

	// Append adds lines to the end of a store file in a single write,
	// creating the file if needed.
	Append(ctx context.Context, id int, lines []string) error

	// Close releases backend resources.
	Close() error
}

func joinLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

func splitLines(body string) []string {
	if body == "" {
		return []string{}
	}
	return strings.Split(strings.TrimSuffix(body, "\n"), "\n")
}
