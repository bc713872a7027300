package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

// FileExt is the extension of store files written by DirBackend.
const FileExt = ".js"

var storeFileName = regexp.MustCompile(`^(\d+)\` + FileExt + `$`)

// DirBackend stores each store file as <dir>/<id>.js. Any other entry in the
// directory is bookkeeping and is ignored.
type DirBackend struct {
	dir string
}

// NewDirBackend opens (or creates) a directory-backed store.
func NewDirBackend(dir string) (*DirBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &DirBackend{dir: dir}, nil
}

// Dir returns the store directory.
func (d *DirBackend) Dir() string { return d.dir }

// Path returns the file path of a store file id.
func (d *DirBackend) Path(id int) string {
	return filepath.Join(d.dir, strconv.Itoa(id)+FileExt)
}

// Files lists store file ids in ascending order.
func (d *DirBackend) Files(ctx context.Context) ([]int, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, fmt.Errorf("list store dir: %w", err)
	}
	ids := []int{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := storeFileName.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		id, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

// Read returns the lines of a store file.
func (d *DirBackend) Read(ctx context.Context, id int) ([]string, error) {
	data, err := os.ReadFile(d.Path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %d", ErrFileNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read store file %d: %w", id, err)
	}
	return splitLines(string(data)), nil
}

// Write replaces a store file through a temp file and rename, so readers
// never see a partially written file.
func (d *DirBackend) Write(ctx context.Context, id int, lines []string) error {
	tmp, err := os.CreateTemp(d.dir, ".store-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.WriteString(joinLines(lines)); err != nil {
		tmp.Close()
		return fmt.Errorf("write store file %d: %w", id, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync store file %d: %w", id, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close store file %d: %w", id, err)
	}
	if err := os.Rename(tmpName, d.Path(id)); err != nil {
		return fmt.Errorf("replace store file %d: %w", id, err)
	}
	return nil
}

// Append adds lines with a single write call on an O_APPEND descriptor.
func (d *DirBackend) Append(ctx context.Context, id int, lines []string) error {
	f, err := os.OpenFile(d.Path(id), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open store file %d: %w", id, err)
	}
	if _, err := f.WriteString(joinLines(lines)); err != nil {
		f.Close()
		return fmt.Errorf("append store file %d: %w", id, err)
	}
	return f.Close()
}

// Close is a no-op for DirBackend.
func (d *DirBackend) Close() error { return nil }
