// Package store manages functions kept in capacity-bounded store files.
//
// A store file is a sequence of function blocks:
//
//	//start-function: <delim>, function: add, params: ["a", "b"]
//	//author-function: <delim>, author: alice, hash: $2a$...   (optional)
//	define add(a, b): return a + b
//	//end-function: <delim>, function: add
//
// New blocks are appended to the highest-numbered file until its line count
// would exceed the capacity, then a new file is started. Modify and Delete
// rewrite a single file in place.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/customlambda/customlambda/internal/security"
	"github.com/customlambda/customlambda/internal/signature"
	"github.com/customlambda/customlambda/internal/storage"
)

var (
	ErrNotFound      = errors.New("function not found")
	ErrAlreadyExists = errors.New("function already exists")
	ErrValidation    = errors.New("validation failed")
)

// DefaultCapacity is the maximum number of lines in one store file.
const DefaultCapacity = 10000

// Function describes a stored function.
type Function struct {
	Name   string   `json:"name"`
	Params []string `json:"params"`
	FileID int      `json:"file"`
	Author string   `json:"author,omitempty"`
}

// Listing maps store file ids to the functions they hold, in file order.
type Listing map[int][]Function

// Count returns the number of functions in the listing.
func (l Listing) Count() int {
	n := 0
	for _, fns := range l {
		n += len(fns)
	}
	return n
}

// Config holds configuration for the Manager.
type Config struct {
	Capacity int // lines per store file (default: DefaultCapacity)
	MaxBytes int // upload size ceiling, 0 = unlimited
}

// Manager is the function store. It is safe for concurrent use.
type Manager struct {
	backend   storage.Backend
	codec     *signature.Codec
	guard     *security.Guard
	validator *security.Validator
	capacity  int

	addMu   sync.Mutex // serializes Add: uniqueness check + target choice
	locksMu sync.Mutex
	locks   map[int]*sync.RWMutex
}

// New creates a Manager over backend.
func New(backend storage.Backend, codec *signature.Codec, guard *security.Guard, cfg Config) *Manager {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	return &Manager{
		backend:   backend,
		codec:     codec,
		guard:     guard,
		validator: security.NewValidator(cfg.MaxBytes, cfg.Capacity, codec.IsMarker),
		capacity:  cfg.Capacity,
		locks:     make(map[int]*sync.RWMutex),
	}
}

// Capacity returns the per-file line capacity.
func (m *Manager) Capacity() int { return m.capacity }

// Codec returns the marker codec used by the store.
func (m *Manager) Codec() *signature.Codec { return m.codec }

func (m *Manager) fileLock(id int) *sync.RWMutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.RWMutex{}
		m.locks[id] = l
	}
	return l
}

// snapshot reads a store file under its read lock.
func (m *Manager) snapshot(ctx context.Context, id int) ([]string, error) {
	l := m.fileLock(id)
	l.RLock()
	defer l.RUnlock()
	lines, err := m.backend.Read(ctx, id)
	if errors.Is(err, storage.ErrFileNotFound) {
		return nil, fmt.Errorf("%w: store file %d", ErrNotFound, id)
	}
	return lines, err
}

// files lists store file ids, creating an empty file 0 for a fresh store.
func (m *Manager) files(ctx context.Context) ([]int, error) {
	ids, err := m.backend.Files(ctx)
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		return ids, nil
	}

	m.addMu.Lock()
	defer m.addMu.Unlock()
	if ids, err = m.backend.Files(ctx); err != nil || len(ids) > 0 {
		return ids, err
	}
	if err := m.backend.Write(ctx, 0, []string{}); err != nil {
		return nil, fmt.Errorf("create store file 0: %w", err)
	}
	return []int{0}, nil
}

func (m *Manager) describe(id int, name string, lines []string) (Function, error) {
	params, _, err := m.codec.ParamsOf(name, lines)
	if err != nil {
		return Function{}, fmt.Errorf("store file %d, function %s: %w", id, name, err)
	}
	fn := Function{Name: name, Params: params, FileID: id}
	if a, ok := m.codec.AuthorOf(name, lines); ok {
		fn.Author = a.Author
	}
	return fn, nil
}

// List returns every function in the store. A store with no files gets an
// empty file 0 and an empty listing.
func (m *Manager) List(ctx context.Context) (Listing, error) {
	return m.list(ctx, func(string, []string) (bool, error) { return true, nil })
}

// ListFor returns the functions visible to creds. The privileged identity
// sees everything. Anonymous callers see functions without an author. Any
// other identity sees the functions its secret verifies against; authors
// may use a different secret per function.
func (m *Manager) ListFor(ctx context.Context, creds security.Credentials) (Listing, error) {
	if m.guard.IsPrivileged(creds) {
		return m.List(ctx)
	}
	if creds.Identity == "" {
		return m.list(ctx, func(name string, lines []string) (bool, error) {
			_, authored := m.codec.AuthorOf(name, lines)
			return !authored, nil
		})
	}
	return m.list(ctx, func(name string, lines []string) (bool, error) {
		return m.guard.VerifyAuthor(creds.Identity, creds.Secret, name, lines) == security.Authorized, nil
	})
}

func (m *Manager) list(ctx context.Context, keep func(name string, lines []string) (bool, error)) (Listing, error) {
	ids, err := m.files(ctx)
	if err != nil {
		return nil, err
	}
	out := Listing{}
	for _, id := range ids {
		lines, err := m.snapshot(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, name := range m.codec.ListNames(lines) {
			ok, err := keep(name, lines)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			fn, err := m.describe(id, name, lines)
			if err != nil {
				return nil, err
			}
			out[id] = append(out[id], fn)
		}
	}
	return out, nil
}

// Add stores a new function and returns the id of the store file it landed
// in. When author is non-nil the block carries an author marker with a
// hash of the author's secret.
func (m *Manager) Add(ctx context.Context, content string, author *security.Credentials) (int, error) {
	header, body, err := m.parseContent(content)
	if err != nil {
		return 0, err
	}

	block := make([]string, 0, len(body)+3)
	block = append(block, m.codec.EncodeStart(header.Name, paramNames(header)))
	if author != nil {
		if err := m.validator.ValidateIdentity(author.Identity); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		hash, err := m.guard.Hash(author.Secret)
		if err != nil {
			return 0, err
		}
		block = append(block, m.codec.EncodeAuthor(author.Identity, hash))
	}
	block = append(block, body...)
	block = append(block, m.codec.EncodeEnd(header.Name))
	if len(block) > m.capacity {
		return 0, fmt.Errorf("%w: function block has %d lines, store file capacity is %d",
			ErrValidation, len(block), m.capacity)
	}

	m.addMu.Lock()
	defer m.addMu.Unlock()

	ids, err := m.backend.Files(ctx)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		lines, err := m.snapshot(ctx, id)
		if err != nil {
			return 0, err
		}
		if _, _, ok := m.codec.FindBoundaries(header.Name, lines); ok {
			return 0, fmt.Errorf("%w: %s in store file %d", ErrAlreadyExists, header.Name, id)
		}
	}

	target := 0
	if len(ids) > 0 {
		target = ids[len(ids)-1]
	}
	l := m.fileLock(target)
	l.Lock()
	lines, err := m.backend.Read(ctx, target)
	if err != nil && !errors.Is(err, storage.ErrFileNotFound) {
		l.Unlock()
		return 0, err
	}
	if len(lines)+len(block) > m.capacity {
		l.Unlock()
		target++
		l = m.fileLock(target)
		l.Lock()
	}
	defer l.Unlock()

	if err := m.backend.Append(ctx, target, block); err != nil {
		return 0, err
	}
	return target, nil
}

// Modify replaces the body of an existing function. The new content must
// declare the same function name. The start marker's parameter list is
// refreshed and the author marker is kept. Authored functions require the
// author's credentials, checked under the same lock as the rewrite.
func (m *Manager) Modify(ctx context.Context, creds security.Credentials, name, content string, fileID int) error {
	header, body, err := m.parseContent(content)
	if err != nil {
		return err
	}
	if header.Name != name {
		return fmt.Errorf("%w: content declares %q, expected %q", ErrValidation, header.Name, name)
	}

	return m.rewrite(ctx, creds, name, fileID, func(lines []string, start, end int) ([]string, error) {
		interior := start + 1
		if _, ok := m.codec.AuthorOf(name, lines); ok {
			interior++
		}
		out := make([]string, 0, len(lines)-(end-interior)+len(body))
		out = append(out, lines[:start]...)
		out = append(out, m.codec.EncodeStart(name, paramNames(header)))
		out = append(out, lines[start+1:interior]...)
		out = append(out, body...)
		out = append(out, lines[end:]...)
		if len(out) > m.capacity {
			return nil, fmt.Errorf("%w: store file %d would grow to %d lines, capacity is %d",
				ErrValidation, fileID, len(out), m.capacity)
		}
		return out, nil
	})
}

// Delete removes a function block, markers included. Authored functions
// require the author's credentials.
func (m *Manager) Delete(ctx context.Context, creds security.Credentials, name string, fileID int) error {
	return m.rewrite(ctx, creds, name, fileID, func(lines []string, start, end int) ([]string, error) {
		out := make([]string, 0, len(lines)-(end-start+1))
		out = append(out, lines[:start]...)
		return append(out, lines[end+1:]...), nil
	})
}

func (m *Manager) rewrite(ctx context.Context, creds security.Credentials, name string, fileID int, edit func(lines []string, start, end int) ([]string, error)) error {
	l := m.fileLock(fileID)
	l.Lock()
	defer l.Unlock()

	lines, err := m.backend.Read(ctx, fileID)
	if errors.Is(err, storage.ErrFileNotFound) {
		return fmt.Errorf("%w: store file %d", ErrNotFound, fileID)
	}
	if err != nil {
		return err
	}
	start, end, ok := m.codec.FindBoundaries(name, lines)
	if !ok {
		return fmt.Errorf("%w: %s in store file %d", ErrNotFound, name, fileID)
	}
	if err := m.authorize(creds, name, lines); err != nil {
		return err
	}
	out, err := edit(lines, start, end)
	if err != nil {
		return err
	}
	return m.backend.Write(ctx, fileID, out)
}

// Source returns a function's description and its source lines, without
// markers.
func (m *Manager) Source(ctx context.Context, name string, fileID int) (Function, []string, error) {
	lines, err := m.snapshot(ctx, fileID)
	if err != nil {
		return Function{}, nil, err
	}
	return m.extract(fileID, name, lines)
}

func (m *Manager) extract(fileID int, name string, lines []string) (Function, []string, error) {
	start, end, ok := m.codec.FindBoundaries(name, lines)
	if !ok {
		return Function{}, nil, fmt.Errorf("%w: %s in store file %d", ErrNotFound, name, fileID)
	}
	fn, err := m.describe(fileID, name, lines)
	if err != nil {
		return Function{}, nil, err
	}
	first := start + 1
	if fn.Author != "" {
		first++
	}
	src := make([]string, end-first)
	copy(src, lines[first:end])
	return fn, src, nil
}

// VerifyAuthor checks creds against the named function's author marker.
func (m *Manager) VerifyAuthor(ctx context.Context, creds security.Credentials, name string, fileID int) (security.Outcome, error) {
	lines, err := m.snapshot(ctx, fileID)
	if err != nil {
		return security.UnknownIdentity, err
	}
	if _, _, ok := m.codec.FindBoundaries(name, lines); !ok {
		return security.UnknownIdentity, fmt.Errorf("%w: %s in store file %d", ErrNotFound, name, fileID)
	}
	return m.guard.VerifyAuthor(creds.Identity, creds.Secret, name, lines), nil
}

// SourceFor is Source gated by Authorize, evaluated on one snapshot of the
// store file.
func (m *Manager) SourceFor(ctx context.Context, creds security.Credentials, name string, fileID int) (Function, []string, error) {
	lines, err := m.snapshot(ctx, fileID)
	if err != nil {
		return Function{}, nil, err
	}
	if _, _, ok := m.codec.FindBoundaries(name, lines); !ok {
		return Function{}, nil, fmt.Errorf("%w: %s in store file %d", ErrNotFound, name, fileID)
	}
	if err := m.authorize(creds, name, lines); err != nil {
		return Function{}, nil, err
	}
	return m.extract(fileID, name, lines)
}

// Authorize gates author-scoped operations. Functions without an author are
// open to everyone; authored functions require the author's credentials.
func (m *Manager) Authorize(ctx context.Context, creds security.Credentials, name string, fileID int) error {
	lines, err := m.snapshot(ctx, fileID)
	if err != nil {
		return err
	}
	if _, _, ok := m.codec.FindBoundaries(name, lines); !ok {
		return fmt.Errorf("%w: %s in store file %d", ErrNotFound, name, fileID)
	}
	return m.authorize(creds, name, lines)
}

func (m *Manager) authorize(creds security.Credentials, name string, lines []string) error {
	if _, authored := m.codec.AuthorOf(name, lines); !authored {
		return nil
	}
	if err := m.guard.VerifyAuthor(creds.Identity, creds.Secret, name, lines).Err(); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func (m *Manager) parseContent(content string) (signature.Header, []string, error) {
	if res := m.validator.ValidateContent(content); !res.Valid {
		return signature.Header{}, nil, fmt.Errorf("%w: %v", ErrValidation, res.Err())
	}
	lines := signature.SplitLines(content)
	header, err := signature.ParseHeaderLines(lines)
	if err != nil {
		return signature.Header{}, nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return header, lines, nil
}

func paramNames(h signature.Header) []string {
	names := make([]string, len(h.Params))
	for i, p := range h.Params {
		names[i] = signature.ParamName(p)
	}
	return names
}
