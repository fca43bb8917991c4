package backend

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/spf13/afero"

	"modelref/internal/core"
	"modelref/internal/modeldata"
)

const legacyDirName = "legacy"

// layout maps categories onto reference files under one base directory:
// <base>/<category>.json for v2 and <base>/legacy/<legacy name> for legacy.
type layout struct {
	fs   afero.Fs
	base string
}

func newLayout(fsys afero.Fs, base string) layout {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	return layout{fs: fsys, base: base}
}

func (l layout) path(c core.Category) string {
	return filepath.Join(l.base, c.FileName())
}

func (l layout) legacyDir() string {
	return filepath.Join(l.base, legacyDirName)
}

func (l layout) legacyPath(c core.Category) string {
	return filepath.Join(l.legacyDir(), c.LegacyFileName())
}

// mtime returns the file's modification time and whether the file exists.
func (l layout) mtime(path string) (time.Time, bool) {
	info, err := l.fs.Stat(path)
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}

func (l layout) v2Mtime(c core.Category) (time.Time, bool) { return l.mtime(l.path(c)) }

func (l layout) legacyMtime(c core.Category) (time.Time, bool) { return l.mtime(l.legacyPath(c)) }

// read loads and parses path. A missing file is not an error: it yields a
// nil payload so the category caches as empty until the file appears.
//
// mtime is taken before the content is read. A file replaced in between then
// carries a newer mtime than the one recorded, and the next check refetches.
func (l layout) read(path string) (payload core.Payload, raw []byte, mtime *time.Time, err error) {
	if ts, ok := l.mtime(path); ok {
		mtime = &ts
	}
	raw, err = afero.ReadFile(l.fs, path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, mtime, nil
		}
		return nil, nil, mtime, err
	}
	payload, err = modeldata.Parse(raw)
	if err != nil {
		return nil, raw, mtime, err
	}
	return payload, raw, mtime, nil
}

// stamp returns path's current mtime, or nil when the file is absent.
func (l layout) stamp(path string) *time.Time {
	ts, ok := l.mtime(path)
	if !ok {
		return nil
	}
	return &ts
}

// writeAtomic writes data to a temp file in the target directory and renames
// it into place so readers never observe a partial file.
func (l layout) writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := l.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := afero.TempFile(l.fs, dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = l.fs.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = l.fs.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := l.fs.Rename(tmpPath, path); err != nil {
		_ = l.fs.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// writeIfChanged writes data unless the file already holds identical bytes.
// It reports whether a write happened.
func (l layout) writeIfChanged(path string, data []byte) (bool, error) {
	if existing, err := afero.ReadFile(l.fs, path); err == nil && xxhash.Sum64(existing) == xxhash.Sum64(data) {
		return false, nil
	}
	if err := l.writeAtomic(path, data); err != nil {
		return false, err
	}
	return true, nil
}

// categoryForFile maps a file name back to its category.
func categoryForFile(name string, legacy bool) (core.Category, bool) {
	name = filepath.Base(name)
	if !strings.HasSuffix(name, ".json") {
		return "", false
	}
	for _, c := range core.Categories() {
		want := c.FileName()
		if legacy {
			want = c.LegacyFileName()
		}
		if name == want {
			return c, true
		}
	}
	return "", false
}

// asFetchError tags err with the adapter and category. Parse failures keep
// their malformed kind; everything else is a transient I/O failure.
func asFetchError(backend string, c core.Category, err error) error {
	if err == nil {
		return nil
	}
	var ce *core.Error
	if errors.As(err, &ce) {
		tagged := *ce
		if tagged.Backend == "" {
			tagged.Backend = backend
		}
		if tagged.Category == "" {
			tagged.Category = c
		}
		return &tagged
	}
	return core.NewTransientError(backend, c, err)
}
