package backend

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"

	"modelref/internal/cache"
	"modelref/internal/core"
	"modelref/internal/metadata"
	"modelref/internal/modeldata"
	"modelref/internal/observability"
)

// FileSystemName is the adapter name used in logs, metrics and errors.
const FileSystemName = "filesystem"

// FileSystemConfig configures the FileSystem adapter.
type FileSystemConfig struct {
	BasePath          string
	Mode              ReplicateMode
	Policy            cache.Policy
	ServeStaleOnError bool
	// Fs defaults to the OS filesystem.
	Fs      afero.Fs
	Tracker *metadata.Tracker
	Clock   func() time.Time
	Logger  *slog.Logger
}

// FileSystem serves reference files from a local directory. It is the
// read-write backend of a primary deployment.
type FileSystem struct {
	*Base

	files   layout
	mode    ReplicateMode
	tracker *metadata.Tracker
	now     func() time.Time
}

// NewFileSystem creates the adapter. The base directory is created if missing.
func NewFileSystem(cfg FileSystemConfig) (*FileSystem, error) {
	if cfg.BasePath == "" {
		return nil, core.NewConfigurationError("filesystem backend requires a base path", nil)
	}
	mode := cfg.Mode
	if mode == "" {
		mode = ModePrimary
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	b := &FileSystem{
		files:   newLayout(cfg.Fs, cfg.BasePath),
		mode:    mode,
		tracker: cfg.Tracker,
		now:     now,
	}

	var hooks cache.Hooks
	if cfg.Policy.TrackMtime {
		hooks.SourceMtime = b.files.v2Mtime
		hooks.LegacySourceMtime = b.files.legacyMtime
	}
	base, err := NewBase(BaseConfig{
		Name:              FileSystemName,
		Policy:            cfg.Policy,
		Hooks:             hooks,
		ServeStaleOnError: cfg.ServeStaleOnError,
		Clock:             cfg.Clock,
		Logger:            cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	b.Base = base

	if err := b.files.fs.MkdirAll(cfg.BasePath, 0o755); err != nil {
		return nil, core.NewConfigurationError("creating base path "+cfg.BasePath, err)
	}
	return b, nil
}

// Mode implements Backend.
func (b *FileSystem) Mode() ReplicateMode { return b.mode }

// Capabilities implements Backend.
func (b *FileSystem) Capabilities() Capabilities {
	return Capabilities{
		Writes:       true,
		LegacyWrites: true,
		CacheWarming: true,
		HealthChecks: true,
		Statistics:   true,
	}
}

// Close implements Backend.
func (b *FileSystem) Close() error { return nil }

// FilePath returns the v2 file backing category c.
func (b *FileSystem) FilePath(c core.Category) string { return b.files.path(c) }

// LegacyFilePath returns the legacy file backing category c.
func (b *FileSystem) LegacyFilePath(c core.Category) string { return b.files.legacyPath(c) }

// FetchCategory implements Reader.
func (b *FileSystem) FetchCategory(ctx context.Context, c core.Category, forceRefresh bool) core.Payload {
	if !c.Valid() {
		b.Logger().Warn("unknown category requested", "category", c)
		return nil
	}
	return b.FetchWithCache(ctx, c, forceRefresh, func(context.Context) (core.Payload, *time.Time, error) {
		payload, _, mtime, err := b.files.read(b.files.path(c))
		return payload, mtime, asFetchError(FileSystemName, c, err)
	})
}

// FetchAllCategories implements Reader.
func (b *FileSystem) FetchAllCategories(ctx context.Context, forceRefresh bool) map[core.Category]core.Payload {
	return fetchAll(ctx, b, forceRefresh)
}

// FetchCategoryAsync implements Reader.
func (b *FileSystem) FetchCategoryAsync(ctx context.Context, c core.Category, forceRefresh bool) <-chan core.Payload {
	return Async(ctx, b.Base, func() core.Payload { return b.FetchCategory(ctx, c, forceRefresh) })
}

// FetchAllCategoriesAsync implements Reader.
func (b *FileSystem) FetchAllCategoriesAsync(ctx context.Context, forceRefresh bool) <-chan map[core.Category]core.Payload {
	return fetchAllAsync(ctx, b, forceRefresh)
}

// LegacyJSON implements Reader.
func (b *FileSystem) LegacyJSON(ctx context.Context, c core.Category, redownload bool) core.Payload {
	payload, _ := b.legacy(ctx, c, redownload)
	return payload
}

// LegacyJSONString implements Reader. The string is the file content as stored.
func (b *FileSystem) LegacyJSONString(ctx context.Context, c core.Category, redownload bool) (string, bool) {
	payload, raw := b.legacy(ctx, c, redownload)
	return raw, payload != nil
}

// LegacyJSONAsync implements Reader.
func (b *FileSystem) LegacyJSONAsync(ctx context.Context, c core.Category, redownload bool) <-chan core.Payload {
	return Async(ctx, b.Base, func() core.Payload { return b.LegacyJSON(ctx, c, redownload) })
}

// LegacyJSONStringAsync implements Reader.
func (b *FileSystem) LegacyJSONStringAsync(ctx context.Context, c core.Category, redownload bool) <-chan LegacyString {
	return Async(ctx, b.Base, func() LegacyString {
		raw, ok := b.LegacyJSONString(ctx, c, redownload)
		return LegacyString{Raw: raw, OK: ok}
	})
}

func (b *FileSystem) legacy(ctx context.Context, c core.Category, redownload bool) (core.Payload, string) {
	if !c.Valid() {
		return nil, ""
	}
	return b.FetchLegacyWithCache(ctx, c, redownload, func(context.Context) (core.Payload, string, *time.Time, error) {
		payload, raw, mtime, err := b.files.read(b.files.legacyPath(c))
		if err != nil {
			return nil, "", mtime, asFetchError(FileSystemName, c, err)
		}
		return payload, string(raw), mtime, nil
	})
}

// UpdateModel creates or replaces one record in the category's v2 file.
// created_at/created_by survive updates; updated_at is stamped now.
func (b *FileSystem) UpdateModel(ctx context.Context, c core.Category, name string, record core.Record) error {
	created, total, err := b.mutate(c, name, false, func(payload core.Payload) error {
		existing, _ := modeldata.AsRecord(payload[name])
		stamped, _ := modeldata.StampRecord(existing, record, b.now())
		payload[name] = map[string]any(stamped)
		return nil
	})
	if err != nil {
		return err
	}
	b.recordWrite(ctx, metadata.FormatV2, c, name, writeOp(created), total)
	return nil
}

// DeleteModel removes one record from the category's v2 file.
func (b *FileSystem) DeleteModel(ctx context.Context, c core.Category, name string) error {
	_, total, err := b.mutate(c, name, false, deleteRecord(c, name))
	if err != nil {
		return err
	}
	b.recordWrite(ctx, metadata.FormatV2, c, name, metadata.OperationDelete, total)
	return nil
}

// UpdateModelLegacy creates or replaces one record in the category's legacy file.
// Legacy records are stored as given.
func (b *FileSystem) UpdateModelLegacy(ctx context.Context, c core.Category, name string, record core.Record) error {
	created, total, err := b.mutate(c, name, true, func(payload core.Payload) error {
		payload[name] = map[string]any(core.Payload(record).Clone())
		return nil
	})
	if err != nil {
		return err
	}
	b.recordWrite(ctx, metadata.FormatLegacy, c, name, writeOp(created), total)
	return nil
}

// DeleteModelLegacy removes one record from the category's legacy file.
func (b *FileSystem) DeleteModelLegacy(ctx context.Context, c core.Category, name string) error {
	_, total, err := b.mutate(c, name, true, deleteRecord(c, name))
	if err != nil {
		return err
	}
	b.recordWrite(ctx, metadata.FormatLegacy, c, name, metadata.OperationDelete, total)
	return nil
}

// mutate runs a read-modify-write of one file under the adapter lock, then
// forces both caches stale. It reports whether name was absent before.
func (b *FileSystem) mutate(c core.Category, name string, legacy bool, apply func(core.Payload) error) (bool, int, error) {
	if !c.Valid() {
		return false, 0, core.NewNotFoundError(c, "unknown category")
	}
	if name == "" {
		return false, 0, &core.Error{Kind: core.ErrorKindMalformedData, Backend: FileSystemName, Category: c, Message: "model name is required"}
	}

	path := b.files.path(c)
	format := observability.FormatV2
	if legacy {
		path = b.files.legacyPath(c)
		format = observability.FormatLegacy
	}

	b.Lock()
	payload, _, _, err := b.files.read(path)
	if err != nil {
		b.Unlock()
		return false, 0, asFetchError(FileSystemName, c, err)
	}
	if payload == nil {
		payload = core.Payload{}
	}
	_, existed := payload[name]

	if err := apply(payload); err != nil {
		b.Unlock()
		return false, 0, err
	}
	data, err := modeldata.Serialize(payload)
	if err != nil {
		b.Unlock()
		return false, 0, err
	}
	if err := b.files.writeAtomic(path, data); err != nil {
		b.Unlock()
		return false, 0, core.NewTransientError(FileSystemName, c, err)
	}
	b.Unlock()

	// callbacks may read back through this adapter, so the lock is released first
	b.AfterWrite(c)
	observability.WritesTotal.WithLabelValues(FileSystemName, format, opLabel(existed, payload, name)).Inc()
	return !existed, len(payload), nil
}

func deleteRecord(c core.Category, name string) func(core.Payload) error {
	return func(payload core.Payload) error {
		if _, ok := payload[name]; !ok {
			return core.NewNotFoundError(c, fmt.Sprintf("model %q not found", name))
		}
		delete(payload, name)
		return nil
	}
}

func writeOp(created bool) metadata.OperationType {
	if created {
		return metadata.OperationCreate
	}
	return metadata.OperationUpdate
}

func opLabel(existed bool, payload core.Payload, name string) string {
	if _, still := payload[name]; !still {
		return string(metadata.OperationDelete)
	}
	return string(writeOp(!existed))
}

func (b *FileSystem) recordWrite(ctx context.Context, format metadata.Format, c core.Category, name string, op metadata.OperationType, total int) {
	if err := b.tracker.RecordOperation(ctx, format, c, op, name, total); err != nil {
		b.Logger().Warn("failed to record reference operation", "category", c, "model", name, "error", err)
	}
}

// WarmCache implements Maintainer.
func (b *FileSystem) WarmCache(ctx context.Context) error {
	return warmAll(ctx, b, b.Logger())
}

// WarmCacheAsync implements Maintainer.
func (b *FileSystem) WarmCacheAsync(ctx context.Context) <-chan error {
	return Async(ctx, b.Base, func() error { return b.WarmCache(ctx) })
}

// HealthCheck reports whether the base directory is reachable.
func (b *FileSystem) HealthCheck(context.Context) error {
	info, err := b.files.fs.Stat(b.files.base)
	if err != nil {
		return core.NewTransientError(FileSystemName, "", err)
	}
	if !info.IsDir() {
		return core.NewTransientError(FileSystemName, "", fmt.Errorf("%s is not a directory", b.files.base))
	}
	return nil
}

// Statistics implements Maintainer.
func (b *FileSystem) Statistics(ctx context.Context) (map[string]any, error) {
	stats := b.CacheStats()
	stats["backend"] = FileSystemName
	stats["base_path"] = b.files.base

	files, legacyFiles := 0, 0
	for _, c := range core.Categories() {
		if _, ok := b.files.v2Mtime(c); ok {
			files++
		}
		if _, ok := b.files.legacyMtime(c); ok {
			legacyFiles++
		}
	}
	stats["files"] = files
	stats["legacy_files"] = legacyFiles

	if b.tracker != nil {
		ops, err := b.tracker.Statistics(ctx, metadata.FormatV2)
		if err != nil {
			b.Logger().Warn("failed to read operation statistics", "error", err)
		} else {
			stats["operations"] = ops
		}
		if ts, ok, err := b.tracker.LastUpdated(ctx, metadata.FormatV2); err == nil && ok {
			stats["last_updated"] = ts
		}
	}
	return stats, nil
}

// Watch marks categories stale as soon as their files change on disk,
// instead of waiting for the next mtime check. It only works on the OS
// filesystem and blocks until ctx is done.
func (b *FileSystem) Watch(ctx context.Context) error {
	if _, ok := b.files.fs.(*afero.OsFs); !ok {
		return core.NewUnsupportedError(FileSystemName, "watch")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(b.files.base); err != nil {
		return fmt.Errorf("failed to watch %s: %w", b.files.base, err)
	}
	if err := b.files.fs.MkdirAll(b.files.legacyDir(), 0o755); err == nil {
		if err := watcher.Add(b.files.legacyDir()); err != nil {
			b.Logger().Warn("failed to watch legacy directory", "error", err)
		}
	}
	b.Logger().Info("watching reference files", "path", b.files.base)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			b.handleEvent(event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			b.Logger().Warn("file watcher error", "error", err)
		}
	}
}

func (b *FileSystem) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}
	legacy := filepath.Dir(event.Name) == b.files.legacyDir()
	c, ok := categoryForFile(event.Name, legacy)
	if !ok {
		return
	}
	if legacy {
		b.InvalidateLegacy(c)
		return
	}
	b.MarkStale(c)
}
