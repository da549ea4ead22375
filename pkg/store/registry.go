package store

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/cuemby/portal/pkg/bus"
	"github.com/cuemby/portal/pkg/future"
	"github.com/cuemby/portal/pkg/log"
)

// hmacKey is the fixed key used to hash a transform's source file into
// a dbVersion (§4.F step 2). It is not a secret — it just namespaces
// the hash so a bare sha256 of the file can't be mistaken for one.
const hmacKey = "portal"

// Registry is the process-global class registry (§6): it enforces
// unique class names and hands out the monotonic, timestamp-seeded
// version sequence every write is stamped with. Constructed explicitly
// by the application and threaded through every Class and Cached —
// never an ambient package-level singleton.
type Registry struct {
	mu         sync.Mutex
	names      map[string]bool
	versionSeq int64
}

// NewRegistry creates an empty registry with its version sequence
// seeded from the current time, so versions stay monotonic across
// process restarts as long as the clock does.
func NewRegistry() *Registry {
	return &Registry{
		names:      make(map[string]bool),
		versionSeq: time.Now().UnixNano(),
	}
}

// NextVersion returns the next value in the process-global version
// sequence (§3: "timestamp-seeded, process-global sequence ensures
// uniqueness across entities").
func (r *Registry) NextVersion() int64 {
	return atomic.AddInt64(&r.versionSeq, 1)
}

func (r *Registry) claim(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.names[name] {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, name)
	}
	r.names[name] = true
	return nil
}

// SourceInfo describes how a class's dbVersion is derived (§4.F step
// 2). Exactly one of Version or FilePath is normally set: an explicit
// Version is used as-is; a FilePath is hashed with HMAC-SHA256 and
// watched for edits. computeDBVersion also reports the file's mtime,
// but Register does not keep it.
type SourceInfo struct {
	Version  string
	FilePath string
}

func computeDBVersion(info SourceInfo) (dbVersion string, fileModTime time.Time, err error) {
	if info.Version != "" {
		return info.Version, time.Time{}, nil
	}
	if info.FilePath == "" {
		return "", time.Time{}, nil
	}
	data, err := os.ReadFile(info.FilePath)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("read transform source %s: %w", info.FilePath, err)
	}
	mac := hmac.New(sha256.New, []byte(hmacKey))
	mac.Write(data)
	dbVersion = hex.EncodeToString(mac.Sum(nil))

	fi, err := os.Stat(info.FilePath)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("stat transform source %s: %w", info.FilePath, err)
	}
	return dbVersion, fi.ModTime(), nil
}

type classMeta struct {
	StartVersion int64  `json:"startVersion"`
	DBVersion    string `json:"dbVersion"`
}

// Register claims the class's name, computes its dbVersion, compares
// it against what is stored at the reserved class-metadata key, and
// resets the table on mismatch (§4.F). It subscribes to every source
// once registration (and any reset) completes successfully; the
// returned handle resolves when the class is ready to serve.
func (c *Class[T]) Register(ctx context.Context, info SourceInfo, sources ...Source) (*future.Handle, error) {
	if err := c.registry.claim(c.name); err != nil {
		return nil, err
	}

	dbVersion, _, err := computeDBVersion(info)
	if err != nil {
		return nil, err
	}
	c.dbVersion = dbVersion

	raw, err := c.table.GetSync(reservedClassMetaKey)
	if err != nil {
		return nil, fmt.Errorf("read class metadata for %s: %w", c.name, err)
	}

	var stored *classMeta
	if raw != nil {
		var m classMeta
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("decode class metadata for %s: %w", c.name, err)
		}
		stored = &m
	}

	ready := future.New()

	if stored != nil && stored.DBVersion == dbVersion {
		c.startVersion = stored.StartVersion
		c.subscribeSources(sources)
		if info.FilePath != "" {
			c.watchTransformSource(info.FilePath)
		}
		ready.Resolve(nil)
		return ready, nil
	}

	c.startVersion = c.registry.NextVersion()
	clearDB := stored != nil

	go func() {
		if clearDB {
			if err := c.table.Clear(); err != nil {
				ready.Resolve(fmt.Errorf("clear table %s on version mismatch: %w", c.name, err))
				return
			}
		}
		if c.onResetAll != nil {
			if err := c.onResetAll(ctx, clearDB); err != nil {
				log.WithClass(c.name).Error().Err(err).Msg("resetAll failed")
			}
		}

		meta := classMeta{StartVersion: c.startVersion, DBVersion: dbVersion}
		metaJSON, err := json.Marshal(meta)
		if err != nil {
			ready.Resolve(fmt.Errorf("encode class metadata for %s: %w", c.name, err))
			return
		}
		h := c.batcher.Put(reservedClassMetaKey, metaJSON, c.startVersion)
		if err := h.Wait(); err != nil {
			ready.Resolve(fmt.Errorf("persist class metadata for %s: %w", c.name, err))
			return
		}

		c.subscribeSources(sources)
		if info.FilePath != "" {
			c.watchTransformSource(info.FilePath)
		}
		ready.Resolve(nil)
	}()

	return ready, nil
}

func (c *Class[T]) subscribeSources(sources []Source) {
	for _, src := range sources {
		sub := src.Notifies(c.handleSourceEvent)
		c.sourceSubs = append(c.sourceSubs, unsubscriber{source: src, sub: sub})
	}
}

func (c *Class[T]) handleSourceEvent(ctx context.Context, ev *bus.Event) {
	if c.onSourceEvent != nil {
		c.onSourceEvent(ctx, ev)
	}
}

// StopAllSourceSubscriptions unsubscribes from every registered source,
// delegating to each Source's own StopNotifies rather than recursing.
func (c *Class[T]) StopAllSourceSubscriptions() {
	for _, u := range c.sourceSubs {
		u.source.StopNotifies(u.sub)
	}
	c.sourceSubs = nil
}

// watchTransformSource watches a transform's source file for edits so a
// long-running process can detect a dbVersion change without a
// restart; it only logs, since acting on the change (re-registering)
// is a deliberate operational decision left to the application.
func (c *Class[T]) watchTransformSource(path string) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.WithClass(c.name).Warn().Err(err).Msg("could not start transform source watcher")
		return
	}
	if err := watcher.Add(path); err != nil {
		log.WithClass(c.name).Warn().Err(err).Str("path", path).Msg("could not watch transform source")
		_ = watcher.Close()
		return
	}
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Rename) != 0 {
					log.WithClass(c.name).Info().Str("path", path).Msg("transform source changed; dbVersion will differ on next registration")
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithClass(c.name).Warn().Err(err).Msg("transform source watcher error")
			}
		}
	}()
}
