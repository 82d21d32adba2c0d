// Package cache persists built session artifacts across requests and
// restarts. Tier one is an in-process map for instant repeat access; tier
// two is one CBOR file per session so a restarted server skips the
// expensive rebuild.
package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/banshee-data/race.replay/internal/replay"
	"github.com/banshee-data/race.replay/internal/security"
)

// Loader builds the artifact on a full cache miss.
type Loader func(ctx context.Context) (*replay.SessionData, error)

// Stats describes the current state of both tiers.
type Stats struct {
	MemoryEntries int      `json:"memory_entries"`
	MemoryKeys    []string `json:"memory_keys"`
	DiskFiles     int      `json:"disk_files"`
	DiskBytes     int64    `json:"disk_bytes"`
	Dir           string   `json:"dir"`
}

// Cache is the two-tier session cache. A nil directory disables the disk
// tier. Safe for concurrent use; at most one build runs per key.
type Cache struct {
	dir string

	mu      sync.Mutex
	mem     map[replay.SessionKey]*replay.SessionData
	keyLock map[replay.SessionKey]*sync.Mutex

	writes sync.WaitGroup

	encMode cbor.EncMode
	decMode cbor.DecMode
}

// New creates a cache rooted at dir, creating the directory if needed. An
// empty dir keeps the cache memory-only.
func New(dir string) (*Cache, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir %s: %w", dir, err)
		}
	}
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("cache enc mode: %w", err)
	}
	dm, err := cbor.DecOptions{
		MaxArrayElements: 1 << 26,
		MaxMapPairs:      1 << 26,
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("cache dec mode: %w", err)
	}
	return &Cache{
		dir:     dir,
		mem:     make(map[replay.SessionKey]*replay.SessionData),
		keyLock: make(map[replay.SessionKey]*sync.Mutex),
		encMode: em,
		decMode: dm,
	}, nil
}

// Path returns the disk-tier file for key.
func (c *Cache) Path(key replay.SessionKey) string {
	return filepath.Join(c.dir, key.String()+"_telemetry.cbor")
}

// Get returns the artifact for key, consulting memory, then disk, then the
// loader. refresh bypasses both tiers and rebuilds. Concurrent callers for
// one key share a single build; the winner's result is visible to the rest
// through the memory tier. Disk writes happen in the background and never
// delay the caller.
func (c *Cache) Get(ctx context.Context, key replay.SessionKey, load Loader, refresh bool) (*replay.SessionData, error) {
	if !refresh {
		c.mu.Lock()
		if d, ok := c.mem[key]; ok {
			c.mu.Unlock()
			tracef("[Cache] %s: memory hit", key)
			return d, nil
		}
		c.mu.Unlock()
	}

	lock := c.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	// A concurrent caller may have filled the memory tier while this one
	// waited on the key lock.
	if !refresh {
		c.mu.Lock()
		if d, ok := c.mem[key]; ok {
			c.mu.Unlock()
			tracef("[Cache] %s: memory hit after wait", key)
			return d, nil
		}
		c.mu.Unlock()

		if d, err := c.readDisk(key); err == nil {
			diagf("[Cache] %s: disk hit (%d frames)", key, d.FrameCount())
			c.store(key, d)
			return d, nil
		} else if !os.IsNotExist(err) {
			opsf("[Cache] %s: disk read failed, rebuilding: %v", key, err)
		}
	}

	d, err := load(ctx)
	if err != nil {
		return nil, err
	}
	c.store(key, d)
	c.writeAsync(key, d)
	return d, nil
}

// Flush blocks until all background disk writes have finished.
func (c *Cache) Flush() { c.writes.Wait() }

// Clear empties the memory tier and removes the given session's disk file,
// or all session files when key is nil. Returns how many disk files were
// removed.
func (c *Cache) Clear(key *replay.SessionKey) (int, error) {
	c.Flush()

	c.mu.Lock()
	if key == nil {
		c.mem = make(map[replay.SessionKey]*replay.SessionData)
	} else {
		delete(c.mem, *key)
	}
	c.mu.Unlock()

	if c.dir == "" {
		return 0, nil
	}
	if key != nil {
		path := c.Path(*key)
		if err := security.ValidatePathWithinDirectory(path, c.dir); err != nil {
			return 0, fmt.Errorf("clear %s: %w", key, err)
		}
		err := os.Remove(path)
		if os.IsNotExist(err) {
			return 0, nil
		}
		if err != nil {
			return 0, fmt.Errorf("clear %s: %w", key, err)
		}
		return 1, nil
	}

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0, fmt.Errorf("clear cache dir: %w", err)
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), "_telemetry.cbor") {
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, e.Name())); err != nil {
			return removed, fmt.Errorf("clear cache dir: %w", err)
		}
		removed++
	}
	diagf("[Cache] cleared memory tier and %d disk files", removed)
	return removed, nil
}

// Stats reports the state of both tiers.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	st := Stats{
		MemoryEntries: len(c.mem),
		MemoryKeys:    make([]string, 0, len(c.mem)),
		Dir:           c.dir,
	}
	for k := range c.mem {
		st.MemoryKeys = append(st.MemoryKeys, k.String())
	}
	c.mu.Unlock()

	if c.dir == "" {
		return st
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return st
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), "_telemetry.cbor") {
			continue
		}
		st.DiskFiles++
		if info, err := e.Info(); err == nil {
			st.DiskBytes += info.Size()
		}
	}
	return st
}

func (c *Cache) lockFor(key replay.SessionKey) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.keyLock[key]
	if !ok {
		l = &sync.Mutex{}
		c.keyLock[key] = l
	}
	return l
}

func (c *Cache) store(key replay.SessionKey, d *replay.SessionData) {
	c.mu.Lock()
	c.mem[key] = d
	c.mu.Unlock()
}

func (c *Cache) readDisk(key replay.SessionKey) (*replay.SessionData, error) {
	if c.dir == "" {
		return nil, os.ErrNotExist
	}
	b, err := os.ReadFile(c.Path(key))
	if err != nil {
		return nil, err
	}
	var d replay.SessionData
	if err := c.decMode.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", replay.ErrCache, c.Path(key), err)
	}
	return &d, nil
}

// writeAsync persists the artifact in the background. A failed write only
// costs the disk tier for this key; the artifact stays served from memory.
func (c *Cache) writeAsync(key replay.SessionKey, d *replay.SessionData) {
	if c.dir == "" {
		return
	}
	c.writes.Add(1)
	go func() {
		defer c.writes.Done()
		if err := c.writeDisk(key, d); err != nil {
			opsf("[Cache] %s: disk write failed: %v", key, err)
			return
		}
		diagf("[Cache] %s: persisted to disk", key)
	}()
}

// writeDisk encodes to a temp file and renames it into place so readers
// never observe a partial file.
func (c *Cache) writeDisk(key replay.SessionKey, d *replay.SessionData) error {
	b, err := c.encMode.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	dst := c.Path(key)
	if err := security.ValidatePathWithinDirectory(dst, c.dir); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	tmp, err := os.CreateTemp(c.dir, key.String()+".tmp*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
