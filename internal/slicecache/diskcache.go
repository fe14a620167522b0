package slicecache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
)

// Entry represents a cache entry
type Entry struct {
	Key     string
	Path    string
	Size    int64
	element *list.Element
}

// FetchFunc produces the pixel data for one slice. It is invoked at most
// once per key even under concurrent EnsureFetched calls.
type FetchFunc func() (*SliceFormat, io.ReadCloser, error)

// DiskCache implements an LRU disk-based slice cache with persistence
// across viewer sessions
type DiskCache struct {
	mu          sync.Mutex
	cacheDir    string
	maxSize     int64
	currentSize int64

	// LRU tracking
	entries map[string]*Entry
	lru     *list.List

	// Fetch synchronization - prevents concurrent fetches of same slice
	fetchLocks sync.Map // map[string]*sync.Mutex
}

// NewDiskCache creates a new disk-based LRU cache
// On startup, it scans the cache directory and loads existing cached slices
func NewDiskCache(cacheDir string, maxSizeBytes int64) (*DiskCache, error) {
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	c := &DiskCache{
		cacheDir: cacheDir,
		maxSize:  maxSizeBytes,
		entries:  make(map[string]*Entry),
		lru:      list.New(),
	}

	if err := c.scan(); err != nil {
		return nil, fmt.Errorf("failed to scan cache: %w", err)
	}

	return c, nil
}

// scan loads existing cache entries from disk
func (c *DiskCache) scan() error {
	return filepath.Walk(c.cacheDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}

		// Skip temporary files
		if filepath.Ext(path) == ".tmp" {
			return nil
		}

		key := filepath.Base(path)

		entry := &Entry{
			Key:  key,
			Path: path,
			Size: info.Size(),
		}
		entry.element = c.lru.PushBack(entry)
		c.entries[key] = entry
		c.currentSize += info.Size()

		return nil
	})
}

// sliceKey builds the cache key for a slice within a study
func sliceKey(study string, index int) string {
	return fmt.Sprintf("%s/%d", study, index)
}

// hashKey creates a consistent hash for a key
func (c *DiskCache) hashKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

// keyToPath converts a cache key to filesystem path
func (c *DiskCache) keyToPath(key string) string {
	return filepath.Join(c.cacheDir, c.hashKey(key))
}

// Get retrieves a cached slice reader with format information
func (c *DiskCache) Get(study string, index int) (*CachedSliceReader, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	hash := c.hashKey(sliceKey(study, index))
	entry, exists := c.entries[hash]
	if !exists {
		return nil, false
	}

	// Move to front (most recently used)
	c.lru.MoveToFront(entry.element)

	f, err := os.Open(entry.Path)
	if err != nil {
		// File disappeared, remove from cache
		delete(c.entries, hash)
		c.lru.Remove(entry.element)
		c.currentSize -= entry.Size
		return nil, false
	}

	format, err := ReadCacheHeader(f)
	if err != nil {
		f.Close()
		// Invalid cache file, remove it
		delete(c.entries, hash)
		c.lru.Remove(entry.element)
		c.currentSize -= entry.Size
		os.Remove(entry.Path)
		return nil, false
	}

	return &CachedSliceReader{
		Format: format,
		Reader: f,
	}, true
}

// Put adds slice pixel data to the cache
func (c *DiskCache) Put(study string, index int, format *SliceFormat, reader io.Reader) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := sliceKey(study, index)
	hash := c.hashKey(key)

	// Check if already exists
	if entry, exists := c.entries[hash]; exists {
		c.lru.MoveToFront(entry.element)
		return nil
	}

	path := c.keyToPath(key)
	tempPath := path + ".tmp"

	f, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create cache file: %w", err)
	}

	if err := WriteCacheHeader(f, format); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to write cache header: %w", err)
	}

	dataSize, err := io.Copy(f, reader)
	f.Close()

	if err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to write cache file: %w", err)
	}

	totalSize := int64(cacheHeaderSize) + dataSize

	// Evict until there's space
	for c.currentSize+totalSize > c.maxSize && c.lru.Len() > 0 {
		c.evictOldest()
	}

	// Rename temp file to final path (atomic)
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to finalize cache file: %w", err)
	}

	entry := &Entry{
		Key:  hash,
		Path: path,
		Size: totalSize,
	}
	entry.element = c.lru.PushFront(entry)
	c.entries[hash] = entry
	c.currentSize += totalSize

	return nil
}

// getFetchLock returns a mutex for the given key to prevent concurrent fetches
func (c *DiskCache) getFetchLock(key string) *sync.Mutex {
	lock, _ := c.fetchLocks.LoadOrStore(key, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// EnsureFetched ensures a slice is present in the cache, invoking fetch
// to produce it on a miss. Returns the cached file path.
func (c *DiskCache) EnsureFetched(study string, index int, fetch FetchFunc) (string, error) {
	key := sliceKey(study, index)
	cachePath := c.keyToPath(key)

	// Quick check if already cached (without lock)
	if _, err := os.Stat(cachePath); err == nil {
		return cachePath, nil
	}

	// Get lock for this slice to prevent concurrent fetch operations
	lock := c.getFetchLock(key)
	lock.Lock()
	defer lock.Unlock()

	// Check again after acquiring lock (another goroutine may have completed it)
	if _, err := os.Stat(cachePath); err == nil {
		return cachePath, nil
	}

	format, reader, err := fetch()
	if err != nil {
		return "", fmt.Errorf("failed to fetch slice %s: %w", key, err)
	}
	defer reader.Close()

	if err := c.Put(study, index, format, reader); err != nil {
		return "", err
	}

	return cachePath, nil
}

// evictOldest removes the least recently used entry
func (c *DiskCache) evictOldest() {
	element := c.lru.Back()
	if element == nil {
		return
	}

	entry := element.Value.(*Entry)
	c.lru.Remove(element)
	delete(c.entries, entry.Key)
	c.currentSize -= entry.Size

	os.Remove(entry.Path)
}

// Invalidate removes a cache entry both from memory and disk
// Use this when a cached slice is discovered to be corrupt or invalid
func (c *DiskCache) Invalidate(study string, index int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := sliceKey(study, index)
	hash := c.hashKey(key)
	entry, exists := c.entries[hash]
	if !exists {
		return nil
	}

	delete(c.entries, hash)
	c.lru.Remove(entry.element)
	c.currentSize -= entry.Size

	if err := os.Remove(entry.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove cache file: %w", err)
	}

	log.Printf("Invalidated cache entry: %s", key)
	return nil
}

// Clear removes all cache entries
func (c *DiskCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*Entry)
	c.lru = list.New()
	c.currentSize = 0

	return os.RemoveAll(c.cacheDir)
}

// Size returns current cache size in bytes
func (c *DiskCache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentSize
}

// Len returns the number of cached slices
func (c *DiskCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
