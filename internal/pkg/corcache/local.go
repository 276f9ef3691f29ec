package corcache

import (
	"bytes"
	"fmt"
	"io"
	"io/ioutil"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ISE-SMILE/coragent/internal/pkg/corfs"
)

const sep = "_"

var errClosed = fmt.Errorf("cache is closed or failed to init")

// LocalCache keeps files in memory. Each file is written once by a single
// writer and becomes visible to readers when that writer is closed.
type LocalCache struct {
	size    uint64
	maxSize uint64

	mu   sync.RWMutex
	pool *sync.Map
}

func NewLocalInMemoryProvider(maxSize uint64) *LocalCache {
	return &LocalCache{
		maxSize: maxSize,
		pool:    &sync.Map{},
	}
}

type localWriter struct {
	buf  *bytes.Buffer
	path string
	lmp  *LocalCache
}

func (w *localWriter) Write(p []byte) (n int, err error) {
	if w.lmp.maxSize > 0 && atomic.LoadUint64(&w.lmp.size)+uint64(w.buf.Len()+len(p)) > w.lmp.maxSize {
		return 0, fmt.Errorf("not enough space %d of %d bytes used", atomic.LoadUint64(&w.lmp.size), w.lmp.maxSize)
	}
	return w.buf.Write(p)
}

func (w *localWriter) Close() error {
	pool := w.lmp.getPool()
	if pool == nil {
		return errClosed
	}
	data := w.buf.Bytes()
	if old, loaded := pool.Load(w.path); loaded {
		atomic.AddUint64(&w.lmp.size, ^uint64(len(old.([]byte))-1))
	}
	pool.Store(w.path, data)
	atomic.AddUint64(&w.lmp.size, uint64(len(data)))
	return nil
}

func (l *LocalCache) getPool() *sync.Map {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.pool
}

func (l *LocalCache) ListFiles(path string) ([]corfs.FileInfo, error) {
	pool := l.getPool()
	if pool == nil {
		return nil, errClosed
	}

	files := make([]corfs.FileInfo, 0)
	pool.Range(func(key, raw interface{}) bool {
		file := key.(string)
		size := int64(len(raw.([]byte)))

		if ok, _ := filepath.Match(path, file); ok {
			files = append(files, corfs.FileInfo{Name: file, Size: size})
		} else if strings.HasSuffix(path, "*") && strings.HasPrefix(file, path[:len(path)-1]) {
			files = append(files, corfs.FileInfo{Name: file, Size: size})
		}
		return true
	})
	return files, nil
}

func (l *LocalCache) Stat(path string) (corfs.FileInfo, error) {
	pool := l.getPool()
	if pool == nil {
		return corfs.FileInfo{}, errClosed
	}

	raw, ok := pool.Load(path)
	if !ok {
		return corfs.FileInfo{}, fmt.Errorf("file %s not availible", path)
	}
	return corfs.FileInfo{Name: path, Size: int64(len(raw.([]byte)))}, nil
}

func (l *LocalCache) OpenReader(path string, startAt int64) (io.ReadCloser, error) {
	pool := l.getPool()
	if pool == nil {
		return nil, errClosed
	}

	raw, ok := pool.Load(path)
	if !ok {
		return nil, fmt.Errorf("file %s not availible", path)
	}
	data := raw.([]byte)
	if startAt > int64(len(data)) {
		startAt = int64(len(data))
	}
	return ioutil.NopCloser(bytes.NewReader(data[startAt:])), nil
}

func (l *LocalCache) OpenWriter(path string) (io.WriteCloser, error) {
	if l.getPool() == nil {
		return nil, errClosed
	}
	if l.maxSize > 0 && atomic.LoadUint64(&l.size) >= l.maxSize {
		return nil, fmt.Errorf("not enough space %d of %d bytes used", atomic.LoadUint64(&l.size), l.maxSize)
	}
	return &localWriter{buf: &bytes.Buffer{}, path: path, lmp: l}, nil
}

func (l *LocalCache) Delete(path string) error {
	pool := l.getPool()
	if pool == nil {
		return errClosed
	}
	raw, ok := pool.Load(path)
	if !ok {
		return fmt.Errorf("file %s dose not exsist", path)
	}
	pool.Delete(path)
	atomic.AddUint64(&l.size, ^uint64(len(raw.([]byte))-1))
	return nil
}

func (l *LocalCache) Join(elem ...string) string {
	return strings.Join(elem, sep)
}

func (l *LocalCache) Init() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pool == nil {
		l.pool = &sync.Map{}
	}
	return nil
}

func (l *LocalCache) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	atomic.StoreUint64(&l.size, 0)
	l.pool = &sync.Map{}
	return nil
}

func (l *LocalCache) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	atomic.StoreUint64(&l.size, 0)
	l.pool = nil
	return nil
}
