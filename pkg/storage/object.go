package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const spillMarker = ".deltasync."

// ObjectClient is the minimal remote object store API. Get returns ErrNotFound
// for missing keys. Put replaces an object atomically.
type ObjectClient interface {
	List(ctx context.Context, prefix string) ([]string, error)
	Stat(ctx context.Context, key string) (bool, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	Copy(ctx context.Context, src, dst string) error
	Delete(ctx context.Context, key string) error
}

// ObjectStore adapts an ObjectClient to Store. Writes are staged in a local spill
// file and uploaded on Commit.
type ObjectStore struct {
	client   ObjectClient
	prefix   string
	backup   bool
	spillDir string
	logger   zerolog.Logger
}

func NewObjectStore(client ObjectClient, prefix string, opts ...Option) *ObjectStore {
	c := newConfig(opts)
	return &ObjectStore{
		client:   client,
		prefix:   strings.Trim(prefix, "/"),
		backup:   c.backup,
		spillDir: c.spillDir,
		logger:   c.logger,
	}
}

func (o *ObjectStore) key(name string) string {
	name = strings.TrimLeft(name, "/")
	if o.prefix == "" {
		return name
	}
	return o.prefix + "/" + name
}

func (o *ObjectStore) Exists(ctx context.Context, name string) (bool, error) {
	return o.client.Stat(ctx, o.key(name))
}

func (o *ObjectStore) List(ctx context.Context, dir string) ([]string, error) {
	p := o.key(strings.Trim(dir, "/"))
	if p != "" && !strings.HasSuffix(p, "/") {
		p += "/"
	}
	keys, err := o.client.List(ctx, p)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, k := range keys {
		rest := strings.TrimPrefix(k, p)
		if rest == "" || strings.Contains(rest, "/") || isTemp(rest) {
			continue
		}
		names = append(names, rest)
	}
	sort.Strings(names)
	return names, nil
}

func (o *ObjectStore) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	return o.client.Get(ctx, o.key(name))
}

func (o *ObjectStore) spillRoot() string {
	if o.spillDir == "" {
		return os.TempDir()
	}
	return o.spillDir
}

// spillPrefix starts the spill file name of key. The escaped key keeps every spill
// file attributable to the object it stages.
func spillPrefix(key string) string {
	return spillMarker + url.PathEscape(key)
}

func (o *ObjectStore) Create(ctx context.Context, name string) (Pending, error) {
	dir := o.spillRoot()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, writeErr("spill", name, err)
	}
	spill := filepath.Join(dir, spillPrefix(o.key(name))+"."+uuid.NewString()+tempSuffix)
	f, err := os.OpenFile(spill, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		return nil, writeErr("spill", name, err)
	}
	return &objectPending{ctx: ctx, store: o, name: name, spill: spill, file: f}, nil
}

// Sweep deletes spill files orphaned by interrupted writes of names, whether a
// name is a single object or a prefix of objects.
func (o *ObjectStore) Sweep(_ context.Context, names ...string) (int, error) {
	dir := o.spillRoot()
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, name := range names {
		key := o.key(strings.Trim(name, "/"))
		file, children := spillPrefix(key)+".", spillPrefix(key+"/")
		for _, e := range entries {
			base := e.Name()
			if e.IsDir() || !isTemp(base) {
				continue
			}
			if !strings.HasPrefix(base, file) && !strings.HasPrefix(base, children) {
				continue
			}
			f := filepath.Join(dir, base)
			if err := os.Remove(f); err != nil {
				if errors.Is(err, os.ErrNotExist) {
					continue
				}
				return removed, err
			}
			removed++
			o.logger.Warn().Str("file", f).Msg("removed stale spill file")
		}
	}
	return removed, nil
}

func (o *ObjectStore) Remove(ctx context.Context, name string) error {
	if err := o.client.Delete(ctx, o.key(name)); err != nil && !errors.Is(err, ErrNotFound) {
		return writeErr("remove", name, err)
	}
	return nil
}

type objectPending struct {
	ctx   context.Context
	store *ObjectStore
	name  string
	spill string
	file  *os.File
	done  bool
}

func (p *objectPending) Write(b []byte) (int, error) {
	n, err := p.file.Write(b)
	if err != nil {
		return n, writeErr("write", p.name, err)
	}
	return n, nil
}

func (p *objectPending) Commit() error {
	if p.done {
		return writeErr("commit", p.name, errors.New("already finished"))
	}
	p.done = true
	defer p.cleanup()

	size, err := p.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return writeErr("seek", p.name, err)
	}
	if _, err := p.file.Seek(0, io.SeekStart); err != nil {
		return writeErr("seek", p.name, err)
	}
	key := p.store.key(p.name)
	if p.store.backup {
		ok, err := p.store.client.Stat(p.ctx, key)
		if err != nil {
			return writeErr("stat", p.name, err)
		}
		if ok {
			if err := p.store.client.Copy(p.ctx, key, key+backupSuffix); err != nil {
				return writeErr("backup", p.name, err)
			}
		}
	}
	if err := p.store.client.Put(p.ctx, key, p.file, size); err != nil {
		return writeErr("put", p.name, err)
	}
	p.store.logger.Debug().Str("key", key).Int64("bytes", size).Msg("object published")
	return nil
}

func (p *objectPending) Abort() error {
	if p.done {
		return nil
	}
	p.done = true
	return p.cleanup()
}

func (p *objectPending) cleanup() error {
	p.file.Close()
	if err := os.Remove(p.spill); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// MemoryObjects is an in-process ObjectClient.
type MemoryObjects struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemoryObjects() *MemoryObjects {
	return &MemoryObjects{objects: make(map[string][]byte)}
}

func (m *MemoryObjects) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryObjects) Stat(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *MemoryObjects) Get(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *MemoryObjects) Put(_ context.Context, key string, r io.Reader, _ int64) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.objects[key] = b
	m.mu.Unlock()
	return nil
}

func (m *MemoryObjects) Copy(_ context.Context, src, dst string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[src]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, src)
	}
	m.objects[dst] = append([]byte(nil), b...)
	return nil
}

func (m *MemoryObjects) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

type memoryRegistry struct {
	mu    sync.Mutex
	roots map[string]*MemoryObjects
}

func newMemoryRegistry() *memoryRegistry {
	return &memoryRegistry{roots: make(map[string]*MemoryObjects)}
}

func (r *memoryRegistry) get(name string) *MemoryObjects {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.roots[name]
	if !ok {
		m = NewMemoryObjects()
		r.roots[name] = m
	}
	return m
}
