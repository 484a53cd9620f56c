package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	tempSuffix   = ".tmp"
	backupSuffix = ".backup"
)

// DiskStore publishes files by writing a sibling temp file, syncing it and renaming
// it over the target.
type DiskStore struct {
	root   string
	backup bool
	logger zerolog.Logger
}

func NewDiskStore(root string, opts ...Option) (*DiskStore, error) {
	c := newConfig(opts)
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("storage: create root: %w", err)
	}
	return &DiskStore{root: root, backup: c.backup, logger: c.logger}, nil
}

func (d *DiskStore) Root() string {
	return d.root
}

func (d *DiskStore) path(name string) string {
	return filepath.Join(d.root, filepath.FromSlash(path.Clean("/" + name)))
}

func (d *DiskStore) Exists(_ context.Context, name string) (bool, error) {
	_, err := os.Stat(d.path(name))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (d *DiskStore) List(_ context.Context, dir string) ([]string, error) {
	entries, err := os.ReadDir(d.path(dir))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || isTemp(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (d *DiskStore) Open(_ context.Context, name string) (io.ReadCloser, error) {
	f, err := os.Open(d.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return f, err
}

func (d *DiskStore) Create(_ context.Context, name string) (Pending, error) {
	final := d.path(name)
	dir := filepath.Dir(final)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, writeErr("mkdir", name, err)
	}
	tmp := filepath.Join(dir, "."+filepath.Base(final)+"."+uuid.NewString()+tempSuffix)
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, writeErr("create", name, err)
	}
	return &diskPending{store: d, name: name, final: final, tmp: tmp, file: f}, nil
}

func (d *DiskStore) Remove(_ context.Context, name string) error {
	err := os.Remove(d.path(name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return writeErr("remove", name, err)
	}
	return nil
}

// Sweep deletes temp files left behind by interrupted writes of names.
func (d *DiskStore) Sweep(_ context.Context, names ...string) (int, error) {
	removed := 0
	for _, name := range names {
		p := d.path(name)
		dir, prefix := p, "."
		if info, err := os.Stat(p); err != nil || !info.IsDir() {
			dir, prefix = filepath.Dir(p), "."+filepath.Base(p)+"."
		}
		entries, err := os.ReadDir(dir)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return removed, err
		}
		for _, e := range entries {
			if e.IsDir() || !isTemp(e.Name()) || !strings.HasPrefix(e.Name(), prefix) {
				continue
			}
			f := filepath.Join(dir, e.Name())
			if err := os.Remove(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return removed, err
			}
			removed++
			d.logger.Warn().Str("file", f).Msg("removed stale temp file")
		}
	}
	return removed, nil
}

type diskPending struct {
	store *DiskStore
	name  string
	final string
	tmp   string
	file  *os.File
	done  bool
}

func (p *diskPending) Write(b []byte) (int, error) {
	n, err := p.file.Write(b)
	if err != nil {
		return n, writeErr("write", p.name, err)
	}
	return n, nil
}

func (p *diskPending) Commit() error {
	if p.done {
		return writeErr("commit", p.name, errors.New("already finished"))
	}
	p.done = true
	if err := p.file.Sync(); err != nil {
		p.cleanup()
		return writeErr("sync", p.name, err)
	}
	if err := p.file.Close(); err != nil {
		os.Remove(p.tmp)
		return writeErr("close", p.name, err)
	}
	if p.store.backup {
		if err := p.keepBackup(); err != nil {
			os.Remove(p.tmp)
			return writeErr("backup", p.name, err)
		}
	}
	if err := os.Rename(p.tmp, p.final); err != nil {
		os.Remove(p.tmp)
		return writeErr("rename", p.name, err)
	}
	if err := syncDir(filepath.Dir(p.final)); err != nil {
		return writeErr("sync dir", p.name, err)
	}
	return nil
}

func (p *diskPending) keepBackup() error {
	if _, err := os.Stat(p.final); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	bak := p.final + backupSuffix
	if err := os.Remove(bak); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.Link(p.final, bak)
}

func (p *diskPending) Abort() error {
	if p.done {
		return nil
	}
	p.done = true
	return p.cleanup()
}

func (p *diskPending) cleanup() error {
	p.file.Close()
	if err := os.Remove(p.tmp); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
