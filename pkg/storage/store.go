package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
)

var (
	// ErrWrite wraps every failure to durably publish a file.
	ErrWrite    = errors.New("storage: write failed")
	ErrNotFound = errors.New("storage: not found")
)

// Store is the output namespace. Names are slash-separated and relative to the root.
type Store interface {
	Exists(ctx context.Context, name string) (bool, error)
	// List returns the base names of files directly inside dir, excluding temp files.
	List(ctx context.Context, dir string) ([]string, error)
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	// Create starts a write that becomes visible only on Commit.
	Create(ctx context.Context, name string) (Pending, error)
	Remove(ctx context.Context, name string) error
}

// Pending is an unpublished file. Exactly one of Commit or Abort must be called.
type Pending interface {
	io.Writer
	Commit() error
	Abort() error
}

// Sweeper is implemented by stores that can leave temp files behind after a crash.
// Sweep removes the leftovers of the named entries only: temp files directly inside
// a named directory and temp siblings of a named file. In-flight writes to other
// names are never touched.
type Sweeper interface {
	Sweep(ctx context.Context, names ...string) (int, error)
}

// Options configure Open.
type Options struct {
	// Backup keeps the previous version of a replaced file as <name>.backup.
	Backup bool
	// SpillDir holds local staging files for object stores; empty uses os.TempDir.
	SpillDir string
	S3       S3Options
	Logger   zerolog.Logger
}

type S3Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	Secure    bool
}

// memoryRoots keeps mem:// namespaces alive across Open calls in one process.
var memoryRoots = newMemoryRegistry()

// Open resolves root to a Store: s3://bucket/prefix, mem://name, or a local directory.
func Open(root string, opts Options) (Store, error) {
	if root == "" {
		return nil, errors.New("storage: empty root")
	}
	if !strings.Contains(root, "://") {
		return NewDiskStore(root, WithBackup(opts.Backup), WithLogger(opts.Logger))
	}
	u, err := url.Parse(root)
	if err != nil {
		return nil, fmt.Errorf("storage: parse root %q: %w", root, err)
	}
	prefix := strings.Trim(u.Path, "/")
	switch u.Scheme {
	case "mem":
		return NewObjectStore(memoryRoots.get(u.Host), prefix, WithBackup(opts.Backup), WithSpillDir(opts.SpillDir), WithLogger(opts.Logger)), nil
	case "s3":
		client, err := NewMinioClient(u.Host, opts.S3)
		if err != nil {
			return nil, err
		}
		return NewObjectStore(client, prefix, WithBackup(opts.Backup), WithSpillDir(opts.SpillDir), WithLogger(opts.Logger)), nil
	default:
		return nil, fmt.Errorf("storage: unsupported scheme %q", u.Scheme)
	}
}

type config struct {
	backup   bool
	spillDir string
	logger   zerolog.Logger
}

type Option func(*config)

func WithBackup(on bool) Option {
	return func(c *config) { c.backup = on }
}

func WithSpillDir(dir string) Option {
	return func(c *config) { c.spillDir = dir }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *config) { c.logger = l }
}

func newConfig(opts []Option) config {
	c := config{logger: zerolog.Nop()}
	for _, o := range opts {
		o(&c)
	}
	return c
}

func isTemp(base string) bool {
	return strings.HasPrefix(base, ".") && strings.HasSuffix(base, tempSuffix)
}

func writeErr(op, name string, err error) error {
	return fmt.Errorf("%w: %s %s: %w", ErrWrite, op, name, err)
}
