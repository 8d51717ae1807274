package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/quickreply/quickreply/internal/template"
)

const (
	filePrefix = "templates_"
	fileSuffix = ".json"
)

// FilePersister keeps one JSON document per category type in a directory.
// Access is serialised across processes with a lock file next to each
// document; writes go to a temporary file that is renamed into place.
type FilePersister struct {
	dir         string
	lockTimeout time.Duration
	logger      *slog.Logger
}

// NewFilePersister creates dir if needed.
func NewFilePersister(dir string, lockTimeout time.Duration) (*FilePersister, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return &FilePersister{
		dir:         dir,
		lockTimeout: lockTimeout,
		logger:      slog.Default().With("component", "file-persister"),
	}, nil
}

// Dir returns the data directory.
func (p *FilePersister) Dir() string {
	return p.dir
}

// Path returns the document path of a category type.
func (p *FilePersister) Path(categoryType string) string {
	return filepath.Join(p.dir, filePrefix+categoryType+fileSuffix)
}

// IsDocument reports whether path names a category type document.
func IsDocument(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, filePrefix) && strings.HasSuffix(base, fileSuffix)
}

func (p *FilePersister) Load(ctx context.Context, categoryType string) (template.Snapshot, error) {
	path := p.Path(categoryType)
	unlock, err := p.lock(ctx, path)
	if err != nil {
		return template.Snapshot{}, err
	}
	defer unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return template.Snapshot{}, ErrNoDocument
		}
		return template.Snapshot{}, fmt.Errorf("reading %s: %w", path, err)
	}
	var snapshot template.Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return template.Snapshot{}, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	return snapshot, nil
}

func (p *FilePersister) Save(ctx context.Context, categoryType string, snapshot template.Snapshot) error {
	path := p.Path(categoryType)
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s templates: %w", categoryType, err)
	}
	unlock, err := p.lock(ctx, path)
	if err != nil {
		return err
	}
	defer unlock()

	tmp, err := os.CreateTemp(p.dir, ".templates-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	p.logger.Debug("document written", "path", path, "bytes", len(data))
	return nil
}

// Quarantine renames the document of a category type to
// <path>.corrupt-<unix> and returns the new path.
func (p *FilePersister) Quarantine(ctx context.Context, categoryType string) (string, error) {
	path := p.Path(categoryType)
	unlock, err := p.lock(ctx, path)
	if err != nil {
		return "", err
	}
	defer unlock()
	aside := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
	if err := os.Rename(path, aside); err != nil {
		return "", fmt.Errorf("moving %s aside: %w", path, err)
	}
	return aside, nil
}

// lock takes the inter-process lock of a document, retrying until
// lockTimeout or ctx expires.
func (p *FilePersister) lock(ctx context.Context, path string) (func(), error) {
	l := flock.New(path + ".lock")
	deadline := time.Now().Add(p.lockTimeout)
	for {
		locked, err := l.TryLock()
		if err != nil {
			return nil, fmt.Errorf("locking %s: %w", path, err)
		}
		if locked {
			return func() { _ = l.Unlock() }, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%s is locked by another process", path)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}
