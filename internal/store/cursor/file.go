// Package cursor persists per-stage progress as small JSON files that are
// replaced atomically (write to a temp file, fsync, rename).
package cursor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

const (
	catalogFile   = "catalog_cursor.json"
	scrapeFile    = "scrape_cursor.json"
	reconcileFile = "reconcile_cursor.json"
)

// Files returns the cursor file names, relative to the state directory.
func Files() []string {
	return []string{catalogFile, scrapeFile, reconcileFile}
}

// FileStore keeps cursor files under one state directory.
type FileStore struct {
	dir string
}

var _ domain.CursorStore = (*FileStore)(nil)

// NewFileStore creates the state directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cursor: mkdir %s: %w: %w", dir, domain.ErrStoreIO, err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) LoadCatalog(ctx context.Context) (domain.CatalogCursor, bool, error) {
	var c domain.CatalogCursor
	ok, err := s.load(ctx, catalogFile, &c)
	return c, ok, err
}

func (s *FileStore) SaveCatalog(ctx context.Context, c domain.CatalogCursor) error {
	return s.save(ctx, catalogFile, c)
}

func (s *FileStore) LoadScrape(ctx context.Context) (domain.ScrapeCursor, bool, error) {
	var c domain.ScrapeCursor
	ok, err := s.load(ctx, scrapeFile, &c)
	return c, ok, err
}

func (s *FileStore) SaveScrape(ctx context.Context, c domain.ScrapeCursor) error {
	return s.save(ctx, scrapeFile, c)
}

func (s *FileStore) LoadReconcile(ctx context.Context) (domain.ReconcileCursor, bool, error) {
	var c domain.ReconcileCursor
	ok, err := s.load(ctx, reconcileFile, &c)
	return c, ok, err
}

func (s *FileStore) SaveReconcile(ctx context.Context, c domain.ReconcileCursor) error {
	return s.save(ctx, reconcileFile, c)
}

// ClearReconcile removes the reconcile cursor so the next run infers its
// position from the ledger.
func (s *FileStore) ClearReconcile(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(s.dir, reconcileFile))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("cursor: clear reconcile: %w: %w", domain.ErrStoreIO, err)
	}
	return nil
}

func (s *FileStore) load(ctx context.Context, name string, v any) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	raw, err := os.ReadFile(filepath.Join(s.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cursor: read %s: %w: %w", name, domain.ErrStoreIO, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("cursor: decode %s: %w: %w", name, domain.ErrStoreIO, err)
	}
	return true, nil
}

func (s *FileStore) save(ctx context.Context, name string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cursor: encode %s: %w", name, err)
	}

	tmp, err := os.CreateTemp(s.dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("cursor: write %s: %w: %w", name, domain.ErrStoreIO, err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}
	if _, err := tmp.Write(raw); err != nil {
		cleanup()
		return fmt.Errorf("cursor: write %s: %w: %w", name, domain.ErrStoreIO, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("cursor: fsync %s: %w: %w", name, domain.ErrStoreIO, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("cursor: close %s: %w: %w", name, domain.ErrStoreIO, err)
	}
	if err := os.Rename(tmpName, filepath.Join(s.dir, name)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("cursor: replace %s: %w: %w", name, domain.ErrStoreIO, err)
	}
	return nil
}
