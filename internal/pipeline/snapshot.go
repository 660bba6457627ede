package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

const manifestName = "manifest.json"

// DefaultMultipartThreshold is the file size above which snapshots use a
// multipart upload.
const DefaultMultipartThreshold int64 = 64 << 20

// SnapshotLayout names the local files a snapshot carries. File names are
// slash-separated and relative to their directory.
type SnapshotLayout struct {
	DataDir    string
	DataFiles  []string
	StateDir   string
	StateFiles []string
	// StaleSuffixes name sidecar files removed next to each pulled data
	// file, such as append journals from an interrupted run.
	StaleSuffixes []string
}

// SnapshotManifest is written last on push and read first on pull.
type SnapshotManifest struct {
	CreatedAt time.Time       `json:"created_at"`
	Files     []SnapshotEntry `json:"files"`
}

// SnapshotEntry is one file in a snapshot.
type SnapshotEntry struct {
	Key  string `json:"key"`
	Kind string `json:"kind"`
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// Snapshotter copies the stores and cursors to object storage and back, so
// a run can continue on another machine.
type Snapshotter struct {
	writer    domain.BlobWriter
	reader    domain.BlobReader
	prefix    string
	layout    SnapshotLayout
	threshold int64
	logger    *slog.Logger
}

// NewSnapshotter creates a Snapshotter storing objects under prefix.
func NewSnapshotter(writer domain.BlobWriter, reader domain.BlobReader, prefix string, layout SnapshotLayout, logger *slog.Logger) *Snapshotter {
	return &Snapshotter{
		writer:    writer,
		reader:    reader,
		prefix:    prefix,
		layout:    layout,
		threshold: DefaultMultipartThreshold,
		logger:    logger.With(slog.String("component", "snapshot")),
	}
}

// Push uploads every existing store and cursor file, then the manifest.
func (s *Snapshotter) Push(ctx context.Context) (SnapshotManifest, error) {
	manifest := SnapshotManifest{CreatedAt: time.Now().UTC()}

	for _, f := range s.files() {
		info, err := os.Stat(f.local)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return manifest, fmt.Errorf("snapshot: stat %s: %w: %w", f.local, domain.ErrStoreIO, err)
		}
		if err := s.upload(ctx, f, info.Size()); err != nil {
			return manifest, err
		}
		manifest.Files = append(manifest.Files, SnapshotEntry{
			Key:  f.key,
			Kind: f.kind,
			Name: f.name,
			Size: info.Size(),
		})
	}

	raw, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return manifest, fmt.Errorf("snapshot: encode manifest: %w", err)
	}
	if err := s.writer.Put(ctx, s.key(manifestName), bytes.NewReader(raw), "application/json"); err != nil {
		return manifest, fmt.Errorf("snapshot: put manifest: %w", err)
	}

	s.logger.InfoContext(ctx, "snapshot pushed",
		slog.String("prefix", s.prefix),
		slog.Int("files", len(manifest.Files)),
	)
	return manifest, nil
}

func (s *Snapshotter) upload(ctx context.Context, f snapshotFile, size int64) error {
	fh, err := os.Open(f.local)
	if err != nil {
		return fmt.Errorf("snapshot: open %s: %w: %w", f.local, domain.ErrStoreIO, err)
	}
	defer fh.Close()

	if size > s.threshold {
		err = s.writer.PutMultipart(ctx, f.key, fh, 0)
	} else {
		err = s.writer.Put(ctx, f.key, fh, contentType(f.name))
	}
	if err != nil {
		return fmt.Errorf("snapshot: upload %s: %w", f.name, err)
	}
	return nil
}

// Pull downloads the files named in the manifest over the local copies.
// Each file is replaced atomically. Callers must hold the run lock and must
// not have the stores open.
func (s *Snapshotter) Pull(ctx context.Context) (SnapshotManifest, error) {
	var manifest SnapshotManifest

	body, err := s.reader.Get(ctx, s.key(manifestName))
	if err != nil {
		return manifest, fmt.Errorf("snapshot: get manifest: %w", err)
	}
	err = json.NewDecoder(body).Decode(&manifest)
	body.Close()
	if err != nil {
		return manifest, fmt.Errorf("snapshot: decode manifest: %w", err)
	}

	wanted := make(map[string]snapshotFile)
	for _, f := range s.files() {
		wanted[f.key] = f
	}

	for _, e := range manifest.Files {
		f, ok := wanted[e.Key]
		if !ok {
			s.logger.WarnContext(ctx, "ignoring unknown snapshot entry", slog.String("key", e.Key))
			continue
		}
		if err := s.download(ctx, f); err != nil {
			return manifest, err
		}
		if f.kind == "data" {
			for _, suffix := range s.layout.StaleSuffixes {
				if err := os.Remove(f.local + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
					return manifest, fmt.Errorf("snapshot: remove %s: %w: %w", f.local+suffix, domain.ErrStoreIO, err)
				}
			}
		}
	}

	s.logger.InfoContext(ctx, "snapshot pulled",
		slog.String("prefix", s.prefix),
		slog.Int("files", len(manifest.Files)),
		slog.Time("created_at", manifest.CreatedAt),
	)
	return manifest, nil
}

func (s *Snapshotter) download(ctx context.Context, f snapshotFile) error {
	body, err := s.reader.Get(ctx, f.key)
	if err != nil {
		return fmt.Errorf("snapshot: get %s: %w", f.key, err)
	}
	defer body.Close()

	if err := os.MkdirAll(filepath.Dir(f.local), 0o755); err != nil {
		return fmt.Errorf("snapshot: mkdir: %w: %w", domain.ErrStoreIO, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.local), filepath.Base(f.local)+".*.tmp")
	if err != nil {
		return fmt.Errorf("snapshot: create temp: %w: %w", domain.ErrStoreIO, err)
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("snapshot: download %s: %w", f.key, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("snapshot: fsync %s: %w: %w", tmpName, domain.ErrStoreIO, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("snapshot: close %s: %w: %w", tmpName, domain.ErrStoreIO, err)
	}
	if err := os.Rename(tmpName, f.local); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("snapshot: replace %s: %w: %w", f.local, domain.ErrStoreIO, err)
	}
	return nil
}

type snapshotFile struct {
	kind  string
	name  string
	local string
	key   string
}

func (s *Snapshotter) files() []snapshotFile {
	var out []snapshotFile
	add := func(kind, dir string, names []string) {
		for _, name := range names {
			out = append(out, snapshotFile{
				kind:  kind,
				name:  name,
				local: filepath.Join(dir, filepath.FromSlash(name)),
				key:   s.key(path.Join(kind, name)),
			})
		}
	}
	add("data", s.layout.DataDir, s.layout.DataFiles)
	add("state", s.layout.StateDir, s.layout.StateFiles)
	return out
}

func (s *Snapshotter) key(name string) string {
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

func contentType(name string) string {
	switch path.Ext(name) {
	case ".csv":
		return "text/csv"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
