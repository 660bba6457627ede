// Package csvstore implements the pipeline's append-only stores as CSV files
// with a header line. Every append is crash-atomic: the pre-append file size
// is journaled before any row is written, and a leftover journal found on
// open rolls the file back to that size.
package csvstore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

// JournalSuffix is appended to a table path to name its append journal.
const JournalSuffix = ".journal"

const reverseChunk = 64 << 10

// Codec maps a row type to CSV records.
type Codec[T any] struct {
	Header []string
	Encode func(T) []string
	Decode func([]string) (T, error)
}

// Table is a single append-only CSV file.
type Table[T any] struct {
	mu     sync.Mutex
	path   string
	codec  Codec[T]
	logger *slog.Logger
}

// OpenTable prepares the file at path, rolling back any interrupted append
// and writing the header when the file is new or empty.
func OpenTable[T any](path string, codec Codec[T], logger *slog.Logger) (*Table[T], error) {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Table[T]{
		path:   path,
		codec:  codec,
		logger: logger.With(slog.String("table", filepath.Base(path))),
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: mkdir %s: %w", domain.ErrStoreIO, filepath.Dir(path), err)
	}
	if err := t.recover(); err != nil {
		return nil, err
	}
	if err := t.ensureHeader(); err != nil {
		return nil, err
	}
	return t, nil
}

// Path returns the file backing the table.
func (t *Table[T]) Path() string { return t.path }

func (t *Table[T]) journalPath() string { return t.path + JournalSuffix }

// recover truncates the file to the size recorded by a leftover journal.
func (t *Table[T]) recover() error {
	raw, err := os.ReadFile(t.journalPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: read journal: %w", domain.ErrStoreIO, err)
	}
	size, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		// The journal itself was torn before the append started, so the data
		// file was never touched.
		t.logger.Warn("discarding unreadable journal", slog.String("error", err.Error()))
		return t.removeJournal()
	}
	fi, err := os.Stat(t.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: stat: %w", domain.ErrStoreIO, err)
	}
	if err == nil && fi.Size() > size {
		t.logger.Warn("rolling back interrupted append",
			slog.Int64("from_size", fi.Size()),
			slog.Int64("to_size", size),
		)
		if err := os.Truncate(t.path, size); err != nil {
			return fmt.Errorf("%w: truncate: %w", domain.ErrStoreIO, err)
		}
	}
	return t.removeJournal()
}

func (t *Table[T]) removeJournal() error {
	if err := os.Remove(t.journalPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: remove journal: %w", domain.ErrStoreIO, err)
	}
	return nil
}

func (t *Table[T]) ensureHeader() error {
	fi, err := os.Stat(t.path)
	if err == nil && fi.Size() > 0 {
		return t.checkHeader()
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: stat: %w", domain.ErrStoreIO, err)
	}
	return t.writeHeaderOnly()
}

func (t *Table[T]) checkHeader() error {
	f, err := os.Open(t.path)
	if err != nil {
		return fmt.Errorf("%w: open: %w", domain.ErrStoreIO, err)
	}
	defer f.Close()
	r := csv.NewReader(bufio.NewReader(f))
	got, err := r.Read()
	if err != nil {
		return fmt.Errorf("%w: read header: %w", domain.ErrStoreIO, err)
	}
	if !slices.Equal(got, t.codec.Header) {
		return fmt.Errorf("%w: %s: unexpected header %v", domain.ErrStoreIO, t.path, got)
	}
	return nil
}

func (t *Table[T]) writeHeaderOnly() error {
	f, err := os.OpenFile(t.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("%w: create: %w", domain.ErrStoreIO, err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(t.codec.Header); err != nil {
		f.Close()
		return fmt.Errorf("%w: write header: %w", domain.ErrStoreIO, err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("%w: write header: %w", domain.ErrStoreIO, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("%w: fsync: %w", domain.ErrStoreIO, err)
	}
	return f.Close()
}

// Append writes rows at the end of the file. Either all rows become durable
// or, after a crash, none of them are visible on the next open.
func (t *Table[T]) Append(ctx context.Context, rows []T) error {
	if len(rows) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	for _, r := range rows {
		if err := w.Write(t.codec.Encode(r)); err != nil {
			return fmt.Errorf("%w: encode: %w", domain.ErrStoreIO, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("%w: encode: %w", domain.ErrStoreIO, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	fi, err := os.Stat(t.path)
	if err != nil {
		return fmt.Errorf("%w: stat: %w", domain.ErrStoreIO, err)
	}
	if err := writeSynced(t.journalPath(), []byte(strconv.FormatInt(fi.Size(), 10))); err != nil {
		return fmt.Errorf("%w: write journal: %w", domain.ErrStoreIO, err)
	}

	if err := appendSynced(t.path, buf.Bytes()); err != nil {
		if rbErr := os.Truncate(t.path, fi.Size()); rbErr == nil {
			_ = t.removeJournal()
		}
		return fmt.Errorf("%w: append: %w", domain.ErrStoreIO, err)
	}
	return t.removeJournal()
}

func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func appendSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Scan calls fn for every row in file order. Returning false stops the scan.
func (t *Table[T]) Scan(ctx context.Context, fn func(T) bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.Open(t.path)
	if err != nil {
		return fmt.Errorf("%w: open: %w", domain.ErrStoreIO, err)
	}
	defer f.Close()

	r := csv.NewReader(bufio.NewReaderSize(f, 1<<20))
	r.ReuseRecord = true
	if _, err := r.Read(); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: read header: %w", domain.ErrStoreIO, err)
	}
	for line := 2; ; line++ {
		if line%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %s: %w", domain.ErrStoreIO, t.path, err)
		}
		row, err := t.codec.Decode(rec)
		if err != nil {
			return fmt.Errorf("%w: %s: record %d: %w", domain.ErrStoreIO, t.path, line, err)
		}
		if !fn(row) {
			return nil
		}
	}
}

// ReverseScan calls fn for rows from the end of the file backwards,
// stopping when fn returns false. Only tables whose fields never contain
// line breaks may use it.
func (t *Table[T]) ReverseScan(ctx context.Context, fn func(T) bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.Open(t.path)
	if err != nil {
		return fmt.Errorf("%w: open: %w", domain.ErrStoreIO, err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("%w: stat: %w", domain.ErrStoreIO, err)
	}

	pos := fi.Size()
	var carry []byte
	buf := make([]byte, reverseChunk)
	for pos > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := int64(len(buf))
		if pos < n {
			n = pos
		}
		pos -= n
		if _, err := f.ReadAt(buf[:n], pos); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: read: %w", domain.ErrStoreIO, err)
		}
		chunk := make([]byte, 0, int(n)+len(carry))
		chunk = append(chunk, buf[:n]...)
		chunk = append(chunk, carry...)

		lines := bytes.Split(chunk, []byte{'\n'})
		// lines[0] may continue in the previous chunk; at file start it is
		// the header.
		carry = lines[0]
		for i := len(lines) - 1; i >= 1; i-- {
			line := bytes.TrimSuffix(lines[i], []byte{'\r'})
			if len(line) == 0 {
				continue
			}
			row, err := t.decodeLine(line)
			if err != nil {
				return err
			}
			if !fn(row) {
				return nil
			}
		}
	}
	return nil
}

func (t *Table[T]) decodeLine(line []byte) (T, error) {
	var zero T
	rec, err := csv.NewReader(bytes.NewReader(line)).Read()
	if err != nil {
		return zero, fmt.Errorf("%w: %s: %w", domain.ErrStoreIO, t.path, err)
	}
	row, err := t.codec.Decode(rec)
	if err != nil {
		return zero, fmt.Errorf("%w: %s: %w", domain.ErrStoreIO, t.path, err)
	}
	return row, nil
}

// ReadAll returns every row in file order.
func (t *Table[T]) ReadAll(ctx context.Context) ([]T, error) {
	var out []T
	err := t.Scan(ctx, func(row T) bool {
		out = append(out, row)
		return true
	})
	return out, err
}

// Count returns the number of data rows.
func (t *Table[T]) Count(ctx context.Context) (int64, error) {
	var n int64
	err := t.Scan(ctx, func(T) bool {
		n++
		return true
	})
	return n, err
}

// Truncate drops every data row, keeping the header.
func (t *Table[T]) Truncate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.removeJournal(); err != nil {
		return err
	}
	return t.writeHeaderOnly()
}

func decodeErr(col string, err error) error {
	return fmt.Errorf("column %s: %w", col, err)
}

func checkWidth(rec []string, want int) error {
	if len(rec) != want {
		return fmt.Errorf("expected %d fields, got %d", want, len(rec))
	}
	return nil
}
