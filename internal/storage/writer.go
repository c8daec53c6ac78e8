// internal/storage/writer.go - Transactional MBTiles writer
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/valpere/tile_packer/internal/spatial"
)

const driverName = "sqlite"

var (
	// ErrClosed is returned by writes after Close
	ErrClosed = errors.New("storage: writer closed")
	// ErrNotCommitted is returned by Optimize while the write transaction is open
	ErrNotCommitted = errors.New("storage: writes not committed")
)

// Writer writes tiles into a single MBTiles file. All tile and metadata
// writes land in one transaction that only becomes durable on Commit.
// Methods are safe for concurrent use; writes are serialized.
type Writer struct {
	mu     sync.Mutex
	path   string
	db     *sql.DB
	tx     *sql.Tx
	stmt   *sql.Stmt
	logger *zap.Logger

	tiles  int64
	bytes  int64
	closed bool
}

// Create opens (or creates) the container at path, ensures the schema and
// begins the write transaction
func Create(path string, logger *zap.Logger) (*Writer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	// SQLite tolerates a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	w := &Writer{path: path, db: db, logger: logger}
	if err := w.init(); err != nil {
		return nil, multierr.Append(err, w.Close())
	}

	logger.Debug("Opened tile container", zap.String("path", path))
	return w, nil
}

func (w *Writer) init() error {
	for _, pragma := range []string{
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
	} {
		if _, err := w.db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	for _, stmt := range schema {
		if _, err := w.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}

	tx, err := w.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	w.tx = tx

	stmt, err := tx.Prepare(upsertTileSQL)
	if err != nil {
		return fmt.Errorf("failed to prepare tile insert: %w", err)
	}
	w.stmt = stmt
	return nil
}

// Path returns the file the writer targets
func (w *Writer) Path() string {
	return w.path
}

// WriteMetadata upserts every metadata row
func (w *Writer) WriteMetadata(m Metadata) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writable(); err != nil {
		return err
	}
	for _, row := range m.Rows() {
		if _, err := w.tx.Exec(upsertMetadataSQL, row[0], row[1]); err != nil {
			return fmt.Errorf("failed to write metadata %q: %w", row[0], err)
		}
	}
	return nil
}

// WriteTile upserts one tile addressed in XYZ. A second write for the same
// coordinate replaces the first.
func (w *Writer) WriteTile(t spatial.TileCoord, data []byte) error {
	if !t.Valid() {
		return fmt.Errorf("invalid tile coordinate %s", t)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writable(); err != nil {
		return err
	}
	if _, err := w.stmt.Exec(t.Z, t.X, tmsRow(t.Z, t.Y), data); err != nil {
		return fmt.Errorf("failed to write tile %s: %w", t, err)
	}
	w.tiles++
	w.bytes += int64(len(data))
	return nil
}

// Stats returns the number of tiles and payload bytes written so far
func (w *Writer) Stats() (tiles, bytes int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tiles, w.bytes
}

// Commit makes every write durable. Further writes fail.
func (w *Writer) Commit() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writable(); err != nil {
		return err
	}

	err := w.stmt.Close()
	w.stmt = nil
	if cerr := w.tx.Commit(); cerr != nil {
		err = multierr.Append(err, fmt.Errorf("failed to commit: %w", cerr))
	}
	w.tx = nil
	return err
}

// Optimize compacts the file. It must run after Commit.
func (w *Writer) Optimize(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	if w.tx != nil {
		return ErrNotCommitted
	}

	for _, stmt := range []string{"ANALYZE", "VACUUM"} {
		if _, err := w.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s failed: %w", stmt, err)
		}
	}
	w.logger.Debug("Optimized tile container", zap.String("path", w.path))
	return nil
}

// Close rolls back any uncommitted writes and releases the file. It is safe
// to call more than once.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	var err error
	if w.stmt != nil {
		err = multierr.Append(err, w.stmt.Close())
		w.stmt = nil
	}
	if w.tx != nil {
		if rerr := w.tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
			err = multierr.Append(err, fmt.Errorf("failed to roll back: %w", rerr))
		}
		w.tx = nil
		w.logger.Debug("Rolled back uncommitted tiles", zap.String("path", w.path))
	}
	if w.db != nil {
		err = multierr.Append(err, w.db.Close())
	}
	return err
}

func (w *Writer) writable() error {
	if w.closed {
		return ErrClosed
	}
	if w.tx == nil {
		return errors.New("storage: transaction already committed")
	}
	return nil
}
