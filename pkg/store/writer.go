package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/getmockd/mqttlog/pkg/clock"
)

const insertMessage = `
INSERT INTO messages (seq, topic, payload, qos, retained, captured_at)
VALUES (?, ?, ?, ?, ?, ?)
`

// Writer is the single writer of one store file.
type Writer struct {
	path  string
	clock clock.Clock

	mu     sync.Mutex
	db     *sql.DB
	next   uint64
	closed bool
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithClock stamps sealed_at from c instead of the real clock.
func WithClock(c clock.Clock) WriterOption {
	return func(w *Writer) { w.clock = c }
}

// Create creates a fresh store in dir, named from startedAt. The directory is
// created if missing. An existing file is never reused: ErrExists is returned
// instead.
func Create(ctx context.Context, dir string, startedAt time.Time, meta Meta, opts ...WriterOption) (*Writer, error) {
	if dir == "" {
		dir = DefaultRecordingsDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return CreateAt(ctx, filepath.Join(dir, Filename(startedAt)), startedAt, meta, opts...)
}

// CreateAt creates a fresh store at path.
func CreateAt(ctx context.Context, path string, createdAt time.Time, meta Meta, opts ...WriterOption) (*Writer, error) {
	path = filepath.Clean(path)

	// Claim the name atomically; SQLite treats the empty file as a new database.
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrExists, path)
		}
		return nil, fmt.Errorf("create store file: %w", err)
	}
	_ = f.Close()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection keeps sequence assignment and INSERT order identical.
	db.SetMaxOpenConns(1)

	w := &Writer{path: path, clock: clock.Real(), db: db}
	for _, opt := range opts {
		opt(w)
	}
	if err := w.init(ctx, createdAt, meta); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func (w *Writer) init(ctx context.Context, createdAt time.Time, meta Meta) error {
	if err := w.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite db: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=DELETE",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := w.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if err := applyMigrations(ctx, w.db); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	topics := meta.Topics
	if topics == nil {
		topics = []string{}
	}
	topicsJSON, err := json.Marshal(topics)
	if err != nil {
		return fmt.Errorf("encode topics: %w", err)
	}
	_, err = w.db.ExecContext(ctx, `
INSERT INTO store_info (id, format_version, created_at, broker_address, topics)
VALUES (1, ?, ?, ?, ?)
`, FormatVersion, createdAt.UnixNano(), meta.BrokerAddress, string(topicsJSON))
	if err != nil {
		return fmt.Errorf("write store info: %w", err)
	}
	return nil
}

// Path returns the store file path.
func (w *Writer) Path() string {
	return w.path
}

// Append persists msg, assigning it the next sequence number, which is also
// written back to msg.Sequence. Failures are returned as *WriteError; the
// sequence number is not consumed by a failed append.
func (w *Writer) Append(ctx context.Context, msg *Message) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	seq := w.next
	if w.closed {
		return 0, &WriteError{Path: w.path, Sequence: seq, Err: ErrClosed}
	}

	payload := msg.Payload
	if payload == nil {
		payload = []byte{}
	}
	_, err := w.db.ExecContext(ctx, insertMessage,
		int64(seq),
		msg.Topic,
		payload,
		int(msg.QoS),
		msg.Retained,
		msg.CapturedAt.UnixNano(),
	)
	if err != nil {
		return 0, &WriteError{Path: w.path, Sequence: seq, Err: err}
	}

	msg.Sequence = seq
	w.next++
	return seq, nil
}

// Count returns the number of messages appended so far.
func (w *Writer) Count() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.next
}

// Close seals the store and releases the database handle. It is idempotent
// and always releases the handle, even when sealing fails after an earlier
// write error.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	_, sealErr := w.db.Exec(`UPDATE store_info SET sealed_at = ? WHERE id = 1`, w.clock.Now().UnixNano())
	if sealErr != nil {
		sealErr = fmt.Errorf("seal store: %w", sealErr)
	}
	closeErr := w.db.Close()
	if closeErr != nil {
		closeErr = fmt.Errorf("close sqlite db: %w", closeErr)
	}
	return errors.Join(sealErr, closeErr)
}
