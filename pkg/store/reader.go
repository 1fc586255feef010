package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"iter"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const selectMessages = `
SELECT seq, topic, payload, qos, retained, captured_at
FROM messages
ORDER BY seq ASC
`

// Reader is a read-only view of a store file. Readers hold no state shared
// with other readers of the same file.
type Reader struct {
	path string
	db   *sql.DB
}

// Open opens the store at path read-only.
func Open(ctx context.Context, path string) (*Reader, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve store path: %w", err)
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	dsn := (&url.URL{Scheme: "file", Path: abs, RawQuery: "mode=ro"}).String()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	r := &Reader{path: abs, db: db}
	var version int
	if err := db.QueryRowContext(ctx, `SELECT format_version FROM store_info WHERE id = 1`).Scan(&version); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrNotStore, abs, err)
	}
	if version > FormatVersion {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %s: unsupported format version %d", ErrNotStore, abs, version)
	}
	return r, nil
}

// Path returns the store file path.
func (r *Reader) Path() string {
	return r.path
}

// Messages yields every message in ascending sequence order. The sequence is
// lazy and restartable: each call runs its own query, so concurrent
// iterations do not interfere.
func (r *Reader) Messages(ctx context.Context) iter.Seq2[Message, error] {
	return func(yield func(Message, error) bool) {
		rows, err := r.db.QueryContext(ctx, selectMessages)
		if err != nil {
			yield(Message{}, fmt.Errorf("query messages: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var (
				m          Message
				seq        int64
				qos        int
				capturedAt int64
			)
			if err := rows.Scan(&seq, &m.Topic, &m.Payload, &qos, &m.Retained, &capturedAt); err != nil {
				yield(Message{}, fmt.Errorf("scan message: %w", err))
				return
			}
			m.Sequence = uint64(seq)
			m.QoS = byte(qos)
			m.CapturedAt = time.Unix(0, capturedAt)
			if !yield(m, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(Message{}, fmt.Errorf("iterate messages: %w", err))
		}
	}
}

// Count returns the number of stored messages.
func (r *Reader) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// Info returns the store metadata and message summary.
func (r *Reader) Info(ctx context.Context) (*Info, error) {
	info := &Info{Path: r.path}

	var (
		createdAt  int64
		sealedAt   sql.NullInt64
		topicsJSON string
	)
	err := r.db.QueryRowContext(ctx, `
SELECT format_version, created_at, broker_address, topics, sealed_at
FROM store_info WHERE id = 1
`).Scan(&info.FormatVersion, &createdAt, &info.Meta.BrokerAddress, &topicsJSON, &sealedAt)
	if err != nil {
		return nil, fmt.Errorf("read store info: %w", err)
	}
	info.CreatedAt = time.Unix(0, createdAt)
	if sealedAt.Valid {
		info.SealedAt = time.Unix(0, sealedAt.Int64)
	}
	if err := json.Unmarshal([]byte(topicsJSON), &info.Meta.Topics); err != nil {
		return nil, fmt.Errorf("decode topics: %w", err)
	}

	var first, last sql.NullInt64
	err = r.db.QueryRowContext(ctx, `
SELECT COUNT(*), MIN(captured_at), MAX(captured_at) FROM messages
`).Scan(&info.Count, &first, &last)
	if err != nil {
		return nil, fmt.Errorf("summarise messages: %w", err)
	}
	if first.Valid {
		info.First = time.Unix(0, first.Int64)
	}
	if last.Valid {
		info.Last = time.Unix(0, last.Int64)
	}
	return info, nil
}

// TopicCounts returns the number of stored messages per topic.
func (r *Reader) TopicCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT topic, COUNT(*) FROM messages GROUP BY topic`)
	if err != nil {
		return nil, fmt.Errorf("count topics: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var (
			topic string
			n     int64
		)
		if err := rows.Scan(&topic, &n); err != nil {
			return nil, fmt.Errorf("scan topic count: %w", err)
		}
		counts[topic] = n
	}
	return counts, rows.Err()
}

// Close releases the database handle.
func (r *Reader) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}
