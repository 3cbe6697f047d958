package persist

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
	"github.com/visus/twinsync/internal/protocol"
)

// Entry kinds.
const (
	KindPayload = "payload"
	KindReset   = "reset"
)

// Entry is one journal row. Payload is the wire JSON and is empty for
// resets.
type Entry struct {
	ID          int64
	SceneDigest string
	Kind        string
	Source      string
	EventID     string
	SentAt      int64
	ReceivedAt  time.Time
	Payload     []byte
}

// maxLabel bounds producer-supplied text columns.
const maxLabel = 256

// Clean returns e with its producer-supplied labels made storable: NUL bytes
// and invalid UTF-8 removed, and each cut to maxLabel bytes on a rune
// boundary.
func (e Entry) Clean() Entry {
	e.Source = cleanLabel(e.Source)
	e.EventID = cleanLabel(e.EventID)
	return e
}

func cleanLabel(s string) string {
	s = strings.ToValidUTF8(strings.ReplaceAll(s, "\x00", ""), "")
	if len(s) <= maxLabel {
		return s
	}
	s = s[:maxLabel]
	for !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

type JournalRepo struct {
	db *DB
}

func NewJournalRepo(db *DB) *JournalRepo {
	return &JournalRepo{db: db}
}

// Append writes entries in one transaction, in order.
func (r *JournalRepo) Append(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("journal begin: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, e := range entries {
		e = e.Clean()
		batch.Queue(
			`INSERT INTO twin_journal (scene_digest, kind, source, event_id, sent_at, received_at, schema_ver, payload)
			 VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8)`,
			e.SceneDigest, e.Kind, e.Source, e.EventID, e.SentAt, e.ReceivedAt, protocol.SchemaVersion, nullJSON(e.Payload),
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("journal insert: %w", err)
	}
	return tx.Commit(ctx)
}

// Replay calls fn for every payload journaled for digest since its most
// recent reset, oldest first.
func (r *JournalRepo) Replay(ctx context.Context, digest string, fn func(Entry) error) (int, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT id, source, COALESCE(event_id, ''), COALESCE(sent_at, 0), received_at, payload
		 FROM twin_journal
		 WHERE scene_digest = $1 AND kind = 'payload'
		   AND id > COALESCE((SELECT MAX(id) FROM twin_journal WHERE scene_digest = $1 AND kind = 'reset'), 0)
		 ORDER BY id`,
		digest,
	)
	if err != nil {
		return 0, fmt.Errorf("journal query: %w", err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		e := Entry{SceneDigest: digest, Kind: KindPayload}
		if err := rows.Scan(&e.ID, &e.Source, &e.EventID, &e.SentAt, &e.ReceivedAt, &e.Payload); err != nil {
			return n, fmt.Errorf("journal scan: %w", err)
		}
		if err := fn(e); err != nil {
			return n, err
		}
		n++
	}
	return n, rows.Err()
}

// Prune deletes rows for digest that a replay would skip.
func (r *JournalRepo) Prune(ctx context.Context, digest string) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx,
		`DELETE FROM twin_journal
		 WHERE scene_digest = $1
		   AND id < COALESCE((SELECT MAX(id) FROM twin_journal WHERE scene_digest = $1 AND kind = 'reset'), 0)`,
		digest,
	)
	if err != nil {
		return 0, fmt.Errorf("journal prune: %w", err)
	}
	return tag.RowsAffected(), nil
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
