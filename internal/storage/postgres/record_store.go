package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/InvestigativeJournalismFoundation/huon-test/pkg/crawl"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// RecordStore implements store.RecordRepository.
type RecordStore struct {
	db    querier
	table string
}

// NewRecordStore wraps a pool; table defaults to crawl_records.
func NewRecordStore(db querier, table string) (*RecordStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "crawl_records"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &RecordStore{db: db, table: table}, nil
}

// SaveRecord inserts one record. Saving the same record twice is a no-op.
func (s *RecordStore) SaveRecord(ctx context.Context, rec crawl.Record) error {
	if rec.SessionID == "" {
		return fmt.Errorf("record session id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	session_id,
	plugin,
	record_id,
	record_date,
	label,
	url,
	fetched_at,
	content_hash,
	blob_uri
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9
)
ON CONFLICT DO NOTHING`, s.table)

	args := []any{
		rec.SessionID,
		rec.Plugin,
		rec.ID,
		nullableTime(rec.Date),
		string(rec.Label),
		rec.URL,
		rec.FetchedAt,
		nullableString(rec.ContentHash),
		nullableString(rec.BlobURI),
	}
	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert record %q: %w", rec.ID, err)
	}
	return nil
}

// ListRecords returns records for a session in fetch order.
func (s *RecordStore) ListRecords(ctx context.Context, sessionID string, limit, offset int) ([]crawl.Record, error) {
	query := fmt.Sprintf(`
SELECT plugin, record_id, record_date, label, url, fetched_at, content_hash, blob_uri
FROM %s
WHERE session_id = $1
ORDER BY fetched_at, record_id
LIMIT $2 OFFSET $3`, s.table)
	rows, err := s.db.Query(ctx, query, sessionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	records := []crawl.Record{}
	for rows.Next() {
		var (
			rec         crawl.Record
			date        *time.Time
			label       string
			contentHash *string
			blobURI     *string
		)
		if err := rows.Scan(&rec.Plugin, &rec.ID, &date, &label, &rec.URL, &rec.FetchedAt, &contentHash, &blobURI); err != nil {
			return nil, fmt.Errorf("scan record row: %w", err)
		}
		rec.SessionID = sessionID
		rec.Label = crawl.Label(label)
		if date != nil {
			rec.Date = *date
		}
		if contentHash != nil {
			rec.ContentHash = *contentHash
		}
		if blobURI != nil {
			rec.BlobURI = *blobURI
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return records, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
