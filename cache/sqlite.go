package cache

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	_ "modernc.org/sqlite" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS tool_results (
	conversation_id  TEXT NOT NULL,
	tool_name        TEXT NOT NULL,
	normalized_input TEXT NOT NULL,
	output           TEXT NOT NULL,
	embedding        BLOB,
	metadata         TEXT NOT NULL DEFAULT '{}',
	created_at       DATETIME NOT NULL,
	PRIMARY KEY (conversation_id, tool_name, normalized_input)
);
`

// SQLiteStore persists cache entries in SQLite with the embedding stored as
// a little-endian float32 BLOB.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore ensures the tool_results table exists on db.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("tool_results table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Put(ctx context.Context, e Entry) error {
	var embBlob []byte
	if len(e.Embedding) > 0 {
		embBlob = float32SliceToBytes(e.Embedding)
	}
	meta, _ := json.Marshal(e.Metadata)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_results (conversation_id, tool_name, normalized_input, output, embedding, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (conversation_id, tool_name, normalized_input) DO UPDATE SET
			output = excluded.output, embedding = excluded.embedding,
			metadata = excluded.metadata, created_at = excluded.created_at`,
		e.ConversationID, e.ToolName, e.NormalizedInput, string(e.Output), embBlob, string(meta), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, conversationID, toolName, normalizedInput string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT conversation_id, tool_name, normalized_input, output, embedding, metadata, created_at
		FROM tool_results WHERE conversation_id = ? AND tool_name = ? AND normalized_input = ?`,
		conversationID, toolName, normalizedInput,
	)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache get: %w", err)
	}
	return &e, nil
}

func (s *SQLiteStore) List(ctx context.Context, conversationID, toolName string) ([]Entry, error) {
	q := `SELECT conversation_id, tool_name, normalized_input, output, embedding, metadata, created_at
		FROM tool_results WHERE conversation_id = ?`
	args := []any{conversationID}
	if toolName != "" {
		q += ` AND tool_name = ?`
		args = append(args, toolName)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("cache list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("cache list scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteConversation(ctx context.Context, conversationID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tool_results WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return 0, fmt.Errorf("cache clear: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (Entry, error) {
	var e Entry
	var output, meta string
	var embBlob []byte
	err := s.Scan(&e.ConversationID, &e.ToolName, &e.NormalizedInput, &output, &embBlob, &meta, &e.CreatedAt)
	if err != nil {
		return e, err
	}
	e.Output = json.RawMessage(output)
	if len(embBlob) > 0 {
		e.Embedding = bytesToFloat32Slice(embBlob)
	}
	_ = json.Unmarshal([]byte(meta), &e.Metadata)
	return e, nil
}

// float32SliceToBytes converts a []float32 to a little-endian byte slice.
func float32SliceToBytes(f []float32) []byte {
	b := make([]byte, len(f)*4)
	for i, v := range f {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
	}
	return b
}

// bytesToFloat32Slice converts a little-endian byte slice back to []float32.
func bytesToFloat32Slice(b []byte) []float32 {
	if len(b)%4 != 0 {
		return nil
	}
	f := make([]float32, len(b)/4)
	for i := range f {
		f[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return f
}
