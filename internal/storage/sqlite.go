package storage

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	apperrors "github.com/wtthornton/tappmcp/internal/errors"
	"github.com/wtthornton/tappmcp/internal/trace"
)

// SQLiteConfig holds configuration for the SQLite trace store.
type SQLiteConfig struct {
	DBPath          string
	WriteBufferSize int           // traces to buffer before a batch write
	FlushInterval   time.Duration // max time between flushes
	RetentionDays   int
}

// DefaultSQLiteConfig returns sensible defaults for trace storage.
func DefaultSQLiteConfig(dbPath string) SQLiteConfig {
	return SQLiteConfig{
		DBPath:          dbPath,
		WriteBufferSize: 50,
		FlushInterval:   5 * time.Second,
		RetentionDays:   30,
	}
}

// SQLiteStore persists traces in a local SQLite database. SQLite works best
// with a single writer, so writes are buffered and flushed in batches by a
// background worker.
type SQLiteStore struct {
	db     *sql.DB
	config SQLiteConfig

	bufferMu sync.Mutex
	buffer   []*trace.Trace

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewSQLiteStore opens (or creates) the trace database.
func NewSQLiteStore(config SQLiteConfig) (*SQLiteStore, error) {
	if config.WriteBufferSize <= 0 {
		config.WriteBufferSize = 50
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 5 * time.Second
	}
	if config.RetentionDays <= 0 {
		config.RetentionDays = 30
	}

	dir := filepath.Dir(config.DBPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}

	db, err := sql.Open("sqlite", config.DBPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open trace database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &SQLiteStore{
		db:     db,
		config: config,
		buffer: make([]*trace.Trace, 0, config.WriteBufferSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize trace schema: %w", err)
	}

	go store.backgroundWorker()

	log.Info().
		Str("path", config.DBPath).
		Int("retentionDays", config.RetentionDays).
		Msg("Trace store initialized")
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS traces (
			id TEXT PRIMARY KEY,
			root_label TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			duration_ms REAL NOT NULL,
			success INTEGER NOT NULL,
			body TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_traces_time ON traces(started_at);
		CREATE INDEX IF NOT EXISTS idx_traces_tool_time ON traces(root_label, started_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Put buffers the trace for the next batch write.
func (s *SQLiteStore) Put(ctx context.Context, t *trace.Trace) error {
	if t == nil || t.Root() == nil {
		return apperrors.WrapStorage("put_trace", fmt.Errorf("trace has no root"))
	}

	s.bufferMu.Lock()
	s.buffer = append(s.buffer, t)
	flush := len(s.buffer) >= s.config.WriteBufferSize
	s.bufferMu.Unlock()

	if flush {
		s.Flush()
	}
	return nil
}

// Flush writes any buffered traces to the database.
func (s *SQLiteStore) Flush() {
	s.bufferMu.Lock()
	if len(s.buffer) == 0 {
		s.bufferMu.Unlock()
		return
	}
	toWrite := make([]*trace.Trace, len(s.buffer))
	copy(toWrite, s.buffer)
	s.buffer = s.buffer[:0]
	s.bufferMu.Unlock()

	s.writeBatch(toWrite)
}

func (s *SQLiteStore) writeBatch(traces []*trace.Trace) {
	tx, err := s.db.Begin()
	if err != nil {
		log.Error().Err(err).Msg("Failed to begin trace write transaction")
		return
	}

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO traces (id, root_label, started_at, duration_ms, success, body)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		log.Error().Err(err).Msg("Failed to prepare trace insert")
		return
	}
	defer stmt.Close()

	for _, t := range traces {
		root := t.Root()
		body, err := json.Marshal(t)
		if err != nil {
			log.Warn().Err(err).Str("trace", t.ID).Msg("Failed to encode trace")
			continue
		}
		success := 0
		if root.Success {
			success = 1
		}
		if _, err := stmt.Exec(t.ID, root.Label, root.Start.UnixMilli(), root.DurationMs, success, string(body)); err != nil {
			log.Warn().Err(err).Str("trace", t.ID).Msg("Failed to insert trace")
		}
	}

	if err := tx.Commit(); err != nil {
		log.Error().Err(err).Msg("Failed to commit trace batch")
		return
	}
	log.Debug().Int("count", len(traces)).Msg("Wrote trace batch")
}

// Query returns traces matching the filter, ordered by start time.
func (s *SQLiteStore) Query(ctx context.Context, filter Filter) ([]*trace.Trace, error) {
	query, args := buildQuery(filter)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.WrapStorage("query_traces", err)
	}
	defer rows.Close()

	var out []*trace.Trace
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			log.Warn().Err(err).Msg("Failed to scan trace row")
			continue
		}
		t, err := trace.Parse([]byte(body))
		if err != nil {
			log.Warn().Err(err).Msg("Failed to decode stored trace")
			continue
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func buildQuery(filter Filter) (string, []any) {
	var conditions []string
	var args []any

	if !filter.From.IsZero() {
		conditions = append(conditions, "started_at >= ?")
		args = append(args, filter.From.UnixMilli())
	}
	if !filter.To.IsZero() {
		conditions = append(conditions, "started_at <= ?")
		args = append(args, filter.To.UnixMilli())
	}
	if len(filter.Tools) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(filter.Tools)), ",")
		conditions = append(conditions, "root_label IN ("+placeholders+")")
		for _, tool := range filter.Tools {
			args = append(args, tool)
		}
	}
	if filter.Success != nil {
		conditions = append(conditions, "success = ?")
		if *filter.Success {
			args = append(args, 1)
		} else {
			args = append(args, 0)
		}
	}

	query := "SELECT body FROM traces"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY started_at ASC"
	if filter.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(filter.Limit)
	}
	return query, args
}

// Export streams matching traces in the requested format. JSON export is
// canonical: traces are re-marshaled from typed structs so the byte form is
// stable across export/import/export cycles.
func (s *SQLiteStore) Export(ctx context.Context, format Format, filter Filter) (io.Reader, error) {
	traces, err := s.Query(ctx, filter)
	if err != nil {
		return nil, err
	}

	switch format {
	case FormatJSON:
		if traces == nil {
			traces = []*trace.Trace{}
		}
		data, err := json.Marshal(traces)
		if err != nil {
			return nil, apperrors.WrapStorage("export_traces", err)
		}
		return bytes.NewReader(data), nil
	case FormatCSV:
		var buf bytes.Buffer
		writer := csv.NewWriter(&buf)
		_ = writer.Write([]string{"id", "tool", "startedAt", "durationMs", "success", "nodes", "truncated"})
		for _, t := range traces {
			root := t.Root()
			_ = writer.Write([]string{
				t.ID,
				root.Label,
				root.Start.UTC().Format(time.RFC3339Nano),
				strconv.FormatFloat(root.DurationMs, 'f', -1, 64),
				strconv.FormatBool(root.Success),
				strconv.Itoa(len(t.Nodes)),
				strconv.FormatBool(t.Truncated),
			})
		}
		writer.Flush()
		if err := writer.Error(); err != nil {
			return nil, apperrors.WrapStorage("export_traces", err)
		}
		return &buf, nil
	default:
		return nil, fmt.Errorf("unsupported export format %q", format)
	}
}

// Prune deletes traces older than the cutoff and returns the count.
func (s *SQLiteStore) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM traces WHERE started_at < ?`, olderThan.UnixMilli())
	if err != nil {
		return 0, apperrors.WrapStorage("prune_traces", err)
	}
	deleted, _ := result.RowsAffected()
	if deleted > 0 {
		log.Info().Int64("deleted", deleted).Time("olderThan", olderThan).Msg("Pruned traces")
	}
	return deleted, nil
}

func (s *SQLiteStore) backgroundWorker() {
	defer close(s.doneCh)

	flushTicker := time.NewTicker(s.config.FlushInterval)
	retentionTicker := time.NewTicker(1 * time.Hour)
	defer flushTicker.Stop()
	defer retentionTicker.Stop()

	for {
		select {
		case <-s.stopCh:
			s.Flush()
			return
		case <-flushTicker.C:
			s.Flush()
		case <-retentionTicker.C:
			cutoff := time.Now().AddDate(0, 0, -s.config.RetentionDays)
			if _, err := s.Prune(context.Background(), cutoff); err != nil {
				log.Warn().Err(err).Msg("Retention prune failed")
			}
		}
	}
}

// Close flushes and shuts down the store.
func (s *SQLiteStore) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })

	select {
	case <-s.doneCh:
	case <-time.After(5 * time.Second):
		log.Warn().Msg("Trace store shutdown timed out")
	}
	return s.db.Close()
}
