package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"fleetbeat/internal/timeline"
	"fleetbeat/pkg/logx"
)

//go:embed migrations.sql
var migrations string

const pruneEvery = 500

type sqliteStore struct {
	db        *sql.DB
	log       logx.Logger
	retention time.Duration

	appends atomic.Uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("node journal opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log, retention: cfg.Retention}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendNode(ctx context.Context, n timeline.Node) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO nodes(id, agent_id, type, status, scheduled_at, executed_at, finished_at, summary, err)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		n.ID, n.AgentID, string(n.Type), string(n.Status), n.ScheduledAt.UnixMilli(),
		nullMillis(n.ExecutedAt), nullMillis(n.FinishedAt), nullStr(string(n.Summary)), nullStr(n.Error),
	)
	if err == nil && s.retention > 0 && s.appends.Add(1)%pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
		if perr := s.prune(pctx, time.Now().Add(-s.retention)); perr != nil {
			s.log.Debug("journal prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) Nodes(ctx context.Context, f Filter) ([]timeline.Node, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	q := `SELECT id, agent_id, type, status, scheduled_at, executed_at, finished_at, summary, err FROM nodes WHERE 1=1`
	var args []any
	if f.AgentID != "" {
		q += ` AND agent_id = ?`
		args = append(args, f.AgentID)
	}
	if !f.Since.IsZero() {
		q += ` AND scheduled_at >= ?`
		args = append(args, f.Since.UnixMilli())
	}
	q += ` ORDER BY scheduled_at DESC, seq DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []timeline.Node
	for rows.Next() {
		var (
			n                  timeline.Node
			typ, status        string
			sched              int64
			executed, finished sql.NullInt64
			summary, errText   sql.NullString
		)
		if err := rows.Scan(&n.ID, &n.AgentID, &typ, &status, &sched, &executed, &finished, &summary, &errText); err != nil {
			return nil, err
		}
		n.Type = timeline.NodeType(typ)
		n.Status = timeline.Status(status)
		n.ScheduledAt = time.UnixMilli(sched).UTC()
		n.ExecutedAt = fromMillis(executed)
		n.FinishedAt = fromMillis(finished)
		if summary.Valid {
			n.Summary = json.RawMessage(summary.String)
		}
		n.Error = errText.String
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *sqliteStore) prune(ctx context.Context, before time.Time) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM nodes WHERE scheduled_at < ?`, before.UnixMilli())
	return err
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
