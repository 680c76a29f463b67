// Package index maintains a rebuildable SQLite-backed derived index over
// submitted-prompt history and build-log lines. It is never a source of
// truth — the State Store's JSON snapshot and the per-project log files
// own that — this package only makes the Title Generator's prompt dedupe
// and the build-log pagination endpoint fast.
package index

import (
	"context"
	"database/sql"

	_ "modernc.org/sqlite"

	"agenthub/internal/apierr"
	"agenthub/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS prompts (
	chat_id TEXT NOT NULL,
	seq     INTEGER NOT NULL,
	prompt  TEXT NOT NULL,
	UNIQUE(chat_id, prompt)
);
CREATE INDEX IF NOT EXISTS idx_prompts_chat ON prompts(chat_id, seq);

CREATE TABLE IF NOT EXISTS build_log_lines (
	project_id TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	line       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_build_log_lines_project ON build_log_lines(project_id, seq);
`

// Index wraps a SQLite connection. All reads/writes are safe for
// concurrent use via database/sql's own connection pool; sqlite's write
// serialization handles the rest.
type Index struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite file at path and ensures the
// schema exists.
func Open(path string) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, apierr.Config("opening index db %q: %v", path, err)
	}
	db.SetMaxOpenConns(1) // sqlite: one writer at a time, simplest correct policy
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, apierr.Config("initializing index schema: %v", err)
	}
	return &Index{db: db}, nil
}

func (x *Index) Close() error {
	return x.db.Close()
}

// RecordPrompt appends prompt to chatID's submitted-prompt log (a no-op
// if it is already present, verbatim, for that chat) and returns the
// full deduplicated, insertion-ordered prompt list.
func (x *Index) RecordPrompt(ctx context.Context, chatID, prompt string) ([]string, error) {
	var next int
	row := x.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM prompts WHERE chat_id = ?`, chatID)
	if err := row.Scan(&next); err != nil {
		return nil, apierr.Config("reading prompt sequence: %v", err)
	}
	if _, err := x.db.ExecContext(ctx, `INSERT OR IGNORE INTO prompts(chat_id, seq, prompt) VALUES (?, ?, ?)`, chatID, next, prompt); err != nil {
		return nil, apierr.Config("recording prompt: %v", err)
	}
	return x.Prompts(ctx, chatID)
}

// Prompts returns chatID's deduplicated submitted-prompt history in
// submission order.
func (x *Index) Prompts(ctx context.Context, chatID string) ([]string, error) {
	rows, err := x.db.QueryContext(ctx, `SELECT prompt FROM prompts WHERE chat_id = ? ORDER BY seq ASC`, chatID)
	if err != nil {
		return nil, apierr.Config("reading prompts: %v", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, apierr.Config("scanning prompt row: %v", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// AppendBuildLogLine records one build-log line for projectID, in order.
func (x *Index) AppendBuildLogLine(ctx context.Context, projectID, line string) error {
	var next int
	row := x.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM build_log_lines WHERE project_id = ?`, projectID)
	if err := row.Scan(&next); err != nil {
		return apierr.Config("reading build log sequence: %v", err)
	}
	_, err := x.db.ExecContext(ctx, `INSERT INTO build_log_lines(project_id, seq, line) VALUES (?, ?, ?)`, projectID, next, line)
	if err != nil {
		return apierr.Config("recording build log line: %v", err)
	}
	return nil
}

// BuildLogLines returns a (offset, limit) page of projectID's build-log
// lines in order, plus the total line count for pagination headers.
func (x *Index) BuildLogLines(ctx context.Context, projectID string, offset, limit int) ([]string, int, error) {
	var total int
	if err := x.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM build_log_lines WHERE project_id = ?`, projectID).Scan(&total); err != nil {
		return nil, 0, apierr.Config("counting build log lines: %v", err)
	}

	rows, err := x.db.QueryContext(ctx, `SELECT line FROM build_log_lines WHERE project_id = ? ORDER BY seq ASC LIMIT ? OFFSET ?`, projectID, limit, offset)
	if err != nil {
		return nil, 0, apierr.Config("paging build log lines: %v", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var l string
		if err := rows.Scan(&l); err != nil {
			return nil, 0, apierr.Config("scanning build log row: %v", err)
		}
		out = append(out, l)
	}
	return out, total, rows.Err()
}

// RebuildFromState wipes and repopulates the prompts table from the
// authoritative state snapshot. It is safe to call at any time: the
// index is derived, never authoritative, so losing it is never a
// correctness issue, only a cold cache.
func (x *Index) RebuildFromState(ctx context.Context, st model.State) error {
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return apierr.Config("starting index rebuild: %v", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM prompts`); err != nil {
		return apierr.Config("clearing prompts: %v", err)
	}
	for chatID, c := range st.Chats {
		for seq, p := range DedupeOrdered(c.TitleUserPrompts) {
			if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO prompts(chat_id, seq, prompt) VALUES (?, ?, ?)`, chatID, seq+1, p); err != nil {
				return apierr.Config("seeding prompt for chat %q: %v", chatID, err)
			}
		}
	}
	return tx.Commit()
}

// DedupeOrdered removes repeated exact-match entries, keeping first
// occurrence order. Exported so callers can fall back to it in-process
// if the SQLite index is unavailable.
func DedupeOrdered(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, it := range items {
		if seen[it] {
			continue
		}
		seen[it] = true
		out = append(out, it)
	}
	return out
}
