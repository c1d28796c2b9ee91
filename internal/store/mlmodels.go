package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// GetOrCreateModel returns the model with title, creating it when needed.
// The bool reports whether it was created.
func (s *queries) GetOrCreateModel(ctx context.Context, title string) (*Model, bool, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, false, fmt.Errorf("model title is blank")
	}
	res, err := s.q.ExecContext(ctx, "INSERT OR IGNORE INTO mlmodels (title) VALUES (?)", title)
	if err != nil {
		return nil, false, fmt.Errorf("inserting mlmodel %q: %w", title, err)
	}
	n, _ := res.RowsAffected()

	m := &Model{}
	var created sql.NullString
	err = s.q.QueryRowContext(ctx, "SELECT id, title, created_at FROM mlmodels WHERE title = ?", title).
		Scan(&m.ID, &m.Title, &created)
	if err != nil {
		return nil, false, fmt.Errorf("loading mlmodel %q: %w", title, err)
	}
	m.CreatedAt = parseTime(created)
	return m, n > 0, nil
}

// ListModels returns every model ordered by id.
func (s *SQLiteStore) ListModels(ctx context.Context) ([]Model, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, title, created_at FROM mlmodels ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("listing mlmodels: %w", err)
	}
	defer rows.Close()

	var out []Model
	for rows.Next() {
		var m Model
		var created sql.NullString
		if err := rows.Scan(&m.ID, &m.Title, &created); err != nil {
			return nil, fmt.Errorf("scanning mlmodel: %w", err)
		}
		m.CreatedAt = parseTime(created)
		out = append(out, m)
	}
	return out, rows.Err()
}

// AddSignatures creates one signature per name under model and returns their
// ids in input order.
func (s *queries) AddSignatures(ctx context.Context, model int64, names []string) ([]int64, error) {
	stmt, err := s.q.PrepareContext(ctx, "INSERT INTO signatures (mlmodel_id, name) VALUES (?, ?)")
	if err != nil {
		return nil, fmt.Errorf("preparing signature insert: %w", err)
	}
	defer stmt.Close()

	ids := make([]int64, 0, len(names))
	for _, name := range names {
		res, err := stmt.ExecContext(ctx, model, name)
		if err != nil {
			return nil, fmt.Errorf("inserting signature %q: %w", name, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("reading signature id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// SignatureNamesExist returns the names that already exist under the model
// titled modelTitle, in input order.
func (s *queries) SignatureNamesExist(ctx context.Context, modelTitle string, names []string) ([]string, error) {
	existing := make(map[string]bool)
	for start := 0; start < len(names); start += s.batchSize {
		end := min(start+s.batchSize, len(names))
		chunk := names[start:end]

		args := make([]any, 0, len(chunk)+1)
		args = append(args, modelTitle)
		for _, n := range chunk {
			args = append(args, n)
		}
		query := `SELECT s.name FROM signatures s JOIN mlmodels m ON m.id = s.mlmodel_id
			WHERE m.title = ? AND s.name IN (` + placeholders(len(chunk)) + `)`

		rows, err := s.q.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("checking signature names: %w", err)
		}
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scanning signature name: %w", err)
			}
			existing[name] = true
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}

	var out []string
	for _, n := range names {
		if existing[n] {
			out = append(out, n)
		}
	}
	return out, nil
}

// ListSignatures returns the signatures of model ordered by id.
func (s *queries) ListSignatures(ctx context.Context, model int64) ([]Signature, error) {
	rows, err := s.q.QueryContext(ctx,
		"SELECT id, mlmodel_id, name FROM signatures WHERE mlmodel_id = ? ORDER BY id", model)
	if err != nil {
		return nil, fmt.Errorf("listing signatures: %w", err)
	}
	defer rows.Close()

	var out []Signature
	for rows.Next() {
		var sig Signature
		if err := rows.Scan(&sig.ID, &sig.MLModel, &sig.Name); err != nil {
			return nil, fmt.Errorf("scanning signature: %w", err)
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}

func parseTime(v sql.NullString) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	for _, layout := range []string{"2006-01-02 15:04:05", time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, v.String); err == nil {
			return t
		}
	}
	return time.Time{}
}
