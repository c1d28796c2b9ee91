package store

import (
	"context"
	"fmt"
	"slices"

	"github.com/hurttlocker/adage/internal/activity"
)

// AddActivityBatch inserts records. A (sample, signature) pair can only be
// stored once.
func (s *queries) AddActivityBatch(ctx context.Context, records []activity.Record) error {
	if len(records) == 0 {
		return nil
	}
	stmt, err := s.q.PrepareContext(ctx,
		"INSERT INTO activity (sample_id, signature_id, value) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("preparing activity insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, r.Sample, r.Signature, r.Value); err != nil {
			return fmt.Errorf("inserting activity sample=%d signature=%d: %w", r.Sample, r.Signature, err)
		}
	}
	return nil
}

// FetchActivity implements activity.Source: the activity of one sample under
// model, ordered by signature.
func (s *SQLiteStore) FetchActivity(ctx context.Context, model, sampleID int64) ([]activity.Record, error) {
	return s.ListActivity(ctx, model, []int64{sampleID})
}

// ListActivity returns the activity of samples under model, ordered by sample
// and then signature. A nil samples lists the whole model. Long sample lists
// are queried in batches of batchSize ids.
func (s *SQLiteStore) ListActivity(ctx context.Context, model int64, samples []int64) ([]activity.Record, error) {
	const base = `SELECT a.sample_id, a.signature_id, a.value
		FROM activity a JOIN signatures g ON g.id = a.signature_id
		WHERE g.mlmodel_id = ?`
	const order = " ORDER BY a.sample_id, a.signature_id"
	if samples == nil {
		return s.queryActivity(ctx, base+order, model)
	}

	// Batches in ascending id order keep the concatenated result ordered.
	ids := slices.Clone(samples)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	var out []activity.Record
	for start := 0; start < len(ids); start += s.batchSize {
		end := min(start+s.batchSize, len(ids))
		args := make([]any, 0, end-start+1)
		args = append(args, model)
		for _, id := range ids[start:end] {
			args = append(args, id)
		}
		query := base + " AND a.sample_id IN (" + placeholders(end-start) + ")" + order
		got, err := s.queryActivity(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		out = append(out, got...)
	}
	return out, nil
}

func (s *SQLiteStore) queryActivity(ctx context.Context, query string, args ...any) ([]activity.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying activity: %w", err)
	}
	defer rows.Close()

	var out []activity.Record
	for rows.Next() {
		var r activity.Record
		if err := rows.Scan(&r.Sample, &r.Signature, &r.Value); err != nil {
			return nil, fmt.Errorf("scanning activity: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
