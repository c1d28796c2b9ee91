package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hurttlocker/adage/internal/sample"
)

// AddSample inserts s and sets s.ID. A blank MLDataSource is stored as NULL.
func (s *queries) AddSample(ctx context.Context, smp *sample.Sample) (int64, error) {
	annotations := smp.Annotations
	if annotations == nil {
		annotations = map[string]string{}
	}
	raw, err := json.Marshal(annotations)
	if err != nil {
		return 0, fmt.Errorf("encoding annotations: %w", err)
	}
	var ds sql.NullString
	if v := strings.TrimSpace(smp.MLDataSource); v != "" {
		ds = sql.NullString{String: v, Valid: true}
	}

	res, err := s.q.ExecContext(ctx,
		"INSERT INTO samples (name, ml_data_source, annotations) VALUES (?, ?, ?)",
		smp.Name, ds, string(raw))
	if err != nil {
		return 0, fmt.Errorf("inserting sample %q: %w", smp.Name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading sample id: %w", err)
	}
	smp.ID = id
	return id, nil
}

// SampleByDataSource returns the sample whose ml_data_source is dataSource,
// or ErrNotFound.
func (s *queries) SampleByDataSource(ctx context.Context, dataSource string) (*sample.Sample, error) {
	row := s.q.QueryRowContext(ctx,
		"SELECT id, name, ml_data_source, annotations FROM samples WHERE ml_data_source = ?", dataSource)
	smp, err := scanSample(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("sample with data source %q: %w", dataSource, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return smp, nil
}

// GetSamples returns the samples with the given ids ordered by id; unknown
// ids are omitted. A nil ids returns every sample.
func (s *SQLiteStore) GetSamples(ctx context.Context, ids []int64) ([]sample.Sample, error) {
	const cols = "SELECT id, name, ml_data_source, annotations FROM samples"
	if ids == nil {
		return s.querySamples(ctx, cols+" ORDER BY id")
	}

	var out []sample.Sample
	for start := 0; start < len(ids); start += s.batchSize {
		end := min(start+s.batchSize, len(ids))
		args := make([]any, 0, end-start)
		for _, id := range ids[start:end] {
			args = append(args, id)
		}
		got, err := s.querySamples(ctx, cols+" WHERE id IN ("+placeholders(len(args))+") ORDER BY id", args...)
		if err != nil {
			return nil, err
		}
		out = append(out, got...)
	}
	return out, nil
}

// FetchSamples implements sample.Source.
func (s *SQLiteStore) FetchSamples(ctx context.Context, ids []int64) ([]sample.Sample, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.GetSamples(ctx, ids)
}

func (s *SQLiteStore) querySamples(ctx context.Context, query string, args ...any) ([]sample.Sample, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying samples: %w", err)
	}
	defer rows.Close()

	var out []sample.Sample
	for rows.Next() {
		smp, err := scanSample(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *smp)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSample(row scanner) (*sample.Sample, error) {
	var smp sample.Sample
	var ds sql.NullString
	var raw string
	if err := row.Scan(&smp.ID, &smp.Name, &ds, &raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scanning sample: %w", err)
	}
	smp.MLDataSource = ds.String
	if raw != "" && raw != "{}" {
		if err := json.Unmarshal([]byte(raw), &smp.Annotations); err != nil {
			return nil, fmt.Errorf("decoding annotations of sample %d: %w", smp.ID, err)
		}
	}
	return &smp, nil
}
