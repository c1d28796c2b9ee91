// Package ingest imports tab-separated activity spreadsheets into the
// activity store.
//
// An import runs in two passes. The first validates the whole sheet against
// the file format and the database and fails without writing anything. The
// second creates the model and its signatures and inserts one activity value
// per (sample, signature), all in a single transaction.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/hurttlocker/adage/internal/activity"
	"github.com/hurttlocker/adage/internal/sample"
	"github.com/hurttlocker/adage/internal/store"
)

// ErrBlankModel is returned when the model title is empty or whitespace.
var ErrBlankModel = errors.New("ML model name is blank")

// ImportOptions configures an import.
type ImportOptions struct {
	// CreateSamples creates a sample for each unknown data source instead of
	// skipping its line.
	CreateSamples bool
	DryRun        bool
	Logger        *slog.Logger
}

// ImportResult summarizes an import.
type ImportResult struct {
	Model          store.Model   `json:"mlmodel"`
	ModelCreated   bool          `json:"mlmodel_created"`
	SignaturesNew  int           `json:"signatures_new"`
	RowsImported   int           `json:"rows_imported"`
	RowsSkipped    int           `json:"rows_skipped"`
	SamplesCreated int           `json:"samples_created"`
	ActivityNew    int           `json:"activity_new"`
	Warnings       []ImportError `json:"warnings,omitempty"`
	DryRun         bool          `json:"dry_run,omitempty"`
}

// ImportFile opens path and imports it with ImportActivity.
func ImportFile(ctx context.Context, s store.Store, path, modelTitle string, opts ImportOptions) (*ImportResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	res, err := ImportActivity(ctx, s, f, modelTitle, opts)
	if err != nil {
		return res, fmt.Errorf("importing %s: %w", path, err)
	}
	return res, nil
}

// ImportActivity validates sheet data read from r and imports it under the
// model titled modelTitle, creating the model when it does not exist.
func ImportActivity(ctx context.Context, s store.Store, r io.Reader, modelTitle string, opts ImportOptions) (*ImportResult, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(modelTitle) == "" {
		return nil, ErrBlankModel
	}

	sheet, err := ParseSheet(r)
	if err != nil {
		return nil, fmt.Errorf("invalid activity sheet: %w", err)
	}
	if err := checkSignatureNames(ctx, s, strings.TrimSpace(modelTitle), sheet.Signatures); err != nil {
		return nil, fmt.Errorf("invalid activity sheet: %w", err)
	}

	res := &ImportResult{DryRun: opts.DryRun}
	for _, row := range sheet.Rows {
		_, err := s.SampleByDataSource(ctx, row.DataSource)
		if errors.Is(err, store.ErrNotFound) {
			if opts.CreateSamples {
				continue
			}
			w := ImportError{Line: row.Line, Message: fmt.Sprintf("data source value not found in database: %s", row.DataSource)}
			logger.Warn("unknown data source, line will be skipped", "line", row.Line, "data_source", row.DataSource)
			res.Warnings = append(res.Warnings, w)
			continue
		}
		if err != nil {
			return nil, err
		}
	}
	if opts.DryRun {
		return res, nil
	}

	err = s.RunInTransaction(ctx, func(tx store.Tx) error {
		model, created, err := tx.GetOrCreateModel(ctx, modelTitle)
		if err != nil {
			return err
		}
		res.Model, res.ModelCreated = *model, created

		sigIDs, err := tx.AddSignatures(ctx, model.ID, sheet.Signatures)
		if err != nil {
			return err
		}
		res.SignaturesNew = len(sigIDs)

		for _, row := range sheet.Rows {
			smp, err := tx.SampleByDataSource(ctx, row.DataSource)
			if errors.Is(err, store.ErrNotFound) {
				if !opts.CreateSamples {
					res.RowsSkipped++
					continue
				}
				smp = &sample.Sample{Name: row.DataSource, MLDataSource: row.DataSource}
				if _, err := tx.AddSample(ctx, smp); err != nil {
					return err
				}
				res.SamplesCreated++
			} else if err != nil {
				return err
			}

			records := make([]activity.Record, len(row.Values))
			for i, v := range row.Values {
				records[i] = activity.Record{Sample: smp.ID, Signature: sigIDs[i], Value: v}
			}
			if err := tx.AddActivityBatch(ctx, records); err != nil {
				return fmt.Errorf("line #%d: %w", row.Line, err)
			}
			res.RowsImported++
			res.ActivityNew += len(records)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info("activity import finished",
		"mlmodel", res.Model.Title, "signatures", res.SignaturesNew,
		"rows", res.RowsImported, "skipped", res.RowsSkipped, "samples_created", res.SamplesCreated)
	return res, nil
}

func checkSignatureNames(ctx context.Context, s store.Store, modelTitle string, names []string) error {
	existing, err := s.SignatureNamesExist(ctx, modelTitle, names)
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		return nil
	}
	for i, n := range names {
		if n == existing[0] {
			return &ImportError{Line: 1, Column: i + 2, Message: fmt.Sprintf("signature name already exists for this model: %s", n)}
		}
	}
	return nil
}
