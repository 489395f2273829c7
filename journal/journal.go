// Package journal keeps an SQLite record of every image the detector delivers.
package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/arloliu/go-marccd/logger"
	"github.com/arloliu/go-marccd/ndarray"
)

// schema.sql creates the acquisitions table, one row per delivered image.
//
//go:embed schema.sql
var schemaSQL string

// Record is one journal entry.
type Record struct {
	ID           string
	ImageCounter int
	StartTime    time.Time
	Width        int
	Height       int
	Path         string
	Stats        PixelStats
	CreatedAt    time.Time
}

// Journal stores acquisition records in an SQLite database.
type Journal struct {
	db         *sql.DB
	maxSamples int
	logger     logger.Logger
}

// Option configures a Journal.
type Option func(*Journal)

// WithMaxSamples sets the number of pixels sampled for the statistics.
func WithMaxSamples(n int) Option {
	return func(j *Journal) {
		if n > 0 {
			j.maxSamples = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(j *Journal) {
		if l != nil {
			j.logger = l
		}
	}
}

// Open opens or creates the journal database at path.
func Open(path string, opts ...Option) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: create schema: %w", err)
	}

	j := &Journal{db: db, maxSamples: DefaultMaxSamples, logger: logger.GetLogger()}
	for _, opt := range opts {
		opt(j)
	}
	j.logger.Info("journal opened", "path", path)

	return j, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// HandleArray records arr. It has the signature of a detector array handler,
// failures are logged.
func (j *Journal) HandleArray(arr *ndarray.Array) {
	rec, err := j.Add(context.Background(), arr)
	if err != nil {
		j.logger.Error("failed to record acquisition", "image_counter", arr.UniqueID, "error", err)
		return
	}
	j.logger.Debug("acquisition recorded", "id", rec.ID, "image_counter", rec.ImageCounter,
		"mean", rec.Stats.Mean, "max", rec.Stats.Max)
}

// Add inserts a record describing arr and returns it.
func (j *Journal) Add(ctx context.Context, arr *ndarray.Array) (Record, error) {
	rec := Record{
		ID:           uuid.NewString(),
		ImageCounter: arr.UniqueID,
		StartTime:    arr.Timestamp,
		Width:        arr.Width,
		Height:       arr.Height,
		Path:         arr.Source,
		Stats:        Summarize(arr, j.maxSamples),
		CreatedAt:    time.Now(),
	}

	query := `
		INSERT INTO acquisitions (
			acquisition_id, image_counter, start_time_ns, width, height, file_path,
			pixel_mean, pixel_stddev, pixel_min, pixel_max, created_at_ns
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := j.db.ExecContext(ctx, query,
		rec.ID, rec.ImageCounter, rec.StartTime.UnixNano(), rec.Width, rec.Height, rec.Path,
		rec.Stats.Mean, rec.Stats.StdDev, rec.Stats.Min, rec.Stats.Max, rec.CreatedAt.UnixNano(),
	)
	if err != nil {
		return Record{}, fmt.Errorf("journal: insert acquisition: %w", err)
	}

	return rec, nil
}

// Recent returns up to limit records, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Record, error) {
	query := `
		SELECT acquisition_id, image_counter, start_time_ns, width, height, file_path,
			pixel_mean, pixel_stddev, pixel_min, pixel_max, created_at_ns
		FROM acquisitions
		ORDER BY created_at_ns DESC, image_counter DESC
		LIMIT ?
	`
	rows, err := j.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: query acquisitions: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var startNs, createdNs int64
		err := rows.Scan(&rec.ID, &rec.ImageCounter, &startNs, &rec.Width, &rec.Height, &rec.Path,
			&rec.Stats.Mean, &rec.Stats.StdDev, &rec.Stats.Min, &rec.Stats.Max, &createdNs)
		if err != nil {
			return nil, fmt.Errorf("journal: scan acquisition: %w", err)
		}
		rec.StartTime = time.Unix(0, startNs)
		rec.CreatedAt = time.Unix(0, createdNs)
		records = append(records, rec)
	}

	return records, rows.Err()
}

// Count returns the number of records.
func (j *Journal) Count(ctx context.Context) (int, error) {
	var n int
	if err := j.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM acquisitions").Scan(&n); err != nil {
		return 0, fmt.Errorf("journal: count acquisitions: %w", err)
	}

	return n, nil
}
