package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/miradorstack/mirador-remediator/internal/metrics"
	"github.com/miradorstack/mirador-remediator/internal/models"
)

// Store is the subset of the issue store the archiver needs.
type Store interface {
	ArchiveCandidates(ctx context.Context, cutoff time.Time, limit int) ([]models.IssueRecord, error)
	DeleteIssues(ctx context.Context, ids []int64) (int, error)
}

// Config controls the retention pass.
type Config struct {
	// Retention is how long a resolved issue stays in the live store.
	Retention time.Duration
	BatchSize int
	// MaxBatches bounds one pass; zero means drain everything eligible.
	MaxBatches int
}

// Result summarizes one pass.
type Result struct {
	Archived int      `json:"archived"`
	Deleted  int      `json:"deleted"`
	Keys     []string `json:"keys,omitempty"`
}

// Archiver exports resolved issues to a sink and then removes them from the store.
type Archiver struct {
	store  Store
	sink   Sink
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

// NewArchiver applies defaults of 30 days retention and 100 issues per batch.
func NewArchiver(store Store, sink Sink, cfg Config, logger *slog.Logger) (*Archiver, error) {
	if store == nil || sink == nil {
		return nil, fmt.Errorf("archiver requires a store and a sink")
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * 24 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{store: store, sink: sink, cfg: cfg, now: time.Now, logger: logger}, nil
}

// WithClock replaces the time source.
func (a *Archiver) WithClock(now func() time.Time) *Archiver {
	a.now = now
	return a
}

// Run archives every resolved issue older than the retention window. A batch is
// deleted only after the sink accepted it, so a failed upload leaves the store untouched.
func (a *Archiver) Run(ctx context.Context) (Result, error) {
	var res Result
	cutoff := a.now().Add(-a.cfg.Retention)

	for batch := 0; a.cfg.MaxBatches == 0 || batch < a.cfg.MaxBatches; batch++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		records, err := a.store.ArchiveCandidates(ctx, cutoff, a.cfg.BatchSize)
		if err != nil {
			return res, err
		}
		if len(records) == 0 {
			break
		}

		data, ids, err := encode(records)
		if err != nil {
			return res, err
		}
		key := batchKey(a.now(), records)
		if err := a.sink.Put(ctx, key, data); err != nil {
			metrics.ObserveArchive("failed", 0)
			return res, fmt.Errorf("archive batch %s to %s: %w", key, a.sink.Name(), err)
		}
		res.Archived += len(records)
		res.Keys = append(res.Keys, key)

		deleted, err := a.store.DeleteIssues(ctx, ids)
		if err != nil {
			return res, fmt.Errorf("purge archived batch %s: %w", key, err)
		}
		res.Deleted += deleted
		metrics.ObserveArchive("archived", len(records))
		a.logger.Info("archived resolved issues",
			"sink", a.sink.Name(), "key", key, "issues", len(records), "deleted", deleted)

		if len(records) < a.cfg.BatchSize {
			break
		}
	}
	return res, nil
}

// RunEvery repeats Run on interval until ctx is cancelled.
func (a *Archiver) RunEvery(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := a.Run(ctx); err != nil && ctx.Err() == nil {
			a.logger.Error("archive pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func encode(records []models.IssueRecord) ([]byte, []int64, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	ids := make([]int64, 0, len(records))
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, nil, fmt.Errorf("encode issue %d: %w", rec.Issue.ID, err)
		}
		ids = append(ids, rec.Issue.ID)
	}
	return buf.Bytes(), ids, nil
}

// batchKey is issues/YYYY/MM/DD/<first>-<last>.jsonl, partitioned by archive date.
func batchKey(at time.Time, records []models.IssueRecord) string {
	at = at.UTC()
	return fmt.Sprintf("issues/%04d/%02d/%02d/%d-%d.jsonl",
		at.Year(), int(at.Month()), at.Day(),
		records[0].Issue.ID, records[len(records)-1].Issue.ID)
}
