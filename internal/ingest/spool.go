// Package ingest accepts issue reports dropped as JSON files into a spool directory.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/time/rate"

	"github.com/miradorstack/mirador-remediator/internal/metrics"
	"github.com/miradorstack/mirador-remediator/internal/models"
)

// RejectedDir is the spool subdirectory that receives files that fail validation.
const RejectedDir = "rejected"

const maxSpoolFile = 64 << 10

const reportSchemaURL = "https://schemas.mirador.local/remediator/issue-report.schema.json"

const reportSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["class", "description"],
	"additionalProperties": false,
	"properties": {
		"class": {"type": "string", "minLength": 1, "maxLength": 200, "pattern": "^[A-Za-z0-9][A-Za-z0-9._:/-]*$"},
		"description": {"type": "string", "maxLength": 8192}
	}
}`

// Reporter is the single injection point for issues.
type Reporter interface {
	ReportIssue(ctx context.Context, class, description string) (models.Issue, bool, error)
}

// Config controls the spool watcher.
type Config struct {
	Dir string
	// Debounce coalesces bursts of file events into one scan.
	Debounce time.Duration
	// Rescan is the fallback scan period for events the watcher missed.
	Rescan time.Duration
	// RatePerSecond and Burst bound how fast files are turned into reports.
	RatePerSecond float64
	Burst         int
}

// Spool turns spool files into issue reports.
type Spool struct {
	cfg      Config
	reporter Reporter
	schema   *jsonschema.Schema
	limiter  *rate.Limiter
	logger   *slog.Logger

	scanMu sync.Mutex
}

// NewSpool prepares the spool directory and its rejected/ subdirectory.
func NewSpool(cfg Config, reporter Reporter, logger *slog.Logger) (*Spool, error) {
	if cfg.Dir == "" {
		return nil, errors.New("spool dir is required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	if cfg.Rescan <= 0 {
		cfg.Rescan = time.Minute
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 20
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 50
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Join(cfg.Dir, RejectedDir), 0o750); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(reportSchemaURL, strings.NewReader(reportSchema)); err != nil {
		return nil, fmt.Errorf("spool schema load failed: %w", err)
	}
	schema, err := c.Compile(reportSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("spool schema compile failed: %w", err)
	}

	return &Spool{
		cfg:      cfg,
		reporter: reporter,
		schema:   schema,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		logger:   logger,
	}, nil
}

// Run scans once, then watches the directory until ctx is done.
func (s *Spool) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(s.cfg.Dir); err != nil {
		return fmt.Errorf("watch %s: %w", s.cfg.Dir, err)
	}
	s.logger.Info("spool watching", slog.String("dir", s.cfg.Dir))

	s.scanLogged(ctx)

	rescan := time.NewTicker(s.cfg.Rescan)
	defer rescan.Stop()
	var debounce <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if (event.Has(fsnotify.Create) || event.Has(fsnotify.Write)) && spoolFile(event.Name) {
				debounce = time.After(s.cfg.Debounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("spool watcher error", slog.Any("error", err))
		case <-debounce:
			debounce = nil
			s.scanLogged(ctx)
		case <-rescan.C:
			s.scanLogged(ctx)
		}
	}
}

func (s *Spool) scanLogged(ctx context.Context) {
	ingested, rejected, err := s.Scan(ctx)
	if err != nil && ctx.Err() == nil {
		s.logger.Warn("spool scan failed", slog.Any("error", err))
	}
	if ingested > 0 || rejected > 0 {
		s.logger.Info("spool scan", slog.Int("ingested", ingested), slog.Int("rejected", rejected))
	}
}

// Scan ingests every pending file in name order. Valid files are reported and
// removed; invalid ones move to rejected/. A file whose report fails stays for
// the next scan.
func (s *Spool) Scan(ctx context.Context) (ingested, rejected int, err error) {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()

	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return 0, 0, fmt.Errorf("read spool dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() && spoolFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		if err := s.limiter.Wait(ctx); err != nil {
			return ingested, rejected, err
		}
		path := filepath.Join(s.cfg.Dir, name)
		class, description, verr := s.decode(path)
		if verr != nil {
			s.reject(path, verr)
			rejected++
			continue
		}
		issue, created, err := s.reporter.ReportIssue(ctx, class, description)
		if err != nil {
			errs = append(errs, fmt.Errorf("report %s: %w", name, err))
			continue
		}
		metrics.ObserveReport(created)
		if err := os.Remove(path); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", name, err))
		}
		s.logger.Debug("spool file ingested",
			slog.String("file", name),
			slog.Int64("issue_id", issue.ID),
			slog.Bool("created", created))
		ingested++
	}
	return ingested, rejected, errors.Join(errs...)
}

func (s *Spool) decode(path string) (string, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", "", err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", "", err
	}
	if info.Size() > maxSpoolFile {
		return "", "", fmt.Errorf("file exceeds %d bytes", maxSpoolFile)
	}

	var doc any
	if err := json.NewDecoder(f).Decode(&doc); err != nil {
		return "", "", fmt.Errorf("invalid json: %w", err)
	}
	if err := s.schema.Validate(doc); err != nil {
		return "", "", err
	}
	m := doc.(map[string]any)
	class, _ := m["class"].(string)
	description, _ := m["description"].(string)
	return class, description, nil
}

func (s *Spool) reject(path string, cause error) {
	dest := filepath.Join(s.cfg.Dir, RejectedDir, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		s.logger.Error("spool file could not be rejected", slog.String("file", path), slog.Any("error", err))
		return
	}
	s.logger.Warn("spool file rejected", slog.String("file", filepath.Base(path)), slog.Any("reason", cause))
}

// spoolFile skips hidden and partially written files.
func spoolFile(name string) bool {
	base := filepath.Base(name)
	return strings.HasSuffix(base, ".json") && !strings.HasPrefix(base, ".")
}
