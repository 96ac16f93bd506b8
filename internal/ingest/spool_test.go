package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-remediator/internal/models"
	"github.com/miradorstack/mirador-remediator/internal/utils"
)

type recordingReporter struct {
	mu      sync.Mutex
	reports []string
	fail    error
}

func (r *recordingReporter) ReportIssue(_ context.Context, class, description string) (models.Issue, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return models.Issue{}, false, r.fail
	}
	r.reports = append(r.reports, class+"|"+description)
	return models.Issue{ID: int64(len(r.reports)), Class: class}, true, nil
}

func (r *recordingReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reports)
}

func writeSpool(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func TestScanIngestsAndRejects(t *testing.T) {
	dir := t.TempDir()
	rep := &recordingReporter{}
	spool, err := NewSpool(Config{Dir: dir}, rep, utils.Discard())
	require.NoError(t, err)

	writeSpool(t, dir, "001.json", `{"class":"svc-x-exec-fail","description":"unit exited 1"}`)
	writeSpool(t, dir, "002.json", `{"class":"","description":"empty class"}`)
	writeSpool(t, dir, "003.json", `not json`)
	writeSpool(t, dir, "004.json", `{"class":"dns","description":"x","extra":true}`)
	writeSpool(t, dir, ".005.json", `{"class":"hidden","description":"in progress"}`)
	writeSpool(t, dir, "notes.txt", `ignored`)

	ingested, rejected, err := spool.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, ingested)
	assert.Equal(t, 3, rejected)
	assert.Equal(t, []string{"svc-x-exec-fail|unit exited 1"}, rep.reports)

	assert.NoFileExists(t, filepath.Join(dir, "001.json"))
	for _, name := range []string{"002.json", "003.json", "004.json"} {
		assert.FileExists(t, filepath.Join(dir, RejectedDir, name))
	}
	assert.FileExists(t, filepath.Join(dir, ".005.json"))
	assert.FileExists(t, filepath.Join(dir, "notes.txt"))
}

func TestScanKeepsFileWhenReportFails(t *testing.T) {
	dir := t.TempDir()
	rep := &recordingReporter{fail: errors.New("database is locked")}
	spool, err := NewSpool(Config{Dir: dir}, rep, utils.Discard())
	require.NoError(t, err)
	writeSpool(t, dir, "a.json", `{"class":"disk","description":"full"}`)

	ingested, _, err := spool.Scan(context.Background())
	require.Error(t, err)
	assert.Zero(t, ingested)
	assert.FileExists(t, filepath.Join(dir, "a.json"))

	rep.fail = nil
	ingested, _, err = spool.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, ingested)
}

func TestRunPicksUpNewFiles(t *testing.T) {
	dir := t.TempDir()
	rep := &recordingReporter{}
	spool, err := NewSpool(Config{Dir: dir, Debounce: 10 * time.Millisecond}, rep, utils.Discard())
	require.NoError(t, err)
	writeSpool(t, dir, "early.json", `{"class":"early","description":"before start"}`)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- spool.Run(ctx) }()

	require.Eventually(t, func() bool { return rep.count() == 1 }, 5*time.Second, 10*time.Millisecond)

	writeSpool(t, dir, "late.json", `{"class":"late","description":"after start"}`)
	require.Eventually(t, func() bool { return rep.count() == 2 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestNewSpoolRequiresDir(t *testing.T) {
	_, err := NewSpool(Config{}, &recordingReporter{}, nil)
	require.Error(t, err)
}
