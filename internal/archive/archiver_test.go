package archive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-remediator/internal/models"
	"github.com/miradorstack/mirador-remediator/internal/store"
	"github.com/miradorstack/mirador-remediator/internal/utils"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newStore(t *testing.T, c *clock) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), store.Config{Driver: store.DriverSQLite, DSN: ":memory:"},
		store.WithClock(c.Now), store.WithLogger(utils.Discard()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func resolveIssue(t *testing.T, s *store.Store, c *clock, class string) models.Issue {
	t.Helper()
	ctx := context.Background()
	issue, _, err := s.ReportIssue(ctx, class, "disk full")
	require.NoError(t, err)
	runID := fmt.Sprintf("run-%s", class)
	require.NoError(t, s.BeginRun(ctx, models.AgentRun{
		ID: runID, IssueID: issue.ID, Agent: "a", StartedAt: c.Now(), Deadline: c.Now().Add(time.Minute),
	}))
	require.NoError(t, s.CompleteRun(ctx, models.AgentRun{ID: runID, Verdict: models.VerdictFixApplied, Confidence: 0.9}))
	issue, err = s.UpdateStatus(ctx, issue.ID, models.IssueResolved, models.StatusUpdate{})
	require.NoError(t, err)
	return issue
}

func TestArchiverExportsThenDeletes(t *testing.T) {
	c := &clock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := newStore(t, c)
	ctx := context.Background()

	first := resolveIssue(t, s, c, "svc-a")
	second := resolveIssue(t, s, c, "svc-b")
	c.now = c.now.Add(40 * 24 * time.Hour)
	fresh := resolveIssue(t, s, c, "svc-c")
	open, _, err := s.ReportIssue(ctx, "svc-d", "still broken")
	require.NoError(t, err)

	dir := t.TempDir()
	sink, err := NewFileSink(dir)
	require.NoError(t, err)
	a, err := NewArchiver(s, sink, Config{Retention: 30 * 24 * time.Hour}, utils.Discard())
	require.NoError(t, err)
	a.WithClock(c.Now)

	res, err := a.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Archived)
	assert.Equal(t, 2, res.Deleted)
	require.Len(t, res.Keys, 1)
	assert.Equal(t, fmt.Sprintf("issues/2025/04/10/%d-%d.jsonl", first.ID, second.ID), res.Keys[0])

	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(res.Keys[0])))
	require.NoError(t, err)
	var ids []int64
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		var rec models.IssueRecord
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		assert.Len(t, rec.Runs, 1)
		assert.NotEmpty(t, rec.Audit)
		ids = append(ids, rec.Issue.ID)
	}
	assert.Equal(t, []int64{first.ID, second.ID}, ids)

	_, err = s.GetIssue(ctx, first.ID)
	require.ErrorIs(t, err, models.ErrNotFound)
	_, err = s.GetIssue(ctx, fresh.ID)
	require.NoError(t, err)
	_, err = s.GetIssue(ctx, open.ID)
	require.NoError(t, err)
}

func TestArchiverBatches(t *testing.T) {
	c := &clock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := newStore(t, c)
	for _, class := range []string{"a", "b", "c", "d", "e"} {
		resolveIssue(t, s, c, class)
	}
	c.now = c.now.Add(48 * time.Hour)

	sink, err := NewFileSink(t.TempDir())
	require.NoError(t, err)
	a, err := NewArchiver(s, sink, Config{Retention: 24 * time.Hour, BatchSize: 2}, utils.Discard())
	require.NoError(t, err)
	a.WithClock(c.Now)

	res, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, res.Archived)
	assert.Len(t, res.Keys, 3)
}

type failingSink struct{}

func (failingSink) Name() string { return "failing" }
func (failingSink) Put(context.Context, string, []byte) error {
	return errors.New("bucket unavailable")
}

func TestArchiverKeepsIssuesWhenUploadFails(t *testing.T) {
	c := &clock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := newStore(t, c)
	issue := resolveIssue(t, s, c, "svc-a")
	c.now = c.now.Add(48 * time.Hour)

	a, err := NewArchiver(s, failingSink{}, Config{Retention: time.Hour}, utils.Discard())
	require.NoError(t, err)
	a.WithClock(c.Now)

	_, err = a.Run(context.Background())
	require.ErrorContains(t, err, "bucket unavailable")
	_, err = s.GetIssue(context.Background(), issue.ID)
	require.NoError(t, err)
}

func TestFileSinkRejectsEscapingKeys(t *testing.T) {
	sink, err := NewFileSink(t.TempDir())
	require.NoError(t, err)
	require.Error(t, sink.Put(context.Background(), "../outside.jsonl", []byte("{}")))
}

func TestNewSink(t *testing.T) {
	_, err := NewSink(context.Background(), SinkConfig{Type: "ftp"})
	require.Error(t, err)
	_, err = NewSink(context.Background(), SinkConfig{Type: SinkS3})
	require.ErrorContains(t, err, "bucket")

	sink, err := NewSink(context.Background(), SinkConfig{Dir: t.TempDir()})
	require.NoError(t, err)
	assert.Contains(t, sink.Name(), "file:")
}
