package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/miradorstack/mirador-remediator/internal/models"
	"github.com/miradorstack/mirador-remediator/internal/utils"
)

type statsFunc func(ctx context.Context) (models.Stats, error)

func (f statsFunc) Stats(ctx context.Context) (models.Stats, error) { return f(ctx) }

func TestHTTPStatsAndHealth(t *testing.T) {
	stats := statsFunc(func(context.Context) (models.Stats, error) {
		return models.Stats{OpenIssues: 2, ActiveDispatches: 1, OpenEscalations: 1, SuppressedClasses: []string{"svc-a"}}, nil
	})
	h := NewHTTPHandler(prometheus.NewRegistry(), stats, func(context.Context) error { return nil }, utils.Discard())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	var got models.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.OpenIssues != 2 || got.ActiveDispatches != 1 || got.OpenEscalations != 1 || len(got.SuppressedClasses) != 1 {
		t.Fatalf("unexpected stats: %+v", got)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected health status: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected metrics status: %d", rec.Code)
	}
}

func TestHTTPFailures(t *testing.T) {
	stats := statsFunc(func(context.Context) (models.Stats, error) { return models.Stats{}, errors.New("db down") })
	h := NewHTTPHandler(prometheus.NewRegistry(), stats, func(context.Context) error { return errors.New("db down") }, utils.Discard())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("unexpected stats status: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unexpected health status: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/stats", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("unexpected method status: %d", rec.Code)
	}
}
