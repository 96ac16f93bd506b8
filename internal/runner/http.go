package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/miradorstack/mirador-remediator/internal/models"
)

// HTTPAgent posts tasks to a remote diagnostic service.
type HTTPAgent struct {
	name       string
	endpoint   string
	token      string
	httpClient *http.Client
}

// NewHTTPAgent returns an agent posting to endpoint. The per-run deadline comes from ctx.
func NewHTTPAgent(name, endpoint, token string, client *http.Client) *HTTPAgent {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return &HTTPAgent{name: name, endpoint: endpoint, token: token, httpClient: client}
}

func (a *HTTPAgent) Name() string { return a.name }

func (a *HTTPAgent) Diagnose(ctx context.Context, task models.Task) (models.Report, error) {
	var report models.Report
	if err := a.postJSON(ctx, task, &report); err != nil {
		return models.Report{}, err
	}
	return report, nil
}

func (a *HTTPAgent) postJSON(ctx context.Context, payload any, out any) error {
	if a.endpoint == "" {
		return fmt.Errorf("empty endpoint")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("agent %s returned %s", a.name, resp.Status)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxAgentOutput)).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
