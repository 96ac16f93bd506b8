package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/miradorstack/mirador-remediator/internal/api"
	"github.com/miradorstack/mirador-remediator/internal/grpc/remediatorv1"
	"github.com/miradorstack/mirador-remediator/internal/metrics"
	"github.com/miradorstack/mirador-remediator/internal/models"
	"github.com/miradorstack/mirador-remediator/internal/patterns"
	"github.com/miradorstack/mirador-remediator/internal/store"
)

const (
	maxClassLength       = 200
	maxDescriptionLength = 8192
	hotspotLimit         = 5
)

// IssueStore defines the issue operations the service exposes.
type IssueStore interface {
	ReportIssue(ctx context.Context, class, description string) (models.Issue, bool, error)
	GetIssue(ctx context.Context, id int64) (models.Issue, error)
	ListIssues(ctx context.Context, filter models.IssueFilter) ([]models.Issue, error)
	UpdateStatus(ctx context.Context, id int64, to models.IssueStatus, upd models.StatusUpdate) (models.Issue, error)
	ListRuns(ctx context.Context, issueID int64) ([]models.AgentRun, error)
	ListAudit(ctx context.Context, issueID int64) ([]models.AuditEntry, error)
	ListEscalations(ctx context.Context, filter models.EscalationFilter) ([]models.Escalation, error)
	VerifyAudit(ctx context.Context, issueID int64) error
	Counts(ctx context.Context) (map[models.IssueStatus]int, error)
	CountOpenEscalations(ctx context.Context) (int, error)
	ClassProfiles(ctx context.Context) ([]models.ClassProfile, error)
}

// EscalationDesk is the human-facing side of the escalation gateway.
type EscalationDesk interface {
	Get(ctx context.Context, id int64) (models.EscalationCase, error)
	List(ctx context.Context, filter models.EscalationFilter) ([]models.EscalationCase, error)
	Close(ctx context.Context, id int64, method models.ResolutionMethod, notes, closedBy string) (models.Escalation, error)
}

// SuppressionSource lists classes whose breaker currently blocks dispatch.
type SuppressionSource interface {
	SuppressedClasses(ctx context.Context) ([]string, error)
}

// ActivityGauge reports agent runs currently holding a slot.
type ActivityGauge interface {
	Active() int
}

// CycleTrigger requests an immediate scheduler cycle.
type CycleTrigger interface {
	Trigger()
}

// RemediatorService implements the gRPC Remediator service.
type RemediatorService struct {
	remediatorv1.UnimplementedRemediatorServer

	logger      *slog.Logger
	store       IssueStore
	escalations EscalationDesk
	breakers    SuppressionSource
	runner      ActivityGauge
	scheduler   CycleTrigger
	limiter     *rate.Limiter
	now         func() time.Time
}

// Option customises the service.
type Option func(*RemediatorService)

// WithReportLimit caps ReportIssue at perSecond with burst.
func WithReportLimit(perSecond float64, burst int) Option {
	return func(s *RemediatorService) {
		if perSecond > 0 && burst > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithClock replaces the time source used for stats timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *RemediatorService) { s.now = now }
}

// NewRemediatorService constructs the service facade.
func NewRemediatorService(logger *slog.Logger, st IssueStore, escalations EscalationDesk, breakers SuppressionSource, runner ActivityGauge, scheduler CycleTrigger, opts ...Option) *RemediatorService {
	if logger == nil {
		logger = slog.Default()
	}
	s := &RemediatorService{
		logger:      logger,
		store:       st,
		escalations: escalations,
		breakers:    breakers,
		runner:      runner,
		scheduler:   scheduler,
		limiter:     rate.NewLimiter(rate.Limit(20), 50),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ReportIssue records a probe report, deduplicating against the live issue of the class.
func (s *RemediatorService) ReportIssue(ctx context.Context, req *remediatorv1.ReportIssueRequest) (*remediatorv1.ReportIssueResponse, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request cannot be nil")
	}
	class := strings.TrimSpace(req.GetClass())
	switch {
	case class == "":
		return nil, status.Error(codes.InvalidArgument, "class is required")
	case len(class) > maxClassLength:
		return nil, status.Errorf(codes.InvalidArgument, "class exceeds %d bytes", maxClassLength)
	case len(req.Description) > maxDescriptionLength:
		return nil, status.Errorf(codes.InvalidArgument, "description exceeds %d bytes", maxDescriptionLength)
	}
	if !s.limiter.Allow() {
		return nil, status.Error(codes.ResourceExhausted, "report rate limit exceeded")
	}

	issue, created, err := s.store.ReportIssue(ctx, class, req.Description)
	if err != nil {
		s.logger.Error("report issue failed", slog.String("class", class), slog.Any("error", err))
		return nil, toStatus(err)
	}
	metrics.ObserveReport(created)
	if created {
		s.logger.Info("issue reported", slog.Int64("issue_id", issue.ID), slog.String("class", class))
	}
	return &remediatorv1.ReportIssueResponse{Issue: api.ToProtoIssue(issue), Created: created}, nil
}

// GetIssue returns an issue with its runs, escalations and audit trail.
func (s *RemediatorService) GetIssue(ctx context.Context, req *remediatorv1.GetIssueRequest) (*remediatorv1.GetIssueResponse, error) {
	if req.GetId() <= 0 {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	issue, err := s.store.GetIssue(ctx, req.Id)
	if err != nil {
		return nil, toStatus(err)
	}
	runs, err := s.store.ListRuns(ctx, issue.ID)
	if err != nil {
		return nil, toStatus(err)
	}
	escs, err := s.store.ListEscalations(ctx, models.EscalationFilter{IssueID: issue.ID})
	if err != nil {
		return nil, toStatus(err)
	}
	audit, err := s.store.ListAudit(ctx, issue.ID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &remediatorv1.GetIssueResponse{
		Issue:       api.ToProtoIssue(issue),
		Runs:        api.ToProtoRuns(runs),
		Escalations: api.ToProtoEscalations(escs),
		Audit:       api.ToProtoAudit(audit),
	}, nil
}

func (s *RemediatorService) ListIssues(ctx context.Context, req *remediatorv1.ListIssuesRequest) (*remediatorv1.ListIssuesResponse, error) {
	filter, err := api.FromProtoListIssuesRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	issues, err := s.store.ListIssues(ctx, filter)
	if err != nil {
		s.logger.Error("list issues failed", slog.Any("error", err))
		return nil, toStatus(err)
	}
	return &remediatorv1.ListIssuesResponse{Issues: api.ToProtoIssues(issues)}, nil
}

// ReleaseIssue returns a quarantined issue to the open queue.
func (s *RemediatorService) ReleaseIssue(ctx context.Context, req *remediatorv1.ReleaseIssueRequest) (*remediatorv1.ReleaseIssueResponse, error) {
	if req == nil || req.Id <= 0 {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	actor := operator(ctx, "")
	upd := models.StatusUpdate{Detail: "released by " + actor}
	if notes := strings.TrimSpace(req.Notes); notes != "" {
		upd.HumanNotes = &notes
		upd.Detail += ": " + notes
	}
	issue, err := s.store.UpdateStatus(ctx, req.Id, models.IssueOpen, upd)
	if err != nil {
		return nil, toStatus(err)
	}
	s.logger.Info("issue released", slog.Int64("issue_id", issue.ID), slog.String("by", actor))
	return &remediatorv1.ReleaseIssueResponse{Issue: api.ToProtoIssue(issue)}, nil
}

func (s *RemediatorService) ListEscalations(ctx context.Context, req *remediatorv1.ListEscalationsRequest) (*remediatorv1.ListEscalationsResponse, error) {
	if req == nil {
		req = &remediatorv1.ListEscalationsRequest{}
	}
	cases, err := s.escalations.List(ctx, models.EscalationFilter{OpenOnly: req.OpenOnly, Limit: int(req.Limit)})
	if err != nil {
		s.logger.Error("list escalations failed", slog.Any("error", err))
		return nil, toStatus(err)
	}
	resp := &remediatorv1.ListEscalationsResponse{Cases: make([]*remediatorv1.EscalationCase, 0, len(cases))}
	for _, c := range cases {
		resp.Cases = append(resp.Cases, api.ToProtoCase(c))
	}
	return resp, nil
}

func (s *RemediatorService) GetEscalation(ctx context.Context, req *remediatorv1.GetEscalationRequest) (*remediatorv1.EscalationCase, error) {
	if req.GetId() <= 0 {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	c, err := s.escalations.Get(ctx, req.Id)
	if err != nil {
		return nil, toStatus(err)
	}
	return api.ToProtoCase(c), nil
}

// CloseEscalation resolves an escalation with a human resolution method. An
// authenticated caller is recorded as the resolver regardless of closed_by.
func (s *RemediatorService) CloseEscalation(ctx context.Context, req *remediatorv1.CloseEscalationRequest) (*remediatorv1.CloseEscalationResponse, error) {
	if req == nil || req.Id <= 0 {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	method, err := api.FromProtoResolutionMethod(req.Method)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	actor := operator(ctx, req.ClosedBy)
	esc, err := s.escalations.Close(ctx, req.Id, method, req.Notes, actor)
	if err != nil {
		return nil, toStatus(err)
	}
	return &remediatorv1.CloseEscalationResponse{Escalation: api.ToProtoEscalation(esc)}, nil
}

func (s *RemediatorService) GetStats(ctx context.Context, _ *remediatorv1.GetStatsRequest) (*remediatorv1.GetStatsResponse, error) {
	stats, err := s.Stats(ctx)
	if err != nil {
		s.logger.Error("collect stats failed", slog.Any("error", err))
		return nil, toStatus(err)
	}
	return api.ToProtoStats(stats), nil
}

// TriggerCycle asks the scheduler to run a cycle now instead of waiting for the next tick.
func (s *RemediatorService) TriggerCycle(ctx context.Context, _ *remediatorv1.TriggerCycleRequest) (*remediatorv1.TriggerCycleResponse, error) {
	if s.scheduler == nil {
		return nil, status.Error(codes.FailedPrecondition, "scheduler not configured")
	}
	s.scheduler.Trigger()
	s.logger.Info("cycle triggered", slog.String("by", operator(ctx, "")))
	return &remediatorv1.TriggerCycleResponse{Accepted: true}, nil
}

// VerifyAudit recomputes an issue's audit hash chain.
func (s *RemediatorService) VerifyAudit(ctx context.Context, req *remediatorv1.VerifyAuditRequest) (*remediatorv1.VerifyAuditResponse, error) {
	if req == nil || req.IssueId <= 0 {
		return nil, status.Error(codes.InvalidArgument, "issue_id is required")
	}
	entries, err := s.store.ListAudit(ctx, req.IssueId)
	if err != nil {
		return nil, toStatus(err)
	}
	if len(entries) == 0 {
		if _, err := s.store.GetIssue(ctx, req.IssueId); err != nil {
			return nil, toStatus(err)
		}
	}
	resp := &remediatorv1.VerifyAuditResponse{Entries: int32(len(entries)), Valid: true}
	if err := s.store.VerifyAudit(ctx, req.IssueId); err != nil {
		var mismatch *store.AuditMismatchError
		if !errors.As(err, &mismatch) {
			return nil, toStatus(err)
		}
		resp.Valid = false
		resp.Problem = mismatch.Error()
		s.logger.Warn("audit chain mismatch", slog.Int64("issue_id", req.IssueId), slog.Any("error", err))
	}
	return resp, nil
}

// Stats collects the introspection counts served over gRPC and HTTP.
func (s *RemediatorService) Stats(ctx context.Context) (models.Stats, error) {
	counts, err := s.store.Counts(ctx)
	if err != nil {
		return models.Stats{}, err
	}
	openEsc, err := s.store.CountOpenEscalations(ctx)
	if err != nil {
		return models.Stats{}, err
	}
	suppressed, err := s.breakers.SuppressedClasses(ctx)
	if err != nil {
		return models.Stats{}, fmt.Errorf("list suppressed classes: %w", err)
	}
	stats := models.Stats{
		OpenIssues:        counts[models.IssueOpen],
		DispatchedIssues:  counts[models.IssueDispatched],
		EscalatedIssues:   counts[models.IssueEscalated],
		SuppressedIssues:  counts[models.IssueSuppressed],
		ResolvedIssues:    counts[models.IssueResolved],
		OpenEscalations:   openEsc,
		SuppressedClasses: suppressed,
		GeneratedAt:       s.now().UTC(),
	}
	if s.runner != nil {
		stats.ActiveDispatches = s.runner.Active()
	}
	if stats.SuppressedClasses == nil {
		stats.SuppressedClasses = []string{}
	}

	profiles, err := s.store.ClassProfiles(ctx)
	if err != nil {
		s.logger.Warn("class profiles unavailable, omitting hotspots", slog.Any("error", err))
	} else {
		stats.Hotspots = patterns.Hotspots(profiles, hotspotLimit)
	}
	return stats, nil
}

// operator picks the authenticated subject, then the caller-supplied name.
func operator(ctx context.Context, claimed string) string {
	if sub, ok := api.SubjectFromContext(ctx); ok {
		return sub
	}
	if claimed = strings.TrimSpace(claimed); claimed != "" {
		return claimed
	}
	return "anonymous"
}
