package remediatorv1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// RemediatorClient is the client API for the Remediator service.
type RemediatorClient interface {
	ReportIssue(ctx context.Context, in *ReportIssueRequest, opts ...grpc.CallOption) (*ReportIssueResponse, error)
	GetIssue(ctx context.Context, in *GetIssueRequest, opts ...grpc.CallOption) (*GetIssueResponse, error)
	ListIssues(ctx context.Context, in *ListIssuesRequest, opts ...grpc.CallOption) (*ListIssuesResponse, error)
	ReleaseIssue(ctx context.Context, in *ReleaseIssueRequest, opts ...grpc.CallOption) (*ReleaseIssueResponse, error)
	ListEscalations(ctx context.Context, in *ListEscalationsRequest, opts ...grpc.CallOption) (*ListEscalationsResponse, error)
	GetEscalation(ctx context.Context, in *GetEscalationRequest, opts ...grpc.CallOption) (*EscalationCase, error)
	CloseEscalation(ctx context.Context, in *CloseEscalationRequest, opts ...grpc.CallOption) (*CloseEscalationResponse, error)
	GetStats(ctx context.Context, in *GetStatsRequest, opts ...grpc.CallOption) (*GetStatsResponse, error)
	TriggerCycle(ctx context.Context, in *TriggerCycleRequest, opts ...grpc.CallOption) (*TriggerCycleResponse, error)
	VerifyAudit(ctx context.Context, in *VerifyAuditRequest, opts ...grpc.CallOption) (*VerifyAuditResponse, error)
}

type remediatorClient struct {
	cc grpc.ClientConnInterface
}

// NewRemediatorClient wraps a connection. Every call uses the JSON codec.
func NewRemediatorClient(cc grpc.ClientConnInterface) RemediatorClient {
	return &remediatorClient{cc: cc}
}

// Dial opens a plaintext connection suitable for the local operator CLI.
func Dial(target string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	base := []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	return grpc.NewClient(target, append(base, opts...)...)
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := cc.Invoke(ctx, FullMethod(method), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *remediatorClient) ReportIssue(ctx context.Context, in *ReportIssueRequest, opts ...grpc.CallOption) (*ReportIssueResponse, error) {
	return invoke[ReportIssueResponse](ctx, c.cc, "ReportIssue", in, opts)
}

func (c *remediatorClient) GetIssue(ctx context.Context, in *GetIssueRequest, opts ...grpc.CallOption) (*GetIssueResponse, error) {
	return invoke[GetIssueResponse](ctx, c.cc, "GetIssue", in, opts)
}

func (c *remediatorClient) ListIssues(ctx context.Context, in *ListIssuesRequest, opts ...grpc.CallOption) (*ListIssuesResponse, error) {
	return invoke[ListIssuesResponse](ctx, c.cc, "ListIssues", in, opts)
}

func (c *remediatorClient) ReleaseIssue(ctx context.Context, in *ReleaseIssueRequest, opts ...grpc.CallOption) (*ReleaseIssueResponse, error) {
	return invoke[ReleaseIssueResponse](ctx, c.cc, "ReleaseIssue", in, opts)
}

func (c *remediatorClient) ListEscalations(ctx context.Context, in *ListEscalationsRequest, opts ...grpc.CallOption) (*ListEscalationsResponse, error) {
	return invoke[ListEscalationsResponse](ctx, c.cc, "ListEscalations", in, opts)
}

func (c *remediatorClient) GetEscalation(ctx context.Context, in *GetEscalationRequest, opts ...grpc.CallOption) (*EscalationCase, error) {
	return invoke[EscalationCase](ctx, c.cc, "GetEscalation", in, opts)
}

func (c *remediatorClient) CloseEscalation(ctx context.Context, in *CloseEscalationRequest, opts ...grpc.CallOption) (*CloseEscalationResponse, error) {
	return invoke[CloseEscalationResponse](ctx, c.cc, "CloseEscalation", in, opts)
}

func (c *remediatorClient) GetStats(ctx context.Context, in *GetStatsRequest, opts ...grpc.CallOption) (*GetStatsResponse, error) {
	return invoke[GetStatsResponse](ctx, c.cc, "GetStats", in, opts)
}

func (c *remediatorClient) TriggerCycle(ctx context.Context, in *TriggerCycleRequest, opts ...grpc.CallOption) (*TriggerCycleResponse, error) {
	return invoke[TriggerCycleResponse](ctx, c.cc, "TriggerCycle", in, opts)
}

func (c *remediatorClient) VerifyAudit(ctx context.Context, in *VerifyAuditRequest, opts ...grpc.CallOption) (*VerifyAuditResponse, error) {
	return invoke[VerifyAuditResponse](ctx, c.cc, "VerifyAudit", in, opts)
}
