package remediatorv1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "remediator.v1.Remediator"

// FullMethod returns the gRPC path of a Remediator method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// RemediatorServer is the server API for the Remediator service.
type RemediatorServer interface {
	ReportIssue(context.Context, *ReportIssueRequest) (*ReportIssueResponse, error)
	GetIssue(context.Context, *GetIssueRequest) (*GetIssueResponse, error)
	ListIssues(context.Context, *ListIssuesRequest) (*ListIssuesResponse, error)
	ReleaseIssue(context.Context, *ReleaseIssueRequest) (*ReleaseIssueResponse, error)
	ListEscalations(context.Context, *ListEscalationsRequest) (*ListEscalationsResponse, error)
	GetEscalation(context.Context, *GetEscalationRequest) (*EscalationCase, error)
	CloseEscalation(context.Context, *CloseEscalationRequest) (*CloseEscalationResponse, error)
	GetStats(context.Context, *GetStatsRequest) (*GetStatsResponse, error)
	TriggerCycle(context.Context, *TriggerCycleRequest) (*TriggerCycleResponse, error)
	VerifyAudit(context.Context, *VerifyAuditRequest) (*VerifyAuditResponse, error)
}

// UnimplementedRemediatorServer can be embedded to stay forward compatible.
type UnimplementedRemediatorServer struct{}

func (UnimplementedRemediatorServer) ReportIssue(context.Context, *ReportIssueRequest) (*ReportIssueResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method ReportIssue not implemented")
}
func (UnimplementedRemediatorServer) GetIssue(context.Context, *GetIssueRequest) (*GetIssueResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method GetIssue not implemented")
}
func (UnimplementedRemediatorServer) ListIssues(context.Context, *ListIssuesRequest) (*ListIssuesResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method ListIssues not implemented")
}
func (UnimplementedRemediatorServer) ReleaseIssue(context.Context, *ReleaseIssueRequest) (*ReleaseIssueResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method ReleaseIssue not implemented")
}
func (UnimplementedRemediatorServer) ListEscalations(context.Context, *ListEscalationsRequest) (*ListEscalationsResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method ListEscalations not implemented")
}
func (UnimplementedRemediatorServer) GetEscalation(context.Context, *GetEscalationRequest) (*EscalationCase, error) {
	return nil, status.Error(codes.Unimplemented, "method GetEscalation not implemented")
}
func (UnimplementedRemediatorServer) CloseEscalation(context.Context, *CloseEscalationRequest) (*CloseEscalationResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method CloseEscalation not implemented")
}
func (UnimplementedRemediatorServer) GetStats(context.Context, *GetStatsRequest) (*GetStatsResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method GetStats not implemented")
}
func (UnimplementedRemediatorServer) TriggerCycle(context.Context, *TriggerCycleRequest) (*TriggerCycleResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method TriggerCycle not implemented")
}
func (UnimplementedRemediatorServer) VerifyAudit(context.Context, *VerifyAuditRequest) (*VerifyAuditResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method VerifyAudit not implemented")
}

// RegisterRemediatorServer attaches srv to a gRPC server.
func RegisterRemediatorServer(s grpc.ServiceRegistrar, srv RemediatorServer) {
	s.RegisterService(&Remediator_ServiceDesc, srv)
}

func unary[Req, Resp any](method string, call func(RemediatorServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			server := srv.(RemediatorServer)
			if interceptor == nil {
				return call(server, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(server, ctx, req.(*Req))
			})
		},
	}
}

// Remediator_ServiceDesc is the grpc.ServiceDesc for the Remediator service.
var Remediator_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RemediatorServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("ReportIssue", RemediatorServer.ReportIssue),
		unary("GetIssue", RemediatorServer.GetIssue),
		unary("ListIssues", RemediatorServer.ListIssues),
		unary("ReleaseIssue", RemediatorServer.ReleaseIssue),
		unary("ListEscalations", RemediatorServer.ListEscalations),
		unary("GetEscalation", RemediatorServer.GetEscalation),
		unary("CloseEscalation", RemediatorServer.CloseEscalation),
		unary("GetStats", RemediatorServer.GetStats),
		unary("TriggerCycle", RemediatorServer.TriggerCycle),
		unary("VerifyAudit", RemediatorServer.VerifyAudit),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "remediator/v1/remediator.proto",
}
