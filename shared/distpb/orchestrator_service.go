package distpb

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// OrchestratorServiceClient is the worker-side view of the RPCs the
// orchestrator exposes (spec §6, worker → orchestrator).
type OrchestratorServiceClient interface {
	Hello(ctx context.Context, in *HelloRequest, opts ...grpc.CallOption) (*HelloResponse, error)
	AttachCompleted(ctx context.Context, in *AttachCompletionInfo, opts ...grpc.CallOption) (*Ack, error)
	ReportPipResults(ctx context.Context, in *PipResultsInfo, opts ...grpc.CallOption) (*PipResultsAck, error)
	ReportExecutionLog(ctx context.Context, in *ExecutionLogInfo, opts ...grpc.CallOption) (*ExecutionLogAck, error)
	WorkerPerfInfo(ctx context.Context, in *WorkerPerfInfoWire, opts ...grpc.CallOption) (*WorkerPerfInfoAck, error)
}

type orchestratorServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewOrchestratorServiceClient wraps a ClientConn as an OrchestratorServiceClient.
func NewOrchestratorServiceClient(cc grpc.ClientConnInterface) OrchestratorServiceClient {
	return &orchestratorServiceClient{cc}
}

func (c *orchestratorServiceClient) Hello(ctx context.Context, in *HelloRequest, opts ...grpc.CallOption) (*HelloResponse, error) {
	out := new(HelloResponse)
	if err := c.cc.Invoke(ctx, "/distbuild.OrchestratorService/Hello", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *orchestratorServiceClient) AttachCompleted(ctx context.Context, in *AttachCompletionInfo, opts ...grpc.CallOption) (*Ack, error) {
	out := new(Ack)
	if err := c.cc.Invoke(ctx, "/distbuild.OrchestratorService/AttachCompleted", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *orchestratorServiceClient) ReportPipResults(ctx context.Context, in *PipResultsInfo, opts ...grpc.CallOption) (*PipResultsAck, error) {
	out := new(PipResultsAck)
	if err := c.cc.Invoke(ctx, "/distbuild.OrchestratorService/ReportPipResults", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *orchestratorServiceClient) ReportExecutionLog(ctx context.Context, in *ExecutionLogInfo, opts ...grpc.CallOption) (*ExecutionLogAck, error) {
	out := new(ExecutionLogAck)
	if err := c.cc.Invoke(ctx, "/distbuild.OrchestratorService/ReportExecutionLog", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *orchestratorServiceClient) WorkerPerfInfo(ctx context.Context, in *WorkerPerfInfoWire, opts ...grpc.CallOption) (*WorkerPerfInfoAck, error) {
	out := new(WorkerPerfInfoAck)
	if err := c.cc.Invoke(ctx, "/distbuild.OrchestratorService/WorkerPerfInfo", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// OrchestratorServiceServer is the interface the orchestrator implements to
// receive Hello/AttachCompleted/ReportPipResults/ReportExecutionLog/WorkerPerfInfo
// calls from workers.
type OrchestratorServiceServer interface {
	Hello(context.Context, *HelloRequest) (*HelloResponse, error)
	AttachCompleted(context.Context, *AttachCompletionInfo) (*Ack, error)
	ReportPipResults(context.Context, *PipResultsInfo) (*PipResultsAck, error)
	ReportExecutionLog(context.Context, *ExecutionLogInfo) (*ExecutionLogAck, error)
	WorkerPerfInfo(context.Context, *WorkerPerfInfoWire) (*WorkerPerfInfoAck, error)
}

// UnimplementedOrchestratorServiceServer embeds into real implementations
// for forward compatibility when new RPCs are added.
type UnimplementedOrchestratorServiceServer struct{}

func (UnimplementedOrchestratorServiceServer) Hello(context.Context, *HelloRequest) (*HelloResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Hello not implemented")
}

func (UnimplementedOrchestratorServiceServer) AttachCompleted(context.Context, *AttachCompletionInfo) (*Ack, error) {
	return nil, status.Error(codes.Unimplemented, "method AttachCompleted not implemented")
}

func (UnimplementedOrchestratorServiceServer) ReportPipResults(context.Context, *PipResultsInfo) (*PipResultsAck, error) {
	return nil, status.Error(codes.Unimplemented, "method ReportPipResults not implemented")
}

func (UnimplementedOrchestratorServiceServer) ReportExecutionLog(context.Context, *ExecutionLogInfo) (*ExecutionLogAck, error) {
	return nil, status.Error(codes.Unimplemented, "method ReportExecutionLog not implemented")
}

func (UnimplementedOrchestratorServiceServer) WorkerPerfInfo(context.Context, *WorkerPerfInfoWire) (*WorkerPerfInfoAck, error) {
	return nil, status.Error(codes.Unimplemented, "method WorkerPerfInfo not implemented")
}

// RegisterOrchestratorServiceServer registers srv on s.
func RegisterOrchestratorServiceServer(s grpc.ServiceRegistrar, srv OrchestratorServiceServer) {
	s.RegisterService(&orchestratorServiceServiceDesc, srv)
}

func orchestratorServiceHelloHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(HelloRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(OrchestratorServiceServer).Hello(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/distbuild.OrchestratorService/Hello"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(OrchestratorServiceServer).Hello(ctx, req.(*HelloRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func orchestratorServiceAttachCompletedHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(AttachCompletionInfo)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(OrchestratorServiceServer).AttachCompleted(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/distbuild.OrchestratorService/AttachCompleted"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(OrchestratorServiceServer).AttachCompleted(ctx, req.(*AttachCompletionInfo))
	}
	return interceptor(ctx, in, info, handler)
}

func orchestratorServiceReportPipResultsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(PipResultsInfo)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(OrchestratorServiceServer).ReportPipResults(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/distbuild.OrchestratorService/ReportPipResults"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(OrchestratorServiceServer).ReportPipResults(ctx, req.(*PipResultsInfo))
	}
	return interceptor(ctx, in, info, handler)
}

func orchestratorServiceReportExecutionLogHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ExecutionLogInfo)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(OrchestratorServiceServer).ReportExecutionLog(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/distbuild.OrchestratorService/ReportExecutionLog"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(OrchestratorServiceServer).ReportExecutionLog(ctx, req.(*ExecutionLogInfo))
	}
	return interceptor(ctx, in, info, handler)
}

func orchestratorServiceWorkerPerfInfoHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(WorkerPerfInfoWire)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(OrchestratorServiceServer).WorkerPerfInfo(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/distbuild.OrchestratorService/WorkerPerfInfo"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(OrchestratorServiceServer).WorkerPerfInfo(ctx, req.(*WorkerPerfInfoWire))
	}
	return interceptor(ctx, in, info, handler)
}

var orchestratorServiceServiceDesc = grpc.ServiceDesc{
	ServiceName: "distbuild.OrchestratorService",
	HandlerType: (*OrchestratorServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Hello", Handler: orchestratorServiceHelloHandler},
		{MethodName: "AttachCompleted", Handler: orchestratorServiceAttachCompletedHandler},
		{MethodName: "ReportPipResults", Handler: orchestratorServiceReportPipResultsHandler},
		{MethodName: "ReportExecutionLog", Handler: orchestratorServiceReportExecutionLogHandler},
		{MethodName: "WorkerPerfInfo", Handler: orchestratorServiceWorkerPerfInfoHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "orchestrator_service.distbuild",
}
