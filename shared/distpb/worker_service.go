package distpb

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// WorkerServiceClient is the orchestrator-side view of the RPCs a worker
// exposes: Attach, ExecutePips, Exit (spec §6, orchestrator → worker).
type WorkerServiceClient interface {
	Attach(ctx context.Context, in *BuildStartData, opts ...grpc.CallOption) (*Ack, error)
	ExecutePips(ctx context.Context, in *PipBuildRequest, opts ...grpc.CallOption) (*Ack, error)
	Exit(ctx context.Context, in *BuildEndData, opts ...grpc.CallOption) (*Ack, error)
}

type workerServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewWorkerServiceClient wraps a ClientConn as a WorkerServiceClient, in the
// exact shape protoc-gen-go-grpc emits.
func NewWorkerServiceClient(cc grpc.ClientConnInterface) WorkerServiceClient {
	return &workerServiceClient{cc}
}

func (c *workerServiceClient) Attach(ctx context.Context, in *BuildStartData, opts ...grpc.CallOption) (*Ack, error) {
	out := new(Ack)
	if err := c.cc.Invoke(ctx, "/distbuild.WorkerService/Attach", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *workerServiceClient) ExecutePips(ctx context.Context, in *PipBuildRequest, opts ...grpc.CallOption) (*Ack, error) {
	out := new(Ack)
	if err := c.cc.Invoke(ctx, "/distbuild.WorkerService/ExecutePips", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *workerServiceClient) Exit(ctx context.Context, in *BuildEndData, opts ...grpc.CallOption) (*Ack, error) {
	out := new(Ack)
	if err := c.cc.Invoke(ctx, "/distbuild.WorkerService/Exit", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// WorkerServiceServer is the interface a worker implements to receive
// Attach/ExecutePips/Exit calls from the orchestrator.
type WorkerServiceServer interface {
	Attach(context.Context, *BuildStartData) (*Ack, error)
	ExecutePips(context.Context, *PipBuildRequest) (*Ack, error)
	Exit(context.Context, *BuildEndData) (*Ack, error)
}

// UnimplementedWorkerServiceServer embeds into real implementations for
// forward compatibility when new RPCs are added.
type UnimplementedWorkerServiceServer struct{}

func (UnimplementedWorkerServiceServer) Attach(context.Context, *BuildStartData) (*Ack, error) {
	return nil, status.Error(codes.Unimplemented, "method Attach not implemented")
}

func (UnimplementedWorkerServiceServer) ExecutePips(context.Context, *PipBuildRequest) (*Ack, error) {
	return nil, status.Error(codes.Unimplemented, "method ExecutePips not implemented")
}

func (UnimplementedWorkerServiceServer) Exit(context.Context, *BuildEndData) (*Ack, error) {
	return nil, status.Error(codes.Unimplemented, "method Exit not implemented")
}

// RegisterWorkerServiceServer registers srv on s.
func RegisterWorkerServiceServer(s grpc.ServiceRegistrar, srv WorkerServiceServer) {
	s.RegisterService(&workerServiceServiceDesc, srv)
}

func workerServiceAttachHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(BuildStartData)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(WorkerServiceServer).Attach(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/distbuild.WorkerService/Attach"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(WorkerServiceServer).Attach(ctx, req.(*BuildStartData))
	}
	return interceptor(ctx, in, info, handler)
}

func workerServiceExecutePipsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(PipBuildRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(WorkerServiceServer).ExecutePips(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/distbuild.WorkerService/ExecutePips"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(WorkerServiceServer).ExecutePips(ctx, req.(*PipBuildRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func workerServiceExitHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(BuildEndData)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(WorkerServiceServer).Exit(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/distbuild.WorkerService/Exit"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(WorkerServiceServer).Exit(ctx, req.(*BuildEndData))
	}
	return interceptor(ctx, in, info, handler)
}

var workerServiceServiceDesc = grpc.ServiceDesc{
	ServiceName: "distbuild.WorkerService",
	HandlerType: (*WorkerServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Attach", Handler: workerServiceAttachHandler},
		{MethodName: "ExecutePips", Handler: workerServiceExecutePipsHandler},
		{MethodName: "Exit", Handler: workerServiceExitHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "worker_service.distbuild",
}
