package refit

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// #region server
// TrainerServer is implemented by services that perform refits on behalf of
// remote controllers.
type TrainerServer interface {
	Refit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

// TrainerServiceDesc describes the hybridmd.v1.Trainer service.
var TrainerServiceDesc = grpc.ServiceDesc{
	ServiceName: "hybridmd.v1.Trainer",
	HandlerType: (*TrainerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Refit", Handler: refitHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "hybridmd/v1/trainer.proto",
}

// RegisterTrainer registers srv on a gRPC server.
func RegisterTrainer(s grpc.ServiceRegistrar, srv TrainerServer) {
	s.RegisterService(&TrainerServiceDesc, srv)
}

func refitHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TrainerServer).Refit(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: RefitMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TrainerServer).Refit(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// #endregion server

// #region adapter
// Serve adapts any Refitter into a TrainerServer. Training errors are reported
// in the response, not as RPC errors.
type Serve struct {
	Refitter Refitter
}

// Refit decodes the request and runs the wrapped refitter.
func (s Serve) Refit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	err := s.Refitter.Refit(ctx, RequestFromStruct(in))
	if err != nil {
		return structpb.NewStruct(map[string]any{"ok": false, "message": err.Error()})
	}
	return structpb.NewStruct(map[string]any{"ok": true})
}

// #endregion adapter
