package refit

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// RefitMethod is the full gRPC method name served by remote trainers.
const RefitMethod = "/hybridmd.v1.Trainer/Refit"

// #region client-struct
// GRPCRefitter asks a remote trainer service to refit the model.
// Request and response are google.protobuf.Struct messages.
type GRPCRefitter struct {
	conn   *grpc.ClientConn
	client grpc.ClientConnInterface
}

// #endregion client-struct

// #region constructor
// NewGRPCRefitter connects to the trainer at addr.
func NewGRPCRefitter(addr string) (*GRPCRefitter, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &GRPCRefitter{conn: conn, client: conn}, nil
}

// NewGRPCRefitterWithConn wraps an existing connection.
// Used for testing without dialing a real address.
func NewGRPCRefitterWithConn(cc grpc.ClientConnInterface) *GRPCRefitter {
	return &GRPCRefitter{client: cc}
}

// #endregion constructor

// #region close
// Close shuts down the gRPC connection if the refitter owns it.
func (g *GRPCRefitter) Close() error {
	if g.conn == nil {
		return nil
	}
	return g.conn.Close()
}

// #endregion close

// #region refit
// Refit sends the request and waits for the trainer's verdict.
func (g *GRPCRefitter) Refit(ctx context.Context, req Request) error {
	in, err := RequestToStruct(req)
	if err != nil {
		return fmt.Errorf("encode refit request: %w", err)
	}
	out := new(structpb.Struct)
	if err := g.client.Invoke(ctx, RefitMethod, in, out); err != nil {
		return fmt.Errorf("refit rpc: %w", err)
	}
	fields := out.GetFields()
	if !fields["ok"].GetBoolValue() {
		return fmt.Errorf("trainer rejected refit %s: %s", req.ID, fields["message"].GetStringValue())
	}
	return nil
}

// #endregion refit

// #region codec
// RequestToStruct encodes a request as a protobuf Struct.
func RequestToStruct(req Request) (*structpb.Struct, error) {
	previous := make([]any, len(req.PreviousData))
	for i, p := range req.PreviousData {
		previous[i] = p
	}
	return structpb.NewStruct(map[string]any{
		"id":            req.ID,
		"seed":          req.Seed,
		"iteration":     req.Iteration,
		"dir":           req.Dir,
		"model_name":    req.ModelName,
		"function_name": req.FunctionName,
		"previous_data": previous,
		"current_data":  req.CurrentData,
		"bootstrap":     req.Bootstrap,
	})
}

// RequestFromStruct decodes a request encoded by RequestToStruct.
func RequestFromStruct(s *structpb.Struct) Request {
	f := s.GetFields()
	req := Request{
		ID:           f["id"].GetStringValue(),
		Seed:         f["seed"].GetStringValue(),
		Iteration:    int(f["iteration"].GetNumberValue()),
		Dir:          f["dir"].GetStringValue(),
		ModelName:    f["model_name"].GetStringValue(),
		FunctionName: f["function_name"].GetStringValue(),
		CurrentData:  f["current_data"].GetStringValue(),
		Bootstrap:    f["bootstrap"].GetBoolValue(),
	}
	for _, v := range f["previous_data"].GetListValue().GetValues() {
		req.PreviousData = append(req.PreviousData, v.GetStringValue())
	}
	return req
}

// #endregion codec
