package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/triage-ai/palisade/services/agent_engine/internal/resilience"
)

// ToolHandlerExecuteMethod is the full gRPC method the tool host serves.
// Request and response are google.protobuf.Struct envelopes:
//
//	request:  {tool, owner_id, request_id, source, workflow_id, step_index, input}
//	response: {success, data, error, error_category}
const ToolHandlerExecuteMethod = "/palisade.agent_engine.v1.ToolHandlerService/Execute"

// RemoteHandlerClient forwards tool calls to an external tool host over gRPC.
type RemoteHandlerClient struct {
	conn   *grpc.ClientConn
	logger *zap.Logger
}

// NewRemoteHandlerClient creates a client for endpoint (e.g. "tools:50070").
func NewRemoteHandlerClient(endpoint string, logger *zap.Logger) (*RemoteHandlerClient, error) {
	conn, err := grpc.NewClient(
		endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("NewRemoteHandlerClient: %w", err)
	}

	logger.Info("remote tool host configured",
		zap.String("endpoint", endpoint),
	)

	return &RemoteHandlerClient{conn: conn, logger: logger}, nil
}

// Handler returns a Handler that executes any tool on the remote host.
func (c *RemoteHandlerClient) Handler() Handler {
	return func(ctx context.Context, call Call) (any, error) {
		input, err := jsonMap(call.Input)
		if err != nil {
			return nil, resilience.Wrap(resilience.CategoryPermanentLogic, err, "encode input")
		}
		req, err := structpb.NewStruct(map[string]any{
			"tool":        call.Tool,
			"owner_id":    call.OwnerID,
			"request_id":  call.RequestID,
			"source":      string(call.Source),
			"workflow_id": call.WorkflowID,
			"step_index":  call.StepIndex,
			"input":       input,
		})
		if err != nil {
			return nil, resilience.Wrap(resilience.CategoryPermanentLogic, err, "encode request")
		}

		resp := &structpb.Struct{}
		if err := c.conn.Invoke(ctx, ToolHandlerExecuteMethod, req, resp); err != nil {
			return nil, classifyRPCError(ctx, err)
		}
		return decodeEnvelope(resp.AsMap())
	}
}

// Close shuts down the gRPC connection.
func (c *RemoteHandlerClient) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func decodeEnvelope(m map[string]any) (any, error) {
	if ok, _ := m["success"].(bool); ok {
		return m["data"], nil
	}
	msg, _ := m["error"].(string)
	if msg == "" {
		msg = "tool host reported failure"
	}
	if name, _ := m["error_category"].(string); name != "" {
		if cat, err := resilience.ParseErrorCategory(name); err == nil {
			return nil, resilience.New(cat, msg)
		}
	}
	return nil, errors.New(msg)
}

func classifyRPCError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return resilience.Wrap(resilience.CategoryTransient, err, "tool host")
	case codes.InvalidArgument, codes.NotFound, codes.FailedPrecondition, codes.AlreadyExists, codes.OutOfRange:
		return resilience.Wrap(resilience.CategoryPermanentLogic, err, "tool host")
	case codes.Canceled:
		return context.Canceled
	}
	return resilience.Wrap(resilience.CategoryPermanentSystem, err, "tool host")
}

// jsonMap normalises Go-typed input into the JSON shapes structpb accepts.
func jsonMap(in map[string]any) (map[string]any, error) {
	if in == nil {
		return map[string]any{}, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
