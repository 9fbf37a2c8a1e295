package server

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/triage-ai/palisade/services/agent_engine/internal/api"
	"github.com/triage-ai/palisade/services/agent_engine/internal/approval"
	"github.com/triage-ai/palisade/services/agent_engine/internal/auth"
	"github.com/triage-ai/palisade/services/agent_engine/internal/autonomy"
	"github.com/triage-ai/palisade/services/agent_engine/internal/catalog"
	"github.com/triage-ai/palisade/services/agent_engine/internal/engine"
	"github.com/triage-ai/palisade/services/agent_engine/internal/executor"
	"github.com/triage-ai/palisade/services/agent_engine/internal/learning"
	"github.com/triage-ai/palisade/services/agent_engine/internal/owners"
	"github.com/triage-ai/palisade/services/agent_engine/internal/workflow"
)

// AgentEngineServer implements AgentEngineService on top of the engine.
type AgentEngineServer struct {
	engine *engine.Engine
	auth   auth.Authenticator
	logger *zap.Logger
}

var _ AgentEngineService = (*AgentEngineServer)(nil)

// NewAgentEngineServer creates an AgentEngineServer with the given dependencies.
func NewAgentEngineServer(eng *engine.Engine, authenticator auth.Authenticator, logger *zap.Logger) *AgentEngineServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AgentEngineServer{engine: eng, auth: authenticator, logger: logger}
}

type executeToolRequest struct {
	Tool string `json:"tool"`
	api.ExecuteRequest
}

type decideRequest struct {
	ActionID string `json:"action_id"`
	api.DecisionRequest
}

type workflowRequest struct {
	WorkflowID string `json:"workflow_id"`
}

type signalRequest struct {
	WorkflowID string `json:"workflow_id"`
	api.SignalRequest
}

// ExecuteTool implements AgentEngineService.ExecuteTool.
func (s *AgentEngineServer) ExecuteTool(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	owner, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	var req executeToolRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, err
	}
	if req.Tool == "" {
		return nil, status.Error(codes.InvalidArgument, "tool is required")
	}
	if req.Input == nil {
		req.Input = map[string]any{}
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	out, err := s.engine.Submit(ctx, engine.Request{
		RequestID:   req.RequestID,
		OwnerID:     owner,
		Tool:        req.Tool,
		Input:       req.Input,
		Source:      executor.SourceInteractive,
		Fingerprint: req.Fingerprint,
	})
	if err != nil {
		return nil, s.grpcError(err)
	}
	return encodeStruct(api.ExecuteResponseFrom(req.RequestID, out))
}

// DecideApproval implements AgentEngineService.DecideApproval.
func (s *AgentEngineServer) DecideApproval(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	owner, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	var req decideRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, err
	}
	dec, err := learning.ParseDecision(req.Decision)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if dec == learning.DecisionModify && req.ModifiedInput == nil {
		return nil, status.Error(codes.InvalidArgument, "modified_input is required for modify")
	}

	action, err := s.engine.Action(ctx, req.ActionID)
	if err != nil {
		return nil, s.grpcError(err)
	}
	if action.OwnerID != owner {
		return nil, s.grpcError(approval.ErrNotFound)
	}
	out, err := s.engine.Decide(ctx, req.ActionID, engine.Decision{
		Decision:      dec,
		ModifiedInput: req.ModifiedInput,
		Comment:       req.Comment,
	})
	if err != nil {
		return nil, s.grpcError(err)
	}
	return encodeStruct(api.DecisionResp{
		Action:    out.Action,
		Execution: api.ExecuteResponseFrom(out.Action.ID, out.Execution),
		Workflow:  out.Workflow,
	})
}

// StartWorkflow implements AgentEngineService.StartWorkflow.
func (s *AgentEngineServer) StartWorkflow(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	owner, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	var req api.StartWorkflowRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, err
	}
	if req.Definition == "" {
		return nil, status.Error(codes.InvalidArgument, "definition is required")
	}
	cp, err := s.engine.StartWorkflow(ctx, workflow.StartRequest{
		Definition: req.Definition,
		OwnerID:    owner,
		Context:    req.Context,
	})
	if err != nil {
		return nil, s.grpcError(err)
	}
	return encodeStruct(cp)
}

// GetWorkflow implements AgentEngineService.GetWorkflow.
func (s *AgentEngineServer) GetWorkflow(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	owner, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	var req workflowRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, err
	}
	cp, err := s.ownedWorkflow(ctx, req.WorkflowID, owner)
	if err != nil {
		return nil, s.grpcError(err)
	}
	return encodeStruct(cp)
}

// SignalWorkflow implements AgentEngineService.SignalWorkflow. Approval
// gates are answered with DecideApproval.
func (s *AgentEngineServer) SignalWorkflow(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	owner, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	var req signalRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, err
	}
	kind := workflow.GateKind(req.Kind)
	if kind != workflow.GateWebhook && kind != workflow.GateSchedule {
		return nil, status.Error(codes.InvalidArgument, "kind must be webhook or schedule")
	}
	if _, err := s.ownedWorkflow(ctx, req.WorkflowID, owner); err != nil {
		return nil, s.grpcError(err)
	}
	cp, err := s.engine.SignalWorkflow(ctx, req.WorkflowID, workflow.Signal{
		Kind:    kind,
		Event:   req.Event,
		Payload: req.Payload,
	})
	if err != nil {
		return nil, s.grpcError(err)
	}
	return encodeStruct(cp)
}

func (s *AgentEngineServer) authenticate(ctx context.Context) (string, error) {
	token, err := auth.TokenFromMetadata(ctx)
	if err != nil {
		return "", status.Errorf(codes.Unauthenticated, "authentication failed: %v", err)
	}
	p, err := s.auth.Authenticate(ctx, token)
	if errors.Is(err, auth.ErrAuthUnavailable) {
		s.logger.Error("auth unavailable", zap.Error(err))
		return "", status.Error(codes.Unavailable, "authentication unavailable")
	}
	if err != nil {
		return "", status.Errorf(codes.Unauthenticated, "authentication failed: %v", err)
	}
	return p.OwnerID, nil
}

func (s *AgentEngineServer) ownedWorkflow(ctx context.Context, id, owner string) (*workflow.Checkpoint, error) {
	cp, err := s.engine.Workflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if cp.OwnerID != owner {
		return nil, workflow.ErrNotFound
	}
	return cp, nil
}

// grpcError maps engine errors to status codes. Unexpected errors are
// logged and reported as Internal.
func (s *AgentEngineServer) grpcError(err error) error {
	switch {
	case errors.Is(err, catalog.ErrUnknownTool),
		errors.Is(err, owners.ErrNotFound),
		errors.Is(err, approval.ErrNotFound),
		errors.Is(err, workflow.ErrNotFound),
		errors.Is(err, workflow.ErrUnknownWorkflow):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, autonomy.ErrCategoryNotPermitted):
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.Is(err, approval.ErrAlreadyResolved),
		errors.Is(err, workflow.ErrConflict):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, workflow.ErrNotAtGate):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, approval.ErrExpired),
		errors.Is(err, workflow.ErrCheckpointExpired):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	s.logger.Error("rpc failed", zap.Error(err))
	return status.Error(codes.Internal, "internal error")
}

func decodeStruct(in *structpb.Struct, v any) error {
	data, err := protojson.Marshal(in)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	return nil
}

func encodeStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}
