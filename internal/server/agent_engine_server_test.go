package server

import (
	"context"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/triage-ai/palisade/services/agent_engine/internal/auth"
	"github.com/triage-ai/palisade/services/agent_engine/internal/autonomy"
	"github.com/triage-ai/palisade/services/agent_engine/internal/catalog"
	"github.com/triage-ai/palisade/services/agent_engine/internal/engine"
	"github.com/triage-ai/palisade/services/agent_engine/internal/executor"
	"github.com/triage-ai/palisade/services/agent_engine/internal/owners"
	"github.com/triage-ai/palisade/services/agent_engine/internal/workflow"
)

const testCatalog = `
tools:
  - {name: get_rent_roll, category: query, risk: none}
  - {name: pay_invoice, category: external, risk: high, service: payments}
  - name: schedule_showing
    category: query
    risk: none
    argument_schema:
      type: object
      required: [property_id, slots]
      properties:
        property_id: {type: string}
        slots: {type: integer, minimum: 1}
        channel: {type: string, enum: [sms, email]}
      additionalProperties: false
`

const testWorkflows = `
workflows:
  - name: wait_for_signature
    steps:
      - name: roll
        tool: get_rent_roll
        gate: {kind: webhook, event: tenant_signed}
`

// setupTestServer creates a real gRPC server+client for integration testing.
func setupTestServer(t *testing.T) (*AgentEngineClient, func()) {
	t.Helper()
	logger, _ := zap.NewDevelopment()

	cat, err := catalog.Parse([]byte(testCatalog))
	if err != nil {
		t.Fatal(err)
	}
	defs, err := workflow.Parse([]byte(testWorkflows))
	if err != nil {
		t.Fatal(err)
	}

	handlers := executor.NewHandlers()
	ok := func(data any) executor.Handler {
		return func(context.Context, executor.Call) (any, error) { return data, nil }
	}
	handlers.Register("get_rent_roll", ok(map[string]any{"total": 4200}))
	handlers.Register("pay_invoice", ok(map[string]any{"paid": true}))
	handlers.Register("schedule_showing", ok(map[string]any{"booked": true}))

	eng := engine.New(engine.Config{
		Catalog: cat,
		Owners: owners.NewMemoryDirectory(
			&owners.Owner{ID: "o-ent", Tier: autonomy.TierEnterprise, Preset: autonomy.PresetBalanced},
			&owners.Owner{ID: "o-free", Tier: autonomy.TierEnterprise, Preset: autonomy.PresetHandsOff},
		),
		Executor: executor.New(executor.Config{
			Catalog:  cat,
			Handlers: handlers,
			Logger:   logger,
			Sleep:    func(context.Context, time.Duration) error { return nil },
		}),
		Workflows: defs,
		Logger:    logger,
	})

	srv := NewAgentEngineServer(eng, auth.NewStaticAuthenticator(map[string]string{
		"own_enterprise_key": "o-ent",
		"own_handsoff_key":   "o-free",
	}), logger)

	grpcServer := grpc.NewServer()
	RegisterAgentEngineServer(grpcServer, srv)

	lis, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		_ = grpcServer.Serve(lis)
	}()

	conn, err := grpc.NewClient(
		lis.Addr().String(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatal(err)
	}

	cleanup := func() {
		_ = conn.Close()
		grpcServer.Stop()
	}
	return NewAgentEngineClient(conn), cleanup
}

func authCtx(key string) context.Context {
	md := metadata.New(map[string]string{
		"authorization": "Bearer " + key,
	})
	return metadata.NewOutgoingContext(context.Background(), md)
}

func mustStruct(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func wantCode(t *testing.T, err error, code codes.Code) {
	t.Helper()
	if status.Code(err) != code {
		t.Fatalf("expected %v, got %v", code, err)
	}
}

func TestServer_Unauthenticated(t *testing.T) {
	client, cleanup := setupTestServer(t)
	defer cleanup()

	req := mustStruct(t, map[string]any{"tool": "get_rent_roll"})
	_, err := client.ExecuteTool(context.Background(), req)
	wantCode(t, err, codes.Unauthenticated)

	_, err = client.ExecuteTool(authCtx("own_unknown_key"), req)
	wantCode(t, err, codes.Unauthenticated)
}

func TestServer_ExecuteAutonomousTool(t *testing.T) {
	client, cleanup := setupTestServer(t)
	defer cleanup()

	resp, err := client.ExecuteTool(authCtx("own_enterprise_key"), mustStruct(t, map[string]any{
		"tool":       "get_rent_roll",
		"request_id": "req-1",
	}))
	if err != nil {
		t.Fatal(err)
	}
	m := resp.AsMap()
	if m["status"] != "executed" {
		t.Fatalf("expected executed, got %v", m["status"])
	}
	if m["request_id"] != "req-1" {
		t.Fatalf("expected request_id req-1, got %v", m["request_id"])
	}
	result := m["result"].(map[string]any)
	if result["status"] != "succeeded" {
		t.Fatalf("expected succeeded, got %v", result["status"])
	}
	data := result["data"].(map[string]any)
	if data["total"] != float64(4200) {
		t.Fatalf("expected total 4200, got %v", data["total"])
	}
}

func TestServer_UnknownToolAndMissingName(t *testing.T) {
	client, cleanup := setupTestServer(t)
	defer cleanup()

	_, err := client.ExecuteTool(authCtx("own_enterprise_key"), mustStruct(t, map[string]any{"tool": "launch_rocket"}))
	wantCode(t, err, codes.NotFound)

	_, err = client.ExecuteTool(authCtx("own_enterprise_key"), mustStruct(t, map[string]any{}))
	wantCode(t, err, codes.InvalidArgument)
}

func TestServer_HeldActionDecidedByOwnerOnly(t *testing.T) {
	client, cleanup := setupTestServer(t)
	defer cleanup()

	resp, err := client.ExecuteTool(authCtx("own_handsoff_key"), mustStruct(t, map[string]any{
		"tool":  "pay_invoice",
		"input": map[string]any{"invoice_id": "inv-9"},
	}))
	if err != nil {
		t.Fatal(err)
	}
	m := resp.AsMap()
	if m["status"] != "pending_approval" {
		t.Fatalf("expected pending_approval, got %v", m["status"])
	}
	actionID := m["pending_action"].(map[string]any)["id"].(string)

	_, err = client.DecideApproval(authCtx("own_enterprise_key"), mustStruct(t, map[string]any{
		"action_id": actionID,
		"decision":  "approve",
	}))
	wantCode(t, err, codes.NotFound)

	_, err = client.DecideApproval(authCtx("own_handsoff_key"), mustStruct(t, map[string]any{
		"action_id": actionID,
		"decision":  "shrug",
	}))
	wantCode(t, err, codes.InvalidArgument)

	resp, err = client.DecideApproval(authCtx("own_handsoff_key"), mustStruct(t, map[string]any{
		"action_id": actionID,
		"decision":  "approve",
	}))
	if err != nil {
		t.Fatal(err)
	}
	execution := resp.AsMap()["execution"].(map[string]any)
	if execution["status"] != "executed" {
		t.Fatalf("expected executed, got %v", execution["status"])
	}

	_, err = client.DecideApproval(authCtx("own_handsoff_key"), mustStruct(t, map[string]any{
		"action_id": actionID,
		"decision":  "approve",
	}))
	wantCode(t, err, codes.Aborted)
}

func TestServer_WorkflowLifecycle(t *testing.T) {
	client, cleanup := setupTestServer(t)
	defer cleanup()

	resp, err := client.StartWorkflow(authCtx("own_enterprise_key"), mustStruct(t, map[string]any{
		"definition": "wait_for_signature",
	}))
	if err != nil {
		t.Fatal(err)
	}
	cp := resp.AsMap()
	if cp["status"] != "paused" {
		t.Fatalf("expected paused, got %v", cp["status"])
	}
	id := cp["id"].(string)

	_, err = client.GetWorkflow(authCtx("own_handsoff_key"), mustStruct(t, map[string]any{"workflow_id": id}))
	wantCode(t, err, codes.NotFound)

	_, err = client.SignalWorkflow(authCtx("own_enterprise_key"), mustStruct(t, map[string]any{
		"workflow_id": id,
		"kind":        "approval",
	}))
	wantCode(t, err, codes.InvalidArgument)

	resp, err = client.SignalWorkflow(authCtx("own_enterprise_key"), mustStruct(t, map[string]any{
		"workflow_id": id,
		"kind":        "webhook",
		"event":       "tenant_signed",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if got := resp.AsMap()["status"]; got != "completed" {
		t.Fatalf("expected completed, got %v", got)
	}

	_, err = client.SignalWorkflow(authCtx("own_enterprise_key"), mustStruct(t, map[string]any{
		"workflow_id": id,
		"kind":        "webhook",
		"event":       "tenant_signed",
	}))
	wantCode(t, err, codes.FailedPrecondition)

	_, err = client.StartWorkflow(authCtx("own_enterprise_key"), mustStruct(t, map[string]any{"definition": "nope"}))
	wantCode(t, err, codes.NotFound)
}
