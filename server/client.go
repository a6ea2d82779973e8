package server

import (
	"context"
	"strings"

	"connectrpc.com/connect"

	"github.com/chazu/cinder/vm"
)

// DebugClient calls a remote DebugService using the CBOR codec.
type DebugClient struct {
	listProcesses *connect.Client[ListProcessesRequest, ListProcessesResponse]
	attach        *connect.Client[AttachRequest, AttachResponse]
	detach        *connect.Client[DetachRequest, DetachResponse]
	cont          *connect.Client[ContinueRequest, ContinueResponse]
	step          *connect.Client[StepRequest, StepResponse]
	configure     *connect.Client[ConfigureRequest, ConfigureResponse]
	snapshot      *connect.Client[SnapshotRequest, SnapshotResponse]
	setVariable   *connect.Client[SetVariableRequest, SetVariableResponse]
	pollEvents    *connect.Client[PollEventsRequest, PollEventsResponse]
}

// NewDebugClient creates a client for the service at baseURL, for example
// "http://localhost:7070".
func NewDebugClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *DebugClient {
	baseURL = strings.TrimRight(baseURL, "/")
	opts = append([]connect.ClientOption{connect.WithCodec(cborCodec{})}, opts...)
	return &DebugClient{
		listProcesses: connect.NewClient[ListProcessesRequest, ListProcessesResponse](httpClient, baseURL+ListProcessesProcedure, opts...),
		attach:        connect.NewClient[AttachRequest, AttachResponse](httpClient, baseURL+AttachProcedure, opts...),
		detach:        connect.NewClient[DetachRequest, DetachResponse](httpClient, baseURL+DetachProcedure, opts...),
		cont:          connect.NewClient[ContinueRequest, ContinueResponse](httpClient, baseURL+ContinueProcedure, opts...),
		step:          connect.NewClient[StepRequest, StepResponse](httpClient, baseURL+StepProcedure, opts...),
		configure:     connect.NewClient[ConfigureRequest, ConfigureResponse](httpClient, baseURL+ConfigureProcedure, opts...),
		snapshot:      connect.NewClient[SnapshotRequest, SnapshotResponse](httpClient, baseURL+SnapshotProcedure, opts...),
		setVariable:   connect.NewClient[SetVariableRequest, SetVariableResponse](httpClient, baseURL+SetVariableProcedure, opts...),
		pollEvents:    connect.NewClient[PollEventsRequest, PollEventsResponse](httpClient, baseURL+PollEventsProcedure, opts...),
	}
}

func unary[Req, Res any](ctx context.Context, c *connect.Client[Req, Res], req *Req) (*Res, error) {
	resp, err := c.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (c *DebugClient) ListProcesses(ctx context.Context) (*ListProcessesResponse, error) {
	return unary(ctx, c.listProcesses, &ListProcessesRequest{})
}

func (c *DebugClient) Attach(ctx context.Context, processID, threadID int) (string, error) {
	resp, err := unary(ctx, c.attach, &AttachRequest{ProcessID: processID, ThreadID: threadID})
	if err != nil {
		return "", err
	}
	return resp.SessionID, nil
}

func (c *DebugClient) Detach(ctx context.Context, sessionID string) error {
	_, err := unary(ctx, c.detach, &DetachRequest{SessionID: sessionID})
	return err
}

func (c *DebugClient) Continue(ctx context.Context, sessionID string) error {
	_, err := unary(ctx, c.cont, &ContinueRequest{SessionID: sessionID})
	return err
}

func (c *DebugClient) Step(ctx context.Context, sessionID, mode string) error {
	_, err := unary(ctx, c.step, &StepRequest{SessionID: sessionID, Mode: mode})
	return err
}

func (c *DebugClient) Configure(ctx context.Context, sessionID string, breakpoints, statements bool) error {
	_, err := unary(ctx, c.configure, &ConfigureRequest{SessionID: sessionID, Breakpoints: breakpoints, Statements: statements})
	return err
}

func (c *DebugClient) Snapshot(ctx context.Context, sessionID string) (*SnapshotResponse, error) {
	return unary(ctx, c.snapshot, &SnapshotRequest{SessionID: sessionID})
}

func (c *DebugClient) SetVariable(ctx context.Context, sessionID, name, value string) error {
	_, err := unary(ctx, c.setVariable, &SetVariableRequest{SessionID: sessionID, Name: name, Value: value})
	return err
}

func (c *DebugClient) PollEvents(ctx context.Context, sessionID string, limit int) ([]vm.DebugEvent, error) {
	resp, err := unary(ctx, c.pollEvents, &PollEventsRequest{SessionID: sessionID, Max: limit})
	if err != nil {
		return nil, err
	}
	return resp.Events, nil
}
