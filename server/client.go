package server

import (
	"context"
	"fmt"
	"strings"
	"time"

	"connectrpc.com/connect"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/chazu/nwvm/host"
	"github.com/chazu/nwvm/vm"
)

// Caller invokes one procedure of the script service.
type Caller interface {
	Call(ctx context.Context, procedure string, req *structpb.Struct) (*structpb.Struct, error)
}

// Client is a typed client of the script service over any Caller.
type Client struct {
	caller Caller
	close  func() error
}

// NewClient returns a client speaking the Connect protocol to baseURL.
func NewClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *Client {
	return &Client{caller: newConnectCaller(httpClient, baseURL, opts...)}
}

// DialGRPC returns a client speaking gRPC to target. Without options the
// connection is cleartext HTTP/2.
func DialGRPC(target string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{caller: grpcCaller{conn: conn}, close: conn.Close}, nil
}

// Close releases the client's connection, if it holds one.
func (c *Client) Close() error {
	if c.close == nil {
		return nil
	}
	return c.close()
}

// ---------------------------------------------------------------------------
// Transports
// ---------------------------------------------------------------------------

type connectCaller struct {
	clients map[string]*connect.Client[structpb.Struct, structpb.Struct]
}

func newConnectCaller(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *connectCaller {
	baseURL = strings.TrimRight(baseURL, "/")
	c := &connectCaller{clients: make(map[string]*connect.Client[structpb.Struct, structpb.Struct])}
	for _, procedure := range []string{
		ExecuteProcedure, ResumeProcedure, DetachProcedure, ReleaseProcedure,
		ListSituationsProcedure, CancelSituationProcedure, DestroyObjectProcedure,
		ClearCacheProcedure, StatisticsProcedure, AbortProcedure, PutScriptProcedure,
	} {
		c.clients[procedure] = connect.NewClient[structpb.Struct, structpb.Struct](httpClient, baseURL+procedure, opts...)
	}
	return c
}

func (c *connectCaller) Call(ctx context.Context, procedure string, req *structpb.Struct) (*structpb.Struct, error) {
	client, ok := c.clients[procedure]
	if !ok {
		return nil, connect.NewError(connect.CodeUnimplemented, fmt.Errorf("unknown procedure %s", procedure))
	}
	resp, err := client.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

type grpcCaller struct {
	conn *grpc.ClientConn
}

func (g grpcCaller) Call(ctx context.Context, procedure string, req *structpb.Struct) (*structpb.Struct, error) {
	resp := new(structpb.Struct)
	if err := g.conn.Invoke(ctx, procedure, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) call(ctx context.Context, procedure string, fields map[string]any) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	return c.caller.Call(ctx, procedure, req)
}

// ---------------------------------------------------------------------------
// Typed calls
// ---------------------------------------------------------------------------

// Result is the outcome of a script run. Err is the failure message of a
// script that failed; the RPC itself succeeded.
type Result struct {
	Code    int32
	Err     string
	Aborted bool
}

// OK reports whether the script ran to completion.
func (r Result) OK() bool { return r.Err == "" }

func resultOf(m *structpb.Struct) Result {
	code, _ := numberArg(m, "code")
	return Result{Code: int32(code), Err: stringArg(m, "error"), Aborted: boolArg(m, "aborted")}
}

// Execute runs script on self. params are converted for the entry point
// on the server.
func (c *Client) Execute(ctx context.Context, script string, self vm.ObjectID, defaultReturn int32, params ...string) (Result, error) {
	list := make([]any, len(params))
	for i, p := range params {
		list[i] = p
	}
	resp, err := c.call(ctx, ExecuteProcedure, map[string]any{
		"script":  script,
		"self":    float64(self),
		"default": float64(defaultReturn),
		"params":  list,
	})
	if err != nil {
		return Result{}, err
	}
	return resultOf(resp), nil
}

// Resume runs a detached situation on self.
func (c *Client) Resume(ctx context.Context, handle string, self vm.ObjectID) (Result, error) {
	resp, err := c.call(ctx, ResumeProcedure, map[string]any{"handle": handle, "self": float64(self)})
	if err != nil {
		return Result{}, err
	}
	return resultOf(resp), nil
}

// ResumeData runs a serialized situation on the object it was captured
// for.
func (c *Client) ResumeData(ctx context.Context, data []byte) (Result, error) {
	resp, err := c.call(ctx, ResumeProcedure, map[string]any{"data": data})
	if err != nil {
		return Result{}, err
	}
	return resultOf(resp), nil
}

// Detached is a situation held by the server for the client.
type Detached struct {
	Handle string
	Script string
	Target vm.ObjectID
	// Data is the serialized situation, nil when it holds engine
	// structures.
	Data []byte
}

// Detach takes a deferred situation out of the runtime.
func (c *Client) Detach(ctx context.Context, id string) (Detached, error) {
	resp, err := c.call(ctx, DetachProcedure, map[string]any{"id": id})
	if err != nil {
		return Detached{}, err
	}
	target, _ := numberArg(resp, "target")
	data, err := bytesArg(resp, "data")
	if err != nil {
		return Detached{}, err
	}
	return Detached{
		Handle: stringArg(resp, "handle"),
		Script: stringArg(resp, "script"),
		Target: vm.ObjectID(uint32(target)),
		Data:   data,
	}, nil
}

// Release discards a detached situation.
func (c *Client) Release(ctx context.Context, handle string) (bool, error) {
	resp, err := c.call(ctx, ReleaseProcedure, map[string]any{"handle": handle})
	if err != nil {
		return false, err
	}
	return boolArg(resp, "released"), nil
}

// SituationInfo describes a deferred situation.
type SituationInfo struct {
	ID     string
	Script string
	Target vm.ObjectID
	Delay  time.Duration
}

// Situations lists the deferred situations, pending first.
func (c *Client) Situations(ctx context.Context) ([]SituationInfo, error) {
	resp, err := c.call(ctx, ListSituationsProcedure, nil)
	if err != nil {
		return nil, err
	}
	var out []SituationInfo
	for _, v := range resp.GetFields()["situations"].GetListValue().GetValues() {
		m := v.GetStructValue()
		target, _ := numberArg(m, "target")
		delay, _ := numberArg(m, "delay_ms")
		out = append(out, SituationInfo{
			ID:     stringArg(m, "id"),
			Script: stringArg(m, "script"),
			Target: vm.ObjectID(uint32(target)),
			Delay:  time.Duration(delay) * time.Millisecond,
		})
	}
	return out, nil
}

// CancelSituation drops one deferred situation.
func (c *Client) CancelSituation(ctx context.Context, id string) (bool, error) {
	resp, err := c.call(ctx, CancelSituationProcedure, map[string]any{"id": id})
	if err != nil {
		return false, err
	}
	return boolArg(resp, "cancelled"), nil
}

// DestroyObject drops the deferred situations of obj.
func (c *Client) DestroyObject(ctx context.Context, obj vm.ObjectID) (int, error) {
	resp, err := c.call(ctx, DestroyObjectProcedure, map[string]any{"object": float64(obj)})
	if err != nil {
		return 0, err
	}
	n, _ := numberArg(resp, "cancelled")
	return int(n), nil
}

// ClearCache drops every cached script and returns how many there were.
func (c *Client) ClearCache(ctx context.Context) (int, error) {
	resp, err := c.call(ctx, ClearCacheProcedure, nil)
	if err != nil {
		return 0, err
	}
	n, _ := numberArg(resp, "cleared")
	return int(n), nil
}

// Statistics are the runtime counters.
type Statistics struct {
	Instructions uint64
	ActionCalls  uint64
	Scripts      []host.ScriptStats
}

// Statistics returns the runtime counters.
func (c *Client) Statistics(ctx context.Context) (Statistics, error) {
	resp, err := c.call(ctx, StatisticsProcedure, nil)
	if err != nil {
		return Statistics{}, err
	}
	instructions, _ := numberArg(resp, "instructions")
	actionCalls, _ := numberArg(resp, "action_calls")
	st := Statistics{Instructions: uint64(instructions), ActionCalls: uint64(actionCalls)}
	for _, v := range resp.GetFields()["scripts"].GetListValue().GetValues() {
		m := v.GetStructValue()
		calls, _ := numberArg(m, "calls")
		situations, _ := numberArg(m, "situations")
		runtime, _ := numberArg(m, "runtime_ns")
		cost, _ := numberArg(m, "memory_cost")
		st.Scripts = append(st.Scripts, host.ScriptStats{
			Name:       stringArg(m, "name"),
			Compiled:   boolArg(m, "compiled"),
			Broken:     boolArg(m, "broken"),
			Calls:      uint64(calls),
			Situations: uint64(situations),
			Runtime:    time.Duration(runtime),
			MemoryCost: int(cost),
		})
	}
	return st, nil
}

// Abort stops the running script at its next action boundary.
func (c *Client) Abort(ctx context.Context) error {
	_, err := c.call(ctx, AbortProcedure, nil)
	return err
}

// PutScript uploads a compiled script, replacing any cached copy. It
// reports whether a cached copy was evicted.
func (c *Client) PutScript(ctx context.Context, name string, code, symbols []byte) (bool, error) {
	fields := map[string]any{"script": name, "code": code}
	if symbols != nil {
		fields["symbols"] = symbols
	}
	resp, err := c.call(ctx, PutScriptProcedure, fields)
	if err != nil {
		return false, err
	}
	return boolArg(resp, "replaced"), nil
}
