package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"connectrpc.com/connect"
	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/chazu/nwvm/host"
	"github.com/chazu/nwvm/pkg/ncs"
	"github.com/chazu/nwvm/vm"
)

// ServiceName is the fully-qualified name of the script service.
const ServiceName = "nwvm.v1.ScriptService"

// Procedure paths of the script service.
const (
	ExecuteProcedure         = "/" + ServiceName + "/Execute"
	ResumeProcedure          = "/" + ServiceName + "/Resume"
	DetachProcedure          = "/" + ServiceName + "/Detach"
	ReleaseProcedure         = "/" + ServiceName + "/Release"
	ListSituationsProcedure  = "/" + ServiceName + "/ListSituations"
	CancelSituationProcedure = "/" + ServiceName + "/CancelSituation"
	DestroyObjectProcedure   = "/" + ServiceName + "/DestroyObject"
	ClearCacheProcedure      = "/" + ServiceName + "/ClearCache"
	StatisticsProcedure      = "/" + ServiceName + "/Statistics"
	AbortProcedure           = "/" + ServiceName + "/Abort"
	PutScriptProcedure       = "/" + ServiceName + "/PutScript"
)

type unaryFunc = func(context.Context, *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error)

// ScriptService implements the script service handlers. Every handler
// that touches the runtime goes through the worker.
type ScriptService struct {
	worker  *host.Worker
	handles *HandleStore
	store   *host.SQLiteProvider
	log     commonlog.Logger
}

// NewScriptService creates a ScriptService. store may be nil, in which
// case PutScript is unimplemented.
func NewScriptService(worker *host.Worker, handles *HandleStore, store *host.SQLiteProvider) *ScriptService {
	return &ScriptService{
		worker:  worker,
		handles: handles,
		store:   store,
		log:     commonlog.GetLogger("nwvm.server"),
	}
}

// NewScriptServiceHandler builds an HTTP handler serving every procedure
// of svc over the Connect, gRPC and gRPC-Web protocols. It returns the
// path prefix to mount it on.
func NewScriptServiceHandler(svc *ScriptService, opts ...connect.HandlerOption) (string, http.Handler) {
	mux := http.NewServeMux()
	for procedure, fn := range map[string]unaryFunc{
		ExecuteProcedure:         svc.Execute,
		ResumeProcedure:          svc.Resume,
		DetachProcedure:          svc.Detach,
		ReleaseProcedure:         svc.Release,
		ListSituationsProcedure:  svc.ListSituations,
		CancelSituationProcedure: svc.CancelSituation,
		DestroyObjectProcedure:   svc.DestroyObject,
		ClearCacheProcedure:      svc.ClearCache,
		StatisticsProcedure:      svc.Statistics,
		AbortProcedure:           svc.Abort,
		PutScriptProcedure:       svc.PutScript,
	} {
		mux.Handle(procedure, connect.NewUnaryHandler(procedure, fn, opts...))
	}
	return "/" + ServiceName + "/", mux
}

// do runs fn on the worker, mapping a stopped worker to Unavailable.
func (s *ScriptService) do(fn func(*host.Runtime) error) error {
	err := s.worker.Do(fn)
	if errors.Is(err, host.ErrWorkerStopped) {
		return connect.NewError(connect.CodeUnavailable, err)
	}
	return err
}

// outcome reports a script run. Script failures are part of the reply,
// not RPC errors.
func outcome(code int32, err error) (*connect.Response[structpb.Struct], error) {
	fields := map[string]any{"ok": err == nil, "code": code}
	if err != nil {
		var ce *connect.Error
		if errors.As(err, &ce) {
			return nil, err
		}
		fields["error"] = err.Error()
		fields["aborted"] = vm.IsAbort(err)
	}
	return reply(fields)
}

// ---------------------------------------------------------------------------
// Execution
// ---------------------------------------------------------------------------

// Execute runs a script by name. Fields: script, self, params (strings,
// converted for the entry point), default.
func (s *ScriptService) Execute(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	name := stringArg(req.Msg, "script")
	if name == "" {
		return nil, invalidArgument("script is required")
	}
	self, err := objectArg(req.Msg, "self", vm.ObjectInvalid)
	if err != nil {
		return nil, err
	}
	args, err := stringsArg(req.Msg, "params")
	if err != nil {
		return nil, err
	}
	def, err := int32Arg(req.Msg, "default", 0)
	if err != nil {
		return nil, err
	}

	var code int32
	err = s.do(func(rt *host.Runtime) error {
		var params []vm.Value
		if len(args) > 0 {
			e, err := rt.LoadScript(name)
			if err != nil {
				return err
			}
			if params, err = vm.ConvertParameters(e.Program, args); err != nil {
				return err
			}
		}
		var err error
		code, err = rt.ExecuteScript(name, self, params, def, host.FlagRaiseOnFailure)
		return err
	})
	if err != nil {
		code = def
	}
	return outcome(code, err)
}

// Resume runs a detached situation, given either as a handle or as
// serialized data. Fields: handle | data, self (defaults to the object the
// situation was deferred on).
func (s *ScriptService) Resume(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	data, err := bytesArg(req.Msg, "data")
	if err != nil {
		return nil, err
	}

	var sit *vm.Situation
	var target vm.ObjectID
	switch id := stringArg(req.Msg, "handle"); {
	case id != "":
		var ok bool
		if sit, target, ok = s.handles.Take(id); !ok {
			return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("handle %q not found", id))
		}
	case data != nil:
		if sit, err = vm.UnmarshalSituation(data); err != nil {
			return nil, connect.NewError(connect.CodeInvalidArgument, err)
		}
		target = sit.Self
	default:
		return nil, invalidArgument("handle or data is required")
	}

	self, err := objectArg(req.Msg, "self", target)
	if err != nil {
		s.handles.discard(sit)
		return nil, err
	}

	err = s.do(func(rt *host.Runtime) error {
		if sit.Executable() == nil {
			if err := rt.Cache().Bind(sit); err != nil {
				return err
			}
		}
		return rt.ExecuteScriptSituation(sit, self)
	})
	return outcome(0, err)
}

// ---------------------------------------------------------------------------
// Situations
// ---------------------------------------------------------------------------

func situationID(m *structpb.Struct) (uuid.UUID, error) {
	id, err := uuid.Parse(stringArg(m, "id"))
	if err != nil {
		return uuid.Nil, invalidArgument("id: %v", err)
	}
	return id, nil
}

// Detach takes a deferred situation out of the runtime and holds it under
// a handle. The reply carries the serialized situation when it can be
// serialized.
func (s *ScriptService) Detach(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	id, err := situationID(req.Msg)
	if err != nil {
		return nil, err
	}

	var d *host.Deferred
	err = s.do(func(rt *host.Runtime) error {
		var ok bool
		if d, ok = rt.Situations().Take(id); !ok {
			return connect.NewError(connect.CodeNotFound, fmt.Errorf("situation %s not found", id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	fields := map[string]any{
		"handle": s.handles.Create(d.Situation, d.Target),
		"script": d.Situation.Script,
		"target": float64(d.Target),
	}
	if data, err := vm.MarshalSituation(d.Situation); err == nil {
		fields["data"] = data
	} else {
		s.log.Debugf("situation %s is held without data: %s", id, err)
	}
	return reply(fields)
}

// Release discards a detached situation.
func (s *ScriptService) Release(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	id := stringArg(req.Msg, "handle")
	if id == "" {
		return nil, invalidArgument("handle is required")
	}
	return reply(map[string]any{"released": s.handles.Release(id)})
}

// ListSituations lists the deferred situations, pending first.
func (s *ScriptService) ListSituations(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	var list []any
	err := s.do(func(rt *host.Runtime) error {
		for _, d := range rt.Situations().Snapshot() {
			list = append(list, map[string]any{
				"id":       d.ID.String(),
				"script":   d.Situation.Script,
				"target":   float64(d.Target),
				"delay_ms": float64(d.Delay.Milliseconds()),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reply(map[string]any{"situations": list, "detached": s.handles.Len()})
}

// CancelSituation drops one deferred situation.
func (s *ScriptService) CancelSituation(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	id, err := situationID(req.Msg)
	if err != nil {
		return nil, err
	}
	var cancelled bool
	err = s.do(func(rt *host.Runtime) error {
		cancelled = rt.Situations().Cancel(id)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reply(map[string]any{"cancelled": cancelled})
}

// DestroyObject drops the deferred situations of an object.
func (s *ScriptService) DestroyObject(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	if _, ok := req.Msg.GetFields()["object"]; !ok {
		return nil, invalidArgument("object is required")
	}
	obj, err := objectArg(req.Msg, "object", vm.ObjectInvalid)
	if err != nil {
		return nil, err
	}
	var n int
	err = s.do(func(rt *host.Runtime) error {
		n = rt.DestroyObject(obj)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reply(map[string]any{"cancelled": n})
}

// ---------------------------------------------------------------------------
// Cache and control
// ---------------------------------------------------------------------------

// ClearCache drops every cached script and deferred situation.
func (s *ScriptService) ClearCache(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	var n int
	err := s.do(func(rt *host.Runtime) error {
		n = rt.Cache().Len()
		rt.ClearScriptCache()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reply(map[string]any{"cleared": n})
}

// Statistics returns the per-script counters, most called first.
func (s *ScriptService) Statistics(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	fields := map[string]any{}
	err := s.do(func(rt *host.Runtime) error {
		var scripts []any
		for _, st := range rt.DumpStatistics() {
			scripts = append(scripts, map[string]any{
				"name":        st.Name,
				"compiled":    st.Compiled,
				"broken":      st.Broken,
				"calls":       float64(st.Calls),
				"situations":  float64(st.Situations),
				"runtime_ns":  float64(st.Runtime.Nanoseconds()),
				"memory_cost": float64(st.MemoryCost),
			})
		}
		instructions, actionCalls := rt.VM().Stats()
		fields["scripts"] = scripts
		fields["instructions"] = float64(instructions)
		fields["action_calls"] = float64(actionCalls)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reply(fields)
}

// Abort stops the running script at its next action boundary. It does
// not wait for the worker.
func (s *ScriptService) Abort(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	s.worker.Runtime().Abort()
	s.log.Infof("abort requested")
	return reply(map[string]any{})
}

// PutScript stores a compiled script in the script database and evicts
// any cached copy. Fields: script, code, symbols (base64).
func (s *ScriptService) PutScript(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	if s.store == nil {
		return nil, connect.NewError(connect.CodeUnimplemented, errors.New("no script database configured"))
	}
	name := host.ResourceName(stringArg(req.Msg, "script"))
	if name == "" {
		return nil, invalidArgument("script is required")
	}
	code, err := bytesArg(req.Msg, "code")
	if err != nil {
		return nil, err
	}
	symbols, err := bytesArg(req.Msg, "symbols")
	if err != nil {
		return nil, err
	}
	if _, err := ncs.Decode(name, code); err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}

	if err := s.store.PutScript(name, code, symbols); err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	var replaced bool
	err = s.do(func(rt *host.Runtime) error {
		replaced = rt.Cache().Evict(name)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Infof("stored script %s (%d bytes)", name, len(code))
	return reply(map[string]any{"replaced": replaced})
}
