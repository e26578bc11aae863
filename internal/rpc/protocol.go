// ============================================================================
// relaunchd RPC - Wire protocol
// ============================================================================
//
// Package: internal/rpc
// File: protocol.go
// Purpose: Request / Reply types and their structpb encoding.
//
// One unary gRPC method carries every call:
//
//   /relaunchd.v1.Supervisor/Call  (google.protobuf.Struct) -> (google.protobuf.Struct)
//
//   request: {"method": "kill", "args": ["TERM", "svc"], "domain": "user",
//             "kwargs": {"generation": 3}}
//   reply:   {"error": false, "kind": "", "message": "",
//             "jobs": [{"Label": ..., "PID": ..., ...}], "version": ""}
//
// Failures travel inside the reply with a machine-readable kind; a gRPC
// status error means the call never reached the supervisor loop.
//
// ============================================================================

package rpc

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/relaunchd/internal/activation"
	"github.com/ChuLiYu/relaunchd/internal/jobmanager"
	"github.com/ChuLiYu/relaunchd/internal/manifest"
	"github.com/ChuLiYu/relaunchd/pkg/types"
)

// gRPC names of the supervisor service.
const (
	ServiceName = "relaunchd.v1.Supervisor"
	callMethod  = "/" + ServiceName + "/Call"
)

// Method names understood by the supervisor.
const (
	MethodList    = "list"
	MethodLoad    = "load"
	MethodUnload  = "unload"
	MethodRemove  = "remove"
	MethodEnable  = "enable"
	MethodDisable = "disable"
	MethodKill    = "kill"
	MethodSubmit  = "submit"
	MethodStart   = "start"
	MethodStop    = "stop"
	MethodDump    = "dump"
	MethodVersion = "version"
)

// Error kinds carried in replies.
const (
	KindValidation     = "validation"
	KindResource       = "resource"
	KindProtocol       = "protocol"
	KindDuplicateLabel = "duplicate_label"
	KindNotFound       = "not_found"
	KindNotRunning     = "not_running"
	KindNotImplemented = "not_implemented"
	KindInternal       = "internal"
)

// ErrProtocol marks malformed requests, unknown methods, bad arguments and
// requests addressed to another domain.
var ErrProtocol = errors.New("protocol error")

// kindErrors maps each kind to the sentinel a RemoteError of that kind
// matches.
var kindErrors = []struct {
	kind string
	err  error
}{
	{KindValidation, manifest.ErrInvalidManifest},
	{KindNotImplemented, activation.ErrNotImplemented},
	{KindResource, types.ErrResource},
	{KindProtocol, ErrProtocol},
	{KindDuplicateLabel, jobmanager.ErrDuplicateJob},
	{KindNotFound, jobmanager.ErrJobNotFound},
	{KindNotRunning, jobmanager.ErrNotRunning},
}

// KindOf classifies err for the wire.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	for _, ke := range kindErrors {
		if errors.Is(err, ke.err) {
			return ke.kind
		}
	}
	return KindInternal
}

// RemoteError is a failure reported by the supervisor.
type RemoteError struct {
	Kind    string
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// Is matches the sentinel of the error's kind, so callers can test remote
// failures with the same errors.Is checks as local ones.
func (e *RemoteError) Is(target error) bool {
	for _, ke := range kindErrors {
		if ke.kind == e.Kind && ke.err == target {
			return true
		}
	}
	return false
}

// Request 代表一次 RPC 呼叫
type Request struct {
	Method string
	Args   []string
	Domain string
	Kwargs map[string]any // string / bool / float64
}

// Bool reads a boolean keyword argument.
func (r Request) Bool(key string) bool {
	v, _ := r.Kwargs[key].(bool)
	return v
}

// String reads a string keyword argument.
func (r Request) String(key string) string {
	v, _ := r.Kwargs[key].(string)
	return v
}

// Uint reads a non-negative integer keyword argument.
func (r Request) Uint(key string) uint64 {
	v, _ := r.Kwargs[key].(float64)
	if v < 0 {
		return 0
	}
	return uint64(v)
}

// Reply 代表 supervisor 的回覆
type Reply struct {
	Kind    string // 空字串表示成功
	Message string
	Jobs    []types.JobSummary
	Version string
}

// ErrorReply builds the reply for a failed call.
func ErrorReply(err error) Reply {
	return Reply{Kind: KindOf(err), Message: err.Error()}
}

// Err returns the reply's failure, or nil.
func (r Reply) Err() error {
	if r.Kind == "" {
		return nil
	}
	return &RemoteError{Kind: r.Kind, Message: r.Message}
}

// ============================================================================
// structpb encoding
// ============================================================================

func encodeRequest(req Request) (*structpb.Struct, error) {
	args := make([]any, len(req.Args))
	for i, a := range req.Args {
		args[i] = a
	}
	kwargs := req.Kwargs
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	return structpb.NewStruct(map[string]any{
		"method": req.Method,
		"args":   args,
		"domain": req.Domain,
		"kwargs": kwargs,
	})
}

func decodeRequest(in *structpb.Struct) (Request, error) {
	fields := in.GetFields()
	var req Request

	method, ok := fields["method"].GetKind().(*structpb.Value_StringValue)
	if !ok || method.StringValue == "" {
		return req, fmt.Errorf("%w: missing method", ErrProtocol)
	}
	req.Method = method.StringValue
	req.Domain = fields["domain"].GetStringValue()

	if v, ok := fields["args"]; ok {
		list, ok := v.GetKind().(*structpb.Value_ListValue)
		if !ok {
			return req, fmt.Errorf("%w: args is not a list", ErrProtocol)
		}
		for i, a := range list.ListValue.GetValues() {
			s, ok := a.GetKind().(*structpb.Value_StringValue)
			if !ok {
				return req, fmt.Errorf("%w: args[%d] is not a string", ErrProtocol, i)
			}
			req.Args = append(req.Args, s.StringValue)
		}
	}

	if v, ok := fields["kwargs"]; ok {
		s, ok := v.GetKind().(*structpb.Value_StructValue)
		if !ok {
			return req, fmt.Errorf("%w: kwargs is not an object", ErrProtocol)
		}
		req.Kwargs = s.StructValue.AsMap()
	}
	return req, nil
}

func encodeReply(r Reply) *structpb.Struct {
	jobs := make([]*structpb.Value, len(r.Jobs))
	for i, j := range r.Jobs {
		jobs[i] = structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"Label":          structpb.NewStringValue(string(j.Label)),
			"PID":            structpb.NewNumberValue(float64(j.PID)),
			"State":          structpb.NewStringValue(string(j.State)),
			"LastExitStatus": structpb.NewNumberValue(float64(j.LastExitStatus)),
			"Generation":     structpb.NewNumberValue(float64(j.Generation)),
		}})
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"error":   structpb.NewBoolValue(r.Kind != ""),
		"kind":    structpb.NewStringValue(r.Kind),
		"message": structpb.NewStringValue(r.Message),
		"jobs":    structpb.NewListValue(&structpb.ListValue{Values: jobs}),
		"version": structpb.NewStringValue(r.Version),
	}}
}

func decodeReply(in *structpb.Struct) (Reply, error) {
	fields := in.GetFields()
	r := Reply{
		Kind:    fields["kind"].GetStringValue(),
		Message: fields["message"].GetStringValue(),
		Version: fields["version"].GetStringValue(),
	}
	if fields["error"].GetBoolValue() && r.Kind == "" {
		r.Kind = KindInternal
	}

	for i, v := range fields["jobs"].GetListValue().GetValues() {
		obj := v.GetStructValue()
		if obj == nil {
			return r, fmt.Errorf("%w: jobs[%d] is not an object", ErrProtocol, i)
		}
		f := obj.GetFields()
		r.Jobs = append(r.Jobs, types.JobSummary{
			Label:          types.Label(f["Label"].GetStringValue()),
			PID:            int(f["PID"].GetNumberValue()),
			State:          types.JobState(f["State"].GetStringValue()),
			LastExitStatus: int(f["LastExitStatus"].GetNumberValue()),
			Generation:     uint64(f["Generation"].GetNumberValue()),
		})
	}
	return r, nil
}
