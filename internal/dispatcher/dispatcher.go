// Package dispatcher implements the Service Dispatcher (C2, spec.md
// §4.3): given a pending StackRun naming (serviceName, methodName,
// args), it calls the corresponding endpoint and classifies the
// outcome as Completed, ChildSuspended, or Failed.
//
// The per-serviceName routing table is a plain Go map built at process
// startup, matching spec.md's "core makes no assumption about the
// endpoint's internal shape." Grounded on the teacher's preference for
// small, explicit interfaces over reflection-based routing (see
// internal/persistence/repository/repository.go's sub-repository
// split) — no example repo carries an RPC dispatch table, so this is
// new code shaped like the teacher's other seams.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/AnEntrypoint/tasker-wrapped-services/internal/errs"
	"github.com/AnEntrypoint/tasker-wrapped-services/internal/logger"
	"github.com/AnEntrypoint/tasker-wrapped-services/internal/sandbox"
)

// CodeServiceName is the distinguished serviceName that re-enters the
// Task Sandbox instead of calling out, spec.md §4.3.
const CodeServiceName = "code"

// Outcome is the Dispatcher's classified return value, spec.md §4.3.
type Outcome struct {
	Completed      *json.RawMessage
	ChildSuspended *sandbox.Suspension
	Failed         *errs.Error
}

// StackRun is the subset of store.StackRun the Dispatcher needs, kept
// narrow so this package does not import internal/store.
type StackRun struct {
	ID          int64
	ServiceName string
	MethodName  string
	Args        json.RawMessage
	TaskCode    string
	Replay      []sandbox.Call
}

// Endpoint is one named external service. Implementations must be safe
// for concurrent use across chains.
type Endpoint interface {
	Call(ctx context.Context, methodPath string, args json.RawMessage) (json.RawMessage, error)
}

// ReshapeFunc rewrites a raw endpoint response into the object shape
// task code expects — spec.md §4.3's "only place result reshaping is
// permitted."
type ReshapeFunc func(raw json.RawMessage) (json.RawMessage, error)

// FanOutEndpoint is the subset of endpoints able to run several calls
// to the same methodPath concurrently. HTTPEndpoint implements it via
// FanOutCall.
type FanOutEndpoint interface {
	Endpoint
	FanOutCall(ctx context.Context, methodPath string, argsList []json.RawMessage) ([]json.RawMessage, error)
}

// FanOutReshapeFunc is ReshapeFunc's fan-out counterpart: a response
// that names a list of related resources instead of carrying them
// inline is reshaped by issuing one follow-up call per resource
// through ep before producing the final shape, spec.md §4.3's
// "result-shaping lookups that need a follow-up read."
type FanOutReshapeFunc func(ctx context.Context, ep FanOutEndpoint, raw json.RawMessage) (json.RawMessage, error)

// Dispatcher routes StackRuns to endpoints and applies result shaping.
type Dispatcher struct {
	endpoints       map[string]Endpoint
	reshapers       map[string]ReshapeFunc
	fanOutReshapers map[string]FanOutReshapeFunc
	sandbox         *sandbox.Sandbox
	log             logger.Logger
}

// New builds a Dispatcher. endpoints must not contain CodeServiceName —
// code steps are always routed to the given Sandbox internally.
func New(sb *sandbox.Sandbox, endpoints map[string]Endpoint, reshapers map[string]ReshapeFunc, log logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.Noop()
	}
	if endpoints == nil {
		endpoints = map[string]Endpoint{}
	}
	if reshapers == nil {
		reshapers = map[string]ReshapeFunc{}
	}
	return &Dispatcher{endpoints: endpoints, reshapers: reshapers, fanOutReshapers: map[string]FanOutReshapeFunc{}, sandbox: sb, log: log}
}

// RegisterFanOutReshaper wires a FanOutReshapeFunc for methodPath
// suffixes matching suffix, consulted ahead of the plain ReshapeFunc
// table. Kept as a post-construction setter, not a New() parameter,
// since only a handful of deployments need the fan-out path and most
// construct a Dispatcher with none.
func (d *Dispatcher) RegisterFanOutReshaper(suffix string, fn FanOutReshapeFunc) {
	d.fanOutReshapers[suffix] = fn
}

// Dispatch calls the named endpoint for sr and classifies the result.
func (d *Dispatcher) Dispatch(ctx context.Context, sr StackRun) Outcome {
	if sr.ServiceName == CodeServiceName {
		return d.dispatchCode(ctx, sr)
	}
	return d.dispatchExternal(ctx, sr)
}

func (d *Dispatcher) dispatchCode(ctx context.Context, sr StackRun) Outcome {
	res := d.sandbox.Run(ctx, sr.TaskCode, sr.Args, sr.ID, sr.Replay)
	switch {
	case res.Failed != nil:
		return Outcome{Failed: res.Failed}
	case res.Suspended != nil:
		return Outcome{ChildSuspended: res.Suspended}
	default:
		shaped, err := d.reshape(ctx, nil, sr.MethodName, *res.Completed)
		if err != nil {
			return Outcome{Failed: errs.Wrap(errs.KindTransport, err, "result shaping failed").WithStep(sr.ID)}
		}
		return Outcome{Completed: &shaped}
	}
}

// Compensate dispatches a saga compensation call (SPEC_FULL.md's
// supplemented compensation-chain feature) against the same endpoint a
// completed step used, reusing dispatchExternal's error classification.
// Compensations never re-enter the Task Sandbox; a code step's
// CompensationMethodPath, if ever set, is a deployment error the
// Scheduler surfaces as a failed compensation rather than silently
// skipping.
func (d *Dispatcher) Compensate(ctx context.Context, stepID int64, serviceName, compensationMethodPath string, args json.RawMessage) Outcome {
	return d.dispatchExternal(ctx, StackRun{
		ID:          stepID,
		ServiceName: serviceName,
		MethodName:  compensationMethodPath,
		Args:        args,
	})
}

func (d *Dispatcher) dispatchExternal(ctx context.Context, sr StackRun) Outcome {
	ep, ok := d.endpoints[sr.ServiceName]
	if !ok {
		return Outcome{Failed: errs.New(errs.KindExternal, "unknown service: "+sr.ServiceName).WithStep(sr.ID)}
	}

	raw, err := ep.Call(ctx, sr.MethodName, sr.Args)
	if err != nil {
		kind := errs.KindExternal
		if ctx.Err() != nil {
			kind = errs.KindTimeout
		}
		return Outcome{Failed: errs.Wrap(kind, err, "endpoint call failed").WithStep(sr.ID)}
	}

	shaped, err := d.reshape(ctx, ep, sr.MethodName, raw)
	if err != nil {
		return Outcome{Failed: errs.Wrap(errs.KindTransport, err, "result shaping failed").WithStep(sr.ID)}
	}
	return Outcome{Completed: &shaped}
}

// reshape looks up a reshaper by exact methodPath suffix match, trying
// the fan-out table first since it's the more specific of the two,
// then the plain ReshapeFunc table, then falls through to
// byte-transparent propagation when neither matches. ep is nil for
// code steps, which never carry a fan-out reshaper.
func (d *Dispatcher) reshape(ctx context.Context, ep Endpoint, methodPath string, raw json.RawMessage) (json.RawMessage, error) {
	for suffix, fn := range d.fanOutReshapers {
		if hasSuffix(methodPath, suffix) {
			foEp, ok := ep.(FanOutEndpoint)
			if !ok {
				return nil, fmt.Errorf("fan-out reshaping for %q requires a FanOutEndpoint", methodPath)
			}
			return fn(ctx, foEp, raw)
		}
	}
	for suffix, fn := range d.reshapers {
		if hasSuffix(methodPath, suffix) {
			return fn(raw)
		}
	}
	return raw, nil
}

func hasSuffix(s, suffix string) bool {
	if len(suffix) > len(s) {
		return false
	}
	return s[len(s)-len(suffix):] == suffix
}
