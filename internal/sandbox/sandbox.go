// Package sandbox implements the Task Executor Sandbox (C3, spec.md §4.1):
// task code runs with a restricted ambient environment and either
// completes, fails, or suspends on a callHostTool invocation.
//
// Grounded on mpataki-shop/internal/lua/runtime.go's gopher-lua runtime
// and its call-index cache of agent results — the same shape, generalized
// from "cached agent run keyed by call index" to "replayed external-call
// result keyed by call index" (spec.md's mandatory replay-log strategy,
// §4.1 option (a)). The teacher itself has no embeddable scripting layer,
// so this component is pulled from the rest of the pack per the transform
// instructions.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"

	lua "github.com/yuin/gopher-lua"

	"github.com/AnEntrypoint/tasker-wrapped-services/internal/errs"
	"github.com/AnEntrypoint/tasker-wrapped-services/internal/logger"
)

// Call is one recorded callHostTool invocation and its result — the unit
// stored in the replay log (StackRun.VMState).
type Call struct {
	ServiceName string          `json:"service_name"`
	MethodPath  string          `json:"method_path"`
	Args        json.RawMessage `json:"args"`
	Result      json.RawMessage `json:"result,omitempty"`
}

// Outcome is the sandbox's public contract return value, spec.md §4.1.
type Outcome struct {
	// Exactly one of the following is set.
	Completed *json.RawMessage
	Suspended *Suspension
	Failed    *errs.Error
}

// Suspension is the descriptor naming the external call a task awaits.
// CompensationMethodPath is the SUPPLEMENTED saga extension: task code
// may name a method path on the same service to call, in reverse
// order, if the chain ultimately fails after this call completes.
type Suspension struct {
	ServiceName            string
	MethodPath             string
	Args                   json.RawMessage
	CompensationMethodPath *string
}

// Sandbox executes task code (a Lua chunk) against an input and a replay
// log of prior call results.
type Sandbox struct {
	log logger.Logger
}

func New(log logger.Logger) *Sandbox {
	if log == nil {
		log = logger.Noop()
	}
	return &Sandbox{log: log}
}

// suspendSentinel unwinds Lua execution back to the sandbox boundary when
// a callHostTool invocation exhausts the replay log — spec.md §4.1's
// "unwindable sentinel."
type suspendSentinel struct {
	call                   Call
	compensationMethodPath *string
}

// Run executes taskCode with taskInput and the given replay log (in
// order), per the call-site continuation model: task code is re-executed
// from the top every time: calls within len(replay) are answered from the
// log, the next one suspends.
func (s *Sandbox) Run(ctx context.Context, taskCode string, taskInput json.RawMessage, stackRunID int64, replay []Call) Outcome {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	L.SetContext(ctx)

	openSafeLibs(L)

	rt := &taskRun{
		L:          L,
		log:        s.log,
		ctx:        ctx,
		stackRunID: stackRunID,
		replay:     replay,
	}
	rt.register(L)

	if err := L.DoString(taskCode); err != nil {
		return Outcome{Failed: errs.Wrap(errs.KindTaskCode, err, "failed to load task code").WithStep(stackRunID)}
	}

	runFn := L.GetGlobal("run")
	if runFn == lua.LNil {
		return Outcome{Failed: errs.New(errs.KindTaskCode, "task code must define a top-level 'run' function").WithStep(stackRunID)}
	}

	inputVal, err := jsonToLua(L, taskInput)
	if err != nil {
		return Outcome{Failed: errs.Wrap(errs.KindTaskCode, err, "failed to decode task input").WithStep(stackRunID)}
	}

	L.Push(runFn)
	L.Push(inputVal)
	callErr := L.PCall(1, 1, nil)

	if callErr != nil {
		if sus, ok := asSuspend(callErr); ok {
			return Outcome{Suspended: &Suspension{
				ServiceName:            sus.call.ServiceName,
				MethodPath:             sus.call.MethodPath,
				Args:                   sus.call.Args,
				CompensationMethodPath: sus.compensationMethodPath,
			}}
		}
		return Outcome{Failed: errs.Wrap(errs.KindTaskCode, callErr, "task code failed").WithStep(stackRunID)}
	}

	result := L.Get(-1)
	L.Pop(1)
	resultJSON, err := luaToJSON(result)
	if err != nil {
		return Outcome{Failed: errs.Wrap(errs.KindTaskCode, err, "failed to encode task result").WithStep(stackRunID)}
	}
	return Outcome{Completed: &resultJSON}
}

func asSuspend(err error) (*suspendSentinel, bool) {
	luaErr, ok := err.(*lua.ApiError)
	if !ok {
		return nil, false
	}
	if sus, ok := luaErr.Object.(*lua.LUserData); ok {
		if s, ok := sus.Value.(*suspendSentinel); ok {
			return s, true
		}
	}
	return nil, false
}

func (e *suspendSentinel) Error() string {
	return fmt.Sprintf("suspended on %s.%s", e.call.ServiceName, e.call.MethodPath)
}
