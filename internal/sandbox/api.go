package sandbox

import (
	"context"
	"encoding/json"
	"fmt"

	lua "github.com/yuin/gopher-lua"
	"github.com/google/uuid"

	"github.com/AnEntrypoint/tasker-wrapped-services/internal/logger"
)

// uuidNamespace roots the deterministic uuid() global — spec.md §4.1
// requires task code have a deterministic identifier source so replay
// produces byte-identical IDs, never a random one.
var uuidNamespace = uuid.MustParse("6f6e6f01-3a6e-4c7e-9b1a-8f6f1c2d9e10")

// openSafeLibs mirrors mpataki-shop's curated gopher-lua stdlib subset:
// base, table, string and math, with the file/code-loading base functions
// and math's nondeterministic functions stripped.
func openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("print", lua.LNil) // use log() instead

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	if mathTbl, ok := L.GetGlobal("math").(*lua.LTable); ok {
		L.SetField(mathTbl, "random", lua.LNil)
		L.SetField(mathTbl, "randomseed", lua.LNil)
	}
}

// taskRun is the per-Run() registration context: it closes over the
// replay log and the call index, and exposes hostcall/log/uuid as Lua
// globals. Grounded on mpataki-shop's Runtime.registerAPI / r.luaRun,
// generalized from a single cached tool ("run") to an arbitrary
// service.method namespace with a replay log supplied by the caller
// rather than a persistent on-disk store.
type taskRun struct {
	L          *lua.LState
	log        logger.Logger
	ctx        context.Context
	stackRunID int64
	replay     []Call
	callIndex  int
}

func (rt *taskRun) register(L *lua.LState) {
	L.SetGlobal("hostcall", L.NewFunction(rt.hostcall))
	L.SetGlobal("log", L.NewFunction(rt.luaLog))
	L.SetGlobal("uuid", L.NewFunction(rt.luaUUID))
}

// hostcall(serviceName, methodPath, args, compensationMethodPath) is the
// sole escape hatch task code has to the outside world. It either
// returns the logged result of a prior call at this call index, or
// suspends the whole VM. compensationMethodPath is optional — the
// SUPPLEMENTED saga extension: a method path on the same service to
// call, in reverse order, if the chain later fails.
func (rt *taskRun) hostcall(L *lua.LState) int {
	serviceName := L.CheckString(1)
	methodPath := L.CheckString(2)
	var argsVal lua.LValue = lua.LNil
	if L.GetTop() >= 3 {
		argsVal = L.CheckAny(3)
	}
	var compensationMethodPath *string
	if L.GetTop() >= 4 {
		if s, ok := L.CheckAny(4).(lua.LString); ok {
			cmp := string(s)
			compensationMethodPath = &cmp
		}
	}

	argsJSON, err := luaToJSON(argsVal)
	if err != nil {
		L.RaiseError("hostcall: failed to encode args: %v", err)
		return 0
	}

	idx := rt.callIndex
	rt.callIndex++

	if idx < len(rt.replay) {
		cached := rt.replay[idx]
		result, err := jsonToLua(L, cached.Result)
		if err != nil {
			L.RaiseError("hostcall: failed to decode cached result at index %d: %v", idx, err)
			return 0
		}
		L.Push(result)
		return 1
	}

	sus := &suspendSentinel{
		call: Call{
			ServiceName: serviceName,
			MethodPath:  methodPath,
			Args:        argsJSON,
		},
		compensationMethodPath: compensationMethodPath,
	}
	ud := L.NewUserData()
	ud.Value = sus
	L.Error(ud, 1)
	return 0
}

func (rt *taskRun) luaLog(L *lua.LState) int {
	msg := L.CheckString(1)
	rt.log.Info(rt.ctx, msg, "stack_run_id", rt.stackRunID)
	return 0
}

// luaUUID derives a deterministic v5 UUID from the owning step and the
// call index, so repeated replay of the same step produces the same id.
func (rt *taskRun) luaUUID(L *lua.LState) int {
	name := fmt.Sprintf("%d:%d", rt.stackRunID, rt.callIndex)
	id := uuid.NewSHA1(uuidNamespace, []byte(name))
	L.Push(lua.LString(id.String()))
	return 1
}

// jsonToLua decodes a JSON value into the equivalent Lua value.
func jsonToLua(L *lua.LState, raw json.RawMessage) (lua.LValue, error) {
	if len(raw) == 0 {
		return lua.LNil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return goToLua(L, v), nil
}

func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []any:
		tbl := L.NewTable()
		for i, item := range val {
			tbl.RawSetInt(i+1, goToLua(L, item))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for k, item := range val {
			tbl.RawSetString(k, goToLua(L, item))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

// luaToJSON encodes a Lua value back into JSON, the reverse of
// jsonToLua. Tables are treated as arrays when every key is a
// contiguous 1-based integer, objects otherwise.
func luaToJSON(v lua.LValue) (json.RawMessage, error) {
	goVal, err := luaToGo(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(goVal)
}

func luaToGo(v lua.LValue) (any, error) {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LBool:
		return bool(val), nil
	case lua.LNumber:
		return float64(val), nil
	case lua.LString:
		return string(val), nil
	case *lua.LTable:
		return tableToGo(val)
	default:
		return nil, fmt.Errorf("unsupported lua value of type %s", v.Type().String())
	}
}

func tableToGo(tbl *lua.LTable) (any, error) {
	maxN := tbl.Len()
	isArray := maxN > 0
	tbl.ForEach(func(k, _ lua.LValue) {
		if _, ok := k.(lua.LNumber); !ok {
			isArray = false
		}
	})

	if isArray {
		arr := make([]any, 0, maxN)
		for i := 1; i <= maxN; i++ {
			item, err := luaToGo(tbl.RawGetInt(i))
			if err != nil {
				return nil, err
			}
			arr = append(arr, item)
		}
		return arr, nil
	}

	obj := map[string]any{}
	var outerErr error
	tbl.ForEach(func(k, lv lua.LValue) {
		if outerErr != nil {
			return
		}
		item, err := luaToGo(lv)
		if err != nil {
			outerErr = err
			return
		}
		obj[k.String()] = item
	})
	if outerErr != nil {
		return nil, outerErr
	}
	return obj, nil
}
