package sandbox

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/AnEntrypoint/tasker-wrapped-services/internal/logger"
)

func TestRun_CompletesWithoutHostcall(t *testing.T) {
	sb := New(logger.Noop())
	code := `
function run(input)
  return { doubled = input.n * 2 }
end
`
	out := sb.Run(context.Background(), code, json.RawMessage(`{"n":21}`), 1, nil)
	require.Nil(t, out.Failed)
	require.Nil(t, out.Suspended)
	require.NotNil(t, out.Completed)

	var result struct{ Doubled float64 `json:"doubled"` }
	require.NoError(t, json.Unmarshal(*out.Completed, &result))
	require.Equal(t, float64(42), result.Doubled)
}

func TestRun_SuspendsOnFirstHostcall(t *testing.T) {
	sb := New(logger.Noop())
	code := `
function run(input)
  local res = hostcall("billing", "charge", { amount = input.amount })
  return { charged = res.ok }
end
`
	out := sb.Run(context.Background(), code, json.RawMessage(`{"amount":100}`), 7, nil)
	require.Nil(t, out.Failed)
	require.Nil(t, out.Completed)
	require.NotNil(t, out.Suspended)
	require.Equal(t, "billing", out.Suspended.ServiceName)
	require.Equal(t, "charge", out.Suspended.MethodPath)

	var args struct{ Amount float64 `json:"amount"` }
	require.NoError(t, json.Unmarshal(out.Suspended.Args, &args))
	require.Equal(t, float64(100), args.Amount)
}

func TestRun_ReplaysLoggedCallThenSuspendsOnNext(t *testing.T) {
	sb := New(logger.Noop())
	code := `
function run(input)
  local first = hostcall("billing", "charge", { amount = input.amount })
  local second = hostcall("notify", "email", { to = input.email })
  return { charged = first.ok, notified = second.ok }
end
`
	replay := []Call{
		{ServiceName: "billing", MethodPath: "charge", Result: json.RawMessage(`{"ok":true}`)},
	}
	out := sb.Run(context.Background(), code, json.RawMessage(`{"amount":100,"email":"a@b.com"}`), 9, replay)
	require.Nil(t, out.Failed)
	require.Nil(t, out.Completed)
	require.NotNil(t, out.Suspended)
	require.Equal(t, "notify", out.Suspended.ServiceName)
	require.Equal(t, "email", out.Suspended.MethodPath)
}

func TestRun_CompletesAfterFullReplay(t *testing.T) {
	sb := New(logger.Noop())
	code := `
function run(input)
  local first = hostcall("billing", "charge", { amount = input.amount })
  local second = hostcall("notify", "email", { to = input.email })
  return { charged = first.ok, notified = second.ok }
end
`
	replay := []Call{
		{ServiceName: "billing", MethodPath: "charge", Result: json.RawMessage(`{"ok":true}`)},
		{ServiceName: "notify", MethodPath: "email", Result: json.RawMessage(`{"ok":true}`)},
	}
	out := sb.Run(context.Background(), code, json.RawMessage(`{"amount":100,"email":"a@b.com"}`), 9, replay)
	require.Nil(t, out.Failed)
	require.Nil(t, out.Suspended)
	require.NotNil(t, out.Completed)

	var result struct {
		Charged  bool `json:"charged"`
		Notified bool `json:"notified"`
	}
	require.NoError(t, json.Unmarshal(*out.Completed, &result))
	require.True(t, result.Charged)
	require.True(t, result.Notified)
}

func TestRun_SuspendsWithCompensationMethodPath(t *testing.T) {
	sb := New(logger.Noop())
	code := `
function run(input)
  local res = hostcall("billing", "charge", { amount = input.amount }, "refund")
  return { charged = res.ok }
end
`
	out := sb.Run(context.Background(), code, json.RawMessage(`{"amount":100}`), 7, nil)
	require.Nil(t, out.Failed)
	require.NotNil(t, out.Suspended)
	require.NotNil(t, out.Suspended.CompensationMethodPath)
	require.Equal(t, "refund", *out.Suspended.CompensationMethodPath)
}

func TestRun_SuspendsWithoutCompensationMethodPath(t *testing.T) {
	sb := New(logger.Noop())
	code := `
function run(input)
  return hostcall("billing", "charge", { amount = input.amount })
end
`
	out := sb.Run(context.Background(), code, json.RawMessage(`{"amount":100}`), 7, nil)
	require.Nil(t, out.Failed)
	require.NotNil(t, out.Suspended)
	require.Nil(t, out.Suspended.CompensationMethodPath)
}

func TestRun_FailsOnLuaError(t *testing.T) {
	sb := New(logger.Noop())
	code := `
function run(input)
  error("deliberate failure")
end
`
	out := sb.Run(context.Background(), code, json.RawMessage(`{}`), 3, nil)
	require.NotNil(t, out.Failed)
	require.Nil(t, out.Completed)
	require.Nil(t, out.Suspended)
}

func TestRun_FailsWithoutRunFunction(t *testing.T) {
	sb := New(logger.Noop())
	out := sb.Run(context.Background(), `x = 1`, json.RawMessage(`{}`), 3, nil)
	require.NotNil(t, out.Failed)
}

func TestRun_DeterministicUUIDAcrossReplay(t *testing.T) {
	sb := New(logger.Noop())
	code := `
function run(input)
  return { id = uuid() }
end
`
	out1 := sb.Run(context.Background(), code, json.RawMessage(`{}`), 42, nil)
	out2 := sb.Run(context.Background(), code, json.RawMessage(`{}`), 42, nil)
	require.NotNil(t, out1.Completed)
	require.NotNil(t, out2.Completed)
	require.JSONEq(t, string(*out1.Completed), string(*out2.Completed))
}

func TestRun_MathRandomRemoved(t *testing.T) {
	sb := New(logger.Noop())
	code := `
function run(input)
  return { has_random = math.random ~= nil }
end
`
	out := sb.Run(context.Background(), code, json.RawMessage(`{}`), 1, nil)
	require.NotNil(t, out.Completed)

	var result struct{ HasRandom bool `json:"has_random"` }
	require.NoError(t, json.Unmarshal(*out.Completed, &result))
	require.False(t, result.HasRandom)
}
