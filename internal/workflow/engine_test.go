package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestEngine(t *testing.T, opts ...EngineOption) (*Engine, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	engine := NewEngine(NewRegistry(), store, NewMemoryLock(), zap.NewNop(), opts...)
	return engine, store
}

func syncStep(id string, out string) StepDefinition {
	return StepDefinition{
		ID: id,
		Invoke: func(ctx context.Context, sc StepContext, input json.RawMessage) (StepResult, error) {
			return StepResult{Output: json.RawMessage(out)}, nil
		},
	}
}

func TestRunCompletesSequentialSteps(t *testing.T) {
	engine, store := newTestEngine(t)

	var order []string
	step := func(id string) StepDefinition {
		return StepDefinition{
			ID: id,
			Invoke: func(ctx context.Context, sc StepContext, input json.RawMessage) (StepResult, error) {
				order = append(order, id)
				return StepResult{Output: json.RawMessage(fmt.Sprintf(`{"step":%q}`, id))}, nil
			},
		}
	}
	require.NoError(t, engine.Registry().Register(Definition{
		ID:    "three-steps",
		Store: true,
		Steps: []StepDefinition{step("a"), step("b"), step("c")},
	}))

	res, err := engine.Run(context.Background(), "three-steps", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.JSONEq(t, `{"step":"c"}`, string(res.Result))
	assert.Empty(t, res.Errs)

	tx, err := store.GetTransaction(context.Background(), res.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, tx.Status)
	for _, st := range tx.Steps {
		assert.Equal(t, StepDone, st.Status)
	}
}

func TestRunChainsStepOutputs(t *testing.T) {
	engine, _ := newTestEngine(t)

	require.NoError(t, engine.Registry().Register(Definition{
		ID:    "chain",
		Store: true,
		Steps: []StepDefinition{
			{
				ID: "double",
				Invoke: func(ctx context.Context, sc StepContext, input json.RawMessage) (StepResult, error) {
					var in struct {
						N int `json:"n"`
					}
					require.NoError(t, json.Unmarshal(input, &in))
					return StepResult{Output: json.RawMessage(fmt.Sprintf(`{"n":%d}`, in.N*2))}, nil
				},
			},
			{
				ID: "double-again",
				Invoke: func(ctx context.Context, sc StepContext, input json.RawMessage) (StepResult, error) {
					var in struct {
						N int `json:"n"`
					}
					require.NoError(t, json.Unmarshal(input, &in))
					return StepResult{Output: json.RawMessage(fmt.Sprintf(`{"n":%d}`, in.N*2))}, nil
				},
			},
		},
	}))

	res, err := engine.Run(context.Background(), "chain", json.RawMessage(`{"n":3}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":12}`, string(res.Result))
}

func TestRunUnknownWorkflow(t *testing.T) {
	engine, _ := newTestEngine(t)
	_, err := engine.Run(context.Background(), "nope", nil)
	assert.ErrorIs(t, err, ErrWorkflowNotFound)
}

func TestRunValidatesInputSchema(t *testing.T) {
	engine, _ := newTestEngine(t)
	require.NoError(t, engine.Registry().Register(Definition{
		ID:          "strict",
		InputSchema: `{"type":"object","required":["name"],"properties":{"name":{"type":"string"}}}`,
		Steps:       []StepDefinition{syncStep("only", `{}`)},
	}))

	_, err := engine.Run(context.Background(), "strict", json.RawMessage(`{"wrong":true}`))
	assert.ErrorIs(t, err, ErrValidation)

	res, err := engine.Run(context.Background(), "strict", json.RawMessage(`{"name":"ok"}`))
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
}

func registerSuspending(t *testing.T, engine *Engine, id string, timeout time.Duration) {
	t.Helper()
	require.NoError(t, engine.Registry().Register(Definition{
		ID:    id,
		Store: true,
		Steps: []StepDefinition{
			syncStep("prepare", `{"prepared":true}`),
			{
				ID:      "await-signal",
				Async:   true,
				Timeout: timeout,
				Invoke: func(ctx context.Context, sc StepContext, input json.RawMessage) (StepResult, error) {
					return StepResult{CompensationData: json.RawMessage(`{"setup":true}`)}, nil
				},
			},
			{
				ID: "finish",
				Invoke: func(ctx context.Context, sc StepContext, input json.RawMessage) (StepResult, error) {
					return StepResult{Output: input}, nil
				},
			},
		},
	}))
}

func TestAsyncStepSuspendsAndReturnsControl(t *testing.T) {
	engine, store := newTestEngine(t)
	registerSuspending(t, engine, "wait", 0)

	res, err := engine.Run(context.Background(), "wait", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, StatusSuspended, res.Status)
	assert.Nil(t, res.Result)

	tx, err := store.GetTransaction(context.Background(), res.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuspended, tx.Status)
	st := tx.SuspendedStep()
	require.NotNil(t, st)
	assert.Equal(t, "await-signal", st.StepID)
	assert.NotNil(t, st.SuspendedAt)
}

func TestSetStepSuccessResumesAndCompletes(t *testing.T) {
	engine, store := newTestEngine(t)
	registerSuspending(t, engine, "wait", 0)

	res, err := engine.Run(context.Background(), "wait", json.RawMessage(`{}`))
	require.NoError(t, err)

	key := IdempotencyKey{
		WorkflowID:    "wait",
		TransactionID: res.TransactionID,
		StepID:        "await-signal",
		Action:        ActionInvoke,
	}
	resumed, err := engine.SetStepSuccess(context.Background(), key, json.RawMessage(`{"answer":42}`))
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, resumed.Status)
	assert.JSONEq(t, `{"answer":42}`, string(resumed.Result))

	tx, err := store.GetTransaction(context.Background(), res.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, tx.Status)
}

func TestDuplicateSignalIsRejected(t *testing.T) {
	engine, _ := newTestEngine(t)
	registerSuspending(t, engine, "wait", 0)

	res, err := engine.Run(context.Background(), "wait", json.RawMessage(`{}`))
	require.NoError(t, err)

	key := IdempotencyKey{
		WorkflowID:    "wait",
		TransactionID: res.TransactionID,
		StepID:        "await-signal",
		Action:        ActionInvoke,
	}
	_, err = engine.SetStepSuccess(context.Background(), key, nil)
	require.NoError(t, err)

	_, err = engine.SetStepSuccess(context.Background(), key, nil)
	assert.ErrorIs(t, err, ErrStepNotSuspended)
}

func TestSignalUnknownTransaction(t *testing.T) {
	engine, _ := newTestEngine(t)
	registerSuspending(t, engine, "wait", 0)

	key := IdempotencyKey{
		WorkflowID:    "wait",
		TransactionID: "missing",
		StepID:        "await-signal",
		Action:        ActionInvoke,
	}
	_, err := engine.SetStepSuccess(context.Background(), key, nil)
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestSignalRequiresInvokeAction(t *testing.T) {
	engine, _ := newTestEngine(t)
	registerSuspending(t, engine, "wait", 0)

	key := IdempotencyKey{
		WorkflowID:    "wait",
		TransactionID: "whatever",
		StepID:        "await-signal",
		Action:        ActionCompensate,
	}
	_, err := engine.SetStepSuccess(context.Background(), key, nil)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestProbeStepSuccess(t *testing.T) {
	engine, _ := newTestEngine(t)
	registerSuspending(t, engine, "wait", 0)

	res, err := engine.Run(context.Background(), "wait", json.RawMessage(`{}`))
	require.NoError(t, err)

	// Probing a gate that is not suspended swallows the condition.
	_, ok, err := engine.ProbeStepSuccess(context.Background(), IdempotencyKey{
		WorkflowID:    "wait",
		TransactionID: res.TransactionID,
		StepID:        "prepare",
		Action:        ActionInvoke,
	}, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	// Other errors still surface.
	_, _, err = engine.ProbeStepSuccess(context.Background(), IdempotencyKey{
		WorkflowID:    "wait",
		TransactionID: "missing",
		StepID:        "await-signal",
		Action:        ActionInvoke,
	}, nil)
	assert.ErrorIs(t, err, ErrTransactionNotFound)

	// The suspended gate accepts.
	probed, ok, err := engine.ProbeStepSuccess(context.Background(), IdempotencyKey{
		WorkflowID:    "wait",
		TransactionID: res.TransactionID,
		StepID:        "await-signal",
		Action:        ActionInvoke,
	}, json.RawMessage(`{"ok":true}`))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, StatusCompleted, probed.Status)
}

func TestCompensationRunsInReverseOrder(t *testing.T) {
	engine, store := newTestEngine(t)

	var mu sync.Mutex
	var compensated []string
	comp := func(id string) CompensateFunc {
		return func(ctx context.Context, sc StepContext, data json.RawMessage) error {
			mu.Lock()
			defer mu.Unlock()
			compensated = append(compensated, id)
			return nil
		}
	}

	require.NoError(t, engine.Registry().Register(Definition{
		ID:    "boom",
		Store: true,
		Steps: []StepDefinition{
			{
				ID: "a",
				Invoke: func(ctx context.Context, sc StepContext, input json.RawMessage) (StepResult, error) {
					return StepResult{Output: json.RawMessage(`{}`), CompensationData: json.RawMessage(`"a"`)}, nil
				},
				Compensate: comp("a"),
			},
			{
				ID: "b",
				Invoke: func(ctx context.Context, sc StepContext, input json.RawMessage) (StepResult, error) {
					return StepResult{Output: json.RawMessage(`{}`), CompensationData: json.RawMessage(`"b"`)}, nil
				},
				Compensate: comp("b"),
			},
			{
				ID: "c",
				Invoke: func(ctx context.Context, sc StepContext, input json.RawMessage) (StepResult, error) {
					return StepResult{}, errors.New("c exploded")
				},
				Compensate: comp("c"),
			},
		},
	}))

	res, err := engine.Run(context.Background(), "boom", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, StatusReverted, res.Status)
	// The failed step's own compensation must not run.
	assert.Equal(t, []string{"b", "a"}, compensated)
	require.NotEmpty(t, res.Errs)
	assert.ErrorContains(t, res.Errs[0], "c exploded")

	tx, err := store.GetTransaction(context.Background(), res.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, StatusReverted, tx.Status)
	assert.Equal(t, StepCompensated, tx.Step("a").Status)
	assert.Equal(t, StepCompensated, tx.Step("b").Status)
	assert.Equal(t, StepFailed, tx.Step("c").Status)
}

func TestCompensationReceivesCompensationData(t *testing.T) {
	engine, _ := newTestEngine(t)

	var got string
	require.NoError(t, engine.Registry().Register(Definition{
		ID: "compdata",
		Steps: []StepDefinition{
			{
				ID: "create",
				Invoke: func(ctx context.Context, sc StepContext, input json.RawMessage) (StepResult, error) {
					return StepResult{
						Output:           json.RawMessage(`{"rich":"response"}`),
						CompensationData: json.RawMessage(`{"id":"rec-1"}`),
					}, nil
				},
				Compensate: func(ctx context.Context, sc StepContext, data json.RawMessage) error {
					got = string(data)
					return nil
				},
			},
			{
				ID: "fail",
				Invoke: func(ctx context.Context, sc StepContext, input json.RawMessage) (StepResult, error) {
					return StepResult{}, errors.New("nope")
				},
			},
		},
	}))

	res, err := engine.Run(context.Background(), "compdata", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, StatusReverted, res.Status)
	assert.JSONEq(t, `{"id":"rec-1"}`, got)
}

func TestCompensationFailureMarksTransactionFailed(t *testing.T) {
	engine, store := newTestEngine(t)

	var compensated []string
	require.NoError(t, engine.Registry().Register(Definition{
		ID:    "badcomp",
		Store: true,
		Steps: []StepDefinition{
			{
				ID: "a",
				Invoke: func(ctx context.Context, sc StepContext, input json.RawMessage) (StepResult, error) {
					return StepResult{Output: json.RawMessage(`{}`)}, nil
				},
				Compensate: func(ctx context.Context, sc StepContext, data json.RawMessage) error {
					compensated = append(compensated, "a")
					return nil
				},
			},
			{
				ID: "b",
				Invoke: func(ctx context.Context, sc StepContext, input json.RawMessage) (StepResult, error) {
					return StepResult{Output: json.RawMessage(`{}`)}, nil
				},
				Compensate: func(ctx context.Context, sc StepContext, data json.RawMessage) error {
					return errors.New("cannot undo b")
				},
			},
			{
				ID: "c",
				Invoke: func(ctx context.Context, sc StepContext, input json.RawMessage) (StepResult, error) {
					return StepResult{}, errors.New("c failed")
				},
			},
		},
	}))

	res, err := engine.Run(context.Background(), "badcomp", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	// Best effort: a's compensation still ran after b's failed.
	assert.Equal(t, []string{"a"}, compensated)

	tx, err := store.GetTransaction(context.Background(), res.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, tx.Status)
	assert.Len(t, tx.Errors, 2)
}

func TestRetryPolicy(t *testing.T) {
	engine, _ := newTestEngine(t)

	attempts := 0
	require.NoError(t, engine.Registry().Register(Definition{
		ID: "flaky",
		Steps: []StepDefinition{
			{
				ID:    "eventually",
				Retry: &RetryPolicy{AutoRetry: true, MaxRetries: 3, Interval: time.Millisecond},
				Invoke: func(ctx context.Context, sc StepContext, input json.RawMessage) (StepResult, error) {
					attempts++
					assert.Equal(t, attempts, sc.Attempt)
					if attempts < 3 {
						return StepResult{}, errors.New("transient")
					}
					return StepResult{Output: json.RawMessage(`{"ok":true}`)}, nil
				},
			},
		},
	}))

	res, err := engine.Run(context.Background(), "flaky", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 3, attempts)
}

func TestRetryExhaustionTriggersCompensation(t *testing.T) {
	engine, _ := newTestEngine(t)

	attempts := 0
	require.NoError(t, engine.Registry().Register(Definition{
		ID: "hopeless",
		Steps: []StepDefinition{
			{
				ID:    "never",
				Retry: &RetryPolicy{AutoRetry: true, MaxRetries: 2, Interval: time.Millisecond},
				Invoke: func(ctx context.Context, sc StepContext, input json.RawMessage) (StepResult, error) {
					attempts++
					return StepResult{}, errors.New("permanent")
				},
			},
		},
	}))

	res, err := engine.Run(context.Background(), "hopeless", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, StatusReverted, res.Status)
	assert.Equal(t, 3, attempts)
}

func TestWithFailFast(t *testing.T) {
	engine, _ := newTestEngine(t)

	require.NoError(t, engine.Registry().Register(Definition{
		ID: "fastboom",
		Steps: []StepDefinition{
			{
				ID: "explode",
				Invoke: func(ctx context.Context, sc StepContext, input json.RawMessage) (StepResult, error) {
					return StepResult{}, errors.New("kaboom")
				},
			},
		},
	}))

	_, err := engine.Run(context.Background(), "fastboom", json.RawMessage(`{}`), WithFailFast())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStepExecution)
}

func TestSuspendedStepTimeoutLazyExpiry(t *testing.T) {
	engine, store := newTestEngine(t)
	registerSuspending(t, engine, "short-wait", 10*time.Millisecond)

	res, err := engine.Run(context.Background(), "short-wait", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, StatusSuspended, res.Status)

	time.Sleep(30 * time.Millisecond)

	key := IdempotencyKey{
		WorkflowID:    "short-wait",
		TransactionID: res.TransactionID,
		StepID:        "await-signal",
		Action:        ActionInvoke,
	}
	_, err = engine.SetStepSuccess(context.Background(), key, nil)
	assert.ErrorIs(t, err, ErrStepTimeout)

	tx, err := store.GetTransaction(context.Background(), res.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, StatusReverted, tx.Status)
	assert.Equal(t, StepFailed, tx.Step("await-signal").Status)
}

func TestWatchdogSweepExpiresSuspensions(t *testing.T) {
	engine, store := newTestEngine(t)
	registerSuspending(t, engine, "short-wait", 10*time.Millisecond)

	res, err := engine.Run(context.Background(), "short-wait", json.RawMessage(`{}`))
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	engine.Sweep(context.Background())

	tx, err := store.GetTransaction(context.Background(), res.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, StatusReverted, tx.Status)
}

func TestRetentionPrunesTerminalTransactions(t *testing.T) {
	engine, store := newTestEngine(t)

	require.NoError(t, engine.Registry().Register(Definition{
		ID:        "short-lived",
		Store:     true,
		Retention: time.Nanosecond,
		Steps:     []StepDefinition{syncStep("only", `{}`)},
	}))

	res, err := engine.Run(context.Background(), "short-lived", json.RawMessage(`{}`))
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	engine.Sweep(context.Background())

	_, err = store.GetTransaction(context.Background(), res.TransactionID)
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestUnstoredWorkflowDiscardsTerminalTransaction(t *testing.T) {
	engine, store := newTestEngine(t)

	require.NoError(t, engine.Registry().Register(Definition{
		ID:    "ephemeral",
		Store: false,
		Steps: []StepDefinition{syncStep("only", `{}`)},
	}))

	res, err := engine.Run(context.Background(), "ephemeral", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)

	_, err = store.GetTransaction(context.Background(), res.TransactionID)
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestSubWorkflowCompletesInline(t *testing.T) {
	engine, store := newTestEngine(t)

	require.NoError(t, engine.Registry().Register(Definition{
		ID:    "child",
		Store: true,
		Steps: []StepDefinition{syncStep("child-work", `{"from":"child"}`)},
	}))
	require.NoError(t, engine.Registry().Register(Definition{
		ID:    "parent",
		Store: true,
		Steps: []StepDefinition{
			{ID: "delegate", SubWorkflow: "child"},
			{
				ID: "after",
				Invoke: func(ctx context.Context, sc StepContext, input json.RawMessage) (StepResult, error) {
					// Default mapper hands the child's result to the next step.
					return StepResult{Output: input}, nil
				},
			},
		},
	}))

	res, err := engine.Run(context.Background(), "parent", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.JSONEq(t, `{"from":"child"}`, string(res.Result))

	tx, err := store.GetTransaction(context.Background(), res.TransactionID)
	require.NoError(t, err)
	childID := tx.Step("delegate").ChildTxID
	require.NotEmpty(t, childID)

	child, err := store.GetTransaction(context.Background(), childID)
	require.NoError(t, err)
	assert.Equal(t, tx.ID, child.ParentTxID)
	assert.Equal(t, "delegate", child.ParentStepID)
}

func TestSubWorkflowSuspensionSuspendsParent(t *testing.T) {
	engine, store := newTestEngine(t)
	registerSuspending(t, engine, "child-wait", 0)

	require.NoError(t, engine.Registry().Register(Definition{
		ID:    "parent-wait",
		Store: true,
		Steps: []StepDefinition{
			{ID: "delegate", SubWorkflow: "child-wait"},
			syncStep("after", `{"done":true}`),
		},
	}))

	res, err := engine.Run(context.Background(), "parent-wait", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, StatusSuspended, res.Status)

	parent, err := store.GetTransaction(context.Background(), res.TransactionID)
	require.NoError(t, err)
	childID := parent.Step("delegate").ChildTxID
	require.NotEmpty(t, childID)

	// Resuming the child drives the child to completion, which signals the
	// parent and runs its remaining steps.
	_, err = engine.SetStepSuccess(context.Background(), IdempotencyKey{
		WorkflowID:    "child-wait",
		TransactionID: childID,
		StepID:        "await-signal",
		Action:        ActionInvoke,
	}, json.RawMessage(`{"child":"result"}`))
	require.NoError(t, err)

	parent, err = store.GetTransaction(context.Background(), res.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, parent.Status)
}

func TestSubWorkflowFailureRevertsParent(t *testing.T) {
	engine, store := newTestEngine(t)

	require.NoError(t, engine.Registry().Register(Definition{
		ID:    "doomed-child",
		Store: true,
		Steps: []StepDefinition{
			{
				ID: "fail",
				Invoke: func(ctx context.Context, sc StepContext, input json.RawMessage) (StepResult, error) {
					return StepResult{}, errors.New("child broke")
				},
			},
		},
	}))

	var parentCompensated bool
	require.NoError(t, engine.Registry().Register(Definition{
		ID:    "doomed-parent",
		Store: true,
		Steps: []StepDefinition{
			{
				ID: "setup",
				Invoke: func(ctx context.Context, sc StepContext, input json.RawMessage) (StepResult, error) {
					return StepResult{Output: json.RawMessage(`{}`)}, nil
				},
				Compensate: func(ctx context.Context, sc StepContext, data json.RawMessage) error {
					parentCompensated = true
					return nil
				},
			},
			{ID: "delegate", SubWorkflow: "doomed-child"},
		},
	}))

	res, err := engine.Run(context.Background(), "doomed-parent", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, StatusReverted, res.Status)
	assert.True(t, parentCompensated)

	tx, err := store.GetTransaction(context.Background(), res.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, StatusReverted, tx.Status)
	assert.Equal(t, StepFailed, tx.Step("delegate").Status)
}

func TestEventsEmitted(t *testing.T) {
	engine, _ := newTestEngine(t)
	registerSuspending(t, engine, "wait", 0)

	var mu sync.Mutex
	var events []string
	record := func(name string) func(string, string) {
		return func(txID, id string) {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, name)
		}
	}
	engine.Subscribe(&Events{
		OnRunStart:      record("run_start"),
		OnRunCompleted:  record("run_completed"),
		OnStepSuspended: record("step_suspended"),
		OnStepResumed:   record("step_resumed"),
	})

	res, err := engine.Run(context.Background(), "wait", json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = engine.SetStepSuccess(context.Background(), IdempotencyKey{
		WorkflowID:    "wait",
		TransactionID: res.TransactionID,
		StepID:        "await-signal",
		Action:        ActionInvoke,
	}, nil)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"run_start", "step_suspended", "step_resumed", "run_completed"}, events)
}

func TestPanickingEventHandlerDoesNotAffectRun(t *testing.T) {
	engine, _ := newTestEngine(t)
	require.NoError(t, engine.Registry().Register(Definition{
		ID:    "calm",
		Steps: []StepDefinition{syncStep("only", `{}`)},
	}))
	engine.Subscribe(&Events{
		OnRunStart: func(txID, workflowID string) { panic("handler bug") },
	})

	res, err := engine.Run(context.Background(), "calm", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
}

func TestConcurrentSignalsOneWinner(t *testing.T) {
	engine, _ := newTestEngine(t)
	registerSuspending(t, engine, "contended", 0)

	res, err := engine.Run(context.Background(), "contended", json.RawMessage(`{}`))
	require.NoError(t, err)

	key := IdempotencyKey{
		WorkflowID:    "contended",
		TransactionID: res.TransactionID,
		StepID:        "await-signal",
		Action:        ActionInvoke,
	}

	const n = 8
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = engine.SetStepSuccess(context.Background(), key, nil)
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			assert.ErrorIs(t, err, ErrStepNotSuspended)
		}
	}
	assert.Equal(t, 1, winners)
}
