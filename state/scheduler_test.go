package state

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEnv(t *testing.T) (*Env, chan func(*State) error) {
	ctx, cancel := context.WithCancelCause(context.Background())
	t.Cleanup(func() { cancel(nil) })

	dispatchChan := make(chan func(*State) error, 10)
	env := &Env{
		DispatchChannel: dispatchChan,
		Context:         ctx,
		Cancel:          cancel,
	}
	return env, dispatchChan
}

func TestDispatch(t *testing.T) {
	env, dispatchChan := newTestEnv(t)
	state := &State{Env: env}

	var called bool
	env.Dispatch(func(s *State) error {
		called = true
		return nil
	})

	select {
	case f := <-dispatchChan:
		require.NoError(t, f(state))
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Timed out waiting for dispatched function")
	}
	assert.True(t, called)
}

func TestDispatchAfterStop(t *testing.T) {
	env, dispatchChan := newTestEnv(t)
	env.Stopping.Store(true)

	env.Dispatch(func(s *State) error { return nil })
	assert.Empty(t, dispatchChan)
}

func TestDispatchWait(t *testing.T) {
	env, dispatchChan := newTestEnv(t)
	state := &State{Env: env}

	go func() {
		for f := range dispatchChan {
			_ = f(state)
		}
	}()
	defer close(dispatchChan)

	res, err := env.DispatchWait(func(s *State) (any, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, res)

	boom := errors.New("boom")
	_, err = env.DispatchWait(func(s *State) (any, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestDispatchWaitCancelled(t *testing.T) {
	env, _ := newTestEnv(t)
	env.Cancel(errors.New("stopped"))

	_, err := env.DispatchWait(func(s *State) (any, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScheduleTask(t *testing.T) {
	env, dispatchChan := newTestEnv(t)
	state := &State{Env: env}

	var taskCalled bool
	env.ScheduleTask(func(s *State) error {
		taskCalled = true
		return nil
	}, 50*time.Millisecond)

	select {
	case f := <-dispatchChan:
		require.NoError(t, f(state))
	case <-time.After(time.Second):
		t.Fatal("No task was scheduled")
	}
	assert.True(t, taskCalled)
}

func TestRepeatTask(t *testing.T) {
	env, dispatchChan := newTestEnv(t)
	state := &State{Env: env}

	var wg sync.WaitGroup
	wg.Add(3)
	var count int

	env.RepeatTask(func(s *State) error {
		count++
		if count <= 3 {
			wg.Done()
		}
		if count == 3 {
			env.Cancel(nil)
		}
		return nil
	}, 20*time.Millisecond)

	// Process the repeat tasks until context is cancelled.
loop:
	for {
		select {
		case f := <-dispatchChan:
			require.NoError(t, f(state))
		case <-env.Context.Done():
			break loop
		case <-time.After(500 * time.Millisecond):
			t.Fatal("Timed out waiting for RepeatTask to execute")
		}
	}
	wg.Wait()
	assert.GreaterOrEqual(t, count, 3)
}
