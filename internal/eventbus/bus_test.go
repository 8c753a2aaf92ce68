package eventbus

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kandev/agentsession/internal/logger"
	"github.com/kandev/agentsession/internal/runnerproto"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.New(logger.Config{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func TestBus_EmitDeliversInRegistrationOrder(t *testing.T) {
	bus := New("s1", newTestLogger(t))

	var order []int
	bus.On(runnerproto.TypeBlockStart, func(runnerproto.Event) error {
		order = append(order, 1)
		return nil
	})
	bus.On(runnerproto.TypeBlockStart, func(runnerproto.Event) error {
		order = append(order, 2)
		return nil
	})

	bus.Emit(runnerproto.Event{Type: runnerproto.TypeBlockStart})
	require.Equal(t, []int{1, 2}, order)
}

func TestBus_EmitOnlyInvokesMatchingType(t *testing.T) {
	bus := New("s1", newTestLogger(t))

	calls := 0
	bus.On(runnerproto.TypeBlockStart, func(runnerproto.Event) error {
		calls++
		return nil
	})

	bus.Emit(runnerproto.Event{Type: runnerproto.TypeBlockComplete})
	require.Equal(t, 0, calls)
}

func TestBus_ListenerErrorDoesNotStopOthers(t *testing.T) {
	bus := New("s1", newTestLogger(t))

	second := false
	bus.On(runnerproto.TypeError, func(runnerproto.Event) error {
		return errors.New("boom")
	})
	bus.On(runnerproto.TypeError, func(runnerproto.Event) error {
		second = true
		return nil
	})

	bus.Emit(runnerproto.Event{Type: runnerproto.TypeError})
	require.True(t, second)
}

func TestBus_ListenerPanicIsCaught(t *testing.T) {
	bus := New("s1", newTestLogger(t))

	second := false
	bus.On(runnerproto.TypeError, func(runnerproto.Event) error {
		panic("boom")
	})
	bus.On(runnerproto.TypeError, func(runnerproto.Event) error {
		second = true
		return nil
	})

	require.NotPanics(t, func() {
		bus.Emit(runnerproto.Event{Type: runnerproto.TypeError})
	})
	require.True(t, second)
}

func TestBus_OffRemovesListeners(t *testing.T) {
	bus := New("s1", newTestLogger(t))
	bus.On(runnerproto.TypeBlockStart, func(runnerproto.Event) error { return nil })
	require.Equal(t, 1, bus.ListenerCount(runnerproto.TypeBlockStart))

	bus.Off(runnerproto.TypeBlockStart)
	require.Equal(t, 0, bus.ListenerCount(runnerproto.TypeBlockStart))
}

func TestBus_CloseMakesEmitANoOp(t *testing.T) {
	bus := New("s1", newTestLogger(t))

	calls := 0
	bus.On(runnerproto.TypeBlockStart, func(runnerproto.Event) error {
		calls++
		return nil
	})

	bus.Close()
	bus.Emit(runnerproto.Event{Type: runnerproto.TypeBlockStart})
	require.Equal(t, 0, calls)
}

func TestBus_RegistrationDuringDispatchAppliesNextEmit(t *testing.T) {
	bus := New("s1", newTestLogger(t))

	secondCalls := 0
	bus.On(runnerproto.TypeBlockStart, func(runnerproto.Event) error {
		bus.On(runnerproto.TypeBlockStart, func(runnerproto.Event) error {
			secondCalls++
			return nil
		})
		return nil
	})

	bus.Emit(runnerproto.Event{Type: runnerproto.TypeBlockStart})
	require.Equal(t, 0, secondCalls, "listener added mid-dispatch must not run in the same Emit")

	bus.Emit(runnerproto.Event{Type: runnerproto.TypeBlockStart})
	require.Equal(t, 1, secondCalls)
}
