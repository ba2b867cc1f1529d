package runtime

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/powerjob/remoting/internal/runtime/errors"
)

func noop(*message.Message) error { return nil }

func TestConcurrencyPolicy(t *testing.T) {
	assert.Equal(t, 1, Single().Size())
	assert.False(t, Single().Pooled())
	assert.Equal(t, "single", Single().String())

	var zero ConcurrencyPolicy
	assert.Equal(t, 1, zero.Size())
	assert.Equal(t, "single", zero.String())

	pool := PooledRoundRobin(8)
	assert.Equal(t, 8, pool.Size())
	assert.True(t, pool.Pooled())
	assert.Equal(t, "round-robin(8)", pool.String())

	assert.Equal(t, 1, PooledRoundRobin(1).Size())
	assert.Equal(t, -1, PooledRoundRobin(0).Size())
	assert.Equal(t, -1, PooledRoundRobin(-3).Size())
}

func TestRegisterValidation(t *testing.T) {
	sys := newTestSystem(t, testConfig(t, "server", 10086, map[string]any{"dispatch.lanes.io": 2}), testDependencies(newTestNetwork(t)))

	tests := []struct {
		name string
		reg  HandlerRegistration
		want error
	}{
		{name: "empty name", reg: HandlerRegistration{Handler: noop}, want: errspkg.ErrHandlerNameRequired},
		{name: "blank name", reg: HandlerRegistration{Name: "  ", Handler: noop}, want: errspkg.ErrHandlerNameRequired},
		{name: "slash in name", reg: HandlerRegistration{Name: "a/b", Handler: noop}, want: errspkg.ErrInvalidAddress},
		{name: "no handler", reg: HandlerRegistration{Name: "h"}, want: errspkg.ErrHandlerRequired},
		{name: "zero pool", reg: HandlerRegistration{Name: "h", Policy: PooledRoundRobin(0), Handler: noop}, want: errspkg.ErrInvalidPoolSize},
		{name: "unknown lane", reg: HandlerRegistration{Name: "h", Lane: "cpu", Handler: noop}, want: errspkg.ErrUnknownLane},
		{name: "nil instance handler", reg: HandlerRegistration{
			Name:   "h",
			Policy: PooledRoundRobin(2),
			New: func(i int) message.NoPublishHandlerFunc {
				if i == 1 {
					return nil
				}
				return noop
			},
		}, want: errspkg.ErrHandlerRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Register(sys, tt.reg)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)

			var regErr *errspkg.RegistrationError
			require.True(t, errors.As(err, &regErr))
			assert.Equal(t, tt.reg.Name, regErr.Name)
		})
	}
	assert.Empty(t, sys.Handlers())

	require.NoError(t, Register(sys, HandlerRegistration{Name: "io-bound", Lane: "io", Handler: noop}))
	assert.Equal(t, []string{"io-bound"}, sys.Handlers())
}

func TestRegisterRequiresSystem(t *testing.T) {
	err := Register(nil, HandlerRegistration{Name: "h", Handler: noop})
	assert.ErrorIs(t, err, errspkg.ErrSystemRequired)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	sys := newTestSystem(t, testConfig(t, "server", 10086, nil), testDependencies(newTestNetwork(t)))

	require.NoError(t, Register(sys, HandlerRegistration{Name: "friend_actor", Handler: noop}))

	err := Register(sys, HandlerRegistration{Name: "friend_actor", Handler: noop})
	assert.ErrorIs(t, err, errspkg.ErrDuplicateHandler)

	err = Register(sys,
		HandlerRegistration{Name: "a", Handler: noop},
		HandlerRegistration{Name: "a", Handler: noop},
	)
	assert.ErrorIs(t, err, errspkg.ErrDuplicateHandler)
	assert.Equal(t, []string{"friend_actor"}, sys.Handlers(), "a failed batch registers nothing")
}

func TestRegisterIsAllOrNothing(t *testing.T) {
	sys := newTestSystem(t, testConfig(t, "server", 10086, nil), testDependencies(newTestNetwork(t)))

	err := Register(sys,
		HandlerRegistration{Name: "good", Handler: noop},
		HandlerRegistration{Name: "bad", Policy: PooledRoundRobin(-1), Handler: noop},
	)
	require.ErrorIs(t, err, errspkg.ErrInvalidPoolSize)
	assert.Empty(t, sys.Handlers())
}

func TestConcurrentRegistrationOfSameNameAcceptsExactlyOne(t *testing.T) {
	sys := newTestSystem(t, testConfig(t, "server", 10086, nil), testDependencies(newTestNetwork(t)))

	const contenders = 16
	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
		rejected  atomic.Int32
	)
	start := make(chan struct{})
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := Register(sys, HandlerRegistration{Name: "server_actor", Policy: PooledRoundRobin(2), Handler: noop})
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, errspkg.ErrDuplicateHandler):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), succeeded.Load())
	assert.Equal(t, int32(contenders-1), rejected.Load())
}

func TestRegisterAfterShutdownFails(t *testing.T) {
	sys := startTestSystem(t, testConfig(t, "server", 10086, nil), testDependencies(newTestNetwork(t)))
	require.NoError(t, sys.Shutdown(context.Background()))

	err := Register(sys, HandlerRegistration{Name: "late", Handler: noop})
	assert.ErrorIs(t, err, errspkg.ErrStopped)
}

func TestPooledHandlerFansOutRoundRobin(t *testing.T) {
	sys := startTestSystem(t, testConfig(t, "server", 10086, nil), testDependencies(newTestNetwork(t)))

	const (
		instances = 4
		perSlot   = 25
	)
	var (
		mu      sync.Mutex
		handled = make(map[int]int)
		fromCtx = make(map[int]int)
	)
	rec := newRecorder()
	require.NoError(t, Register(sys, HandlerRegistration{
		Name:   "server_actor",
		Policy: PooledRoundRobin(instances),
		New: func(i int) message.NoPublishHandlerFunc {
			return func(msg *message.Message) error {
				mu.Lock()
				handled[i]++
				fromCtx[InstanceFromContext(msg.Context())]++
				mu.Unlock()
				return rec.handle(msg)
			}
		},
	}))

	to := sys.Self("server_actor")
	for i := 0; i < instances*perSlot; i++ {
		sys.Send(to, textMessage(strconv.Itoa(i)))
	}
	rec.wait(t, instances*perSlot)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, handled, instances, "every instance must receive work")
	for i := 0; i < instances; i++ {
		assert.Equal(t, perSlot, handled[i], "instance %d", i)
		assert.Equal(t, perSlot, fromCtx[i], "instance %d from context", i)
	}


	// Stats are updated after the handler returns.
	require.Eventually(t, func() bool {
		return sys.HandlerInfos()[0].Stats.MessagesProcessed == instances*perSlot
	}, waitTimeout, 5*time.Millisecond)
	infos := sys.HandlerInfos()
	require.Len(t, infos, 1)
	assert.Equal(t, instances, infos[0].Instances)
	assert.Equal(t, "round-robin(4)", infos[0].Policy)
	assert.Equal(t, []uint64{perSlot, perSlot, perSlot, perSlot}, infos[0].Stats.PerInstance)
}

func TestSingletonProcessesInArrivalOrder(t *testing.T) {
	sys := startTestSystem(t, testConfig(t, "server", 10086, nil), testDependencies(newTestNetwork(t)))

	var active, overlap atomic.Int32
	rec := newRecorder()
	require.NoError(t, Register(sys, HandlerRegistration{
		Name: "friend_actor",
		Handler: func(msg *message.Message) error {
			if active.Add(1) > 1 {
				overlap.Add(1)
			}
			defer active.Add(-1)
			return rec.handle(msg)
		},
	}))

	const total = 200
	to := sys.Self("friend_actor")
	for i := 0; i < total; i++ {
		sys.Send(to, textMessage(strconv.Itoa(i)))
	}

	got := rec.wait(t, total)
	for i, msg := range got {
		if string(msg.Payload) != strconv.Itoa(i) {
			t.Fatalf("position %d holds %q", i, msg.Payload)
		}
	}
	assert.Zero(t, overlap.Load(), "a singleton never runs concurrently with itself")
}

func TestDispatchLaneBoundsConcurrency(t *testing.T) {
	sys := startTestSystem(t, testConfig(t, "server", 10086, map[string]any{"dispatch.lanes.narrow": 1}), testDependencies(newTestNetwork(t)))

	var active, peak atomic.Int32
	rec := newRecorder()
	require.NoError(t, Register(sys, HandlerRegistration{
		Name:   "server_actor",
		Policy: PooledRoundRobin(4),
		Lane:   "narrow",
		Handler: func(msg *message.Message) error {
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			active.Add(-1)
			return rec.handle(msg)
		},
	}))

	for i := 0; i < 20; i++ {
		sys.Send(sys.Self("server_actor"), textMessage("job"))
	}
	rec.wait(t, 20)
	assert.Equal(t, int32(1), peak.Load())
}

func TestHandlerErrorIsCountedNotDeadLettered(t *testing.T) {
	sys := startTestSystem(t, testConfig(t, "server", 10086, nil), testDependencies(newTestNetwork(t)))
	faults := observe(t, sys, "server_troubleshooting_actor")

	done := make(chan struct{}, 1)
	require.NoError(t, Register(sys, HandlerRegistration{
		Name: "failing",
		Handler: func(*message.Message) error {
			defer func() { done <- struct{}{} }()
			return errors.New("job rejected")
		},
	}))

	sys.Send(sys.Self("failing"), textMessage("x"))
	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("handler not invoked")
	}

	require.Eventually(t, func() bool {
		infos := sys.HandlerInfos()
		for _, info := range infos {
			if info.Name == "failing" {
				return info.Stats.MessagesFailed == 1
			}
		}
		return false
	}, waitTimeout, 5*time.Millisecond)
	faults.assertNoMore(t, 50*time.Millisecond)
}
