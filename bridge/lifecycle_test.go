package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ardnew/cardbridge/pkg"
)

func TestMountSequence(t *testing.T) {
	f := newFixture(t, 512, 16)

	require.True(t, f.bridge.Mount())
	require.True(t, f.bridge.IsMounted())
	require.True(t, f.card.IsOpen())

	require.Equal(t, []string{
		"card open",
		"present true",
		"begin 16 512",
		"stack begin",
	}, f.log.list())

	cs := f.class.snapshot()
	require.Equal(t, DefaultVendorID, cs.vendor)
	require.Equal(t, DefaultProductID, cs.product)
	require.Equal(t, DefaultRevision, cs.revision)
	require.True(t, cs.present)
	require.True(t, cs.started)

	lc := f.bridge.Lifecycle()
	require.Equal(t, uint64(1), lc.Generation())
	require.Equal(t, uint32(512), lc.Geometry().SectorSize)
	require.Equal(t, uint64(16), lc.Geometry().SectorCount)
	require.False(t, lc.MountedAt().IsZero())
	require.Equal(t, DefaultConfig().Pins, f.card.Pins())
}

func TestMountTwiceOpensOnce(t *testing.T) {
	f := newFixture(t, 512, 16)

	require.True(t, f.bridge.Mount())
	require.True(t, f.bridge.Mount())
	require.NoError(t, f.bridge.MountContext(context.Background()))

	require.ErrorIs(t, f.bridge.Lifecycle().Mount(context.Background()), pkg.ErrAlreadyInState)

	require.Equal(t, uint64(1), f.card.Stats().Opens)
	require.Equal(t, 1, f.class.snapshot().begins)
	require.Equal(t, uint64(1), f.bridge.Lifecycle().Generation())
}

func TestMountWithoutCard(t *testing.T) {
	f := newFixture(t, 512, 16)
	f.card.SetPresent(false)

	require.False(t, f.bridge.Mount())
	err := f.bridge.MountContext(context.Background())
	require.ErrorIs(t, err, pkg.ErrMediaAbsent)

	require.False(t, f.bridge.IsMounted())
	require.False(t, f.card.IsOpen())
	require.Equal(t, 0, f.class.snapshot().begins)
	require.Equal(t, uint64(0), f.bridge.Lifecycle().Generation())
}

func TestMountZeroGeometry(t *testing.T) {
	f := newFixture(t, 512, 0)

	err := f.bridge.MountContext(context.Background())
	require.ErrorIs(t, err, pkg.ErrMediaAbsent)
	require.False(t, f.bridge.IsMounted())
	require.Equal(t, 0, f.class.snapshot().begins)
}

func TestMountCancelledContext(t *testing.T) {
	f := newFixture(t, 512, 16)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, f.bridge.MountContext(ctx), context.Canceled)
	require.Equal(t, uint64(0), f.card.Stats().Opens)
}

func TestMountClassStartFailure(t *testing.T) {
	f := newFixture(t, 512, 16)
	f.class.beginErr = errors.New("bad geometry")

	err := f.bridge.MountContext(context.Background())
	require.ErrorIs(t, err, pkg.ErrClassStart)
	require.ErrorContains(t, err, "bad geometry")

	require.False(t, f.bridge.IsMounted())
	require.False(t, f.card.IsOpen())
	require.False(t, f.class.snapshot().present)
	require.Equal(t, []string{
		"card open",
		"present true",
		"begin 16 512",
		"present false",
		"card close",
	}, f.log.list())
}

func TestMountStackFailure(t *testing.T) {
	f := newFixture(t, 512, 16)
	stackErr := errors.New("no controller")
	f.stack.beginErr = stackErr

	err := f.bridge.MountContext(context.Background())
	require.ErrorIs(t, err, stackErr)

	require.False(t, f.bridge.IsMounted())
	require.False(t, f.card.IsOpen())
	cs := f.class.snapshot()
	require.False(t, cs.present)
	require.False(t, cs.started)

	f.stack.beginErr = nil
	require.True(t, f.bridge.Mount())
	require.Equal(t, uint64(1), f.bridge.Lifecycle().Generation())
}

func TestUnmountSequence(t *testing.T) {
	f := newFixture(t, 512, 16)
	f.mount(t)

	f.bridge.Unmount()

	require.False(t, f.bridge.IsMounted())
	require.False(t, f.card.IsOpen())
	require.Equal(t, []string{
		"present false",
		"sleep 50ms",
		"end",
		"sleep 10ms",
		"card close",
	}, f.log.list())

	// The device stack is left running.
	require.Equal(t, 1, f.stack.begins)
	require.True(t, f.stack.running)
}

func TestUnmountWhenUnmounted(t *testing.T) {
	f := newFixture(t, 512, 16)

	f.bridge.Unmount()
	require.ErrorIs(t, f.bridge.Lifecycle().Unmount(), pkg.ErrAlreadyInState)

	require.Empty(t, f.log.list())
	require.Equal(t, uint64(0), f.card.Stats().Closes)
}

func TestRemountBumpsGeneration(t *testing.T) {
	f := newFixture(t, 512, 16)

	require.True(t, f.bridge.Mount())
	f.bridge.Unmount()
	require.True(t, f.bridge.Mount())

	require.Equal(t, uint64(2), f.bridge.Lifecycle().Generation())
	require.Equal(t, uint64(2), f.card.Stats().Opens)
	require.Equal(t, 2, f.stack.begins)
}

func TestHostEject(t *testing.T) {
	f := newFixture(t, 512, 16)
	f.mount(t)

	startStop := f.class.startStop()
	require.NotNil(t, startStop)

	require.True(t, startStop(0, false, true))
	require.False(t, f.bridge.IsMounted())
	require.False(t, f.card.IsOpen())

	f.bridge.Unmount()
	require.Equal(t, uint64(1), f.card.Stats().Closes)

	// Eject while unmounted is still acknowledged.
	require.True(t, startStop(0, false, true))
}

func TestStartStopWithoutEject(t *testing.T) {
	tests := []struct {
		name      string
		power     uint8
		start, ej bool
	}{
		{"start", 0, true, false},
		{"stop", 0, false, false},
		{"load", 0, true, true},
		{"power condition", 3, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 512, 16)
			f.mount(t)

			require.True(t, f.class.startStop()(tt.power, tt.start, tt.ej))
			require.True(t, f.bridge.IsMounted())
			require.Empty(t, f.log.list())
		})
	}
}

func TestStateChangeListeners(t *testing.T) {
	f := newFixture(t, 512, 16)

	var mu sync.Mutex
	var states []MountState
	f.bridge.Lifecycle().OnStateChange(func(s MountState) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, s)
	})

	require.True(t, f.bridge.Mount())
	require.True(t, f.bridge.Mount())
	f.bridge.Unmount()
	f.bridge.Unmount()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []MountState{Mounted, Unmounted}, states)
}

func TestConcurrentTransitions(t *testing.T) {
	f := newFixture(t, 512, 16)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if (i+j)%2 == 0 {
					f.bridge.Mount()
				} else {
					f.bridge.Unmount()
				}
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, f.bridge.IsMounted(), f.card.IsOpen())
	stats := f.card.Stats()
	opens, closes := stats.Opens, stats.Closes
	if f.bridge.IsMounted() {
		require.Equal(t, opens, closes+1)
	} else {
		require.Equal(t, opens, closes)
	}
	require.Equal(t, opens, f.bridge.Lifecycle().Generation())
}

func TestMountStateString(t *testing.T) {
	require.Equal(t, "mounted", Mounted.String())
	require.Equal(t, "unmounted", Unmounted.String())
	require.Equal(t, "unknown", MountState(7).String())
}
