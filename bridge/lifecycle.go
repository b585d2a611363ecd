package bridge

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/ardnew/cardbridge/card"
	"github.com/ardnew/cardbridge/pkg"
)

// MountState tells whether the medium is exposed to the host.
type MountState uint8

// Mount states.
const (
	Unmounted MountState = iota
	Mounted
)

// String returns the state name.
func (s MountState) String() string {
	switch s {
	case Unmounted:
		return "unmounted"
	case Mounted:
		return "mounted"
	default:
		return "unknown"
	}
}

// Lifecycle owns the medium and moves it between Unmounted and Mounted.
//
// The medium is open exactly when the state is Mounted. Transitions are
// serialized by one mutex; a second RWMutex guards the state, geometry and
// generation and is read-held by the translator for each sector so a
// transition cannot close the medium under an in-flight sector operation.
type Lifecycle struct {
	cfg     Config
	medium  card.Medium
	class   MassStorageClass
	stack   DeviceStack
	adapter *Adapter
	sleep   func(time.Duration)

	transition sync.Mutex

	state      MountState
	geometry   card.Geometry
	generation uint64
	mountedAt  time.Time
	listeners  []func(MountState)
	mutex      sync.RWMutex
}

func newLifecycle(cfg Config, medium card.Medium, class MassStorageClass, stack DeviceStack) *Lifecycle {
	return &Lifecycle{
		cfg:    cfg,
		medium: medium,
		class:  class,
		stack:  stack,
		sleep:  time.Sleep,
	}
}

// State returns the current mount state.
func (l *Lifecycle) State() MountState {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	return l.state
}

// Geometry returns the geometry of the mounted medium, or zero when
// unmounted.
func (l *Lifecycle) Geometry() card.Geometry {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	return l.geometry
}

// Generation returns the number of successful mounts.
func (l *Lifecycle) Generation() uint64 {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	return l.generation
}

// MountedAt returns when the current mount was committed, or the zero
// time when unmounted.
func (l *Lifecycle) MountedAt() time.Time {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	return l.mountedAt
}

// OnStateChange registers fn to be called after every committed
// transition, outside the state lock.
func (l *Lifecycle) OnStateChange(fn func(MountState)) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.listeners = append(l.listeners, fn)
}

// Mount opens the medium and exposes it to the host. It returns
// pkg.ErrAlreadyInState if already mounted. Any failure leaves the state
// Unmounted with the medium closed and the class stopped.
func (l *Lifecycle) Mount(ctx context.Context) error {
	l.transition.Lock()
	defer l.transition.Unlock()

	if l.State() == Mounted {
		return pkg.ErrAlreadyInState
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	geometry, err := l.medium.Open(l.cfg.Pins)
	if err != nil {
		pkg.LogWarn(pkg.ComponentBridge, "medium open failed", "error", err)
		return fmt.Errorf("open medium: %w", err)
	}
	if !geometry.Valid() {
		l.closeMedium()
		return fmt.Errorf("medium reports %d x %d bytes: %w",
			geometry.SectorCount, geometry.SectorSize, pkg.ErrMediaAbsent)
	}

	blockCount := uint32(math.MaxUint32)
	if geometry.SectorCount < math.MaxUint32 {
		blockCount = uint32(geometry.SectorCount)
	} else {
		pkg.LogWarn(pkg.ComponentBridge, "medium exceeds 32-bit block addressing",
			"sectors", geometry.SectorCount)
	}

	l.adapter.Configure()
	l.class.SetMediaPresent(true)

	if err := l.class.Begin(blockCount, geometry.SectorSize); err != nil {
		l.class.SetMediaPresent(false)
		l.closeMedium()
		pkg.LogWarn(pkg.ComponentBridge, "class start failed", "error", err)
		if !errors.Is(err, pkg.ErrClassStart) {
			err = fmt.Errorf("%w: %w", pkg.ErrClassStart, err)
		}
		return err
	}

	if err := l.stack.Begin(ctx); err != nil {
		l.class.SetMediaPresent(false)
		l.class.End()
		l.closeMedium()
		pkg.LogWarn(pkg.ComponentBridge, "device stack start failed", "error", err)
		return fmt.Errorf("start device stack: %w", err)
	}

	l.mutex.Lock()
	l.state = Mounted
	l.geometry = geometry
	l.generation++
	l.mountedAt = time.Now()
	generation := l.generation
	l.mutex.Unlock()

	pkg.LogInfo(pkg.ComponentBridge, "mounted",
		"sectorSize", geometry.SectorSize,
		"sectors", geometry.SectorCount,
		"generation", generation)

	l.notify(Mounted)
	return nil
}

// Unmount hides the medium from the host and closes it. It returns
// pkg.ErrAlreadyInState if not mounted. The device stack keeps running.
// A close error is returned but the state is Unmounted regardless.
func (l *Lifecycle) Unmount() error {
	l.transition.Lock()
	defer l.transition.Unlock()

	if l.State() != Mounted {
		return pkg.ErrAlreadyInState
	}

	l.class.SetMediaPresent(false)
	l.sleep(l.cfg.MediaDebounce)
	l.class.End()
	l.sleep(l.cfg.ClassDebounce)

	l.mutex.Lock()
	l.state = Unmounted
	l.geometry = card.Geometry{}
	l.mountedAt = time.Time{}
	err := l.medium.Close()
	l.mutex.Unlock()

	if err != nil {
		pkg.LogWarn(pkg.ComponentBridge, "medium close failed", "error", err)
	}
	pkg.LogInfo(pkg.ComponentBridge, "unmounted")

	l.notify(Unmounted)
	return err
}

// HandleStartStop is the class START STOP UNIT handler. A stop with eject
// unmounts; everything else is acknowledged without a state change.
func (l *Lifecycle) HandleStartStop(power uint8, start, loadEject bool) bool {
	pkg.LogDebug(pkg.ComponentBridge, "host start/stop",
		"power", power,
		"start", start,
		"loadEject", loadEject)

	if !start && loadEject {
		pkg.LogInfo(pkg.ComponentBridge, "host ejected medium")
		if err := l.Unmount(); err != nil && !errors.Is(err, pkg.ErrAlreadyInState) {
			pkg.LogWarn(pkg.ComponentBridge, "eject unmount", "error", err)
		}
	}
	return true
}

// session pins the mount a multi-sector request started on.
type session struct {
	geometry   card.Geometry
	generation uint64
}

// begin snapshots the current mount for a request.
func (l *Lifecycle) begin() (session, error) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	if l.state != Mounted {
		return session{}, pkg.ErrNotMounted
	}
	return session{geometry: l.geometry, generation: l.generation}, nil
}

// withMedium runs fn on the medium under the state read lock if the mount
// s was taken from is still current.
func (l *Lifecycle) withMedium(s session, fn func(card.Medium) error) error {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	if l.state != Mounted || l.generation != s.generation {
		return pkg.ErrNotMounted
	}
	return fn(l.medium)
}

func (l *Lifecycle) closeMedium() {
	if err := l.medium.Close(); err != nil {
		pkg.LogWarn(pkg.ComponentBridge, "medium close failed", "error", err)
	}
}

func (l *Lifecycle) notify(state MountState) {
	l.mutex.RLock()
	listeners := make([]func(MountState), len(l.listeners))
	copy(listeners, l.listeners)
	l.mutex.RUnlock()

	for _, fn := range listeners {
		fn(state)
	}
}
