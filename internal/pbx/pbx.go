// Package pbx implements the extension registry that mediates between
// independent TU state machines: registration, unregistration, dial
// target lookup, and coordinated shutdown.
package pbx

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/flowpbx/pbx/internal/tu"
)

// ErrInvalidExtension is returned when an extension number is outside
// [0, N) for the registry's configured size.
var ErrInvalidExtension = errors.New("pbx: invalid extension")

// ErrExtensionOccupied is returned by Register when the requested
// extension already has a TU registered at it.
var ErrExtensionOccupied = errors.New("pbx: extension occupied")

// ErrNotRegistered is returned by Unregister when the TU holds no
// extension, or the extension it holds no longer maps back to it.
var ErrNotRegistered = errors.New("pbx: tu not registered")

// ErrInvalidArgument is returned when a required argument is nil.
var ErrInvalidArgument = errors.New("pbx: invalid argument")

// PBX is the dense extension registry: a fixed-size slot array, an
// active-TU counter, and a shutdown condition variable over the same
// mutex that guards the slots.
type PBX struct {
	mu     sync.Mutex
	cond   *sync.Cond
	slots  []*tu.TU
	active int
	logger *slog.Logger

	dialsTotal atomic.Uint64
	dialsBusy  atomic.Uint64
	dialsError atomic.Uint64
}

// New creates a registry with size extension slots, numbered [0, size).
func New(size int, logger *slog.Logger) *PBX {
	p := &PBX{
		slots:  make([]*tu.TU, size),
		logger: logger.With("component", "pbx"),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Size returns the number of extension slots the registry was created
// with.
func (p *PBX) Size() int {
	return len(p.slots)
}

// ActiveCount returns the number of TUs currently registered.
func (p *PBX) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Register assigns t the extension ext. ext must be unoccupied and
// within [0, Size()). On success the registry holds one reference on t
// (released by a later Unregister) and t's first notification, "ON HOOK
// <ext>", is written to its socket.
func (p *PBX) Register(t *tu.TU, ext int) error {
	if t == nil {
		return ErrInvalidArgument
	}
	if ext < 0 || ext >= len(p.slots) {
		return fmt.Errorf("register extension %d: %w", ext, ErrInvalidExtension)
	}

	p.mu.Lock()
	if p.slots[ext] != nil {
		p.mu.Unlock()
		return fmt.Errorf("register extension %d: %w", ext, ErrExtensionOccupied)
	}
	if err := t.SetExtension(ext); err != nil {
		p.mu.Unlock()
		return fmt.Errorf("register extension %d: %w", ext, err)
	}
	p.slots[ext] = t
	p.active++
	tu.Ref(t)
	p.mu.Unlock()

	p.logger.Info("tu registered", "ext", ext, "tu_id", t.ID())
	t.Announce()
	return nil
}

// Unregister removes t from the registry at its own recorded extension,
// tears down any call it is party to (via tu.TeardownForUnregister,
// which notifies only the peer — t's own connection is already being
// torn down by the caller), and drops the registry's reference on t.
//
// If active_tus reaches zero as a result, any goroutine blocked in
// Shutdown is woken.
func (p *PBX) Unregister(t *tu.TU) error {
	if t == nil {
		return ErrInvalidArgument
	}
	ext := t.Extension()
	if ext == tu.NoExtension {
		return ErrNotRegistered
	}

	p.mu.Lock()
	if ext < 0 || ext >= len(p.slots) || p.slots[ext] != t {
		p.mu.Unlock()
		return ErrNotRegistered
	}
	p.slots[ext] = nil
	p.active--
	p.mu.Unlock()

	p.logger.Info("tu unregistered", "ext", ext, "tu_id", t.ID())
	t.TeardownForUnregister()
	tu.Unref(t)

	p.mu.Lock()
	if p.active == 0 {
		p.cond.Broadcast()
	}
	p.mu.Unlock()

	return nil
}

// Dial resolves ext to a target TU (nil if the slot is empty) and
// delegates the actual state transition to origin.Dial: the PBX lock is
// held only long enough to read the slot and pin transient references,
// then released before the TU layer's own locking takes over. origin
// and, if found, the target are each given a transient reference for the
// duration of the call so neither can be destroyed by a concurrent
// unregister while the PBX lock isn't held.
func (p *PBX) Dial(origin *tu.TU, ext int) error {
	if origin == nil {
		return ErrInvalidArgument
	}
	if ext < 0 || ext >= len(p.slots) {
		return fmt.Errorf("dial extension %d: %w", ext, ErrInvalidExtension)
	}

	p.mu.Lock()
	target := p.slots[ext]
	tu.Ref(origin)
	if target != nil {
		tu.Ref(target)
	}
	p.mu.Unlock()

	origin.Dial(target)
	p.dialsTotal.Add(1)
	switch origin.State() {
	case tu.StateBusySignal:
		p.dialsBusy.Add(1)
	case tu.StateError:
		p.dialsError.Add(1)
	}

	tu.Unref(origin)
	if target != nil {
		tu.Unref(target)
	}
	return nil
}

// DialsTotal returns the cumulative count of dial operations attempted.
func (p *PBX) DialsTotal() uint64 { return p.dialsTotal.Load() }

// DialsBusy returns the cumulative count of dials that left the caller
// in BUSY_SIGNAL.
func (p *PBX) DialsBusy() uint64 { return p.dialsBusy.Load() }

// DialsError returns the cumulative count of dials that left the caller
// in ERROR.
func (p *PBX) DialsError() uint64 { return p.dialsError.Load() }

// Shutdown kicks every occupied slot's connection (unblocking any
// pending reads so each adapter observes an error and unregisters on
// its own), then blocks until active_tus reaches zero. It is safe to
// call at most once per PBX.
func (p *PBX) Shutdown() {
	p.mu.Lock()
	pinned := make([]*tu.TU, 0, len(p.slots))
	for _, t := range p.slots {
		if t == nil {
			continue
		}
		tu.Ref(t)
		pinned = append(pinned, t)
	}

	for _, t := range pinned {
		t.Kick()
	}

	for p.active > 0 {
		p.cond.Wait()
	}
	p.mu.Unlock()

	for _, t := range pinned {
		tu.Unref(t)
	}

	p.logger.Info("pbx shutdown complete")
}

// ExtensionSnapshot is a read-only view of one occupied registry slot,
// used by the admin HTTP surface; it never drives a transition.
type ExtensionSnapshot struct {
	Extension     int    `json:"extension"`
	State         string `json:"state"`
	PeerExtension *int   `json:"peer_extension,omitempty"`
}

// Snapshot returns a point-in-time view of every occupied extension.
func (p *PBX) Snapshot() []ExtensionSnapshot {
	p.mu.Lock()
	occupied := make([]*tu.TU, 0, len(p.slots))
	for _, t := range p.slots {
		if t != nil {
			occupied = append(occupied, t)
		}
	}
	p.mu.Unlock()

	out := make([]ExtensionSnapshot, 0, len(occupied))
	for _, t := range occupied {
		snap := ExtensionSnapshot{
			Extension: t.Extension(),
			State:     t.State().String(),
		}
		if t.HasPeer() {
			peerExt := t.PeerExtension()
			snap.PeerExtension = &peerExt
		}
		out = append(out, snap)
	}
	return out
}
