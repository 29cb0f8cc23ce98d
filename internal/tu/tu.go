// Package tu implements the Telephone Unit state machine: one instance
// per client connection, tracking call state, an optional peer link, and
// a reference count, while serializing all writes to its socket under a
// single per-TU mutex.
package tu

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// State is a TU's position in the call-progress FSM.
type State int

const (
	StateOnHook State = iota
	StateRinging
	StateDialTone
	StateRingBack
	StateBusySignal
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateOnHook:
		return "ON_HOOK"
	case StateRinging:
		return "RINGING"
	case StateDialTone:
		return "DIAL_TONE"
	case StateRingBack:
		return "RING_BACK"
	case StateBusySignal:
		return "BUSY_SIGNAL"
	case StateConnected:
		return "CONNECTED"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// NoExtension is the sentinel value for an unregistered TU's extension
// and for "no peer" in notification formatting.
const NoExtension = -1

// ErrExtensionAlreadySet is returned by SetExtension once an extension
// has been assigned; re-assignment is never permitted.
var ErrExtensionAlreadySet = errors.New("tu: extension already set")

var idSeq atomic.Uint64

// notificationsSent counts every notification line written across all
// TUs, for metrics exposition.
var notificationsSent atomic.Uint64

// TU is one client connection's telephone unit. All fields below mu are
// protected by it; id is immutable after New and used only to derive the
// total lock order between two TUs (see lockOrdered).
type TU struct {
	id uint64

	mu      sync.Mutex
	conn    net.Conn
	ext     int
	state   State
	peer    *TU
	peerExt int
	rc      int
	closed  bool

	logger *slog.Logger
}

// New creates a TU wrapping conn with rc=1 and state ON_HOOK, matching
// the adapter's accept-time lifecycle. logger should already carry any
// connection-correlation fields the caller wants
// attached (e.g. a connection UUID) — tu itself only adds "tu_id".
func New(conn net.Conn, logger *slog.Logger) *TU {
	id := idSeq.Add(1)
	if logger == nil {
		logger = slog.Default()
	}
	return &TU{
		id:      id,
		conn:    conn,
		ext:     NoExtension,
		peerExt: NoExtension,
		state:   StateOnHook,
		rc:      1,
		logger:  logger.With("tu_id", id),
	}
}

// ID returns the TU's monotonic identity. It has no wire meaning; it
// exists purely to give lockOrdered a stable total order and to
// correlate log lines. Go's net.Conn has no portable file descriptor, so
// this substitutes for the C API's fileno(TU) — callers that need a
// human-facing address should use RemoteAddr instead.
func (t *TU) ID() uint64 { return t.id }

// RemoteAddr returns the underlying connection's remote address.
func (t *TU) RemoteAddr() net.Addr { return t.conn.RemoteAddr() }

// Extension returns the TU's registered extension, or NoExtension if
// unregistered.
func (t *TU) Extension() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ext
}

// SetExtension assigns ext. It is idempotent only in the sense that a
// second call always fails with ErrExtensionAlreadySet — it is never
// re-settable.
func (t *TU) SetExtension(ext int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ext != NoExtension {
		return ErrExtensionAlreadySet
	}
	t.ext = ext
	return nil
}

// State returns the TU's current FSM state.
func (t *TU) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// PeerExtension returns the extension of the TU's current peer, or
// NoExtension if it has none.
func (t *TU) PeerExtension() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peerExt
}

// HasPeer reports whether the TU currently has a peer link.
func (t *TU) HasPeer() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peer != nil
}

// Ref increments the TU's reference count. Used by the registry on
// register and transiently by dial-lookup pinning.
func Ref(t *TU) {
	t.mu.Lock()
	t.rc++
	t.mu.Unlock()
}

// Unref decrements the TU's reference count and, if it reaches zero,
// closes the socket. The decrement itself happens under the lock (it
// must be atomic with any concurrent increment), but the close — the
// expensive, final cleanup — happens after the lock is released.
func Unref(t *TU) {
	t.mu.Lock()
	t.rc--
	n := t.rc
	already := t.closed
	if n == 0 {
		t.closed = true
	}
	t.mu.Unlock()

	if n < 0 {
		t.logger.Error("tu refcount underflow", "rc", n)
		return
	}
	if n == 0 && !already {
		if err := t.conn.Close(); err != nil {
			t.logger.Debug("closing tu socket", "error", err)
		}
	}
}

// decrLocked decrements rc with t.mu already held by the caller (used
// inside the two-lock critical sections below) and reports whether it
// reached zero. The caller closes the socket only after releasing both
// locks — never while holding t.mu.
func decrLocked(t *TU) bool {
	t.rc--
	if t.rc < 0 {
		t.logger.Error("tu refcount underflow", "rc", t.rc)
		return false
	}
	if t.rc == 0 && !t.closed {
		t.closed = true
		return true
	}
	return false
}

// emitLocked writes a single notification line reflecting t's current
// state. t.mu must be held. Connected formats the peer's extension from
// the locally mirrored peerExt, never by dereferencing t.peer, so this
// never needs peer's lock.
func (t *TU) emitLocked() {
	var line string
	switch t.state {
	case StateOnHook:
		line = fmt.Sprintf("ON HOOK %d", t.ext)
	case StateRinging:
		line = "RINGING"
	case StateDialTone:
		line = "DIAL TONE"
	case StateRingBack:
		line = "RING BACK"
	case StateBusySignal:
		line = "BUSY SIGNAL"
	case StateConnected:
		line = fmt.Sprintf("CONNECTED %d", t.peerExt)
	case StateError:
		line = "ERROR"
	default:
		line = "ERROR"
	}
	notificationsSent.Add(1)
	t.writeLocked(line)
}

// NotificationsSent returns the cumulative count of notification lines
// written across every TU in the process, for metrics exposition.
func NotificationsSent() uint64 { return notificationsSent.Load() }

// writeLocked sends one CRLF-terminated line on t's socket. t.mu must be
// held, which is how writes to a single connection are totally ordered.
// Write failures are logged, not propagated — an I/O failure on a
// notification write is not surfaced to any client; the connection is
// reaped when the adapter observes EOF.
func (t *TU) writeLocked(line string) {
	if _, err := io.WriteString(t.conn, line+"\r\n"); err != nil {
		t.logger.Warn("notification write failed", "line", line, "error", err)
	}
}

// lockOrdered acquires a and b's mutexes in a total order derived from
// their monotonic ids, preventing deadlock between two TUs racing to
// lock each other.
func lockOrdered(a, b *TU) {
	if a.id < b.id {
		a.mu.Lock()
		b.mu.Lock()
	} else {
		b.mu.Lock()
		a.mu.Lock()
	}
}

// unlockOrdered releases a and b's mutexes in the reverse of the order
// lockOrdered acquired them.
func unlockOrdered(a, b *TU) {
	if a.id < b.id {
		b.mu.Unlock()
		a.mu.Unlock()
	} else {
		a.mu.Unlock()
		b.mu.Unlock()
	}
}

// symmetricPeer reports whether t and peer still point at each other.
// Must be called with both locks held; used to re-validate the peer
// link after acquiring both mutexes, since t.peer may have been cleared
// by a concurrent hangup/unregister between the unlocked read and the
// locked re-check.
func symmetricPeer(t, peer *TU) bool {
	return t.peer == peer && peer.peer == t
}

// Pickup implements the pickup command. From ON_HOOK it
// takes dial tone; from RINGING it connects to its peer (which must be
// in RING_BACK); any other state re-emits unchanged.
func (t *TU) Pickup() {
	for {
		t.mu.Lock()
		switch t.state {
		case StateOnHook:
			t.state = StateDialTone
			t.emitLocked()
			t.mu.Unlock()
			return
		case StateRinging:
			peer := t.peer
			t.mu.Unlock()

			if peer == nil {
				t.mu.Lock()
				t.emitLocked()
				t.mu.Unlock()
				return
			}

			lockOrdered(t, peer)
			if !symmetricPeer(t, peer) || t.state != StateRinging || peer.state != StateRingBack {
				unlockOrdered(t, peer)
				continue
			}
			t.state = StateConnected
			peer.state = StateConnected
			t.emitLocked()
			peer.emitLocked()
			unlockOrdered(t, peer)
			return
		default:
			t.emitLocked()
			t.mu.Unlock()
			return
		}
	}
}

// Hangup implements the hangup command. From ON_HOOK it
// is a no-op; from DIAL_TONE/BUSY_SIGNAL/ERROR it simply hangs up; from
// RINGING/RING_BACK/CONNECTED it tears down the peer link, moving the
// peer to DIAL_TONE if the two were CONNECTED and to ON_HOOK otherwise
// (a RING_BACK peer included).
func (t *TU) Hangup() {
	for {
		t.mu.Lock()
		switch t.state {
		case StateOnHook:
			t.emitLocked()
			t.mu.Unlock()
			return
		case StateDialTone, StateBusySignal, StateError:
			t.state = StateOnHook
			t.emitLocked()
			t.mu.Unlock()
			return
		}

		// StateRinging, StateRingBack, StateConnected: two-party teardown.
		selfState := t.state
		peer := t.peer
		t.mu.Unlock()

		if peer == nil {
			t.mu.Lock()
			t.state = StateOnHook
			t.emitLocked()
			t.mu.Unlock()
			return
		}

		lockOrdered(t, peer)
		if !symmetricPeer(t, peer) || t.state != selfState {
			unlockOrdered(t, peer)
			continue
		}

		peerNew := StateOnHook
		if t.state == StateConnected {
			peerNew = StateDialTone
		}

		t.peer = nil
		t.peerExt = NoExtension
		peer.peer = nil
		peer.peerExt = NoExtension
		t.state = StateOnHook
		peer.state = peerNew

		selfZero := decrLocked(t)
		peerZero := decrLocked(peer)

		t.emitLocked()
		peer.emitLocked()
		unlockOrdered(t, peer)

		if selfZero {
			if err := t.conn.Close(); err != nil {
				t.logger.Debug("closing tu socket", "error", err)
			}
		}
		if peerZero {
			if err := peer.conn.Close(); err != nil {
				peer.logger.Debug("closing tu socket", "error", err)
			}
		}
		return
	}
}

// Dial implements the dial(target) command. It
// is only meaningful when t is in DIAL_TONE; any other state re-emits
// unchanged. target may be nil (no one registered at the dialed
// extension).
func (t *TU) Dial(target *TU) {
	if target == nil {
		t.mu.Lock()
		if t.state != StateDialTone {
			t.emitLocked()
			t.mu.Unlock()
			return
		}
		t.state = StateError
		t.emitLocked()
		t.mu.Unlock()
		return
	}

	if target == t {
		t.mu.Lock()
		if t.state != StateDialTone {
			t.emitLocked()
			t.mu.Unlock()
			return
		}
		t.state = StateBusySignal
		t.emitLocked()
		t.mu.Unlock()
		return
	}

	lockOrdered(t, target)
	defer unlockOrdered(t, target)

	if t.state != StateDialTone {
		t.emitLocked()
		return
	}

	if target.state != StateOnHook || target.peer != nil {
		t.state = StateBusySignal
		t.emitLocked()
		return
	}

	t.peer = target
	t.peerExt = target.ext
	target.peer = t
	target.peerExt = t.ext
	t.rc++
	target.rc++

	t.state = StateRingBack
	target.state = StateRinging

	t.emitLocked()
	target.emitLocked()
}

// Chat implements the chat command. Only meaningful while
// CONNECTED: relays text to the peer as a CHAT line and re-emits this
// TU's own CONNECTED state back to the sender.
func (t *TU) Chat(text string) {
	for {
		t.mu.Lock()
		if t.state != StateConnected {
			t.emitLocked()
			t.mu.Unlock()
			return
		}
		peer := t.peer
		t.mu.Unlock()

		if peer == nil {
			t.mu.Lock()
			t.emitLocked()
			t.mu.Unlock()
			return
		}

		lockOrdered(t, peer)
		if !symmetricPeer(t, peer) || t.state != StateConnected || peer.state != StateConnected {
			unlockOrdered(t, peer)
			continue
		}

		peer.writeLocked(fmt.Sprintf("CHAT %s", text))
		t.emitLocked()
		unlockOrdered(t, peer)
		return
	}
}

// TeardownForUnregister clears any in-progress call when the registry is
// unregistering t, notifying the peer it leaves behind. It differs from
// a self-initiated Hangup in the state the surviving peer lands in: a
// RING_BACK or CONNECTED peer lands in DIAL_TONE (it was already
// off-hook and stays reachable), while a RINGING peer lands in ON_HOOK
// (it was never off-hook) — the transition table's "peer unregisters"
// column is keyed off the peer's own current state, not a literal replay
// of Hangup's column, since Hangup's column alone can't produce the
// RING_BACK-peer-unregisters-to-DIAL_TONE case.
//
// TeardownForUnregister never writes to t's own socket: the caller is
// tearing t down already, so only the surviving peer is owed a
// notification.
func (t *TU) TeardownForUnregister() {
	for {
		t.mu.Lock()
		peer := t.peer
		t.mu.Unlock()
		if peer == nil {
			return
		}

		lockOrdered(t, peer)
		if !symmetricPeer(t, peer) {
			unlockOrdered(t, peer)
			continue
		}

		peerNew := StateOnHook
		switch peer.state {
		case StateRingBack, StateConnected:
			peerNew = StateDialTone
		}

		t.peer = nil
		t.peerExt = NoExtension
		peer.peer = nil
		peer.peerExt = NoExtension
		peer.state = peerNew

		selfZero := decrLocked(t)
		peerZero := decrLocked(peer)

		peer.emitLocked()
		unlockOrdered(t, peer)

		if selfZero {
			if err := t.conn.Close(); err != nil {
				t.logger.Debug("closing tu socket", "error", err)
			}
		}
		if peerZero {
			if err := peer.conn.Close(); err != nil {
				peer.logger.Debug("closing tu socket", "error", err)
			}
		}
		return
	}
}

// Announce writes the TU's current notification line to its socket. The
// registry calls this once immediately after a successful Register, to
// produce the initial "ON HOOK <ext>" the newly assigned extension is
// owed.
func (t *TU) Announce() {
	t.mu.Lock()
	t.emitLocked()
	t.mu.Unlock()
}

// Kick forces any Read currently blocked on the underlying connection to
// return immediately, by retreating the read deadline into the past. Go's
// net.Conn has no portable shutdown(fd, SHUT_RDWR); an expired read
// deadline is the idiomatic substitute for unblocking a reader without
// tearing down the connection outright, which is what the registry needs
// during a coordinated shutdown — the adapter's own read loop treats the
// resulting error exactly like EOF and unregisters normally.
func (t *TU) Kick() {
	_ = t.conn.SetReadDeadline(time.Unix(0, 1))
}
