package sketch

import (
	"sync"
)

// the apply state is an explicit token owned by the session controller, queried
// by every reactive handler before it schedules a side effect. The surface emits
// identical change events for human gestures, remote snapshot loads, and history
// restores; without this gate a remote load would echo back out as a local save
// and two clients would feed each other forever.

// apply state machine:
// ApplyStateIdle
//
//	-> ApplyStateApplyingRemote -> ApplyStateIdle
//	-> ApplyStateApplyingHistory -> ApplyStateIdle
type ApplyState string

const (
	ApplyStateIdle            ApplyState = "Idle"
	ApplyStateApplyingRemote  ApplyState = "ApplyingRemote"
	ApplyStateApplyingHistory ApplyState = "ApplyingHistory"
)

func (self ApplyState) IsSuppressed() bool {
	switch self {
	case ApplyStateApplyingRemote, ApplyStateApplyingHistory:
		return true
	default:
		return false
	}
}

type RevisionGuard struct {
	stateLock sync.Mutex

	applyState ApplyState
	// the highest revision this client has applied or committed.
	// local gating only, the authoritative value is the store's atomic increment
	lastKnownRevision int64
}

func NewRevisionGuard() *RevisionGuard {
	return &RevisionGuard{
		applyState: ApplyStateIdle,
	}
}

func (self *RevisionGuard) State() ApplyState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.applyState
}

func (self *RevisionGuard) Suppressed() bool {
	return self.State().IsSuppressed()
}

// runs `apply` with the given state active. The state resets on all exit paths,
// including a panic inside `apply`
func (self *RevisionGuard) ApplyExternal(state ApplyState, apply func()) {
	self.begin(state)
	defer self.end()
	apply()
}

func (self *RevisionGuard) begin(state ApplyState) {
	self.stateLock.Lock()
	self.applyState = state
	self.stateLock.Unlock()
}

func (self *RevisionGuard) end() {
	self.stateLock.Lock()
	self.applyState = ApplyStateIdle
	self.stateLock.Unlock()
}

func (self *RevisionGuard) LastKnownRevision() int64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.lastKnownRevision
}

func (self *RevisionGuard) SetLastKnownRevision(revision int64) {
	self.stateLock.Lock()
	self.lastKnownRevision = revision
	self.stateLock.Unlock()
}

// optimistic local bump on write, so the echoed snapshot of our own commit is
// not "newer" by the time it arrives
func (self *RevisionGuard) BumpRevision() int64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.lastKnownRevision += 1
	return self.lastKnownRevision
}
