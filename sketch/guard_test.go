package sketch

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestRevisionGuardApplyExternal(t *testing.T) {
	guard := NewRevisionGuard()
	assert.Equal(t, guard.State(), ApplyStateIdle)
	assert.Equal(t, guard.Suppressed(), false)

	guard.ApplyExternal(ApplyStateApplyingRemote, func() {
		assert.Equal(t, guard.State(), ApplyStateApplyingRemote)
		assert.Equal(t, guard.Suppressed(), true)
	})
	assert.Equal(t, guard.State(), ApplyStateIdle)

	guard.ApplyExternal(ApplyStateApplyingHistory, func() {
		assert.Equal(t, guard.Suppressed(), true)
	})
	assert.Equal(t, guard.Suppressed(), false)
}

// the state must reset even when the apply function panics, or the session
// would be permanently muted
func TestRevisionGuardResetsOnPanic(t *testing.T) {
	guard := NewRevisionGuard()

	func() {
		defer func() {
			recover()
		}()
		guard.ApplyExternal(ApplyStateApplyingRemote, func() {
			panic("apply failed")
		})
	}()

	assert.Equal(t, guard.State(), ApplyStateIdle)
	assert.Equal(t, guard.Suppressed(), false)
}

func TestRevisionGuardRevision(t *testing.T) {
	guard := NewRevisionGuard()
	assert.Equal(t, guard.LastKnownRevision(), int64(0))

	guard.SetLastKnownRevision(5)
	assert.Equal(t, guard.LastKnownRevision(), int64(5))

	assert.Equal(t, guard.BumpRevision(), int64(6))
	assert.Equal(t, guard.LastKnownRevision(), int64(6))
}

func TestApplyStateSuppression(t *testing.T) {
	assert.Equal(t, ApplyStateIdle.IsSuppressed(), false)
	assert.Equal(t, ApplyStateApplyingRemote.IsSuppressed(), true)
	assert.Equal(t, ApplyStateApplyingHistory.IsSuppressed(), true)
}
