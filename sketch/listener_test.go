package sketch

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func newTestListener(engine *testEngine) *RemoteSyncListener {
	return NewRemoteSyncListener(engine.clientId, engine.canvas, engine.guard, engine.persist, engine.history)
}

func remoteSceneContent(t *testing.T, left float64) string {
	remote := NewCanvas(800, 600)
	remote.Add(&Object{
		Kind:   ObjectKindRect,
		Left:   left,
		Top:    50,
		Width:  120,
		Height: 80,
		Fill:   "#bfdfff",
	})
	content, err := remote.SerializeWith(DefaultFieldAllowList())
	assert.Equal(t, err, nil)
	return content
}

func TestListenerAppliesNewerForeignRevision(t *testing.T) {
	engine := newTestEngine(t)
	listener := newTestListener(engine)
	engine.guard.SetLastKnownRevision(3)

	// a stale pending save must never clobber the incoming state
	engine.persist.RecordLocalChange(ChangeKindDiscrete)
	assert.Equal(t, engine.persist.PendingSave(), true)

	applied := listener.HandleSnapshot(Document{
		"content":      remoteSceneContent(t, 10),
		"width":        float64(1024),
		"height":       float64(768),
		"revision":     float64(5),
		"lastEditorId": NewId().String(),
	})
	assert.Equal(t, applied, true)

	assert.Equal(t, engine.canvas.ObjectCount(), 1)
	width, height := engine.canvas.Dimensions()
	assert.Equal(t, width, 1024)
	assert.Equal(t, height, 768)
	assert.Equal(t, engine.guard.LastKnownRevision(), int64(5))
	assert.Equal(t, engine.guard.Suppressed(), false)
	assert.Equal(t, engine.persist.PendingSave(), false)

	// undo history restarts at the foreign state
	assert.Equal(t, engine.history.CanUndo(), false)
	assert.Equal(t, engine.history.CanRedo(), false)
}

func TestListenerDropsSelfEcho(t *testing.T) {
	engine := newTestEngine(t)
	listener := newTestListener(engine)
	engine.guard.SetLastKnownRevision(3)

	// even a "newer" revision is dropped when this client authored it
	applied := listener.HandleSnapshot(Document{
		"content":      remoteSceneContent(t, 10),
		"revision":     float64(10),
		"lastEditorId": engine.clientId.String(),
	})
	assert.Equal(t, applied, false)
	assert.Equal(t, engine.canvas.ObjectCount(), 0)
	assert.Equal(t, engine.guard.LastKnownRevision(), int64(3))
}

func TestListenerDropsStaleRevision(t *testing.T) {
	engine := newTestEngine(t)
	listener := newTestListener(engine)
	engine.guard.SetLastKnownRevision(3)

	for _, revision := range []float64{1, 2, 3} {
		applied := listener.HandleSnapshot(Document{
			"content":      remoteSceneContent(t, 10),
			"revision":     revision,
			"lastEditorId": NewId().String(),
		})
		assert.Equal(t, applied, false)
	}
	assert.Equal(t, engine.canvas.ObjectCount(), 0)
	assert.Equal(t, engine.guard.LastKnownRevision(), int64(3))
}

func TestListenerIgnoresEmptyDocument(t *testing.T) {
	engine := newTestEngine(t)
	listener := newTestListener(engine)

	assert.Equal(t, listener.HandleSnapshot(nil), false)
	assert.Equal(t, listener.HandleSnapshot(Document{
		"revision":     float64(5),
		"lastEditorId": NewId().String(),
	}), false)
}

// a malformed foreign snapshot must not advance into a half-applied state
func TestListenerMalformedContent(t *testing.T) {
	engine := newTestEngine(t)
	listener := newTestListener(engine)

	applied := listener.HandleSnapshot(Document{
		"content":      "not json",
		"revision":     float64(5),
		"lastEditorId": NewId().String(),
	})
	assert.Equal(t, applied, false)
	assert.Equal(t, engine.guard.Suppressed(), false)
}

func TestListenerOutOfOrderDelivery(t *testing.T) {
	engine := newTestEngine(t)
	listener := newTestListener(engine)
	other := NewId().String()

	// rev 5 lands first, the delayed rev 4 must not roll the scene back
	assert.Equal(t, listener.HandleSnapshot(Document{
		"content":      remoteSceneContent(t, 50),
		"revision":     float64(5),
		"lastEditorId": other,
	}), true)
	content := engine.serialize(t)

	assert.Equal(t, listener.HandleSnapshot(Document{
		"content":      remoteSceneContent(t, 10),
		"revision":     float64(4),
		"lastEditorId": other,
	}), false)
	assert.Equal(t, engine.serialize(t), content)
	assert.Equal(t, engine.guard.LastKnownRevision(), int64(5))
}
