package sketch

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/go-playground/assert/v2"
)

// actions enqueue surface events while they run, so one barrier drains the
// action and a second drains the events it emitted
func settle(controller *SessionController) {
	controller.Barrier()
	controller.Barrier()
}

func TestSessionCreatesSceneOnFirstOpen(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	token := NewSessionToken()

	controller, err := OpenSessionWithDefaults(ctx, store, token)
	assert.Equal(t, err, nil)
	defer controller.Close()

	doc, exists, err := store.GetOnce(ctx, ScenePath(token))
	assert.Equal(t, err, nil)
	assert.Equal(t, exists, true)
	// exactly one create write with revision 1 and the default dimensions
	assert.Equal(t, fieldInt64(doc, "revision"), int64(1))
	assert.Equal(t, fieldInt64(doc, "width"), int64(1280))
	assert.Equal(t, fieldInt64(doc, "height"), int64(720))
	assert.Equal(t, doc["lastEditorId"], controller.ClientId().String())
	assert.NotEqual(t, doc["content"], "")

	assert.Equal(t, controller.Guard().LastKnownRevision(), int64(1))
	assert.Equal(t, controller.DisplayName(), "Guest 1")
}

func TestSessionJoinLoadsExistingScene(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	token := NewSessionToken()

	first, err := OpenSessionWithDefaults(ctx, store, token)
	assert.Equal(t, err, nil)
	first.AddRectangle()
	settle(first)
	first.Flush()

	second, err := OpenSessionWithDefaults(ctx, store, token)
	assert.Equal(t, err, nil)
	defer second.Close()

	assert.Equal(t, second.Canvas().ObjectCount(), 1)
	assert.Equal(t, second.Guard().LastKnownRevision(), int64(2))
	assert.Equal(t, second.DisplayName(), "Guest 2")

	first.Close()
}

func TestSessionAddRectanglePersistsOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	token := NewSessionToken()

	controller, err := OpenSessionWithDefaults(ctx, store, token)
	assert.Equal(t, err, nil)
	defer controller.Close()

	path := ScenePath(token)
	versionBefore := store.Version(path)

	controller.AddRectangle()
	settle(controller)
	controller.Flush()

	assert.Equal(t, store.Version(path), versionBefore+1)

	doc, _, _ := store.GetOnce(ctx, path)
	assert.Equal(t, fieldInt64(doc, "revision"), int64(2))
	content, _ := doc["content"].(string)
	assert.Equal(t, strings.Contains(content, `"kind":"rect"`), true)
	assert.Equal(t, strings.Contains(content, `"width":120`), true)
	assert.Equal(t, strings.Contains(content, `"fill":"#bfdfff"`), true)
}

func TestSessionTwoClientsConverge(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	token := NewSessionToken()

	a, err := OpenSessionWithDefaults(ctx, store, token)
	assert.Equal(t, err, nil)
	defer a.Close()

	b, err := OpenSessionWithDefaults(ctx, store, token)
	assert.Equal(t, err, nil)
	defer b.Close()

	// b edits, a applies the strictly newer foreign revision
	b.AddRectangle()
	settle(b)
	b.Flush()
	a.Barrier()

	assert.Equal(t, a.Canvas().ObjectCount(), 1)
	assert.Equal(t, a.Guard().LastKnownRevision(), int64(2))

	// a's next edit lands one past the applied foreign revision
	a.AddCircle()
	settle(a)
	a.Flush()
	b.Barrier()

	doc, _, _ := store.GetOnce(ctx, ScenePath(token))
	assert.Equal(t, fieldInt64(doc, "revision"), int64(3))
	assert.Equal(t, b.Canvas().ObjectCount(), 2)
	assert.Equal(t, b.Guard().LastKnownRevision(), int64(3))

	contentA, err := a.Canvas().SerializeWith(DefaultFieldAllowList())
	assert.Equal(t, err, nil)
	contentB, err := b.Canvas().SerializeWith(DefaultFieldAllowList())
	assert.Equal(t, err, nil)
	assert.Equal(t, contentA, contentB)
}

// the subscription delivers our own committed write back; it must never be
// re-applied as a remote edit
func TestSessionSelfEchoDoesNotReload(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	token := NewSessionToken()

	controller, err := OpenSessionWithDefaults(ctx, store, token)
	assert.Equal(t, err, nil)
	defer controller.Close()

	addedCount := atomic.Int32{}
	unsub := controller.Canvas().AddEventCallback(func(event *SurfaceEvent) {
		if event.Kind == SurfaceEventObjectAdded {
			addedCount.Add(1)
		}
	})
	defer unsub()

	controller.AddRectangle()
	settle(controller)
	controller.Flush()
	// drain the echoed snapshot
	controller.Barrier()

	assert.Equal(t, addedCount.Load(), int32(1))
	assert.Equal(t, controller.Canvas().ObjectCount(), 1)
	assert.Equal(t, controller.Guard().LastKnownRevision(), int64(2))
}

func TestSessionUndoRedo(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	token := NewSessionToken()

	controller, err := OpenSessionWithDefaults(ctx, store, token)
	assert.Equal(t, err, nil)
	defer controller.Close()

	controller.AddRectangle()
	controller.AddCircle()
	controller.Barrier()
	assert.Equal(t, controller.Canvas().ObjectCount(), 2)

	controller.Undo()
	controller.Barrier()
	assert.Equal(t, controller.Canvas().ObjectCount(), 1)

	controller.Redo()
	controller.Barrier()
	assert.Equal(t, controller.Canvas().ObjectCount(), 2)

	// undo floor is the freshly created baseline
	controller.Undo()
	controller.Undo()
	controller.Undo()
	controller.Barrier()
	assert.Equal(t, controller.Canvas().ObjectCount(), 0)
}

func TestSessionDeleteSelected(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	token := NewSessionToken()

	controller, err := OpenSessionWithDefaults(ctx, store, token)
	assert.Equal(t, err, nil)
	defer controller.Close()

	controller.AddRectangle()
	controller.Barrier()
	assert.Equal(t, controller.Canvas().ObjectCount(), 1)

	// add leaves the new object selected
	controller.DeleteSelected()
	controller.Barrier()
	assert.Equal(t, controller.Canvas().ObjectCount(), 0)

	// nothing selected: no-op
	controller.DeleteSelected()
	controller.Barrier()
	assert.Equal(t, controller.Canvas().ObjectCount(), 0)
}

func TestSessionSelectionReflectsColors(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	token := NewSessionToken()

	controller, err := OpenSessionWithDefaults(ctx, store, token)
	assert.Equal(t, err, nil)
	defer controller.Close()

	controller.SetFillColor("#ff0000")
	controller.SetStrokeColor("#00ff00")
	controller.AddRectangle()
	controller.Barrier()
	assert.Equal(t, controller.FillColor(), "#ff0000")

	controller.SetFillColor("#0000ff")
	controller.Barrier()
	object := controller.Canvas().Objects()[0]
	assert.Equal(t, object.Fill, "#0000ff")

	// with nothing selected a color change touches only the tool state
	controller.do(func() {
		controller.canvas.DiscardActiveObject()
	})
	settle(controller)
	controller.SetFillColor("#123456")
	controller.Barrier()
	assert.Equal(t, controller.FillColor(), "#123456")
	assert.Equal(t, object.Fill, "#0000ff")

	// selecting the object reflects its colors back into the tool state
	controller.do(func() {
		controller.canvas.SetActiveObject(object)
	})
	settle(controller)
	assert.Equal(t, controller.FillColor(), "#0000ff")
	assert.Equal(t, controller.StrokeColor(), "#00ff00")
}

func TestSessionFreeDrawStroke(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	token := NewSessionToken()

	controller, err := OpenSessionWithDefaults(ctx, store, token)
	assert.Equal(t, err, nil)
	defer controller.Close()

	controller.ToggleFreeDraw()
	controller.BeginStroke(10, 10)
	// the pre-stroke history capture happens on the gesture start event
	settle(controller)
	controller.ExtendStroke(20, 20)
	controller.ExtendStroke(30, 30)
	controller.EndStroke()
	settle(controller)

	objects := controller.Canvas().Objects()
	assert.Equal(t, len(objects), 1)
	assert.Equal(t, objects[0].Kind, ObjectKindPath)
	assert.Equal(t, len(objects[0].Path), 3)

	// the completed stroke is one undoable edit
	controller.Undo()
	controller.Barrier()
	assert.Equal(t, controller.Canvas().ObjectCount(), 0)

	// drawing state is broadcast while the stroke is active
	doc, _, _ := store.GetOnce(ctx, PresencePath(token, controller.ClientId()))
	assert.Equal(t, fieldBool(doc, "isActivelyDrawing"), false)
}

func TestSessionPresenceBetweenClients(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	token := NewSessionToken()

	a, err := OpenSessionWithDefaults(ctx, store, token)
	assert.Equal(t, err, nil)
	defer a.Close()

	b, err := OpenSessionWithDefaults(ctx, store, token)
	assert.Equal(t, err, nil)

	a.Barrier()
	peers := a.Peers()
	peer := peers[b.ClientId().String()]
	assert.NotEqual(t, peer, nil)
	assert.Equal(t, peer.DisplayName, "Guest 2")
	assert.Equal(t, peer.Color, ColorForId(b.ClientId()))

	// cursor moves flow through presence, not the scene document
	sceneVersion := store.Version(ScenePath(token))
	b.PointerMoved(42, 43)
	settle(b)
	a.Barrier()
	assert.Equal(t, store.Version(ScenePath(token)), sceneVersion)
	assert.Equal(t, a.Peers()[b.ClientId().String()].X, float64(42))

	// close deletes the record, the peer disappears
	b.Close()
	a.Barrier()
	assert.Equal(t, a.Peers()[b.ClientId().String()] == nil, true)
}

// closing a clean session must not burn a revision, peers would reload the
// unchanged scene for nothing
func TestSessionCloseWithoutEditsWritesNothing(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	token := NewSessionToken()

	controller, err := OpenSessionWithDefaults(ctx, store, token)
	assert.Equal(t, err, nil)
	version := store.Version(ScenePath(token))

	controller.Close()

	assert.Equal(t, store.Version(ScenePath(token)), version)
	doc, _, _ := store.GetOnce(ctx, ScenePath(token))
	assert.Equal(t, fieldInt64(doc, "revision"), int64(1))
}

// a dirty close still flushes, the last edit is not lost
func TestSessionCloseFlushesPendingEdit(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	token := NewSessionToken()

	controller, err := OpenSessionWithDefaults(ctx, store, token)
	assert.Equal(t, err, nil)

	controller.AddRectangle()
	settle(controller)
	assert.Equal(t, controller.persist.PendingSave(), true)
	version := store.Version(ScenePath(token))

	controller.Close()

	assert.Equal(t, store.Version(ScenePath(token)), version+1)
	doc, _, _ := store.GetOnce(ctx, ScenePath(token))
	assert.Equal(t, fieldInt64(doc, "revision"), int64(2))
	content, _ := doc["content"].(string)
	assert.Equal(t, strings.Contains(content, `"kind":"rect"`), true)
}

func TestSessionShareLink(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	token := NewSessionToken()

	controller, err := OpenSessionWithDefaults(ctx, store, token)
	assert.Equal(t, err, nil)
	defer controller.Close()

	assert.Equal(t, controller.ShareLink("https://example.com"), "https://example.com/canvas/"+token)
}

func TestSessionGuestNumbersUnique(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	token := NewSessionToken()

	names := map[string]bool{}
	for i := 0; i < 3; i += 1 {
		controller, err := OpenSessionWithDefaults(ctx, store, token)
		assert.Equal(t, err, nil)
		defer controller.Close()
		names[controller.DisplayName()] = true
	}

	assert.Equal(t, len(names), 3)
	assert.Equal(t, names["Guest 1"], true)
	assert.Equal(t, names["Guest 2"], true)
	assert.Equal(t, names["Guest 3"], true)
}
