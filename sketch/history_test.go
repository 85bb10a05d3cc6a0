package sketch

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func addRect(engine *testEngine, left float64) *Object {
	rect := &Object{
		Kind:   ObjectKindRect,
		Left:   left,
		Top:    50,
		Width:  120,
		Height: 80,
		Fill:   "#bfdfff",
	}
	engine.canvas.Add(rect)
	return rect
}

func TestHistoryUndoAtBaselineIsNoop(t *testing.T) {
	engine := newTestEngine(t)

	assert.Equal(t, engine.history.CanUndo(), false)
	assert.Equal(t, engine.history.Undo(), false)
	assert.Equal(t, engine.canvas.ObjectCount(), 0)
}

func TestHistoryRedoEmptyIsNoop(t *testing.T) {
	engine := newTestEngine(t)

	assert.Equal(t, engine.history.CanRedo(), false)
	assert.Equal(t, engine.history.Redo(), false)
}

// n edits undone n times lands exactly on the baseline
func TestHistoryUndoReturnsToBaseline(t *testing.T) {
	engine := newTestEngine(t)
	baseline := engine.serialize(t)

	for i := 0; i < 3; i += 1 {
		engine.history.PushSnapshot()
		addRect(engine, float64(10*i))
	}
	assert.Equal(t, engine.canvas.ObjectCount(), 3)

	assert.Equal(t, engine.history.Undo(), true)
	assert.Equal(t, engine.history.Undo(), true)
	assert.Equal(t, engine.history.Undo(), true)
	assert.Equal(t, engine.history.Undo(), false)

	assert.Equal(t, engine.canvas.ObjectCount(), 0)
	assert.Equal(t, engine.serialize(t), baseline)
}

func TestHistoryRedo(t *testing.T) {
	engine := newTestEngine(t)

	engine.history.PushSnapshot()
	addRect(engine, 10)
	engine.history.PushSnapshot()
	addRect(engine, 20)
	edited := engine.serialize(t)

	assert.Equal(t, engine.history.Undo(), true)
	assert.Equal(t, engine.canvas.ObjectCount(), 1)
	assert.Equal(t, engine.history.CanRedo(), true)

	assert.Equal(t, engine.history.Redo(), true)
	assert.Equal(t, engine.canvas.ObjectCount(), 2)
	assert.Equal(t, engine.serialize(t), edited)
}

func TestHistoryPushClearsRedo(t *testing.T) {
	engine := newTestEngine(t)

	engine.history.PushSnapshot()
	addRect(engine, 10)
	assert.Equal(t, engine.history.Undo(), true)
	assert.Equal(t, engine.history.CanRedo(), true)

	// a new edit orphans the redo branch
	engine.history.PushSnapshot()
	addRect(engine, 20)
	assert.Equal(t, engine.history.CanRedo(), false)
	assert.Equal(t, engine.history.Redo(), false)
}

func TestHistoryCapacityEvictsOldest(t *testing.T) {
	engine := newTestEngine(t)
	engine.history = NewHistoryManager(engine.canvas, engine.guard, engine.persist, &HistoryManagerSettings{
		Capacity: 5,
	})
	engine.history.ResetBaseline(engine.serialize(t))

	for i := 0; i < 10; i += 1 {
		engine.history.PushSnapshot()
		addRect(engine, float64(10*i))
	}

	undoDepth, _ := engine.history.Depths()
	assert.Equal(t, undoDepth, 5)

	// undo stops at the rolled-forward floor, not the original baseline
	undoCount := 0
	for engine.history.Undo() {
		undoCount += 1
	}
	assert.Equal(t, undoCount, 4)
	assert.Equal(t, engine.canvas.ObjectCount(), 6)
}

func TestHistoryPushSuppressedDuringApply(t *testing.T) {
	engine := newTestEngine(t)

	engine.guard.ApplyExternal(ApplyStateApplyingRemote, func() {
		engine.history.PushSnapshot()
	})
	engine.guard.ApplyExternal(ApplyStateApplyingHistory, func() {
		engine.history.PushSnapshot()
	})

	undoDepth, _ := engine.history.Depths()
	assert.Equal(t, undoDepth, 1)
	assert.Equal(t, engine.history.CanUndo(), false)
}

// a drag is one continuous gesture: the pre-gesture state is captured exactly
// once no matter how many times the start handler fires
func TestHistoryGestureCapturesOnce(t *testing.T) {
	engine := newTestEngine(t)
	rect := addRect(engine, 10)
	engine.history.ResetBaseline(engine.serialize(t))

	engine.history.BeginGesture()
	engine.history.BeginGesture()
	engine.canvas.Update(rect, func(object *Object) {
		object.Left = 200
	})
	engine.history.EndGesture()

	undoDepth, _ := engine.history.Depths()
	assert.Equal(t, undoDepth, 2)

	assert.Equal(t, engine.history.Undo(), true)
	assert.Equal(t, engine.canvas.Objects()[0].Left, float64(10))
}

func TestHistoryRestoreSchedulesSave(t *testing.T) {
	engine := newTestEngine(t)

	engine.history.PushSnapshot()
	addRect(engine, 10)

	assert.Equal(t, engine.persist.PendingSave(), false)
	assert.Equal(t, engine.history.Undo(), true)
	// the restored state must become durable like any local change
	assert.Equal(t, engine.persist.PendingSave(), true)
	engine.persist.CancelPending()
}

func TestHistoryResetBaselineDropsBothStacks(t *testing.T) {
	engine := newTestEngine(t)

	engine.history.PushSnapshot()
	addRect(engine, 10)
	assert.Equal(t, engine.history.Undo(), true)
	assert.Equal(t, engine.history.CanRedo(), true)

	engine.history.ResetBaseline(engine.serialize(t))
	assert.Equal(t, engine.history.CanUndo(), false)
	assert.Equal(t, engine.history.CanRedo(), false)
}
