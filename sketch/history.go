package sketch

import (
	"sync"

	"github.com/golang/glog"
)

// bounded undo/redo stacks of full-scene snapshots. Snapshots are pushed before
// each discrete edit gesture, not on every micro-mutation. The bottom undo entry
// is the baseline received from the most recent remote or initial load; it is
// never popped, so undo cannot cross the last externally synchronized point.

const DefaultHistoryCapacity = 50

type HistoryManagerSettings struct {
	Capacity int
}

func DefaultHistoryManagerSettings() *HistoryManagerSettings {
	return &HistoryManagerSettings{
		Capacity: DefaultHistoryCapacity,
	}
}

type HistoryManager struct {
	surface SceneSurface
	guard   *RevisionGuard
	persist *PersistencePipeline
	allow   FieldAllowList

	settings *HistoryManagerSettings

	stateLock sync.Mutex

	undoStack []string
	redoStack []string

	gestureOpen bool
}

func NewHistoryManagerWithDefaults(
	surface SceneSurface,
	guard *RevisionGuard,
	persist *PersistencePipeline,
) *HistoryManager {
	return NewHistoryManager(surface, guard, persist, DefaultHistoryManagerSettings())
}

func NewHistoryManager(
	surface SceneSurface,
	guard *RevisionGuard,
	persist *PersistencePipeline,
	settings *HistoryManagerSettings,
) *HistoryManager {
	return &HistoryManager{
		surface:  surface,
		guard:    guard,
		persist:  persist,
		allow:    DefaultFieldAllowList(),
		settings: settings,
	}
}

// resets both stacks to a single baseline of the given state. Called on initial
// load and after every remote apply, prior history is no longer valid relative
// to a foreign edit
func (self *HistoryManager) ResetBaseline(snapshot string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.undoStack = []string{snapshot}
	self.redoStack = nil
	self.gestureOpen = false
}

// captures the current state onto the undo stack. Pushing always clears the
// redo stack, no redo branch survives a new edit
func (self *HistoryManager) PushSnapshot() {
	if self.guard.Suppressed() {
		return
	}

	snapshot, err := self.surface.SerializeWith(self.allow)
	if err != nil {
		glog.Infof("[history]snapshot failed: %v\n", err)
		return
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.undoStack = append(self.undoStack, snapshot)
	if self.settings.Capacity < len(self.undoStack) {
		// evict oldest; the new bottom becomes the undo floor
		self.undoStack = self.undoStack[1:]
	}
	self.redoStack = nil
}

// pointer-down on a transformable object opens a gesture, capturing the
// pre-gesture state exactly once; pointer-up closes it
func (self *HistoryManager) BeginGesture() {
	if self.guard.Suppressed() {
		return
	}

	self.stateLock.Lock()
	open := self.gestureOpen
	self.gestureOpen = true
	self.stateLock.Unlock()

	if !open {
		self.PushSnapshot()
	}
}

func (self *HistoryManager) EndGesture() {
	self.stateLock.Lock()
	self.gestureOpen = false
	self.stateLock.Unlock()
}

func (self *HistoryManager) CanUndo() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return 1 < len(self.undoStack)
}

func (self *HistoryManager) CanRedo() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return 0 < len(self.redoStack)
}

func (self *HistoryManager) Depths() (undo int, redo int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.undoStack), len(self.redoStack)
}

// no-op when only the baseline remains
func (self *HistoryManager) Undo() bool {
	current, err := self.surface.SerializeWith(self.allow)
	if err != nil {
		glog.Infof("[history]snapshot failed: %v\n", err)
		return false
	}

	self.stateLock.Lock()
	if len(self.undoStack) <= 1 {
		self.stateLock.Unlock()
		return false
	}
	n := len(self.undoStack)
	snapshot := self.undoStack[n-1]
	self.undoStack = self.undoStack[:n-1]
	self.redoStack = append(self.redoStack, current)
	if self.settings.Capacity < len(self.redoStack) {
		self.redoStack = self.redoStack[1:]
	}
	self.stateLock.Unlock()

	self.restore(snapshot)
	return true
}

// mirror of Undo
func (self *HistoryManager) Redo() bool {
	current, err := self.surface.SerializeWith(self.allow)
	if err != nil {
		glog.Infof("[history]snapshot failed: %v\n", err)
		return false
	}

	self.stateLock.Lock()
	if len(self.redoStack) == 0 {
		self.stateLock.Unlock()
		return false
	}
	n := len(self.redoStack)
	snapshot := self.redoStack[n-1]
	self.redoStack = self.redoStack[:n-1]
	self.undoStack = append(self.undoStack, current)
	if self.settings.Capacity < len(self.undoStack) {
		self.undoStack = self.undoStack[1:]
	}
	self.stateLock.Unlock()

	self.restore(snapshot)
	return true
}

func (self *HistoryManager) restore(snapshot string) {
	// the restoration must not re-enter history or echo out as a save
	self.persist.CancelPending()
	self.guard.ApplyExternal(ApplyStateApplyingHistory, func() {
		if err := self.surface.Deserialize(snapshot); err != nil {
			glog.Infof("[history]restore failed: %v\n", err)
		}
	})
	// the restored state itself must be durable
	self.persist.RecordLocalChange(ChangeKindDiscrete)
}
