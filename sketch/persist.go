package sketch

import (
	"context"
	"sync"

	"github.com/golang/glog"
)

// debounced, coalesced writes of the current scene to the document store.
// every write is tagged with the writer's client id and an atomically
// incremented revision. There is no explicit retry queue: a failed write is
// logged and the next debounced change tries again, so a degraded store means
// "edits may not sync", never blocked input.

type PersistencePipelineSettings struct {
	DelayPolicy *DelayPolicy
}

func DefaultPersistencePipelineSettings() *PersistencePipelineSettings {
	return &PersistencePipelineSettings{
		DelayPolicy: DefaultDelayPolicy(),
	}
}

type PersistencePipeline struct {
	ctx context.Context

	clientId  Id
	scenePath string

	surface SceneSurface
	store   DocumentStore
	guard   *RevisionGuard
	allow   FieldAllowList

	settings *PersistencePipelineSettings

	debounce *DebounceTimer
	// when set, fired commits run here instead of on the timer goroutine, so
	// writes serialize with remote snapshot application
	dispatch func(commit func())

	stateLock sync.Mutex
	// bumped by CancelPending. A commit whose scheduled generation no longer
	// matches was canceled after its timer fired and must not write
	generation          int
	scheduledGeneration int
	commitQueued        bool
}

func NewPersistencePipelineWithDefaults(
	ctx context.Context,
	clientId Id,
	scenePath string,
	surface SceneSurface,
	store DocumentStore,
	guard *RevisionGuard,
) *PersistencePipeline {
	return NewPersistencePipeline(
		ctx,
		clientId,
		scenePath,
		surface,
		store,
		guard,
		DefaultPersistencePipelineSettings(),
	)
}

func NewPersistencePipeline(
	ctx context.Context,
	clientId Id,
	scenePath string,
	surface SceneSurface,
	store DocumentStore,
	guard *RevisionGuard,
	settings *PersistencePipelineSettings,
) *PersistencePipeline {
	pipeline := &PersistencePipeline{
		ctx:       ctx,
		clientId:  clientId,
		scenePath: scenePath,
		surface:   surface,
		store:     store,
		guard:     guard,
		allow:     DefaultFieldAllowList(),
		settings:  settings,
		// no schedule yet, an unscheduled commit never passes the check
		scheduledGeneration: -1,
	}
	pipeline.debounce = NewDebounceTimer(pipeline.save)
	return pipeline
}

// call once at session setup, before any change is recorded
func (self *PersistencePipeline) SetDispatcher(dispatch func(commit func())) {
	self.dispatch = dispatch
}

// called on every surface mutation event. No-ops while a remote or history
// snapshot is being applied
func (self *PersistencePipeline) RecordLocalChange(changeKind ChangeKind) {
	if self.guard.Suppressed() {
		return
	}

	self.stateLock.Lock()
	self.scheduledGeneration = self.generation
	self.stateLock.Unlock()

	self.debounce.Schedule(self.settings.DelayPolicy.Delay(changeKind))
}

// a stale pending save must never overwrite a just-applied remote or history
// state. Invalidates both the unfired timer and a commit already past its fire
func (self *PersistencePipeline) CancelPending() {
	self.debounce.Cancel()

	self.stateLock.Lock()
	self.generation += 1
	self.stateLock.Unlock()
}

func (self *PersistencePipeline) PendingSave() bool {
	self.stateLock.Lock()
	commitQueued := self.commitQueued
	self.stateLock.Unlock()

	return commitQueued || self.debounce.Pending()
}

// cancels any pending timer and writes immediately. Used on page hide and
// session close so the last edit is not lost
func (self *PersistencePipeline) Flush() {
	self.CancelPending()
	self.write()
}

// timer fire. The commit re-checks cancellation when it runs, which closes the
// window where a snapshot apply lands between the fire and the write
func (self *PersistencePipeline) save() {
	self.stateLock.Lock()
	self.commitQueued = true
	self.stateLock.Unlock()

	if self.dispatch != nil {
		self.dispatch(self.commit)
	} else {
		self.commit()
	}
}

func (self *PersistencePipeline) commit() {
	self.stateLock.Lock()
	self.commitQueued = false
	canceled := self.scheduledGeneration != self.generation
	self.stateLock.Unlock()

	if canceled {
		glog.V(2).Infof("[persist]%s drop canceled save\n", self.clientId)
		return
	}
	self.write()
}

func (self *PersistencePipeline) write() {
	if self.guard.Suppressed() {
		return
	}

	content, err := self.surface.SerializeWith(self.allow)
	if err != nil {
		// abandon this cycle rather than corrupt the stored document
		glog.Infof("[persist]serialize failed: %v\n", err)
		return
	}
	width, height := self.surface.Dimensions()

	revision := self.guard.BumpRevision()
	glog.V(2).Infof("[persist]%s write rev>=%d\n", self.clientId, revision)

	err = self.store.SetMerge(self.ctx, self.scenePath, Document{
		"content":      content,
		"width":        width,
		"height":       height,
		"revision":     Increment(1),
		"lastEditorId": self.clientId.String(),
		"updatedAt":    ServerTimestamp(),
	})
	if err != nil {
		// the next debounced change retries
		glog.Infof("[persist]%s write failed: %v\n", self.clientId, err)
	}
}
