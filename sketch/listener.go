package sketch

import (
	"github.com/golang/glog"
)

// applies inbound scene snapshots to the surface, gated by the revision and
// authorship protocol: apply only documents that are strictly newer than the
// last known revision and were not authored by this client. The store's
// subscription channel may deliver our own committed writes back to us.

type RemoteSyncListener struct {
	clientId Id

	surface SceneSurface
	guard   *RevisionGuard
	persist *PersistencePipeline
	history *HistoryManager
	allow   FieldAllowList
}

func NewRemoteSyncListener(
	clientId Id,
	surface SceneSurface,
	guard *RevisionGuard,
	persist *PersistencePipeline,
	history *HistoryManager,
) *RemoteSyncListener {
	return &RemoteSyncListener{
		clientId: clientId,
		surface:  surface,
		guard:    guard,
		persist:  persist,
		history:  history,
		allow:    DefaultFieldAllowList(),
	}
}

// returns whether the snapshot was applied
func (self *RemoteSyncListener) HandleSnapshot(doc Document) bool {
	if doc == nil {
		return false
	}

	revision := fieldInt64(doc, "revision")
	lastEditorId, _ := doc["lastEditorId"].(string)

	if lastEditorId == self.clientId.String() {
		// self echo
		glog.V(2).Infof("[sync]%s drop self echo rev=%d\n", self.clientId, revision)
		return false
	}
	if revision <= self.guard.LastKnownRevision() {
		// stale or out of order, not an error
		glog.V(2).Infof("[sync]%s drop stale rev=%d<=%d\n", self.clientId, revision, self.guard.LastKnownRevision())
		return false
	}

	content, _ := doc["content"].(string)
	if content == "" {
		return false
	}

	self.guard.SetLastKnownRevision(revision)
	self.persist.CancelPending()

	applied := false
	self.guard.ApplyExternal(ApplyStateApplyingRemote, func() {
		if err := self.surface.Deserialize(content); err != nil {
			glog.Infof("[sync]%s apply rev=%d failed: %v\n", self.clientId, revision, err)
			return
		}
		width := int(fieldInt64(doc, "width"))
		height := int(fieldInt64(doc, "height"))
		if 0 < width && 0 < height {
			self.surface.SetDimensions(width, height)
		}
		applied = true
	})
	if !applied {
		return false
	}

	glog.V(1).Infof("[sync]%s applied rev=%d from %s\n", self.clientId, revision, lastEditorId)

	// undo history is no longer valid relative to a foreign edit
	if snapshot, err := self.surface.SerializeWith(self.allow); err == nil {
		self.history.ResetBaseline(snapshot)
	}
	return true
}
