package sketch

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

// ephemeral per-client presence built on the same store: a throttled cursor
// record per client, classified stale by ttl instead of relying on deletion.
// unload-time deletion is best effort and not guaranteed to complete.

const DefaultPresenceTtl = 12 * time.Second

type PresenceBroadcasterSettings struct {
	// at most one cursor write per interval, leading plus trailing
	ThrottleInterval time.Duration
}

func DefaultPresenceBroadcasterSettings() *PresenceBroadcasterSettings {
	return &PresenceBroadcasterSettings{
		ThrottleInterval: 90 * time.Millisecond,
	}
}

type PresenceBroadcaster struct {
	ctx context.Context

	clientId    Id
	path        string
	displayName string
	color       string

	store DocumentStore
	guard *RevisionGuard

	settings *PresenceBroadcasterSettings

	throttle *Throttle

	stateLock sync.Mutex
	x         float64
	y         float64
	drawing   bool
}

func NewPresenceBroadcasterWithDefaults(
	ctx context.Context,
	clientId Id,
	token string,
	displayName string,
	store DocumentStore,
	guard *RevisionGuard,
) *PresenceBroadcaster {
	return NewPresenceBroadcaster(
		ctx,
		clientId,
		token,
		displayName,
		store,
		guard,
		DefaultPresenceBroadcasterSettings(),
	)
}

func NewPresenceBroadcaster(
	ctx context.Context,
	clientId Id,
	token string,
	displayName string,
	store DocumentStore,
	guard *RevisionGuard,
	settings *PresenceBroadcasterSettings,
) *PresenceBroadcaster {
	broadcaster := &PresenceBroadcaster{
		ctx:         ctx,
		clientId:    clientId,
		path:        PresencePath(token, clientId),
		displayName: displayName,
		color:       ColorForId(clientId),
		store:       store,
		guard:       guard,
		settings:    settings,
	}
	broadcaster.throttle = NewThrottle(settings.ThrottleInterval, broadcaster.writeCursor)
	return broadcaster
}

// creates the presence record. Call after the scene document is confirmed to
// exist
func (self *PresenceBroadcaster) Join() error {
	return self.store.SetMerge(self.ctx, self.path, Document{
		"displayName":       self.displayName,
		"color":             self.color,
		"x":                 float64(0),
		"y":                 float64(0),
		"isActivelyDrawing": false,
		"lastActiveAt":      ServerTimestamp(),
	})
}

func (self *PresenceBroadcaster) UpdateCursor(x float64, y float64) {
	if self.guard.Suppressed() {
		return
	}

	self.stateLock.Lock()
	self.x = x
	self.y = y
	self.stateLock.Unlock()

	self.throttle.Trigger()
}

// drawing start/stop is infrequent and semantically important, write it
// unthrottled
func (self *PresenceBroadcaster) SetDrawing(drawing bool) {
	if self.guard.Suppressed() {
		return
	}

	self.stateLock.Lock()
	self.drawing = drawing
	x := self.x
	y := self.y
	self.stateLock.Unlock()

	err := self.store.SetMerge(self.ctx, self.path, Document{
		"x":                 x,
		"y":                 y,
		"isActivelyDrawing": drawing,
		"lastActiveAt":      ServerTimestamp(),
	})
	if err != nil {
		// best effort, a missed update self-heals on ttl expiry
		glog.V(1).Infof("[presence]%s write failed: %v\n", self.clientId, err)
	}
}

func (self *PresenceBroadcaster) writeCursor() {
	self.stateLock.Lock()
	x := self.x
	y := self.y
	self.stateLock.Unlock()

	err := self.store.SetMerge(self.ctx, self.path, Document{
		"x":            x,
		"y":            y,
		"lastActiveAt": ServerTimestamp(),
	})
	if err != nil {
		glog.V(1).Infof("[presence]%s write failed: %v\n", self.clientId, err)
	}
}

// best-effort removal on unload. Peers fall back to the ttl check
func (self *PresenceBroadcaster) Close() {
	self.throttle.Cancel()
	if err := self.store.Delete(self.ctx, self.path); err != nil {
		glog.V(1).Infof("[presence]%s delete failed: %v\n", self.clientId, err)
	}
}

// stale is a pure function of (now, lastActiveAt, ttl)
func IsStale(now time.Time, lastActiveAt time.Time, ttl time.Duration) bool {
	if lastActiveAt.IsZero() {
		return true
	}
	return ttl < now.Sub(lastActiveAt)
}

type PeerState struct {
	ClientId          string
	DisplayName       string
	Color             string
	X                 float64
	Y                 float64
	IsActivelyDrawing bool
	LastActiveAt      time.Time
	// stale records are retained but hidden, self-healing on reconnect
	Hidden bool
}

type PresenceEventFunction = func(joined []string, left []string, peers map[string]*PeerState)

type PresenceAggregatorSettings struct {
	Ttl time.Duration
}

func DefaultPresenceAggregatorSettings() *PresenceAggregatorSettings {
	return &PresenceAggregatorSettings{
		Ttl: DefaultPresenceTtl,
	}
}

type PresenceAggregator struct {
	clientId Id

	settings *PresenceAggregatorSettings

	stateLock sync.Mutex
	peers     map[string]*PeerState
	// non-stale ids from the previous snapshot, diffed for join/leave
	activeIds map[string]bool

	presenceEventCallbacks *CallbackList[PresenceEventFunction]

	now func() time.Time
}

func NewPresenceAggregatorWithDefaults(clientId Id) *PresenceAggregator {
	return NewPresenceAggregator(clientId, DefaultPresenceAggregatorSettings())
}

func NewPresenceAggregator(clientId Id, settings *PresenceAggregatorSettings) *PresenceAggregator {
	return &PresenceAggregator{
		clientId:               clientId,
		settings:               settings,
		peers:                  map[string]*PeerState{},
		activeIds:              map[string]bool{},
		presenceEventCallbacks: NewCallbackList[PresenceEventFunction](),
		now:                    time.Now,
	}
}

func (self *PresenceAggregator) AddPresenceEventCallback(presenceEventCallback PresenceEventFunction) func() {
	callbackId := self.presenceEventCallbacks.Add(presenceEventCallback)
	return func() {
		self.presenceEventCallbacks.Remove(callbackId)
	}
}

func (self *PresenceAggregator) Peers() map[string]*PeerState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return maps.Clone(self.peers)
}

func (self *PresenceAggregator) HandleSnapshot(docs map[string]Document) {
	self.handleSnapshot(docs, self.now())
}

func (self *PresenceAggregator) handleSnapshot(docs map[string]Document, now time.Time) {
	var joined []string
	var left []string
	var peers map[string]*PeerState

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.peers = map[string]*PeerState{}
		activeIds := map[string]bool{}
		for clientId, doc := range docs {
			displayName, _ := doc["displayName"].(string)
			color, _ := doc["color"].(string)
			lastActiveAt := fieldTime(doc, "lastActiveAt")
			stale := IsStale(now, lastActiveAt, self.settings.Ttl)
			self.peers[clientId] = &PeerState{
				ClientId:          clientId,
				DisplayName:       displayName,
				Color:             color,
				X:                 fieldFloat(doc, "x"),
				Y:                 fieldFloat(doc, "y"),
				IsActivelyDrawing: fieldBool(doc, "isActivelyDrawing"),
				LastActiveAt:      lastActiveAt,
				Hidden:            stale,
			}
			if !stale {
				activeIds[clientId] = true
			}
		}

		// the local client is excluded from notifications about itself
		selfId := self.clientId.String()
		for clientId := range activeIds {
			if clientId != selfId && !self.activeIds[clientId] {
				joined = append(joined, clientId)
			}
		}
		for clientId := range self.activeIds {
			if clientId != selfId && !activeIds[clientId] {
				left = append(left, clientId)
			}
		}
		self.activeIds = activeIds
		peers = maps.Clone(self.peers)
	}()

	if 0 < len(joined) || 0 < len(left) {
		glog.V(1).Infof("[presence]%s joined=%v left=%v\n", self.clientId, joined, left)
	}
	for _, presenceEventCallback := range self.presenceEventCallbacks.Get() {
		func() {
			defer recover()
			presenceEventCallback(joined, left, peers)
		}()
	}
}
