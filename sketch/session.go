package sketch

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/golang/glog"
)

// one open collaborative session. Inbound store snapshots and local ui events
// are normalized into a single ordered event stream consumed by one session
// loop, so interleaving and suppression rules are deterministic instead of
// timing dependent.

type SessionControllerSettings struct {
	DefaultWidth  int
	DefaultHeight int

	EventQueueSize int

	PersistenceSettings *PersistencePipelineSettings
	HistorySettings     *HistoryManagerSettings
	BroadcasterSettings *PresenceBroadcasterSettings
	AggregatorSettings  *PresenceAggregatorSettings
}

func DefaultSessionControllerSettings() *SessionControllerSettings {
	return &SessionControllerSettings{
		DefaultWidth:        1280,
		DefaultHeight:       720,
		EventQueueSize:      1024,
		PersistenceSettings: DefaultPersistencePipelineSettings(),
		HistorySettings:     DefaultHistoryManagerSettings(),
		BroadcasterSettings: DefaultPresenceBroadcasterSettings(),
		AggregatorSettings:  DefaultPresenceAggregatorSettings(),
	}
}

type sessionEventKind string

const (
	eventKindSurface          sessionEventKind = "surface"
	eventKindSceneSnapshot    sessionEventKind = "scene-snapshot"
	eventKindPresenceSnapshot sessionEventKind = "presence-snapshot"
	eventKindAction           sessionEventKind = "action"
)

type sessionEvent struct {
	eventKind sessionEventKind

	surfaceEvent *SurfaceEvent
	sceneDoc     Document
	presenceDocs map[string]Document
	action       func()

	done chan struct{}
}

type SessionController struct {
	ctx    context.Context
	cancel context.CancelFunc

	clientId Id
	token    string

	displayName string

	store  DocumentStore
	canvas *Canvas

	guard       *RevisionGuard
	persist     *PersistencePipeline
	history     *HistoryManager
	listener    *RemoteSyncListener
	broadcaster *PresenceBroadcaster
	aggregator  *PresenceAggregator

	settings *SessionControllerSettings

	events chan *sessionEvent

	stateLock   sync.Mutex
	fillColor   string
	strokeColor string

	unsubs    []func()
	closeOnce sync.Once
}

func OpenSessionWithDefaults(ctx context.Context, store DocumentStore, token string) (*SessionController, error) {
	return OpenSession(ctx, store, token, DefaultSessionControllerSettings())
}

func OpenSession(ctx context.Context, store DocumentStore, token string, settings *SessionControllerSettings) (*SessionController, error) {
	cancelCtx, cancel := context.WithCancel(ctx)

	clientId := NewId()
	canvas := NewCanvas(settings.DefaultWidth, settings.DefaultHeight)
	guard := NewRevisionGuard()
	scenePath := ScenePath(token)

	persist := NewPersistencePipeline(cancelCtx, clientId, scenePath, canvas, store, guard, settings.PersistenceSettings)
	history := NewHistoryManager(canvas, guard, persist, settings.HistorySettings)
	listener := NewRemoteSyncListener(clientId, canvas, guard, persist, history)
	aggregator := NewPresenceAggregator(clientId, settings.AggregatorSettings)

	self := &SessionController{
		ctx:         cancelCtx,
		cancel:      cancel,
		clientId:    clientId,
		token:       token,
		store:       store,
		canvas:      canvas,
		guard:       guard,
		persist:     persist,
		history:     history,
		listener:    listener,
		aggregator:  aggregator,
		settings:    settings,
		events:      make(chan *sessionEvent, settings.EventQueueSize),
		fillColor:   "#bfdfff",
		strokeColor: "#222222",
	}

	// debounced commits run on the session loop, serialized with snapshot
	// application, so an in-flight save can never land after a remote apply
	persist.SetDispatcher(self.do)

	// the guard is checked synchronously at emission, before any reaction is
	// queued. Loads under suppression never produce reactive events
	unsubSurface := canvas.AddEventCallback(func(surfaceEvent *SurfaceEvent) {
		if self.guard.Suppressed() {
			return
		}
		self.postFromSurface(&sessionEvent{
			eventKind:    eventKindSurface,
			surfaceEvent: surfaceEvent,
		})
	})
	self.unsubs = append(self.unsubs, unsubSurface)

	if err := self.load(); err != nil {
		cancel()
		return nil, err
	}

	guestNumber, err := self.allocateGuestNumber()
	if err != nil {
		cancel()
		return nil, err
	}
	self.displayName = fmt.Sprintf("Guest %d", guestNumber)

	self.broadcaster = NewPresenceBroadcaster(
		cancelCtx,
		clientId,
		token,
		self.displayName,
		store,
		guard,
		settings.BroadcasterSettings,
	)
	// the scene document exists at this point
	if err := self.broadcaster.Join(); err != nil {
		cancel()
		return nil, err
	}

	unsubScene := store.Subscribe(scenePath, func(doc Document) {
		self.post(&sessionEvent{
			eventKind: eventKindSceneSnapshot,
			sceneDoc:  doc,
		})
	})
	self.unsubs = append(self.unsubs, unsubScene)

	unsubPresence := store.SubscribeCollection(PresenceCollectionPath(token), func(docs map[string]Document) {
		self.post(&sessionEvent{
			eventKind:    eventKindPresenceSnapshot,
			presenceDocs: docs,
		})
	})
	self.unsubs = append(self.unsubs, unsubPresence)

	go self.run()

	glog.V(1).Infof("[session]%s open %s as %q\n", clientId, token, self.displayName)
	return self, nil
}

// initial load: apply the stored scene, or create the first state with
// revision 1 and the session's default dimensions
func (self *SessionController) load() error {
	scenePath := ScenePath(self.token)

	doc, exists, err := self.store.GetOnce(self.ctx, scenePath)
	if err != nil {
		return fmt.Errorf("load scene: %w", err)
	}

	content, _ := doc["content"].(string)
	if exists && content != "" {
		var applyErr error
		self.guard.ApplyExternal(ApplyStateApplyingRemote, func() {
			if err := self.canvas.Deserialize(content); err != nil {
				applyErr = err
				return
			}
			width := int(fieldInt64(doc, "width"))
			height := int(fieldInt64(doc, "height"))
			if 0 < width && 0 < height {
				self.canvas.SetDimensions(width, height)
			}
		})
		if applyErr != nil {
			return fmt.Errorf("load scene: %w", applyErr)
		}
		self.guard.SetLastKnownRevision(fieldInt64(doc, "revision"))
	} else {
		content, err := self.canvas.SerializeWith(DefaultFieldAllowList())
		if err != nil {
			return fmt.Errorf("create scene: %w", err)
		}
		width, height := self.canvas.Dimensions()
		err = self.store.SetMerge(self.ctx, scenePath, Document{
			"content":      content,
			"width":        width,
			"height":       height,
			"revision":     int64(1),
			"lastEditorId": self.clientId.String(),
			"updatedAt":    ServerTimestamp(),
		})
		if err != nil {
			return fmt.Errorf("create scene: %w", err)
		}
		self.guard.SetLastKnownRevision(1)
	}

	snapshot, err := self.canvas.SerializeWith(DefaultFieldAllowList())
	if err != nil {
		return err
	}
	self.history.ResetBaseline(snapshot)
	return nil
}

// human-readable guest labels come from a transactional counter on the scene
// document, so two clients joining at once cannot share a label
func (self *SessionController) allocateGuestNumber() (int64, error) {
	scenePath := ScenePath(self.token)

	var guestNumber int64
	err := self.store.RunTransaction(self.ctx, func(tx Transaction) error {
		doc, _, err := tx.Get(scenePath)
		if err != nil {
			return err
		}
		guestNumber = fieldInt64(doc, "nextGuestNumber")
		if guestNumber == 0 {
			guestNumber = 1
		}
		return tx.Set(scenePath, Document{
			"nextGuestNumber": guestNumber + 1,
		})
	})
	if err != nil {
		return 0, fmt.Errorf("allocate guest number: %w", err)
	}
	return guestNumber, nil
}

func (self *SessionController) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case event := <-self.events:
			self.dispatch(event)
		}
	}
}

func (self *SessionController) dispatch(event *sessionEvent) {
	defer func() {
		if event.done != nil {
			close(event.done)
		}
	}()

	switch event.eventKind {
	case eventKindSurface:
		self.handleSurfaceEvent(event.surfaceEvent)
	case eventKindSceneSnapshot:
		self.listener.HandleSnapshot(event.sceneDoc)
	case eventKindPresenceSnapshot:
		self.aggregator.HandleSnapshot(event.presenceDocs)
	case eventKindAction:
		event.action()
	}
}

func (self *SessionController) handleSurfaceEvent(surfaceEvent *SurfaceEvent) {
	switch surfaceEvent.Kind {
	case SurfaceEventObjectAdded, SurfaceEventObjectModified, SurfaceEventObjectRemoved:
		self.persist.RecordLocalChange(ChangeKindDiscrete)
	case SurfaceEventPathCreated:
		self.persist.RecordLocalChange(ChangeKindStroke)
	case SurfaceEventGestureStart:
		self.history.BeginGesture()
	case SurfaceEventGestureEnd:
		self.history.EndGesture()
	case SurfaceEventPointerMove:
		self.broadcaster.UpdateCursor(surfaceEvent.X, surfaceEvent.Y)
	case SurfaceEventSelectionChanged:
		// reflect the selection's colors into the tool state
		if object := surfaceEvent.Object; object != nil {
			self.stateLock.Lock()
			if object.Fill != "" {
				self.fillColor = object.Fill
			}
			if object.Stroke != "" {
				self.strokeColor = object.Stroke
			}
			self.stateLock.Unlock()
		}
	}
}

// blocking post for external callers and store snapshots, order preserving
func (self *SessionController) post(event *sessionEvent) {
	select {
	case self.events <- event:
	case <-self.ctx.Done():
		if event.done != nil {
			close(event.done)
		}
	}
}

// surface events can be emitted from inside the loop itself, so this must not
// block on a full queue
func (self *SessionController) postFromSurface(event *sessionEvent) {
	select {
	case self.events <- event:
	default:
		glog.Infof("[session]%s event queue full, dropped %s\n", self.clientId, event.surfaceEvent.Kind)
	}
}

func (self *SessionController) do(action func()) {
	self.post(&sessionEvent{
		eventKind: eventKindAction,
		action:    action,
	})
}

// waits until every event posted before it has been dispatched
func (self *SessionController) Barrier() {
	done := make(chan struct{})
	self.post(&sessionEvent{
		eventKind: eventKindAction,
		action:    func() {},
		done:      done,
	})
	select {
	case <-done:
	case <-self.ctx.Done():
	}
}

func (self *SessionController) ClientId() Id {
	return self.clientId
}

func (self *SessionController) Token() string {
	return self.token
}

func (self *SessionController) DisplayName() string {
	return self.displayName
}

func (self *SessionController) Canvas() *Canvas {
	return self.canvas
}

func (self *SessionController) Guard() *RevisionGuard {
	return self.guard
}

func (self *SessionController) History() *HistoryManager {
	return self.history
}

func (self *SessionController) Peers() map[string]*PeerState {
	return self.aggregator.Peers()
}

func (self *SessionController) AddPresenceEventCallback(presenceEventCallback PresenceEventFunction) func() {
	return self.aggregator.AddPresenceEventCallback(presenceEventCallback)
}

func (self *SessionController) FillColor() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.fillColor
}

func (self *SessionController) StrokeColor() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.strokeColor
}

// tool actions. Each runs on the session loop; discrete actions push a history
// snapshot immediately before mutating

func (self *SessionController) AddRectangle() {
	self.do(func() {
		self.history.PushSnapshot()
		rect := &Object{
			Kind:        ObjectKindRect,
			Left:        50,
			Top:         50,
			Width:       120,
			Height:      80,
			Fill:        self.FillColor(),
			Stroke:      self.StrokeColor(),
			StrokeWidth: 1,
		}
		self.canvas.Add(rect)
		self.canvas.SetActiveObject(rect)
	})
}

func (self *SessionController) AddCircle() {
	self.do(func() {
		self.history.PushSnapshot()
		circle := &Object{
			Kind:        ObjectKindCircle,
			Left:        100,
			Top:         100,
			Radius:      50,
			Fill:        self.FillColor(),
			Stroke:      self.StrokeColor(),
			StrokeWidth: 1,
		}
		self.canvas.Add(circle)
		self.canvas.SetActiveObject(circle)
	})
}

func (self *SessionController) AddText() {
	self.do(func() {
		self.history.PushSnapshot()
		textbox := &Object{
			Kind:     ObjectKindTextbox,
			Left:     150,
			Top:      150,
			Text:     "Double-click to edit",
			FontSize: 24,
			Fill:     self.StrokeColor(),
		}
		self.canvas.Add(textbox)
		self.canvas.SetActiveObject(textbox)
	})
}

func (self *SessionController) ToggleFreeDraw() {
	self.do(func() {
		drawingMode := !self.canvas.DrawingMode()
		self.canvas.SetDrawingMode(drawingMode)
		if drawingMode {
			self.canvas.SetBrush(self.StrokeColor(), 2)
		}
	})
}

func (self *SessionController) DeleteSelected() {
	self.do(func() {
		object := self.canvas.ActiveObject()
		if object == nil {
			return
		}
		self.history.PushSnapshot()
		self.canvas.Remove(object)
		self.canvas.DiscardActiveObject()
	})
}

func (self *SessionController) SetFillColor(color string) {
	self.do(func() {
		self.stateLock.Lock()
		self.fillColor = color
		self.stateLock.Unlock()

		if object := self.canvas.ActiveObject(); object != nil && object.Kind != ObjectKindPath {
			self.history.PushSnapshot()
			self.canvas.Update(object, func(object *Object) {
				object.Fill = color
			})
		}
		if self.canvas.DrawingMode() {
			self.canvas.SetBrush(color, 2)
		}
	})
}

func (self *SessionController) SetStrokeColor(color string) {
	self.do(func() {
		self.stateLock.Lock()
		self.strokeColor = color
		self.stateLock.Unlock()

		if object := self.canvas.ActiveObject(); object != nil && object.Stroke != "" {
			self.history.PushSnapshot()
			self.canvas.Update(object, func(object *Object) {
				object.Stroke = color
			})
		}
		if self.canvas.DrawingMode() {
			self.canvas.SetBrush(color, 2)
		}
	})
}

func (self *SessionController) Undo() {
	self.do(func() {
		self.history.Undo()
	})
}

func (self *SessionController) Redo() {
	self.do(func() {
		self.history.Redo()
	})
}

// pointer and gesture plumbing from the ui

func (self *SessionController) PointerMoved(x float64, y float64) {
	self.do(func() {
		self.canvas.PointerMove(x, y)
	})
}

func (self *SessionController) BeginObjectDrag(object *Object) {
	self.do(func() {
		self.canvas.BeginGesture(object)
	})
}

func (self *SessionController) DragObjectTo(object *Object, left float64, top float64) {
	self.do(func() {
		self.canvas.Update(object, func(object *Object) {
			object.Left = left
			object.Top = top
		})
	})
}

func (self *SessionController) EndObjectDrag(object *Object) {
	self.do(func() {
		self.canvas.EndGesture(object)
	})
}

func (self *SessionController) BeginStroke(x float64, y float64) {
	self.do(func() {
		self.broadcaster.SetDrawing(true)
		self.canvas.BeginStroke(x, y)
	})
}

func (self *SessionController) ExtendStroke(x float64, y float64) {
	self.do(func() {
		self.canvas.ExtendStroke(x, y)
		self.canvas.PointerMove(x, y)
	})
}

func (self *SessionController) EndStroke() {
	self.do(func() {
		self.canvas.EndStroke()
		self.broadcaster.SetDrawing(false)
	})
}

// the shareable link is just the session path under the app origin
func (self *SessionController) ShareLink(baseUrl string) string {
	return fmt.Sprintf("%s/canvas/%s", baseUrl, self.token)
}

func (self *SessionController) ExportPng(w io.Writer) error {
	var err error
	done := make(chan struct{})
	self.post(&sessionEvent{
		eventKind: eventKindAction,
		action: func() {
			err = ExportPng(self.canvas, w)
		},
		done: done,
	})
	select {
	case <-done:
	case <-self.ctx.Done():
		return self.ctx.Err()
	}
	return err
}

func (self *SessionController) ExportSvg(w io.Writer) error {
	var err error
	done := make(chan struct{})
	self.post(&sessionEvent{
		eventKind: eventKindAction,
		action: func() {
			err = ExportSvg(self.canvas, w)
		},
		done: done,
	})
	select {
	case <-done:
	case <-self.ctx.Done():
		return self.ctx.Err()
	}
	return err
}

// synchronous flush for page hide and before unload
func (self *SessionController) Flush() {
	done := make(chan struct{})
	self.post(&sessionEvent{
		eventKind: eventKindAction,
		action: func() {
			self.persist.Flush()
		},
		done: done,
	})
	select {
	case <-done:
	case <-self.ctx.Done():
	}
}

func (self *SessionController) Close() {
	self.closeOnce.Do(func() {
		// only a dirty scene earns a final revision; a clean close must not
		// force peers through a reapply and baseline reset
		done := make(chan struct{})
		self.post(&sessionEvent{
			eventKind: eventKindAction,
			action: func() {
				if self.persist.PendingSave() {
					self.persist.Flush()
				}
			},
			done: done,
		})
		select {
		case <-done:
		case <-self.ctx.Done():
		}
		for _, unsub := range self.unsubs {
			unsub()
		}
		self.broadcaster.Close()
		self.persist.CancelPending()
		self.cancel()
		glog.V(1).Infof("[session]%s close %s\n", self.clientId, self.token)
	})
}
