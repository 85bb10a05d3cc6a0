package sketch

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"golang.org/x/time/rate"
)

// the relay exposes the passive document store over a websocket so browser and
// headless clients share one store without any scene logic on the server side.
// frames are json with dynamic field maps; write sentinels travel as tagged
// objects and are resolved by the store at commit.

const (
	frameTypeGet                 = "get"
	frameTypeSet                 = "set"
	frameTypeDelete              = "delete"
	frameTypeSubscribe           = "subscribe"
	frameTypeSubscribeCollection = "subscribeCollection"
	frameTypeUnsubscribe         = "unsubscribe"
	frameTypeTxnGet              = "txnGet"
	frameTypeTxnCommit           = "txnCommit"
	frameTypeResult              = "result"
	frameTypeSnapshot            = "snapshot"
	frameTypeCollectionSnapshot  = "collectionSnapshot"
)

type relayFrame struct {
	Type string `json:"type"`

	RequestId      int64  `json:"requestId,omitempty"`
	SubscriptionId int64  `json:"subscriptionId,omitempty"`
	Path           string `json:"path,omitempty"`

	Fields map[string]any `json:"fields,omitempty"`

	Reads map[string]int64          `json:"reads,omitempty"`
	Sets  map[string]map[string]any `json:"sets,omitempty"`

	Doc     map[string]any            `json:"doc,omitempty"`
	Docs    map[string]map[string]any `json:"docs,omitempty"`
	Exists  bool                      `json:"exists,omitempty"`
	Version int64                     `json:"version,omitempty"`

	Error string `json:"error,omitempty"`
}

const (
	sentinelField          = "__sentinel"
	sentinelDeltaField     = "delta"
	sentinelServerTime     = "serverTimestamp"
	sentinelIncrementValue = "increment"
)

func encodeWireFields(fields Document) map[string]any {
	out := map[string]any{}
	for name, value := range fields {
		switch sentinel := value.(type) {
		case serverTimestampSentinel:
			out[name] = map[string]any{
				sentinelField: sentinelServerTime,
			}
		case incrementSentinel:
			out[name] = map[string]any{
				sentinelField:      sentinelIncrementValue,
				sentinelDeltaField: sentinel.delta,
			}
		default:
			out[name] = value
		}
	}
	return out
}

func decodeWireFields(fields map[string]any) Document {
	out := Document{}
	for name, value := range fields {
		tagged, ok := value.(map[string]any)
		if !ok {
			out[name] = value
			continue
		}
		switch tagged[sentinelField] {
		case sentinelServerTime:
			out[name] = ServerTimestamp()
		case sentinelIncrementValue:
			out[name] = Increment(int64(fieldFloat(tagged, sentinelDeltaField)))
		default:
			out[name] = value
		}
	}
	return out
}

type RelayServerSettings struct {
	WriteTimeout time.Duration
	// per-connection inbound message budget
	MessageRate  rate.Limit
	MessageBurst int
}

func DefaultRelayServerSettings() *RelayServerSettings {
	return &RelayServerSettings{
		WriteTimeout: 5 * time.Second,
		MessageRate:  rate.Limit(200),
		MessageBurst: 400,
	}
}

type RelayServer struct {
	ctx context.Context

	store *MemoryStore

	settings *RelayServerSettings

	upgrader websocket.Upgrader
}

func NewRelayServerWithDefaults(ctx context.Context, store *MemoryStore) *RelayServer {
	return NewRelayServer(ctx, store, DefaultRelayServerSettings())
}

func NewRelayServer(ctx context.Context, store *MemoryStore, settings *RelayServerSettings) *RelayServer {
	return &RelayServer{
		ctx:      ctx,
		store:    store,
		settings: settings,
		upgrader: websocket.Upgrader{
			// guests are anonymous, any origin may join
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (self *RelayServer) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/ws", self.handleWs)
	return router
}

func (self *RelayServer) handleWs(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[relay]upgrade failed: %v\n", err)
		return
	}

	conn := &relayConn{
		server: self,
		ws:     ws,
		limit:  rate.NewLimiter(self.settings.MessageRate, self.settings.MessageBurst),
		subs:   map[int64]func(){},
	}
	conn.run(self.ctx)
}

type relayConn struct {
	server *RelayServer
	ws     *websocket.Conn

	limit *rate.Limiter

	writeLock sync.Mutex

	stateLock sync.Mutex
	subs      map[int64]func()
}

func (self *relayConn) run(ctx context.Context) {
	defer func() {
		self.stateLock.Lock()
		subs := self.subs
		self.subs = map[int64]func(){}
		self.stateLock.Unlock()
		for _, unsub := range subs {
			unsub()
		}
		self.ws.Close()
	}()

	for {
		frame := &relayFrame{}
		if err := self.ws.ReadJSON(frame); err != nil {
			glog.V(2).Infof("[relay]read: %v\n", err)
			return
		}
		// backpressure on chatty connections
		if err := self.limit.Wait(ctx); err != nil {
			return
		}
		self.dispatch(ctx, frame)
	}
}

func (self *relayConn) write(frame *relayFrame) {
	self.writeLock.Lock()
	defer self.writeLock.Unlock()

	self.ws.SetWriteDeadline(time.Now().Add(self.server.settings.WriteTimeout))
	if err := self.ws.WriteJSON(frame); err != nil {
		glog.V(2).Infof("[relay]write: %v\n", err)
	}
}

func (self *relayConn) result(requestId int64, edit func(out *relayFrame)) {
	out := &relayFrame{
		Type:      frameTypeResult,
		RequestId: requestId,
	}
	if edit != nil {
		edit(out)
	}
	self.write(out)
}

func (self *relayConn) dispatch(ctx context.Context, frame *relayFrame) {
	store := self.server.store

	switch frame.Type {
	case frameTypeGet:
		doc, exists, err := store.GetOnce(ctx, frame.Path)
		self.result(frame.RequestId, func(out *relayFrame) {
			out.Doc = doc
			out.Exists = exists
			if err != nil {
				out.Error = err.Error()
			}
		})
	case frameTypeSet:
		err := store.SetMerge(ctx, frame.Path, decodeWireFields(frame.Fields))
		self.result(frame.RequestId, func(out *relayFrame) {
			if err != nil {
				out.Error = err.Error()
			}
		})
	case frameTypeDelete:
		err := store.Delete(ctx, frame.Path)
		self.result(frame.RequestId, func(out *relayFrame) {
			if err != nil {
				out.Error = err.Error()
			}
		})
	case frameTypeSubscribe:
		subscriptionId := frame.SubscriptionId
		unsub := store.Subscribe(frame.Path, func(doc Document) {
			self.write(&relayFrame{
				Type:           frameTypeSnapshot,
				SubscriptionId: subscriptionId,
				Doc:            doc,
			})
		})
		self.addSub(subscriptionId, unsub)
		self.result(frame.RequestId, nil)
	case frameTypeSubscribeCollection:
		subscriptionId := frame.SubscriptionId
		unsub := store.SubscribeCollection(frame.Path, func(docs map[string]Document) {
			outDocs := make(map[string]map[string]any, len(docs))
			for key, doc := range docs {
				outDocs[key] = doc
			}
			self.write(&relayFrame{
				Type:           frameTypeCollectionSnapshot,
				SubscriptionId: subscriptionId,
				Docs:           outDocs,
			})
		})
		self.addSub(subscriptionId, unsub)
		self.result(frame.RequestId, nil)
	case frameTypeUnsubscribe:
		self.removeSub(frame.SubscriptionId)
		self.result(frame.RequestId, nil)
	case frameTypeTxnGet:
		// one lock hold, a merge between the snapshot and the version would
		// validate a stale read at commit
		doc, exists, version := store.GetWithVersion(frame.Path)
		self.result(frame.RequestId, func(out *relayFrame) {
			out.Doc = doc
			out.Exists = exists
			out.Version = version
		})
	case frameTypeTxnCommit:
		sets := map[string]Document{}
		for path, fields := range frame.Sets {
			sets[path] = decodeWireFields(fields)
		}
		err := store.CommitIfUnchanged(frame.Reads, sets)
		self.result(frame.RequestId, func(out *relayFrame) {
			if err != nil {
				out.Error = err.Error()
			}
		})
	default:
		self.result(frame.RequestId, func(out *relayFrame) {
			out.Error = "unknown frame type"
		})
	}
}

func (self *relayConn) addSub(subscriptionId int64, unsub func()) {
	self.stateLock.Lock()
	self.subs[subscriptionId] = unsub
	self.stateLock.Unlock()
}

func (self *relayConn) removeSub(subscriptionId int64) {
	self.stateLock.Lock()
	unsub, ok := self.subs[subscriptionId]
	delete(self.subs, subscriptionId)
	self.stateLock.Unlock()

	if ok {
		unsub()
	}
}
