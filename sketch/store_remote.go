package sketch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// a `DocumentStore` backed by a relay over a websocket. The connection
// reconnects with a fixed backoff and re-establishes every subscription, so a
// dropped relay degrades to "edits may not sync" instead of failing the client.

type RelayStoreSettings struct {
	WsHandshakeTimeout time.Duration
	ReconnectTimeout   time.Duration
	WriteTimeout       time.Duration
	RequestTimeout     time.Duration
	TransactionRetries int
}

func DefaultRelayStoreSettings() *RelayStoreSettings {
	return &RelayStoreSettings{
		WsHandshakeTimeout: 2 * time.Second,
		ReconnectTimeout:   2 * time.Second,
		WriteTimeout:       5 * time.Second,
		RequestTimeout:     10 * time.Second,
		TransactionRetries: 5,
	}
}

type relaySubscription struct {
	frameType string
	path      string

	docCallback        SnapshotFunction
	collectionCallback CollectionSnapshotFunction
}

type RelayStore struct {
	ctx    context.Context
	cancel context.CancelFunc

	url string

	settings *RelayStoreSettings

	writeLock sync.Mutex

	stateLock          sync.Mutex
	conn               *websocket.Conn
	nextRequestId      int64
	nextSubscriptionId int64
	pending            map[int64]chan *relayFrame
	subs               map[int64]*relaySubscription
}

func NewRelayStoreWithDefaults(ctx context.Context, url string) *RelayStore {
	return NewRelayStore(ctx, url, DefaultRelayStoreSettings())
}

func NewRelayStore(ctx context.Context, url string, settings *RelayStoreSettings) *RelayStore {
	cancelCtx, cancel := context.WithCancel(ctx)
	store := &RelayStore{
		ctx:      cancelCtx,
		cancel:   cancel,
		url:      url,
		settings: settings,
		pending:  map[int64]chan *relayFrame{},
		subs:     map[int64]*relaySubscription{},
	}
	go store.run()
	return store
}

func (self *RelayStore) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		dialer := &websocket.Dialer{
			HandshakeTimeout: self.settings.WsHandshakeTimeout,
		}
		conn, _, err := dialer.DialContext(self.ctx, self.url, nil)
		if err != nil {
			glog.Infof("[store]connect %s: %v\n", self.url, err)
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(self.settings.ReconnectTimeout):
			}
			continue
		}

		self.stateLock.Lock()
		self.conn = conn
		subs := make(map[int64]*relaySubscription, len(self.subs))
		for subscriptionId, sub := range self.subs {
			subs[subscriptionId] = sub
		}
		self.stateLock.Unlock()

		// re-establish every live subscription on the new connection
		for subscriptionId, sub := range subs {
			self.send(&relayFrame{
				Type:           sub.frameType,
				RequestId:      self.requestId(),
				SubscriptionId: subscriptionId,
				Path:           sub.path,
			})
		}

		self.readLoop(conn)

		self.stateLock.Lock()
		if self.conn == conn {
			self.conn = nil
		}
		pending := self.pending
		self.pending = map[int64]chan *relayFrame{}
		self.stateLock.Unlock()

		conn.Close()
		for _, result := range pending {
			close(result)
		}

		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.ReconnectTimeout):
		}
	}
}

func (self *RelayStore) readLoop(conn *websocket.Conn) {
	for {
		frame := &relayFrame{}
		if err := conn.ReadJSON(frame); err != nil {
			glog.V(1).Infof("[store]read: %v\n", err)
			return
		}

		switch frame.Type {
		case frameTypeResult:
			self.stateLock.Lock()
			result, ok := self.pending[frame.RequestId]
			delete(self.pending, frame.RequestId)
			self.stateLock.Unlock()
			if ok {
				result <- frame
			}
		case frameTypeSnapshot:
			self.stateLock.Lock()
			sub := self.subs[frame.SubscriptionId]
			self.stateLock.Unlock()
			if sub != nil && sub.docCallback != nil {
				sub.docCallback(Document(frame.Doc))
			}
		case frameTypeCollectionSnapshot:
			self.stateLock.Lock()
			sub := self.subs[frame.SubscriptionId]
			self.stateLock.Unlock()
			if sub != nil && sub.collectionCallback != nil {
				docs := make(map[string]Document, len(frame.Docs))
				for key, doc := range frame.Docs {
					docs[key] = Document(doc)
				}
				sub.collectionCallback(docs)
			}
		}
	}
}

// blocks until the websocket is established or the timeout elapses. Requests
// issued before the first dial completes fail with "not connected"
func (self *RelayStore) AwaitConnected(timeout time.Duration) bool {
	endTime := time.Now().Add(timeout)
	for {
		self.stateLock.Lock()
		connected := self.conn != nil
		self.stateLock.Unlock()
		if connected {
			return true
		}
		if endTime.Before(time.Now()) {
			return false
		}
		select {
		case <-self.ctx.Done():
			return false
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (self *RelayStore) requestId() int64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.nextRequestId += 1
	return self.nextRequestId
}

func (self *RelayStore) send(frame *relayFrame) error {
	self.stateLock.Lock()
	conn := self.conn
	self.stateLock.Unlock()

	if conn == nil {
		return errors.New("not connected")
	}

	self.writeLock.Lock()
	defer self.writeLock.Unlock()

	conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	return conn.WriteJSON(frame)
}

func (self *RelayStore) request(frame *relayFrame) (*relayFrame, error) {
	frame.RequestId = self.requestId()

	result := make(chan *relayFrame, 1)
	self.stateLock.Lock()
	self.pending[frame.RequestId] = result
	self.stateLock.Unlock()

	if err := self.send(frame); err != nil {
		self.stateLock.Lock()
		delete(self.pending, frame.RequestId)
		self.stateLock.Unlock()
		return nil, err
	}

	select {
	case out, ok := <-result:
		if !ok {
			return nil, errors.New("connection lost")
		}
		if out.Error != "" {
			return nil, errors.New(out.Error)
		}
		return out, nil
	case <-time.After(self.settings.RequestTimeout):
		self.stateLock.Lock()
		delete(self.pending, frame.RequestId)
		self.stateLock.Unlock()
		return nil, errors.New("request timeout")
	case <-self.ctx.Done():
		return nil, self.ctx.Err()
	}
}

// `DocumentStore` implementation

func (self *RelayStore) GetOnce(ctx context.Context, path string) (Document, bool, error) {
	out, err := self.request(&relayFrame{
		Type: frameTypeGet,
		Path: path,
	})
	if err != nil {
		return nil, false, err
	}
	return Document(out.Doc), out.Exists, nil
}

func (self *RelayStore) SetMerge(ctx context.Context, path string, fields Document) error {
	_, err := self.request(&relayFrame{
		Type:   frameTypeSet,
		Path:   path,
		Fields: encodeWireFields(fields),
	})
	return err
}

func (self *RelayStore) Delete(ctx context.Context, path string) error {
	_, err := self.request(&relayFrame{
		Type: frameTypeDelete,
		Path: path,
	})
	return err
}

func (self *RelayStore) subscribe(sub *relaySubscription) func() {
	self.stateLock.Lock()
	self.nextSubscriptionId += 1
	subscriptionId := self.nextSubscriptionId
	self.subs[subscriptionId] = sub
	self.stateLock.Unlock()

	// best effort now; the run loop re-establishes on reconnect
	self.send(&relayFrame{
		Type:           sub.frameType,
		RequestId:      self.requestId(),
		SubscriptionId: subscriptionId,
		Path:           sub.path,
	})

	return func() {
		self.stateLock.Lock()
		delete(self.subs, subscriptionId)
		self.stateLock.Unlock()

		self.send(&relayFrame{
			Type:           frameTypeUnsubscribe,
			RequestId:      self.requestId(),
			SubscriptionId: subscriptionId,
		})
	}
}

func (self *RelayStore) Subscribe(path string, callback SnapshotFunction) func() {
	return self.subscribe(&relaySubscription{
		frameType:   frameTypeSubscribe,
		path:        path,
		docCallback: callback,
	})
}

func (self *RelayStore) SubscribeCollection(path string, callback CollectionSnapshotFunction) func() {
	return self.subscribe(&relaySubscription{
		frameType:          frameTypeSubscribeCollection,
		path:               path,
		collectionCallback: callback,
	})
}

type relayTransaction struct {
	store *RelayStore

	reads map[string]int64
	// later sets merge over earlier ones, matching store merge order
	sets map[string]map[string]any
}

// `Transaction` implementation

func (self *relayTransaction) Get(path string) (Document, bool, error) {
	out, err := self.store.request(&relayFrame{
		Type: frameTypeTxnGet,
		Path: path,
	})
	if err != nil {
		return nil, false, err
	}
	self.reads[path] = out.Version
	return Document(out.Doc), out.Exists, nil
}

func (self *relayTransaction) Set(path string, fields Document) error {
	wireFields, ok := self.sets[path]
	if !ok {
		wireFields = map[string]any{}
		self.sets[path] = wireFields
	}
	for name, value := range encodeWireFields(fields) {
		wireFields[name] = value
	}
	return nil
}

// optimistic concurrency: reads record the document version, the commit applies
// only if none of the read documents changed, and a conflict retries the whole
// transaction function
func (self *RelayStore) RunTransaction(ctx context.Context, fn func(tx Transaction) error) error {
	for i := 0; i < self.settings.TransactionRetries; i += 1 {
		tx := &relayTransaction{
			store: self,
			reads: map[string]int64{},
			sets:  map[string]map[string]any{},
		}
		if err := fn(tx); err != nil {
			return err
		}

		_, err := self.request(&relayFrame{
			Type:  frameTypeTxnCommit,
			Reads: tx.reads,
			Sets:  tx.sets,
		})
		if err == nil {
			return nil
		}
		if err.Error() != ErrTransactionConflict.Error() {
			return err
		}
		glog.V(1).Infof("[store]transaction conflict, retry %d\n", i+1)
	}
	return fmt.Errorf("transaction failed after %d retries", self.settings.TransactionRetries)
}

func (self *RelayStore) Close() {
	self.cancel()

	self.stateLock.Lock()
	conn := self.conn
	self.conn = nil
	self.stateLock.Unlock()

	if conn != nil {
		conn.Close()
	}
}

var _ DocumentStore = (*RelayStore)(nil)
