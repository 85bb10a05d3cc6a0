package sketch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/maps"
)

// the remote document store the scene protocol synchronizes through.
// semantics are last-write-wins by field with server-assigned timestamps.
// there is no server logic beyond this passive store.

type Document = map[string]any

type SnapshotFunction = func(doc Document)
type CollectionSnapshotFunction = func(docs map[string]Document)

type Transaction interface {
	Get(path string) (Document, bool, error)
	Set(path string, fields Document) error
}

type DocumentStore interface {
	GetOnce(ctx context.Context, path string) (Document, bool, error)
	// merges fields into the document, resolving write sentinels.
	// creates the document if absent
	SetMerge(ctx context.Context, path string, fields Document) error
	Delete(ctx context.Context, path string) error
	Subscribe(path string, callback SnapshotFunction) func()
	SubscribeCollection(path string, callback CollectionSnapshotFunction) func()
	RunTransaction(ctx context.Context, fn func(tx Transaction) error) error
	Close()
}

// write sentinels, resolved at commit time by the store

type serverTimestampSentinel struct{}

type incrementSentinel struct {
	delta int64
}

// the store assigns the authoritative time at commit
func ServerTimestamp() any {
	return serverTimestampSentinel{}
}

// atomic add on the committed value. Never read-modify-write a counter on the
// client, concurrent writers would lose increments
func Increment(delta int64) any {
	return incrementSentinel{delta: delta}
}

// field readers tolerant of wire representations. Documents that crossed the
// relay carry json numbers and rfc3339 times instead of native types

func fieldInt64(doc Document, name string) int64 {
	switch value := doc[name].(type) {
	case int64:
		return value
	case int:
		return int64(value)
	case float64:
		return int64(value)
	default:
		return 0
	}
}

func fieldTime(doc Document, name string) time.Time {
	switch value := doc[name].(type) {
	case time.Time:
		return value
	case string:
		if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
			return t
		}
		return time.Time{}
	default:
		return time.Time{}
	}
}

func fieldBool(doc Document, name string) bool {
	if value, ok := doc[name].(bool); ok {
		return value
	}
	return false
}

func parentCollection(path string) string {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return ""
	}
	return path[:i]
}

// in-memory store with the full document store contract. Backs the relay
// daemon and the tests

type MemoryStore struct {
	stateLock sync.Mutex

	docs map[string]Document
	// per-doc write counter, used by the relay's optimistic transactions
	versions map[string]int64

	docCallbacks        map[string]*CallbackList[SnapshotFunction]
	collectionCallbacks map[string]*CallbackList[CollectionSnapshotFunction]

	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return newMemoryStore(time.Now)
}

func newMemoryStore(now func() time.Time) *MemoryStore {
	return &MemoryStore{
		docs:                map[string]Document{},
		versions:            map[string]int64{},
		docCallbacks:        map[string]*CallbackList[SnapshotFunction]{},
		collectionCallbacks: map[string]*CallbackList[CollectionSnapshotFunction]{},
		now:                 now,
	}
}

func (self *MemoryStore) GetOnce(ctx context.Context, path string) (Document, bool, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	doc, ok := self.docs[path]
	if !ok {
		return nil, false, nil
	}
	return maps.Clone(doc), true, nil
}

func (self *MemoryStore) Version(path string) int64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.versions[path]
}

// snapshot and version under one lock hold, the transactional read primitive.
// reading them separately would let a write land in between and validate a
// stale snapshot against a fresh version
func (self *MemoryStore) GetWithVersion(path string) (Document, bool, int64) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	version := self.versions[path]
	doc, ok := self.docs[path]
	if !ok {
		return nil, false, version
	}
	return maps.Clone(doc), true, version
}

func (self *MemoryStore) SetMerge(ctx context.Context, path string, fields Document) error {
	self.stateLock.Lock()
	self.merge(path, fields)
	self.stateLock.Unlock()

	self.notify(path)
	return nil
}

// must be called with `stateLock`
func (self *MemoryStore) merge(path string, fields Document) {
	doc, ok := self.docs[path]
	if !ok {
		doc = Document{}
		self.docs[path] = doc
	}
	for name, value := range fields {
		switch sentinel := value.(type) {
		case serverTimestampSentinel:
			doc[name] = self.now()
		case incrementSentinel:
			doc[name] = fieldInt64(doc, name) + sentinel.delta
		default:
			doc[name] = value
		}
	}
	self.versions[path] += 1
}

func (self *MemoryStore) Delete(ctx context.Context, path string) error {
	self.stateLock.Lock()
	delete(self.docs, path)
	self.versions[path] += 1
	self.stateLock.Unlock()

	self.notify(path)
	return nil
}

func (self *MemoryStore) notify(path string) {
	self.stateLock.Lock()
	doc, ok := self.docs[path]
	var docCopy Document
	if ok {
		docCopy = maps.Clone(doc)
	}
	docCallbacks := self.docCallbacks[path]

	collection := parentCollection(path)
	collectionCallbacks := self.collectionCallbacks[collection]
	var collectionDocs map[string]Document
	if collectionCallbacks != nil {
		collectionDocs = self.collectionDocs(collection)
	}
	self.stateLock.Unlock()

	if docCallbacks != nil {
		for _, callback := range docCallbacks.Get() {
			callback(docCopy)
		}
	}
	if collectionCallbacks != nil {
		for _, callback := range collectionCallbacks.Get() {
			callback(collectionDocs)
		}
	}
}

// must be called with `stateLock`
func (self *MemoryStore) collectionDocs(collection string) map[string]Document {
	docs := map[string]Document{}
	prefix := collection + "/"
	for path, doc := range self.docs {
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		key := path[len(prefix):]
		if strings.Contains(key, "/") {
			// not a direct child
			continue
		}
		docs[key] = maps.Clone(doc)
	}
	return docs
}

func (self *MemoryStore) Subscribe(path string, callback SnapshotFunction) func() {
	self.stateLock.Lock()
	callbacks, ok := self.docCallbacks[path]
	if !ok {
		callbacks = NewCallbackList[SnapshotFunction]()
		self.docCallbacks[path] = callbacks
	}
	var docCopy Document
	if doc, ok := self.docs[path]; ok {
		docCopy = maps.Clone(doc)
	}
	// register while the snapshot is captured so no write lands unseen between
	// the capture and the registration
	callbackId := callbacks.Add(callback)
	self.stateLock.Unlock()

	// deliver the current state to the new subscriber. A write racing this may
	// notify first; subscribers gate on revision and drop the older snapshot
	if docCopy != nil {
		callback(docCopy)
	}
	return func() {
		callbacks.Remove(callbackId)
	}
}

func (self *MemoryStore) SubscribeCollection(path string, callback CollectionSnapshotFunction) func() {
	self.stateLock.Lock()
	callbacks, ok := self.collectionCallbacks[path]
	if !ok {
		callbacks = NewCallbackList[CollectionSnapshotFunction]()
		self.collectionCallbacks[path] = callbacks
	}
	docs := self.collectionDocs(path)
	callbackId := callbacks.Add(callback)
	self.stateLock.Unlock()

	callback(docs)
	return func() {
		callbacks.Remove(callbackId)
	}
}

type memoryTransaction struct {
	store *MemoryStore
	// staged writes applied on commit
	sets []func()
	// paths read, with the version observed
	reads map[string]int64
}

// `Transaction` implementation

func (self *memoryTransaction) Get(path string) (Document, bool, error) {
	doc, ok := self.store.docs[path]
	self.reads[path] = self.store.versions[path]
	if !ok {
		return nil, false, nil
	}
	return maps.Clone(doc), true, nil
}

func (self *memoryTransaction) Set(path string, fields Document) error {
	self.sets = append(self.sets, func() {
		self.store.merge(path, fields)
	})
	return nil
}

// runs `fn` with the store locked, so reads and staged writes are atomic with
// respect to all other store operations
func (self *MemoryStore) RunTransaction(ctx context.Context, fn func(tx Transaction) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	notifyPaths := []string{}
	err := func() error {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		tx := &memoryTransaction{
			store: self,
			reads: map[string]int64{},
		}
		if err := fn(tx); err != nil {
			return err
		}
		for _, set := range tx.sets {
			set()
		}
		notifyPaths = maps.Keys(tx.reads)
		return nil
	}()
	if err != nil {
		return err
	}
	for _, path := range notifyPaths {
		self.notify(path)
	}
	return nil
}

// applies staged writes only if none of the read documents changed since they
// were read. Used by the relay to commit client transactions
func (self *MemoryStore) CommitIfUnchanged(reads map[string]int64, sets map[string]Document) error {
	notifyPaths := []string{}
	err := func() error {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		for path, version := range reads {
			if self.versions[path] != version {
				return ErrTransactionConflict
			}
		}
		for path, fields := range sets {
			self.merge(path, fields)
			notifyPaths = append(notifyPaths, path)
		}
		return nil
	}()
	if err != nil {
		return err
	}
	for _, path := range notifyPaths {
		self.notify(path)
	}
	return nil
}

var ErrTransactionConflict = errors.New("transaction conflict")

func (self *MemoryStore) Close() {
}

var _ DocumentStore = (*MemoryStore)(nil)

// scene and presence paths under the store

func ScenePath(token string) string {
	return fmt.Sprintf("scenes/%s", token)
}

func PresenceCollectionPath(token string) string {
	return fmt.Sprintf("scenes/%s/presence", token)
}

func PresencePath(token string, clientId Id) string {
	return fmt.Sprintf("scenes/%s/presence/%s", token, clientId)
}
