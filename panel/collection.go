package panel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/golang/glog"
)

// a collection is a push-subscribed, de-duplicated view of a server side record set.
// The underlying subscription is established once per (connection, key), on first interest,
// and lives until the connection closes. Later subscribers are replayed the latest snapshot.
// A failed initial subscribe is returned to the first caller and to every later caller.
// There is no retry until an explicit `Resubscribe`

var ErrNoFetch = errors.New("Collection has no fetch.")
var ErrCollectionClosed = errors.New("Collection closed.")

type CollectionSettings[T any] struct {
	// one-shot fetch of the full snapshot. nil for push-only collections
	Fetch func(ctx context.Context, conn Connection) (T, error)
	// establishes the push subscription, which feeds the collection with `SetState`,
	// `Modify` or `Refresh`. nil for fetch-only collections.
	// Refreshes triggered from a push must not block the push callback
	SubscribeUpdates func(ctx context.Context, conn Connection, collection *Collection[T]) (func(), error)
}

type CollectionListener[T any] func(state T)

type Collection[T any] struct {
	ctx    context.Context
	cancel context.CancelFunc

	key      string
	conn     Connection
	settings *CollectionSettings[T]
	metrics  *Metrics

	stateLock sync.Mutex
	started   bool
	// closed when the initial subscribe completes
	ready              chan struct{}
	subscribeErr       error
	unsubscribeUpdates func()
	state              T
	hasState           bool

	// serializes snapshot changes and listener replay,
	// so that each listener sees each snapshot exactly once
	notifyLock sync.Mutex
	listeners  *CallbackList[CollectionListener[T]]
}

func NewCollection[T any](
	ctx context.Context,
	key string,
	conn Connection,
	settings *CollectionSettings[T],
	metrics *Metrics,
) *Collection[T] {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Collection[T]{
		ctx:       cancelCtx,
		cancel:    cancel,
		key:       key,
		conn:      conn,
		settings:  settings,
		metrics:   metrics,
		ready:     make(chan struct{}),
		listeners: NewCallbackList[CollectionListener[T]](),
	}
}

func (self *Collection[T]) Key() string {
	return self.key
}

// the collection's own context. Done when the owning connection closes
func (self *Collection[T]) Context() context.Context {
	return self.ctx
}

// registers `listener` and establishes the underlying subscription if this is the first interest.
// The listener is replayed the latest snapshot, if any, before returning
func (self *Collection[T]) Subscribe(ctx context.Context, listener CollectionListener[T]) (func(), error) {
	start := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if !self.started {
			self.started = true
			start = true
		}
	}()

	if start {
		err := self.start(ctx)
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			self.subscribeErr = err
		}()
		close(self.ready)
		if err != nil {
			glog.Infof("[col]%s subscribe error = %s\n", self.key, err)
		}
	} else {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-self.ctx.Done():
			return nil, ErrCollectionClosed
		case <-self.ready:
		}
	}

	var err error
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		err = self.subscribeErr
	}()
	if err != nil {
		return nil, err
	}

	var listenerId Id
	func() {
		self.notifyLock.Lock()
		defer self.notifyLock.Unlock()

		listenerId = self.listeners.Add(listener)
		if state, ok := self.State(); ok {
			HandleError(func() {
				listener(state)
			})
		}
	}()

	return func() {
		self.listeners.Remove(listenerId)
	}, nil
}

func (self *Collection[T]) start(ctx context.Context) error {
	glog.V(1).Infof("[col]%s subscribe\n", self.key)
	self.metrics.CollectionSubscribe(self.key)

	if self.settings.SubscribeUpdates != nil {
		unsubscribe, err := self.settings.SubscribeUpdates(ctx, self.conn, self)
		if err != nil {
			return err
		}
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			self.unsubscribeUpdates = unsubscribe
		}()
	}
	if self.settings.Fetch != nil {
		if _, err := self.Refresh(ctx); err != nil {
			self.stopUpdates()
			return err
		}
	}
	return nil
}

func (self *Collection[T]) stopUpdates() {
	var unsubscribe func()
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		unsubscribe = self.unsubscribeUpdates
		self.unsubscribeUpdates = nil
	}()
	if unsubscribe != nil {
		unsubscribe()
	}
}

// fetches a fresh snapshot and notifies every listener.
// The push subscription is not disturbed
func (self *Collection[T]) Refresh(ctx context.Context) (T, error) {
	if self.settings.Fetch == nil {
		var empty T
		return empty, ErrNoFetch
	}
	state, err := self.settings.Fetch(ctx, self.conn)
	if err != nil {
		glog.V(1).Infof("[col]%s refresh error = %s\n", self.key, err)
		var empty T
		return empty, err
	}
	self.SetState(state)
	return state, nil
}

// re-establishes the push subscription after a reconnect.
// A collection that was never subscribed stays idle.
// A previously failed collection is started again
func (self *Collection[T]) Resubscribe(ctx context.Context) error {
	started := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		started = self.started
	}()
	if !started {
		return nil
	}

	self.stopUpdates()
	err := self.start(ctx)
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.subscribeErr = err
	}()
	return err
}

func (self *Collection[T]) State() (T, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state, self.hasState
}

// replaces the snapshot and notifies listeners synchronously
func (self *Collection[T]) SetState(state T) {
	self.Modify(func(T, bool) T {
		return state
	})
}

// `modify` computes the next snapshot from the latest one
func (self *Collection[T]) Modify(modify func(state T, ok bool) T) {
	self.notifyLock.Lock()
	defer self.notifyLock.Unlock()

	var state T
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		state = modify(self.state, self.hasState)
		self.state = state
		self.hasState = true
	}()

	for _, listener := range self.listeners.Get() {
		HandleError(func() {
			listener(state)
		})
	}
}

func (self *Collection[T]) ListenerCount() int {
	return self.listeners.Len()
}

func (self *Collection[T]) Close() {
	self.cancel()
	self.stopUpdates()
	self.listeners.Clear()
}

type closer interface {
	Close()
}

type collectionKey struct {
	conn Connection
	key  string
}

// the collections of each live connection
type CollectionRegistry struct {
	ctx     context.Context
	metrics *Metrics

	stateLock   sync.Mutex
	collections map[collectionKey]closer
	// connection -> remove connection callback
	connections map[Connection]func()
}

func NewCollectionRegistry(ctx context.Context, metrics *Metrics) *CollectionRegistry {
	return &CollectionRegistry{
		ctx:         ctx,
		metrics:     metrics,
		collections: map[collectionKey]closer{},
		connections: map[Connection]func(){},
	}
}

// the single collection for (conn, key). `settings` is used only when the collection is created
func GetCollection[T any](
	registry *CollectionRegistry,
	conn Connection,
	key string,
	settings *CollectionSettings[T],
) *Collection[T] {
	registry.stateLock.Lock()
	defer registry.stateLock.Unlock()

	k := collectionKey{
		conn: conn,
		key:  key,
	}
	if existing, ok := registry.collections[k]; ok {
		collection, ok := existing.(*Collection[T])
		if !ok {
			panic(fmt.Errorf("Collection %s has a different type (%T).", key, existing))
		}
		return collection
	}

	if _, ok := registry.connections[conn]; !ok {
		registry.connections[conn] = conn.AddConnectionCallback(func(event ConnectionEvent) {
			if event == ConnectionEventClosed {
				registry.drop(conn)
			}
		})
	}

	collection := NewCollection(registry.ctx, key, conn, settings, registry.metrics)
	registry.collections[k] = collection
	return collection
}

// closes and forgets every collection of `conn`
func (self *CollectionRegistry) drop(conn Connection) {
	var collections []closer
	var removeCallback func()
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		for k, collection := range self.collections {
			if k.conn == conn {
				collections = append(collections, collection)
				delete(self.collections, k)
			}
		}
		removeCallback = self.connections[conn]
		delete(self.connections, conn)
	}()

	glog.V(1).Infof("[col]drop %d collections\n", len(collections))
	for _, collection := range collections {
		collection.Close()
	}
	if removeCallback != nil {
		removeCallback()
	}
}

func (self *CollectionRegistry) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.collections)
}
