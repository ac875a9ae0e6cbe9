package panel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/golang/glog"
)

// the dispatcher translates connection events into holder hooks.
//
// uninitialized -> connecting -> connected -> {reconnecting -> connected}* -> disconnected
//
// The first connect establishes the canonical state, which merges any buffered updates.
// A drop keeps the canonical state and the dependents, so views continue to show the last known state.
// `disconnected` is terminal for the session

var ErrAlreadyAttached = errors.New("Already attached.")

type LifecycleState int

const (
	LifecycleUninitialized LifecycleState = iota
	LifecycleConnecting
	LifecycleConnected
	LifecycleReconnecting
	LifecycleDisconnected
)

func (self LifecycleState) String() string {
	switch self {
	case LifecycleUninitialized:
		return "uninitialized"
	case LifecycleConnecting:
		return "connecting"
	case LifecycleConnected:
		return "connected"
	case LifecycleReconnecting:
		return "reconnecting"
	case LifecycleDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

// the canonical state for a fresh connection
type InitialStateFunction func(ctx context.Context, conn Connection) *State

type Dispatcher struct {
	ctx context.Context

	container    *StateContainer
	holder       Holder
	core         *SliceWriter[CoreSlice]
	initialState InitialStateFunction

	firstRenderOnce sync.Once

	// hooks for one event complete before the next event is dispatched
	dispatchLock sync.Mutex

	stateLock      sync.Mutex
	lifecycleState LifecycleState
	conn           Connection
	removeCallback func()
	// the visible panel, carried into the initial state
	panel string
}

func NewDispatcher(
	ctx context.Context,
	container *StateContainer,
	holder Holder,
	core *SliceWriter[CoreSlice],
	initialState InitialStateFunction,
) *Dispatcher {
	return &Dispatcher{
		ctx:          ctx,
		container:    container,
		holder:       holder,
		core:         core,
		initialState: initialState,
	}
}

func (self *Dispatcher) LifecycleState() LifecycleState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.lifecycleState
}

// runs the first render hooks once. Later calls do nothing
func (self *Dispatcher) FirstRender() {
	self.firstRenderOnce.Do(func() {
		self.dispatchLock.Lock()
		defer self.dispatchLock.Unlock()

		glog.V(1).Infof("[l]first render\n")
		self.holder.FirstRender(self.ctx)
	})
}

// drives the lifecycle from the events of `conn`. A dispatcher serves one connection
func (self *Dispatcher) Attach(conn Connection) error {
	err := func() error {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.lifecycleState != LifecycleUninitialized {
			return ErrAlreadyAttached
		}
		self.lifecycleState = LifecycleConnecting
		self.conn = conn
		return nil
	}()
	if err != nil {
		return err
	}

	removeCallback := conn.AddConnectionCallback(self.handle)
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.removeCallback = removeCallback
	}()

	// the connection may have connected before the callback was added
	if conn.IsConnected() {
		self.handle(ConnectionEventConnected)
	}
	return nil
}

func (self *Dispatcher) transition(event ConnectionEvent) (from LifecycleState, to LifecycleState, conn Connection) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	from = self.lifecycleState
	to = from
	switch event {
	case ConnectionEventConnected, ConnectionEventReconnected:
		switch from {
		case LifecycleConnecting, LifecycleReconnecting:
			to = LifecycleConnected
		}
	case ConnectionEventDisconnected:
		if from == LifecycleConnected {
			to = LifecycleReconnecting
		}
	case ConnectionEventClosed:
		if from != LifecycleUninitialized {
			to = LifecycleDisconnected
		}
	}
	self.lifecycleState = to
	conn = self.conn
	return
}

func (self *Dispatcher) handle(event ConnectionEvent) {
	self.dispatchLock.Lock()
	defer self.dispatchLock.Unlock()

	from, to, conn := self.transition(event)
	if from == to {
		glog.V(2).Infof("[l]%s ignored in %s\n", event, from)
		return
	}
	glog.V(1).Infof("[l]%s -> %s\n", from, to)

	switch to {
	case LifecycleConnected:
		if from == LifecycleConnecting {
			self.connected(conn)
		} else {
			self.reconnected(conn)
		}
	case LifecycleReconnecting:
		self.disconnected()
	case LifecycleDisconnected:
		// a reconnecting session already ran its disconnected hooks
		if from == LifecycleConnected {
			self.disconnected()
		}
		var removeCallback func()
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			removeCallback = self.removeCallback
			self.removeCallback = nil
		}()
		if removeCallback != nil {
			removeCallback()
		}
	}
}

func (self *Dispatcher) connected(conn Connection) {
	initial := self.initialState(self.ctx, conn)
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		initial.Core.Panel = self.panel
	}()
	self.container.Establish(initial)
	if glog.V(2) {
		Trace("[l]connected hooks", func() {
			self.holder.Connected(self.ctx, conn)
		})
	} else {
		self.holder.Connected(self.ctx, conn)
	}
}

func (self *Dispatcher) reconnected(conn Connection) {
	self.core.Modify(func(core CoreSlice) CoreSlice {
		core.Connected = true
		return core
	})
	self.holder.Reconnected(self.ctx, conn)
}

func (self *Dispatcher) disconnected() {
	self.core.Modify(func(core CoreSlice) CoreSlice {
		core.Connected = false
		return core
	})
	self.holder.Disconnected(self.ctx)
}

// records the visible panel and runs the panel changed hooks
func (self *Dispatcher) PanelChanged(panel string) {
	self.dispatchLock.Lock()
	defer self.dispatchLock.Unlock()

	glog.V(1).Infof("[l]panel %s\n", panel)
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.panel = panel
	}()
	// the core slice is set whole on first connect
	if self.container.IsEstablished() {
		self.core.Modify(func(core CoreSlice) CoreSlice {
			core.Panel = panel
			return core
		})
	}
	self.holder.PanelChanged(self.ctx, panel)
}
