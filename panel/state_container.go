package panel

import (
	"sync"
	"sync/atomic"

	"github.com/golang/glog"
)

// a view element bound to the canonical state.
// `SetState` is called synchronously for every state the dependent has not seen yet
type Dependent interface {
	SetState(state *State)
}

// dependents that tear themselves down report closed.
// the container skips and forgets closed dependents
type ClosableDependent interface {
	Dependent
	IsClosed() bool
}

type DependentFunc func(state *State)

func (self DependentFunc) SetState(state *State) {
	self(state)
}

type StateChangedFunction = func(prev *State, next *State)

// non-owning reference to a dependent.
// `version` is the last state version pushed, so that a slow push never overwrites a newer one
type dependentRef struct {
	dependent Dependent
	version   atomic.Uint64
}

type StateContainer struct {
	stateLock sync.Mutex
	// nil until `Establish`
	state *State
	// updates requested before `Establish`, in call order
	pending    []func(state *State) *Patch
	version    uint64
	dependents []*dependentRef

	stateChangedCallbacks *CallbackList[StateChangedFunction]

	// state changed callbacks run one version at a time, in version order
	deliverLock sync.Mutex
	deliverCond *sync.Cond
	delivered   uint64

	metrics *Metrics
}

func NewStateContainer(metrics *Metrics) *StateContainer {
	container := &StateContainer{
		pending:               []func(state *State) *Patch{},
		dependents:            []*dependentRef{},
		stateChangedCallbacks: NewCallbackList[StateChangedFunction](),
		metrics:               metrics,
	}
	container.deliverCond = sync.NewCond(&container.deliverLock)
	return container
}

// nil until the canonical state is established
func (self *StateContainer) State() *State {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *StateContainer) IsEstablished() bool {
	return self.State() != nil
}

// the first canonical state is `initial` with the buffered updates applied in call order.
// Each buffered update computes its patch from the state so far, so a buffered update of one
// field does not reset the other fields of its slice.
// later calls are ignored and return the current state
func (self *StateContainer) Establish(initial *State) *State {
	var next *State
	var dependents []*dependentRef
	installed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.state != nil {
			glog.Infof("[state]already established at version %d\n", self.state.version)
			next = self.state
			return
		}

		self.version += 1
		next = mergeState(initial, &Patch{})
		for _, patchFn := range self.pending {
			if patch := patchFn(next); patch != nil {
				next = mergeState(next, patch)
			}
		}
		next.version = self.version
		self.state = next
		// never consulted again
		self.pending = nil
		dependents = self.dependents
		installed = true
	}()

	if installed {
		glog.V(1).Infof("[state]established version %d\n", next.version)
		self.changed(nil, next, dependents)
	}
	return next
}

// returns the new state, or nil when the patch was buffered
func (self *StateContainer) Update(patch *Patch) *State {
	return self.UpdateFunc(func(state *State) *Patch {
		return patch
	})
}

// `patchFn` computes the patch from the latest state while no other update can interleave.
// Before the state is established `patchFn` is buffered and runs during `Establish`.
// A nil or empty patch is a no-op
func (self *StateContainer) UpdateFunc(patchFn func(state *State) *Patch) *State {
	var prev *State
	var next *State
	var dependents []*dependentRef
	buffered := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.state == nil {
			self.pending = append(self.pending, patchFn)
			buffered = true
			return
		}

		patch := patchFn(self.state)
		if patch == nil || patch.IsEmpty() {
			next = self.state
			return
		}

		prev = self.state
		self.version += 1
		next = mergeState(prev, patch)
		next.version = self.version
		self.state = next
		dependents = self.dependents
	}()

	if buffered {
		glog.V(2).Infof("[state]buffered update before establish\n")
		return nil
	}
	if prev != nil {
		self.metrics.StateUpdate()
		self.changed(prev, next, dependents)
	}
	return next
}

// state changed callbacks for a version run only after the callbacks for every earlier version,
// so a side effect of an older state never lands after a newer one.
// A state changed callback must not update the state synchronously
func (self *StateContainer) changed(prev *State, next *State, dependents []*dependentRef) {
	func() {
		self.deliverLock.Lock()
		defer self.deliverLock.Unlock()

		for self.delivered+1 < next.version {
			self.deliverCond.Wait()
		}
		defer func() {
			self.delivered = next.version
			self.deliverCond.Broadcast()
		}()

		for _, stateChangedCallback := range self.stateChangedCallbacks.Get() {
			HandleError(func() {
				stateChangedCallback(prev, next)
			})
		}
	}()

	closed := false
	for _, ref := range dependents {
		if !self.push(ref, next) {
			closed = true
		}
	}
	if closed {
		self.pruneClosed()
	}
}

// returns false if the dependent is closed
func (self *StateContainer) push(ref *dependentRef, state *State) bool {
	if closable, ok := ref.dependent.(ClosableDependent); ok && closable.IsClosed() {
		return false
	}
	for {
		version := ref.version.Load()
		if state.version <= version {
			// already has this or a newer state
			return true
		}
		if ref.version.CompareAndSwap(version, state.version) {
			break
		}
	}
	glog.V(2).Infof("[state]push version %d\n", state.version)
	HandleError(func() {
		ref.dependent.SetState(state)
	})
	return true
}

func (self *StateContainer) pruneClosed() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	// copy on write, pushes in flight iterate the previous slice
	dependents := make([]*dependentRef, 0, len(self.dependents))
	for _, ref := range self.dependents {
		if closable, ok := ref.dependent.(ClosableDependent); ok && closable.IsClosed() {
			continue
		}
		dependents = append(dependents, ref)
	}
	self.dependents = dependents
}

// binds `dependent` to the canonical state.
// The current state, if any, is pushed before returning. Registration is additive
func (self *StateContainer) Provide(dependent Dependent) {
	ref := &dependentRef{
		dependent: dependent,
	}
	var state *State
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		dependents := make([]*dependentRef, 0, len(self.dependents)+1)
		dependents = append(dependents, self.dependents...)
		dependents = append(dependents, ref)
		self.dependents = dependents
		state = self.state
	}()
	if state != nil {
		self.push(ref, state)
	}
}

func (self *StateContainer) DependentCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.dependents)
}

func (self *StateContainer) AddStateChangedCallback(stateChangedCallback StateChangedFunction) func() {
	callbackId := self.stateChangedCallbacks.Add(stateChangedCallback)
	return func() {
		self.stateChangedCallbacks.Remove(callbackId)
	}
}

// a dependent that keeps the latest pushed state
type StateBinding struct {
	state    atomic.Pointer[State]
	closed   atomic.Bool
	onChange func(state *State)
}

// `onChange` may be nil
func NewStateBinding(onChange func(state *State)) *StateBinding {
	return &StateBinding{
		onChange: onChange,
	}
}

func (self *StateBinding) SetState(state *State) {
	if self.closed.Load() {
		return
	}
	self.state.Store(state)
	if self.onChange != nil {
		self.onChange(state)
	}
}

func (self *StateBinding) State() *State {
	return self.state.Load()
}

func (self *StateBinding) Close() {
	self.closed.Store(true)
}

func (self *StateBinding) IsClosed() bool {
	return self.closed.Load()
}
