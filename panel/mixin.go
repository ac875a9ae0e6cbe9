package panel

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Mixins extend the state container with capability slices.
// Composition is an ordered list of builders, each wrapping the holder built so far.
// A layer always runs the wrapped holder's hook before its own mixin hook,
// so for mixins [A, B, C] every hook runs A, B, C, and no mixin can skip an inner layer.
//
// Each mixin owns a disjoint set of state slices, claimed at composition through its `Host`.
// A second claim on a slice fails the composition with `ErrSliceClaimed`.
// Mixins write state only through their `SliceWriter`s.

var ErrSliceClaimed = errors.New("Slice already claimed.")

type Holder interface {
	FirstRender(ctx context.Context)
	Connected(ctx context.Context, conn Connection)
	Reconnected(ctx context.Context, conn Connection)
	Disconnected(ctx context.Context)
	PanelChanged(ctx context.Context, panel string)
	StateChanged(prev *State, next *State)
	// layer names, inner to outer
	Layers() []string
}

type Builder func(inner Holder) Holder

func Compose(base Holder, builders ...Builder) Holder {
	holder := base
	for _, builder := range builders {
		holder = builder(holder)
	}
	return holder
}

// the innermost holder. Every hook is a no-op
type baseHolder struct{}

func (baseHolder) FirstRender(ctx context.Context)                  {}
func (baseHolder) Connected(ctx context.Context, conn Connection)   {}
func (baseHolder) Reconnected(ctx context.Context, conn Connection) {}
func (baseHolder) Disconnected(ctx context.Context)                 {}
func (baseHolder) PanelChanged(ctx context.Context, panel string)   {}
func (baseHolder) StateChanged(prev *State, next *State)            {}
func (baseHolder) Layers() []string                                 { return []string{} }

type Mixin interface {
	Name() string
}

// optional mixin interfaces

// called once at composition. Claim slices here
type SliceClaimer interface {
	Claim(host *Host) error
}

// called once. Register event listeners here
type FirstRenderHook interface {
	FirstRender(ctx context.Context, host *Host)
}

type ConnectedHook interface {
	Connected(ctx context.Context, host *Host, conn Connection)
}

// subscriptions do not survive a reconnect. Re-establish them here
type ReconnectedHook interface {
	Reconnected(ctx context.Context, host *Host, conn Connection)
}

// release timers and listeners that need a live connection
type DisconnectedHook interface {
	Disconnected(ctx context.Context, host *Host)
}

type PanelChangedHook interface {
	PanelChanged(ctx context.Context, host *Host, panel string)
}

// `prev` is nil for the first canonical state
type StateChangedHook interface {
	StateChanged(host *Host, prev *State, next *State)
}

type layer struct {
	inner Holder
	mixin Mixin
	host  *Host
}

func WithMixin(mixin Mixin, host *Host) Builder {
	return func(inner Holder) Holder {
		return &layer{
			inner: inner,
			mixin: mixin,
			host:  host,
		}
	}
}

func (self *layer) FirstRender(ctx context.Context) {
	self.inner.FirstRender(ctx)
	if hook, ok := self.mixin.(FirstRenderHook); ok {
		hook.FirstRender(ctx, self.host)
	}
}

func (self *layer) Connected(ctx context.Context, conn Connection) {
	self.inner.Connected(ctx, conn)
	if hook, ok := self.mixin.(ConnectedHook); ok {
		hook.Connected(ctx, self.host, conn)
	}
}

func (self *layer) Reconnected(ctx context.Context, conn Connection) {
	self.inner.Reconnected(ctx, conn)
	if hook, ok := self.mixin.(ReconnectedHook); ok {
		hook.Reconnected(ctx, self.host, conn)
	}
}

func (self *layer) Disconnected(ctx context.Context) {
	self.inner.Disconnected(ctx)
	if hook, ok := self.mixin.(DisconnectedHook); ok {
		hook.Disconnected(ctx, self.host)
	}
}

func (self *layer) PanelChanged(ctx context.Context, panel string) {
	self.inner.PanelChanged(ctx, panel)
	if hook, ok := self.mixin.(PanelChangedHook); ok {
		hook.PanelChanged(ctx, self.host, panel)
	}
}

func (self *layer) StateChanged(prev *State, next *State) {
	self.inner.StateChanged(prev, next)
	if hook, ok := self.mixin.(StateChangedHook); ok {
		hook.StateChanged(self.host, prev, next)
	}
}

func (self *layer) Layers() []string {
	return append(self.inner.Layers(), self.mixin.Name())
}

// builds the holder for `mixins`, inner to outer, and claims their slices
func ComposeMixins(container *StateContainer, bus *EventBus, claims *SliceClaims, mixins ...Mixin) (Holder, error) {
	builders := make([]Builder, 0, len(mixins))
	for _, mixin := range mixins {
		host := NewHost(mixin.Name(), container, bus, claims)
		if claimer, ok := mixin.(SliceClaimer); ok {
			if err := claimer.Claim(host); err != nil {
				return nil, err
			}
		}
		builders = append(builders, WithMixin(mixin, host))
	}
	return Compose(baseHolder{}, builders...), nil
}

// what a mixin sees of the application
type Host struct {
	name      string
	container *StateContainer
	bus       *EventBus
	claims    *SliceClaims
}

func NewHost(name string, container *StateContainer, bus *EventBus, claims *SliceClaims) *Host {
	return &Host{
		name:      name,
		container: container,
		bus:       bus,
		claims:    claims,
	}
}

func (self *Host) Name() string {
	return self.name
}

// nil before the canonical state is established
func (self *Host) State() *State {
	return self.container.State()
}

// nil before the first connect
func (self *Host) Connection() Connection {
	if state := self.container.State(); state != nil {
		return state.Core.Connection
	}
	return nil
}

func (self *Host) Bus() *EventBus {
	return self.bus
}

func (self *Host) Emit(ctx context.Context, event Event) error {
	return self.bus.Emit(ctx, event)
}

// slice name -> owning layer name
type SliceClaims struct {
	stateLock sync.Mutex
	owners    map[string]string
}

func NewSliceClaims() *SliceClaims {
	return &SliceClaims{
		owners: map[string]string{},
	}
}

func (self *SliceClaims) claim(slice string, owner string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if currentOwner, ok := self.owners[slice]; ok && currentOwner != owner {
		return fmt.Errorf("%w %s is owned by %s, requested by %s", ErrSliceClaimed, slice, currentOwner, owner)
	}
	self.owners[slice] = owner
	return nil
}

func (self *SliceClaims) Owner(slice string) (string, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	owner, ok := self.owners[slice]
	return owner, ok
}

type SliceField[T any] struct {
	name string
	get  func(state *State) T
	put  func(patch *Patch, value T)
}

func (self SliceField[T]) Name() string {
	return self.name
}

var CoreField = SliceField[CoreSlice]{
	name: "core",
	get:  func(state *State) CoreSlice { return state.Core },
	put:  func(patch *Patch, value CoreSlice) { patch.Core = &value },
}

var AuthField = SliceField[AuthSlice]{
	name: "auth",
	get:  func(state *State) AuthSlice { return state.Auth },
	put:  func(patch *Patch, value AuthSlice) { patch.Auth = &value },
}

var SidebarField = SliceField[SidebarSlice]{
	name: "sidebar",
	get:  func(state *State) SidebarSlice { return state.Sidebar },
	put:  func(patch *Patch, value SidebarSlice) { patch.Sidebar = &value },
}

var HapticsField = SliceField[HapticsSlice]{
	name: "haptics",
	get:  func(state *State) HapticsSlice { return state.Haptics },
	put:  func(patch *Patch, value HapticsSlice) { patch.Haptics = &value },
}

var LoggingField = SliceField[LoggingSlice]{
	name: "logging",
	get:  func(state *State) LoggingSlice { return state.Logging },
	put:  func(patch *Patch, value LoggingSlice) { patch.Logging = &value },
}

var NotificationsField = SliceField[NotificationsSlice]{
	name: "notifications",
	get:  func(state *State) NotificationsSlice { return state.Notifications },
	put:  func(patch *Patch, value NotificationsSlice) { patch.Notifications = &value },
}

// write access to one slice of the canonical state
type SliceWriter[T any] struct {
	field     SliceField[T]
	container *StateContainer
}

func ClaimSlice[T any](host *Host, field SliceField[T]) (*SliceWriter[T], error) {
	if err := host.claims.claim(field.name, host.name); err != nil {
		return nil, err
	}
	return &SliceWriter[T]{
		field:     field,
		container: host.container,
	}, nil
}

// false before the canonical state is established
func (self *SliceWriter[T]) Get() (T, bool) {
	state := self.container.State()
	if state == nil {
		var empty T
		return empty, false
	}
	return self.field.get(state), true
}

// returns the new state, or nil when buffered before establish
func (self *SliceWriter[T]) Set(value T) *State {
	patch := &Patch{}
	self.field.put(patch, value)
	return self.container.Update(patch)
}

// `modify` receives the latest slice value, so callers resuming after a suspension
// never write back a stale copy
func (self *SliceWriter[T]) Modify(modify func(value T) T) *State {
	return self.container.UpdateFunc(func(state *State) *Patch {
		patch := &Patch{}
		self.field.put(patch, modify(self.field.get(state)))
		return patch
	})
}
