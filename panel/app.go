package panel

import (
	"context"
	"errors"
	"sync"

	"github.com/golang/glog"
)

// an app assembles the state container, the event bus, the composed mixins and the
// lifecycle dispatcher around one connection.
// Views bind with `Provide` and request changes with `Emit`. They never update state directly

type AppSettings struct {
	Language      string
	Theme         string
	RecentLogSize int
	Auth          *AuthMixinSettings
	History       *CachedRangeFetcherSettings
}

func DefaultAppSettings() *AppSettings {
	return &AppSettings{
		Language:      "en",
		Theme:         "default",
		RecentLogSize: DefaultRecentLogSize,
		Auth:          DefaultAuthMixinSettings(),
		History:       DefaultCachedRangeFetcherSettings(),
	}
}

// the mixins of an app, inner to outer
type MixinsFunction func(app *App) []Mixin

// auth, haptics, logging, sidebar, notifications
func DefaultMixins(accessToken string, actuator HapticActuator) MixinsFunction {
	return func(app *App) []Mixin {
		return []Mixin{
			NewAuthMixin(app.registry, accessToken, app.settings.Auth),
			NewHapticsMixin(app.store, actuator),
			NewLoggingMixin(app.settings.RecentLogSize),
			NewSidebarMixin(app.store),
			NewNotificationsMixin(app.registry),
		}
	}
}

type App struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *AppSettings
	store    PreferenceStore
	metrics  *Metrics

	container  *StateContainer
	bus        *EventBus
	registry   *CollectionRegistry
	holder     Holder
	dispatcher *Dispatcher
	history    *CachedRangeFetcher

	stateLock sync.Mutex
	conn      Connection
}

func NewAppWithDefaults(ctx context.Context, store PreferenceStore, accessToken string) (*App, error) {
	return NewApp(ctx, store, DefaultMixins(accessToken, nil), DefaultAppSettings(), nil)
}

// `store` and `metrics` may be nil
func NewApp(
	ctx context.Context,
	store PreferenceStore,
	mixins MixinsFunction,
	settings *AppSettings,
	metrics *Metrics,
) (*App, error) {
	cancelCtx, cancel := context.WithCancel(ctx)

	app := &App{
		ctx:       cancelCtx,
		cancel:    cancel,
		settings:  settings,
		store:     store,
		metrics:   metrics,
		container: NewStateContainer(metrics),
		bus:       NewEventBus(),
		registry:  NewCollectionRegistry(cancelCtx, metrics),
	}

	claims := NewSliceClaims()
	core, err := ClaimSlice(NewHost("core", app.container, app.bus, claims), CoreField)
	if err != nil {
		cancel()
		return nil, err
	}
	holder, err := ComposeMixins(app.container, app.bus, claims, mixins(app)...)
	if err != nil {
		cancel()
		return nil, err
	}
	app.holder = holder
	app.container.AddStateChangedCallback(holder.StateChanged)
	app.dispatcher = NewDispatcher(cancelCtx, app.container, holder, core, app.initialState)
	app.history = NewCachedRangeFetcher(NewHistoryCache(), app.fetchHistory, settings.History, metrics)

	glog.V(1).Infof("[app]layers %v\n", holder.Layers())
	return app, nil
}

// transport derived state plus the stored preferences
func (self *App) initialState(ctx context.Context, conn Connection) *State {
	preferences := DefaultPreferences()
	if self.store != nil {
		stored, err := self.store.LoadPreferences(ctx)
		switch {
		case err == nil:
			preferences = stored
		case errors.Is(err, ErrNoPreferences):
		default:
			glog.Infof("[app]load preferences error = %s\n", err)
		}
	}
	state := &State{
		Core: CoreSlice{
			Connection:    conn,
			Connected:     true,
			Language:      self.settings.Language,
			SelectedTheme: self.settings.Theme,
		},
		Notifications: NotificationsSlice{
			Notifications: map[string]Notification{},
		},
	}
	return mergeState(state, preferences.Patch())
}

func (self *App) fetchHistory(ctx context.Context, subject string, window Window) ([]HistoryPoint, error) {
	conn := self.Connection()
	if conn == nil {
		return nil, ErrNotConnected
	}
	return WsHistoryFetch(conn)(ctx, subject, window)
}

// registers event listeners. Call once the views exist, before or after `Attach`
func (self *App) FirstRender() {
	self.dispatcher.FirstRender()
}

func (self *App) Attach(conn Connection) error {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.conn == nil {
			self.conn = conn
		}
	}()
	return self.dispatcher.Attach(conn)
}

func (self *App) Connection() Connection {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.conn
}

func (self *App) Emit(ctx context.Context, event Event) error {
	return self.bus.Emit(ctx, event)
}

func (self *App) Provide(dependent Dependent) {
	self.container.Provide(dependent)
}

// nil before the first connect
func (self *App) State() *State {
	return self.container.State()
}

func (self *App) PanelChanged(panel string) {
	self.dispatcher.PanelChanged(panel)
}

func (self *App) History() *CachedRangeFetcher {
	return self.history
}

func (self *App) Registry() *CollectionRegistry {
	return self.registry
}

func (self *App) Layers() []string {
	return self.holder.Layers()
}

func (self *App) LifecycleState() LifecycleState {
	return self.dispatcher.LifecycleState()
}

func (self *App) Close() {
	self.cancel()
	if conn := self.Connection(); conn != nil {
		conn.Close()
	}
}
