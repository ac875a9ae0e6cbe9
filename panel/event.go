package panel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/golang/glog"
)

// application events are the only channel by which view code requests a state mutation.
// The set of events is closed: every event type is declared in this file

var ErrUnhandledEvent = errors.New("Unhandled event.")

type EventKind string

const (
	EventKindDockSidebar         EventKind = "panel-dock-sidebar"
	EventKindEnableShortcuts     EventKind = "panel-enable-shortcuts"
	EventKindVibrate             EventKind = "panel-vibrate"
	EventKindHaptic              EventKind = "panel-haptic"
	EventKindWriteLog            EventKind = "panel-write-log"
	EventKindRefreshCurrentUser  EventKind = "panel-refresh-current-user"
	EventKindLogout              EventKind = "panel-logout"
	EventKindDismissNotification EventKind = "panel-dismiss-notification"
)

type Event interface {
	Kind() EventKind
	isEvent()
}

type DockSidebarEvent struct {
	Dock SidebarMode
}

func (DockSidebarEvent) Kind() EventKind { return EventKindDockSidebar }
func (DockSidebarEvent) isEvent()        {}

type EnableShortcutsEvent struct {
	Enable bool
}

func (EnableShortcutsEvent) Kind() EventKind { return EventKindEnableShortcuts }
func (EnableShortcutsEvent) isEvent()        {}

// sets the vibrate preference
type VibrateEvent struct {
	Vibrate bool
}

func (VibrateEvent) Kind() EventKind { return EventKindVibrate }
func (VibrateEvent) isEvent()        {}

type HapticType string

const (
	HapticTypeSuccess   HapticType = "success"
	HapticTypeWarning   HapticType = "warning"
	HapticTypeFailure   HapticType = "failure"
	HapticTypeLight     HapticType = "light"
	HapticTypeMedium    HapticType = "medium"
	HapticTypeHeavy     HapticType = "heavy"
	HapticTypeSelection HapticType = "selection"
)

// requests haptic feedback. Dropped when vibrate is off
type HapticEvent struct {
	Haptic HapticType
}

func (HapticEvent) Kind() EventKind { return EventKindHaptic }
func (HapticEvent) isEvent()        {}

type WriteLogEvent struct {
	Level   LogLevel
	Logger  string
	Message string
}

func (WriteLogEvent) Kind() EventKind { return EventKindWriteLog }
func (WriteLogEvent) isEvent()        {}

type RefreshCurrentUserEvent struct{}

func (RefreshCurrentUserEvent) Kind() EventKind { return EventKindRefreshCurrentUser }
func (RefreshCurrentUserEvent) isEvent()        {}

type LogoutEvent struct{}

func (LogoutEvent) Kind() EventKind { return EventKindLogout }
func (LogoutEvent) isEvent()        {}

type DismissNotificationEvent struct {
	NotificationId string
}

func (DismissNotificationEvent) Kind() EventKind { return EventKindDismissNotification }
func (DismissNotificationEvent) isEvent()        {}

type EventHandler = func(ctx context.Context, event Event) error

type EventBus struct {
	stateLock sync.Mutex
	handlers  map[EventKind]*CallbackList[EventHandler]
}

func NewEventBus() *EventBus {
	return &EventBus{
		handlers: map[EventKind]*CallbackList[EventHandler]{},
	}
}

func (self *EventBus) handlerList(kind EventKind) *CallbackList[EventHandler] {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	handlers, ok := self.handlers[kind]
	if !ok {
		handlers = NewCallbackList[EventHandler]()
		self.handlers[kind] = handlers
	}
	return handlers
}

func (self *EventBus) listen(kind EventKind, handler EventHandler) func() {
	handlers := self.handlerList(kind)
	handlerId := handlers.Add(handler)
	return func() {
		handlers.Remove(handlerId)
	}
}

// registers a typed handler for events of type `E`
func Listen[E Event](bus *EventBus, handler func(ctx context.Context, event E) error) func() {
	var zero E
	return bus.listen(zero.Kind(), func(ctx context.Context, event Event) error {
		return handler(ctx, event.(E))
	})
}

// handlers run synchronously in registration order.
// All handler errors are returned to the emitter
func (self *EventBus) Emit(ctx context.Context, event Event) error {
	handlers := self.handlerList(event.Kind()).Get()
	if len(handlers) == 0 {
		return fmt.Errorf("%w %s", ErrUnhandledEvent, event.Kind())
	}
	glog.V(2).Infof("[event]%s %+v\n", event.Kind(), event)

	var errs []error
	for _, handler := range handlers {
		HandleError(func() {
			if err := handler(ctx, event); err != nil {
				errs = append(errs, err)
			}
		}, func(err error) {
			errs = append(errs, err)
		})
	}
	return errors.Join(errs...)
}
