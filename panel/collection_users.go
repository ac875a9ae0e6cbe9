package panel

import (
	"context"
	"encoding/json"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
)

const (
	CurrentUserCollectionKey   = "_usr"
	UsersCollectionKey         = "_users"
	SupervisorCollectionKey    = "_supervisor_info"
	NotificationsCollectionKey = "_persistent_notifications"
)

func callWSResult[T any](ctx context.Context, conn Connection, message Message) (T, error) {
	var result T
	raw, err := conn.CallWS(ctx, message)
	if err != nil {
		return result, err
	}
	if len(raw) == 0 {
		return result, nil
	}
	err = json.Unmarshal(raw, &result)
	return result, err
}

func CurrentUserCollection(registry *CollectionRegistry, conn Connection) *Collection[*User] {
	return GetCollection(registry, conn, CurrentUserCollectionKey, &CollectionSettings[*User]{
		Fetch: func(ctx context.Context, conn Connection) (*User, error) {
			return callWSResult[*User](ctx, conn, Message{
				"type": "auth/current_user",
			})
		},
	})
}

// events after which the user list is fetched again
var userEventTypes = []string{
	"user_added",
	"user_removed",
	"user_updated",
}

func UsersCollection(registry *CollectionRegistry, conn Connection) *Collection[[]User] {
	return GetCollection(registry, conn, UsersCollectionKey, &CollectionSettings[[]User]{
		Fetch: func(ctx context.Context, conn Connection) ([]User, error) {
			return callWSResult[[]User](ctx, conn, Message{
				"type": "config/auth/list",
			})
		},
		SubscribeUpdates: func(ctx context.Context, conn Connection, collection *Collection[[]User]) (func(), error) {
			return subscribeRefreshEvents(ctx, conn, collection, userEventTypes)
		},
	})
}

// subscribes to each event type and refreshes `collection` on every push
func subscribeRefreshEvents[T any](
	ctx context.Context,
	conn Connection,
	collection *Collection[T],
	eventTypes []string,
) (func(), error) {
	unsubscribes := []func(){}
	unsubscribeAll := func() {
		for _, unsubscribe := range unsubscribes {
			unsubscribe()
		}
	}
	for _, eventType := range eventTypes {
		unsubscribe, err := conn.SubscribeMessage(
			ctx,
			Message{
				"type":       "subscribe_events",
				"event_type": eventType,
			},
			func(event json.RawMessage) {
				glog.V(2).Infof("[col]%s refresh on %s\n", collection.Key(), eventType)
				// the push callback runs on the read loop
				go HandleError(func() {
					collection.Refresh(collection.Context())
				})
			},
		)
		if err != nil {
			unsubscribeAll()
			return nil, err
		}
		unsubscribes = append(unsubscribes, unsubscribe)
	}
	return unsubscribeAll, nil
}

type SupervisorInfo struct {
	Version         string `json:"version"`
	VersionLatest   string `json:"version_latest"`
	UpdateAvailable bool   `json:"update_available"`
	Channel         string `json:"channel"`
	Healthy         bool   `json:"healthy"`
	Supported       bool   `json:"supported"`
}

type supervisorEvent struct {
	Event     string          `json:"event"`
	UpdateKey string          `json:"update_key"`
	Data      json.RawMessage `json:"data,omitempty"`
}

func SupervisorCollection(registry *CollectionRegistry, conn Connection) *Collection[*SupervisorInfo] {
	return GetCollection(registry, conn, SupervisorCollectionKey, &CollectionSettings[*SupervisorInfo]{
		Fetch: func(ctx context.Context, conn Connection) (*SupervisorInfo, error) {
			return callWSResult[*SupervisorInfo](ctx, conn, Message{
				"type":     "supervisor/api",
				"endpoint": "/supervisor/info",
				"method":   "get",
			})
		},
		SubscribeUpdates: func(ctx context.Context, conn Connection, collection *Collection[*SupervisorInfo]) (func(), error) {
			return conn.SubscribeMessage(
				ctx,
				Message{
					"type": "supervisor/subscribe",
				},
				func(raw json.RawMessage) {
					var event supervisorEvent
					if err := json.Unmarshal(raw, &event); err != nil {
						glog.Infof("[col]supervisor bad event = %s\n", err)
						return
					}
					if event.Event != "supervisor-update" || event.UpdateKey != "info" {
						return
					}
					if 0 < len(event.Data) {
						var info SupervisorInfo
						if err := json.Unmarshal(event.Data, &info); err == nil {
							collection.SetState(&info)
							return
						}
					}
					go HandleError(func() {
						collection.Refresh(collection.Context())
					})
				},
			)
		},
	})
}

type NotificationChangeType string

const (
	NotificationChangeCurrent NotificationChangeType = "current"
	NotificationChangeAdded   NotificationChangeType = "added"
	NotificationChangeUpdated NotificationChangeType = "updated"
	NotificationChangeRemoved NotificationChangeType = "removed"
)

type notificationsEvent struct {
	Type          NotificationChangeType  `json:"type"`
	Notifications map[string]Notification `json:"notifications"`
}

// applies a change to a snapshot. The input is not modified
func reduceNotifications(state map[string]Notification, event *notificationsEvent) map[string]Notification {
	var next map[string]Notification
	switch event.Type {
	case NotificationChangeCurrent:
		next = maps.Clone(event.Notifications)
		if next == nil {
			next = map[string]Notification{}
		}
	case NotificationChangeAdded, NotificationChangeUpdated:
		next = maps.Clone(state)
		if next == nil {
			next = map[string]Notification{}
		}
		maps.Copy(next, event.Notifications)
	case NotificationChangeRemoved:
		next = maps.Clone(state)
		if next == nil {
			next = map[string]Notification{}
		}
		for notificationId := range event.Notifications {
			delete(next, notificationId)
		}
	default:
		glog.Infof("[col]unknown notification change %s\n", event.Type)
		return state
	}
	return next
}

// push-only. The server sends the current set first, then changes
func NotificationsCollection(registry *CollectionRegistry, conn Connection) *Collection[map[string]Notification] {
	return GetCollection(registry, conn, NotificationsCollectionKey, &CollectionSettings[map[string]Notification]{
		SubscribeUpdates: func(
			ctx context.Context,
			conn Connection,
			collection *Collection[map[string]Notification],
		) (func(), error) {
			return conn.SubscribeMessage(
				ctx,
				Message{
					"type": "persistent_notification/subscribe",
				},
				func(raw json.RawMessage) {
					var event notificationsEvent
					if err := json.Unmarshal(raw, &event); err != nil {
						glog.Infof("[col]notifications bad event = %s\n", err)
						return
					}
					collection.Modify(func(state map[string]Notification, ok bool) map[string]Notification {
						return reduceNotifications(state, &event)
					})
				},
			)
		},
	})
}
