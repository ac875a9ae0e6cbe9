package panel

import (
	"context"
	"sync"

	"github.com/golang/glog"
)

// mirrors the persistent notifications of the server
type NotificationsMixin struct {
	registry      *CollectionRegistry
	notifications *SliceWriter[NotificationsSlice]

	stateLock   sync.Mutex
	unsubscribe func()
}

func NewNotificationsMixin(registry *CollectionRegistry) *NotificationsMixin {
	return &NotificationsMixin{
		registry: registry,
	}
}

func (self *NotificationsMixin) Name() string {
	return "notifications"
}

func (self *NotificationsMixin) Claim(host *Host) error {
	notifications, err := ClaimSlice(host, NotificationsField)
	if err != nil {
		return err
	}
	self.notifications = notifications
	return nil
}

func (self *NotificationsMixin) FirstRender(ctx context.Context, host *Host) {
	Listen(host.Bus(), func(ctx context.Context, event DismissNotificationEvent) error {
		conn := host.Connection()
		if conn == nil {
			return ErrNotConnected
		}
		// the removal arrives as a push
		return conn.CallService(ctx, "persistent_notification", "dismiss", map[string]any{
			"notification_id": event.NotificationId,
		})
	})
}

func (self *NotificationsMixin) Connected(ctx context.Context, host *Host, conn Connection) {
	self.subscribe(ctx, conn)
}

func (self *NotificationsMixin) subscribe(ctx context.Context, conn Connection) {
	unsubscribe, err := NotificationsCollection(self.registry, conn).Subscribe(
		ctx,
		func(notifications map[string]Notification) {
			self.notifications.Set(NotificationsSlice{
				Notifications: notifications,
			})
		},
	)
	if err != nil {
		glog.Infof("[notifications]subscribe error = %s\n", err)
		return
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.unsubscribe = unsubscribe
}

func (self *NotificationsMixin) subscribed() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.unsubscribe != nil
}

func (self *NotificationsMixin) Reconnected(ctx context.Context, host *Host, conn Connection) {
	if err := NotificationsCollection(self.registry, conn).Resubscribe(ctx); err != nil {
		glog.Infof("[notifications]resubscribe error = %s\n", err)
		return
	}
	// the first subscribe failed
	if !self.subscribed() {
		self.subscribe(ctx, conn)
	}
}
