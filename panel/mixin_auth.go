package panel

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

type AuthMixinSettings struct {
	// rest path that revokes the access token on logout
	RevokePath string
}

func DefaultAuthMixinSettings() *AuthMixinSettings {
	return &AuthMixinSettings{
		RevokePath: "auth/revoke",
	}
}

// tracks the current user and the access token lifetime. Handles logout
type AuthMixin struct {
	registry    *CollectionRegistry
	accessToken string
	settings    *AuthMixinSettings
	log         LogFunction

	auth *SliceWriter[AuthSlice]

	stateLock       sync.Mutex
	unsubscribeUser func()
	expiryTimer     *time.Timer
}

func NewAuthMixinWithDefaults(registry *CollectionRegistry, accessToken string) *AuthMixin {
	return NewAuthMixin(registry, accessToken, DefaultAuthMixinSettings())
}

func NewAuthMixin(registry *CollectionRegistry, accessToken string, settings *AuthMixinSettings) *AuthMixin {
	return &AuthMixin{
		registry:    registry,
		accessToken: accessToken,
		settings:    settings,
		log:         LogFn(1, "auth"),
	}
}

func (self *AuthMixin) Name() string {
	return "auth"
}

func (self *AuthMixin) Claim(host *Host) error {
	auth, err := ClaimSlice(host, AuthField)
	if err != nil {
		return err
	}
	self.auth = auth
	return nil
}

func (self *AuthMixin) FirstRender(ctx context.Context, host *Host) {
	Listen(host.Bus(), func(ctx context.Context, event RefreshCurrentUserEvent) error {
		conn := host.Connection()
		if conn == nil {
			return ErrNotConnected
		}
		// the collection listener writes the slice
		_, err := CurrentUserCollection(self.registry, conn).Refresh(ctx)
		return err
	})
	Listen(host.Bus(), func(ctx context.Context, event LogoutEvent) error {
		return self.logout(ctx, host)
	})
}

func (self *AuthMixin) Connected(ctx context.Context, host *Host, conn Connection) {
	self.subscribeUser(ctx, conn)
	self.startExpiry()
}

func (self *AuthMixin) subscribeUser(ctx context.Context, conn Connection) {
	unsubscribe, err := CurrentUserCollection(self.registry, conn).Subscribe(ctx, func(user *User) {
		self.auth.Modify(func(auth AuthSlice) AuthSlice {
			auth.User = user
			return auth
		})
	})
	if err != nil {
		glog.Infof("[auth]current user subscribe error = %s\n", err)
		return
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.unsubscribeUser = unsubscribe
}

func (self *AuthMixin) Reconnected(ctx context.Context, host *Host, conn Connection) {
	if err := CurrentUserCollection(self.registry, conn).Resubscribe(ctx); err != nil {
		glog.Infof("[auth]current user resubscribe error = %s\n", err)
	} else {
		subscribed := false
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			subscribed = self.unsubscribeUser != nil
		}()
		if !subscribed {
			self.subscribeUser(ctx, conn)
		}
	}
	self.startExpiry()
}

func (self *AuthMixin) Disconnected(ctx context.Context, host *Host) {
	self.stopExpiry()
}

func (self *AuthMixin) startExpiry() {
	if self.accessToken == "" {
		return
	}
	token, err := ParseAccessTokenUnverified(self.accessToken)
	if err != nil {
		self.log("access token not parsed = %s", err)
		return
	}
	expiresIn, ok := token.ExpiresIn(time.Now())
	if !ok {
		return
	}

	self.auth.Modify(func(auth AuthSlice) AuthSlice {
		auth.TokenExpires = token.Expires
		auth.TokenExpired = expiresIn <= 0
		return auth
	})
	if expiresIn <= 0 {
		return
	}

	self.stopExpiry()
	self.log("token expires in %s", expiresIn)
	timer := time.AfterFunc(expiresIn, func() {
		glog.Infof("[auth]access token expired\n")
		self.auth.Modify(func(auth AuthSlice) AuthSlice {
			auth.TokenExpired = true
			return auth
		})
	})
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.expiryTimer = timer
}

func (self *AuthMixin) stopExpiry() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.expiryTimer != nil {
		self.expiryTimer.Stop()
		self.expiryTimer = nil
	}
}

// revokes the token, then closes the connection.
// A failed revoke leaves the session as it was
func (self *AuthMixin) logout(ctx context.Context, host *Host) error {
	conn := host.Connection()
	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.CallApi(ctx, "POST", self.settings.RevokePath, nil, nil); err != nil {
		glog.Infof("[auth]revoke error = %s\n", err)
		return err
	}

	var unsubscribe func()
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		unsubscribe = self.unsubscribeUser
		self.unsubscribeUser = nil
	}()
	if unsubscribe != nil {
		unsubscribe()
	}
	self.stopExpiry()

	self.auth.Modify(func(auth AuthSlice) AuthSlice {
		auth.User = nil
		auth.LoggedOut = true
		return auth
	})
	self.log("logged out")
	conn.Close()
	return nil
}
