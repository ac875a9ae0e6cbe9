package panel

import (
	"time"
)

type SidebarMode string

const (
	SidebarModeAuto         SidebarMode = "auto"
	SidebarModeDocked       SidebarMode = "docked"
	SidebarModeAlwaysHidden SidebarMode = "always_hidden"
)

func (self SidebarMode) IsValid() bool {
	switch self {
	case SidebarModeAuto, SidebarModeDocked, SidebarModeAlwaysHidden:
		return true
	default:
		return false
	}
}

type User struct {
	Id      string `json:"id"`
	Name    string `json:"name"`
	IsOwner bool   `json:"is_owner"`
	IsAdmin bool   `json:"is_admin"`
}

type Notification struct {
	NotificationId string    `json:"notification_id"`
	Title          string    `json:"title,omitempty"`
	Message        string    `json:"message"`
	CreatedAt      time.Time `json:"created_at"`
}

type LogLevel string

const (
	LogLevelDebug    LogLevel = "debug"
	LogLevelInfo     LogLevel = "info"
	LogLevelWarning  LogLevel = "warning"
	LogLevelError    LogLevel = "error"
	LogLevelCritical LogLevel = "critical"
)

type LogEntry struct {
	Time    time.Time
	Level   LogLevel
	Logger  string
	Message string
}

// each slice is owned by exactly one layer of the composition.
// see `SliceField`

// owned by the lifecycle dispatcher
type CoreSlice struct {
	Connection    Connection
	Connected     bool
	Panel         string
	Language      string
	SelectedTheme string
}

type AuthSlice struct {
	User         *User
	TokenExpires time.Time
	TokenExpired bool
	LoggedOut    bool
}

type SidebarSlice struct {
	DockedSidebar   SidebarMode
	EnableShortcuts bool
}

type HapticsSlice struct {
	Vibrate bool
}

type LoggingSlice struct {
	// most recent last, bounded
	Recent []LogEntry
}

type NotificationsSlice struct {
	// notification id -> notification
	Notifications map[string]Notification
}

// a version of the canonical application state.
// states are never mutated after they are installed. Slices holding maps or slices
// are replaced whole, never edited in place
type State struct {
	version uint64

	Core          CoreSlice
	Auth          AuthSlice
	Sidebar       SidebarSlice
	Haptics       HapticsSlice
	Logging       LoggingSlice
	Notifications NotificationsSlice
}

func (self *State) Version() uint64 {
	return self.version
}

func (self *State) Preferences() *Preferences {
	return &Preferences{
		DockedSidebar:   self.Sidebar.DockedSidebar,
		EnableShortcuts: self.Sidebar.EnableShortcuts,
		Vibrate:         self.Haptics.Vibrate,
	}
}

// a partial state. nil slices are left unchanged by a merge
type Patch struct {
	Core          *CoreSlice
	Auth          *AuthSlice
	Sidebar       *SidebarSlice
	Haptics       *HapticsSlice
	Logging       *LoggingSlice
	Notifications *NotificationsSlice
}

func (self *Patch) IsEmpty() bool {
	return self.Core == nil &&
		self.Auth == nil &&
		self.Sidebar == nil &&
		self.Haptics == nil &&
		self.Logging == nil &&
		self.Notifications == nil
}

// shallow merge into a new state. `state` is not modified
func mergeState(state *State, patch *Patch) *State {
	next := *state
	if patch.Core != nil {
		next.Core = *patch.Core
	}
	if patch.Auth != nil {
		next.Auth = *patch.Auth
	}
	if patch.Sidebar != nil {
		next.Sidebar = *patch.Sidebar
	}
	if patch.Haptics != nil {
		next.Haptics = *patch.Haptics
	}
	if patch.Logging != nil {
		next.Logging = *patch.Logging
	}
	if patch.Notifications != nil {
		next.Notifications = *patch.Notifications
	}
	return &next
}

// the preference blob persisted across sessions
type Preferences struct {
	DockedSidebar   SidebarMode
	EnableShortcuts bool
	Vibrate         bool
}

func DefaultPreferences() *Preferences {
	return &Preferences{
		DockedSidebar:   SidebarModeAuto,
		EnableShortcuts: true,
		Vibrate:         true,
	}
}

// the patch that applies stored preferences to their slices
func (self *Preferences) Patch() *Patch {
	return &Patch{
		Sidebar: &SidebarSlice{
			DockedSidebar:   self.DockedSidebar,
			EnableShortcuts: self.EnableShortcuts,
		},
		Haptics: &HapticsSlice{
			Vibrate: self.Vibrate,
		},
	}
}
