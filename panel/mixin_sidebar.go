package panel

import (
	"context"
	"fmt"

	"github.com/golang/glog"
)

// saves the preference blob once per update that changed a preference slice
func persistPreferences(store PreferenceStore, next *State) {
	if store == nil {
		return
	}
	if err := store.SavePreferences(context.Background(), next.Preferences()); err != nil {
		glog.Infof("[prefs]save error = %s\n", err)
	}
}

// the sidebar mode and keyboard shortcut preferences
type SidebarMixin struct {
	store   PreferenceStore
	sidebar *SliceWriter[SidebarSlice]
}

// `store` may be nil, in which case preferences are not persisted
func NewSidebarMixin(store PreferenceStore) *SidebarMixin {
	return &SidebarMixin{
		store: store,
	}
}

func (self *SidebarMixin) Name() string {
	return "sidebar"
}

func (self *SidebarMixin) Claim(host *Host) error {
	sidebar, err := ClaimSlice(host, SidebarField)
	if err != nil {
		return err
	}
	self.sidebar = sidebar
	return nil
}

func (self *SidebarMixin) FirstRender(ctx context.Context, host *Host) {
	Listen(host.Bus(), func(ctx context.Context, event DockSidebarEvent) error {
		if !event.Dock.IsValid() {
			return fmt.Errorf("Invalid sidebar mode %q.", event.Dock)
		}
		self.sidebar.Modify(func(sidebar SidebarSlice) SidebarSlice {
			sidebar.DockedSidebar = event.Dock
			return sidebar
		})
		return nil
	})
	Listen(host.Bus(), func(ctx context.Context, event EnableShortcutsEvent) error {
		self.sidebar.Modify(func(sidebar SidebarSlice) SidebarSlice {
			sidebar.EnableShortcuts = event.Enable
			return sidebar
		})
		return nil
	})
}

func (self *SidebarMixin) StateChanged(host *Host, prev *State, next *State) {
	if prev != nil && prev.Sidebar != next.Sidebar {
		persistPreferences(self.store, next)
	}
}
