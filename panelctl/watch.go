package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"golang.org/x/exp/slices"

	"github.com/bringyour/panel/panel"
)

// the watch view is a dependent of the app state.
// Keys become events, never direct state changes

type EmitFunction func(ctx context.Context, event panel.Event) error

type stateMsg struct {
	state *panel.State
}

type usersMsg struct {
	users []panel.User
}

type supervisorMsg struct {
	info *panel.SupervisorInfo
}

type hapticMsg struct {
	haptic panel.HapticType
}

type emitDoneMsg struct {
	event panel.Event
	err   error
}

type errMsg struct {
	err error
}

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	sectionStyle = lipgloss.NewStyle().Bold(true).MarginTop(1)
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
)

var sidebarModes = []panel.SidebarMode{
	panel.SidebarModeAuto,
	panel.SidebarModeDocked,
	panel.SidebarModeAlwaysHidden,
}

func nextSidebarMode(mode panel.SidebarMode) panel.SidebarMode {
	i := slices.Index(sidebarModes, mode)
	return sidebarModes[(i+1)%len(sidebarModes)]
}

type watchModel struct {
	ctx     context.Context
	emit    EmitFunction
	haptics <-chan panel.HapticType

	state      *panel.State
	users      []panel.User
	supervisor *panel.SupervisorInfo
	lastHaptic panel.HapticType
	err        error
	width      int
}

func newWatchModel(ctx context.Context, emit EmitFunction, haptics <-chan panel.HapticType) watchModel {
	return watchModel{
		ctx:     ctx,
		emit:    emit,
		haptics: haptics,
	}
}

func waitHaptic(haptics <-chan panel.HapticType) tea.Cmd {
	if haptics == nil {
		return nil
	}
	return func() tea.Msg {
		haptic, ok := <-haptics
		if !ok {
			return nil
		}
		return hapticMsg{haptic: haptic}
	}
}

// emits off the event loop. State changes come back through the dependent
func emitCmd(ctx context.Context, emit EmitFunction, event panel.Event) tea.Cmd {
	return func() tea.Msg {
		return emitDoneMsg{
			event: event,
			err:   emit(ctx, event),
		}
	}
}

func (self watchModel) Init() tea.Cmd {
	return waitHaptic(self.haptics)
}

func (self watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case stateMsg:
		self.state = msg.state
	case usersMsg:
		self.users = msg.users
	case supervisorMsg:
		self.supervisor = msg.info
	case hapticMsg:
		self.lastHaptic = msg.haptic
		return self, waitHaptic(self.haptics)
	case emitDoneMsg:
		if msg.err != nil {
			glog.Infof("[ctl]%s error = %s\n", msg.event.Kind(), msg.err)
		}
		self.err = msg.err
	case errMsg:
		self.err = msg.err
	case tea.WindowSizeMsg:
		self.width = msg.Width
	case tea.KeyMsg:
		return self.handleKey(msg)
	}
	return self, nil
}

func (self watchModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	sidebar := panel.SidebarSlice{
		DockedSidebar:   panel.SidebarModeAuto,
		EnableShortcuts: true,
	}
	vibrate := true
	if self.state != nil {
		sidebar = self.state.Sidebar
		vibrate = self.state.Haptics.Vibrate
	}

	var event panel.Event
	switch msg.String() {
	case "q", "ctrl+c":
		return self, tea.Quit
	case "d":
		event = panel.DockSidebarEvent{Dock: nextSidebarMode(sidebar.DockedSidebar)}
	case "s":
		event = panel.EnableShortcutsEvent{Enable: !sidebar.EnableShortcuts}
	case "v":
		event = panel.VibrateEvent{Vibrate: !vibrate}
	case "h":
		event = panel.HapticEvent{Haptic: panel.HapticTypeSelection}
	case "r":
		event = panel.RefreshCurrentUserEvent{}
	case "w":
		event = panel.WriteLogEvent{
			Level:   panel.LogLevelInfo,
			Logger:  "panelctl",
			Message: "Mark.",
		}
	case "x":
		notificationId, ok := self.oldestNotification()
		if !ok {
			return self, nil
		}
		event = panel.DismissNotificationEvent{NotificationId: notificationId}
	case "L":
		event = panel.LogoutEvent{}
	default:
		return self, nil
	}
	return self, emitCmd(self.ctx, self.emit, event)
}

func (self watchModel) notificationIds() []string {
	if self.state == nil {
		return nil
	}
	notifications := self.state.Notifications.Notifications
	ids := make([]string, 0, len(notifications))
	for id := range notifications {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a string, b string) int {
		if c := notifications[a].CreatedAt.Compare(notifications[b].CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a, b)
	})
	return ids
}

func (self watchModel) oldestNotification() (string, bool) {
	ids := self.notificationIds()
	if len(ids) == 0 {
		return "", false
	}
	return ids[0], true
}

func onOff(value bool) string {
	if value {
		return okStyle.Render("on")
	}
	return mutedStyle.Render("off")
}

func (self watchModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("panel"))
	b.WriteString("\n")

	if self.state == nil {
		b.WriteString(mutedStyle.Render("Connecting..."))
		b.WriteString("\n")
	} else {
		state := self.state
		connected := warnStyle.Render("disconnected")
		if state.Core.Connected {
			connected = okStyle.Render("connected")
		}
		panelName := state.Core.Panel
		if panelName == "" {
			panelName = "-"
		}
		fmt.Fprintf(&b, "%s  panel %s  v%d\n", connected, panelName, state.Version())

		b.WriteString(sectionStyle.Render("auth"))
		b.WriteString("\n")
		switch {
		case state.Auth.LoggedOut:
			b.WriteString(warnStyle.Render("logged out"))
		case state.Auth.User == nil:
			b.WriteString(mutedStyle.Render("no user"))
		default:
			b.WriteString(state.Auth.User.Name)
		}
		if state.Auth.TokenExpired {
			b.WriteString("  " + warnStyle.Render("token expired"))
		} else if !state.Auth.TokenExpires.IsZero() {
			expiresIn := time.Until(state.Auth.TokenExpires).Round(time.Second)
			b.WriteString("  " + mutedStyle.Render(fmt.Sprintf("token expires in %s", expiresIn)))
		}
		b.WriteString("\n")

		b.WriteString(sectionStyle.Render("preferences"))
		b.WriteString("\n")
		fmt.Fprintf(
			&b,
			"sidebar %s  shortcuts %s  vibrate %s\n",
			state.Sidebar.DockedSidebar,
			onOff(state.Sidebar.EnableShortcuts),
			onOff(state.Haptics.Vibrate),
		)

		ids := self.notificationIds()
		b.WriteString(sectionStyle.Render(fmt.Sprintf("notifications (%d)", len(ids))))
		b.WriteString("\n")
		for _, id := range ids {
			notification := state.Notifications.Notifications[id]
			title := notification.Title
			if title == "" {
				title = id
			}
			fmt.Fprintf(&b, "%s  %s\n", title, mutedStyle.Render(notification.Message))
		}

		b.WriteString(sectionStyle.Render("log"))
		b.WriteString("\n")
		for _, entry := range state.Logging.Recent {
			fmt.Fprintf(
				&b,
				"%s %s %s\n",
				mutedStyle.Render(entry.Time.Format(time.TimeOnly)),
				entry.Level,
				entry.Message,
			)
		}
	}

	if self.supervisor != nil {
		b.WriteString(sectionStyle.Render("supervisor"))
		b.WriteString("\n")
		fmt.Fprintf(&b, "%s on %s", self.supervisor.Version, self.supervisor.Channel)
		if self.supervisor.UpdateAvailable {
			b.WriteString("  " + warnStyle.Render(fmt.Sprintf("update %s", self.supervisor.VersionLatest)))
		}
		b.WriteString("\n")
	}
	if self.users != nil {
		fmt.Fprintf(&b, "%s\n", mutedStyle.Render(fmt.Sprintf("%d users", len(self.users))))
	}

	if self.lastHaptic != "" {
		fmt.Fprintf(&b, "\nhaptic %s\n", self.lastHaptic)
	}
	if self.err != nil {
		fmt.Fprintf(&b, "\n%s\n", warnStyle.Render(self.err.Error()))
	}

	b.WriteString("\n")
	b.WriteString(mutedStyle.Render("d dock  s shortcuts  v vibrate  h haptic  r refresh  w log  x dismiss  L logout  q quit"))
	b.WriteString("\n")
	return b.String()
}

func watch(opts docopt.Opts, config *Config) error {
	ctx, cancel := signalContext()
	defer cancel()

	haptics := make(chan panel.HapticType, 8)
	actuator := func(haptic panel.HapticType) {
		select {
		case haptics <- haptic:
		default:
		}
	}

	s, err := openSession(ctx, config, actuator)
	if err != nil {
		return err
	}
	defer s.Close()

	if panelName, err := opts.String("--panel"); err == nil && panelName != "" {
		s.app.PanelChanged(panelName)
	}
	if config.MetricsAddr != "" {
		s.ServeMetrics(ctx, config.MetricsAddr)
	}

	program := tea.NewProgram(
		newWatchModel(ctx, s.app.Emit, haptics),
		tea.WithContext(ctx),
		tea.WithAltScreen(),
	)

	binding := panel.NewStateBinding(func(state *panel.State) {
		program.Send(stateMsg{state: state})
	})
	defer binding.Close()

	// `Send` blocks until the program runs
	go func() {
		s.app.Provide(binding)

		if err := s.AwaitConnected(ctx); err != nil {
			program.Send(errMsg{err: err})
			return
		}
		s.watchCollections(ctx, program)
	}()

	_, err = program.Run()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// users and supervisor info for the side panes
func (self *session) watchCollections(ctx context.Context, program *tea.Program) {
	usersCollection := panel.UsersCollection(self.app.Registry(), self.conn)
	supervisorCollection := panel.SupervisorCollection(self.app.Registry(), self.conn)

	_, err := usersCollection.Subscribe(ctx, func(users []panel.User) {
		program.Send(usersMsg{users: users})
	})
	if err != nil {
		glog.Infof("[ctl]users error = %s\n", err)
	}
	_, err = supervisorCollection.Subscribe(ctx, func(info *panel.SupervisorInfo) {
		program.Send(supervisorMsg{info: info})
	})
	if err != nil {
		glog.Infof("[ctl]supervisor error = %s\n", err)
	}

	self.conn.AddConnectionCallback(func(event panel.ConnectionEvent) {
		if event != panel.ConnectionEventReconnected {
			return
		}
		go func() {
			if err := usersCollection.Resubscribe(ctx); err != nil {
				glog.Infof("[ctl]users resubscribe error = %s\n", err)
			}
			if err := supervisorCollection.Resubscribe(ctx); err != nil {
				glog.Infof("[ctl]supervisor resubscribe error = %s\n", err)
			}
		}()
	})
}
