package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bringyour/panel/panel"
)

const PanelCtlVersion = "0.0.1"

const connectTimeout = 30 * time.Second

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Panel control.

Settings are read from $PANEL_CONFIG or <config dir>/panel/config.toml,
then PANEL_ environment variables (PANEL_URL, PANEL_TOKEN, PANEL_PREFS),
then flags.

Usage:
    panelctl watch [--url=<url>] [--token=<token>] [--prefs=<prefs>]
        [--panel=<panel>]
        [--metrics_addr=<metrics_addr>]
    panelctl users [--url=<url>] [--token=<token>]
    panelctl supervisor [--url=<url>] [--token=<token>]
    panelctl history [--url=<url>] [--token=<token>]
        --entity=<entity_id>
        [--hours=<hours>]
    panelctl prefs [--prefs=<prefs>]
        [--dock=<mode>]
        [--shortcuts=<enable>]
        [--vibrate=<enable>]

Options:
    -h --help                      Show this screen.
    --version                      Show version.
    --url=<url>                    Websocket url, e.g. ws://localhost:8123/api/websocket
    --token=<token>                Access token. Prompted on a terminal if not set.
    --prefs=<prefs>                Preferences file.
    --panel=<panel>                Initial panel.
    --metrics_addr=<metrics_addr>  Serve prometheus metrics on this address.
    --entity=<entity_id>           History subject.
    --hours=<hours>                History window ending now [default: 24].
    --dock=<mode>                  auto, docked or always_hidden.
    --shortcuts=<enable>           true or false.
    --vibrate=<enable>             true or false.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], PanelCtlVersion)
	if err != nil {
		panic(err)
	}

	config, err := LoadConfig(opts)
	if err != nil {
		Err.Fatal(err)
	}

	if watch_, _ := opts.Bool("watch"); watch_ {
		err = watch(opts, config)
	} else if users_, _ := opts.Bool("users"); users_ {
		err = users(opts, config)
	} else if supervisor_, _ := opts.Bool("supervisor"); supervisor_ {
		err = supervisor(opts, config)
	} else if history_, _ := opts.Bool("history"); history_ {
		err = history(opts, config)
	} else if prefs_, _ := opts.Bool("prefs"); prefs_ {
		err = prefs(opts, config)
	}
	glog.Flush()
	if err != nil {
		Err.Fatal(err)
	}
}

// a connected app with its preference store and metrics
type session struct {
	url     string
	app     *panel.App
	conn    *panel.WsConnection
	store   *panel.BoltPreferenceStore
	metrics *prometheus.Registry
}

func openPreferenceStore(path string) (*panel.BoltPreferenceStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	return panel.NewBoltPreferenceStore(path)
}

// assembles the app around a websocket connection. The connection is started but may not be connected yet
func openSession(ctx context.Context, config *Config, actuator panel.HapticActuator) (*session, error) {
	token, err := config.RequireToken()
	if err != nil {
		return nil, err
	}

	store, err := openPreferenceStore(config.Prefs)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	metrics := panel.NewMetrics(registry)

	settings := panel.DefaultAppSettings()
	settings.Language = config.Language
	settings.Theme = config.Theme

	app, err := panel.NewApp(ctx, store, panel.DefaultMixins(token, actuator), settings, metrics)
	if err != nil {
		store.Close()
		return nil, err
	}

	conn, err := panel.NewWsConnectionWithDefaults(ctx, config.Url, &panel.ClientAuth{
		AccessToken: token,
		AppVersion:  fmt.Sprintf("panelctl %s", PanelCtlVersion),
	})
	if err != nil {
		app.Close()
		store.Close()
		return nil, err
	}

	app.FirstRender()
	if err := app.Attach(conn); err != nil {
		app.Close()
		store.Close()
		return nil, err
	}
	conn.Run()

	return &session{
		url:     config.Url,
		app:     app,
		conn:    conn,
		store:   store,
		metrics: registry,
	}, nil
}

func (self *session) Close() {
	self.app.Close()
	self.store.Close()
}

// blocks until the connection is up. The app has established its state by then
func (self *session) AwaitConnected(ctx context.Context) error {
	connected := make(chan error, 1)
	var once sync.Once
	done := func(err error) {
		once.Do(func() {
			connected <- err
		})
	}
	remove := self.conn.AddConnectionCallback(func(event panel.ConnectionEvent) {
		switch event {
		case panel.ConnectionEventConnected, panel.ConnectionEventReconnected:
			done(nil)
		case panel.ConnectionEventClosed:
			done(panel.ErrClosed)
		}
	})
	defer remove()

	if self.conn.IsConnected() {
		return nil
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	select {
	case err := <-connected:
		return err
	case <-timeoutCtx.Done():
		return fmt.Errorf("Could not connect to %s: %w", self.url, timeoutCtx.Err())
	}
}

func (self *session) ServeMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(self.metrics, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			glog.Infof("[ctl]metrics error = %s\n", err)
		}
	}()
	go func() {
		<-ctx.Done()
		server.Close()
	}()
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func users(opts docopt.Opts, config *Config) error {
	ctx, cancel := signalContext()
	defer cancel()

	s, err := openSession(ctx, config, nil)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.AwaitConnected(ctx); err != nil {
		return err
	}

	users, err := panel.UsersCollection(s.app.Registry(), s.conn).Refresh(ctx)
	if err != nil {
		return err
	}
	for _, user := range users {
		role := "user"
		switch {
		case user.IsOwner:
			role = "owner"
		case user.IsAdmin:
			role = "admin"
		}
		Out.Printf("%s\t%s\t%s\n", user.Id, user.Name, role)
	}
	return nil
}

func supervisor(opts docopt.Opts, config *Config) error {
	ctx, cancel := signalContext()
	defer cancel()

	s, err := openSession(ctx, config, nil)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.AwaitConnected(ctx); err != nil {
		return err
	}

	info, err := panel.SupervisorCollection(s.app.Registry(), s.conn).Refresh(ctx)
	if err != nil {
		return err
	}
	Out.Printf("version: %s (latest %s)\n", info.Version, info.VersionLatest)
	Out.Printf("channel: %s\n", info.Channel)
	Out.Printf("update available: %t\n", info.UpdateAvailable)
	Out.Printf("healthy: %t supported: %t\n", info.Healthy, info.Supported)
	return nil
}

func history(opts docopt.Opts, config *Config) error {
	entityId, _ := opts.String("--entity")
	hours := 24
	if hoursStr, err := opts.String("--hours"); err == nil {
		hours, err = strconv.Atoi(hoursStr)
		if err != nil || hours <= 0 {
			return fmt.Errorf("Invalid hours (%s).", hoursStr)
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	s, err := openSession(ctx, config, nil)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.AwaitConnected(ctx); err != nil {
		return err
	}

	end := time.Now()
	window := panel.Window{
		Start: end.Add(-time.Duration(hours) * time.Hour),
		End:   end,
	}
	points, err := s.app.History().GetRange(ctx, entityId, window, fmt.Sprintf("panelctl:%s", entityId))
	if err != nil {
		return err
	}
	for _, point := range points {
		Out.Printf("%s\t%s\n", point.Time.Format(time.RFC3339), point.State)
	}
	return nil
}

// edits the stored preferences offline and prints them
func prefs(opts docopt.Opts, config *Config) error {
	store, err := openPreferenceStore(config.Prefs)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	preferences, err := store.LoadPreferences(ctx)
	switch {
	case err == nil:
	case errors.Is(err, panel.ErrNoPreferences):
		preferences = panel.DefaultPreferences()
	default:
		return err
	}

	changed := false
	if dock, err := opts.String("--dock"); err == nil {
		mode := panel.SidebarMode(dock)
		if !mode.IsValid() {
			return fmt.Errorf("Invalid dock mode (%s).", dock)
		}
		preferences.DockedSidebar = mode
		changed = true
	}
	if shortcuts, err := opts.String("--shortcuts"); err == nil {
		enable, err := strconv.ParseBool(shortcuts)
		if err != nil {
			return fmt.Errorf("Invalid shortcuts (%s).", shortcuts)
		}
		preferences.EnableShortcuts = enable
		changed = true
	}
	if vibrate, err := opts.String("--vibrate"); err == nil {
		enable, err := strconv.ParseBool(vibrate)
		if err != nil {
			return fmt.Errorf("Invalid vibrate (%s).", vibrate)
		}
		preferences.Vibrate = enable
		changed = true
	}
	if changed {
		if err := store.SavePreferences(ctx, preferences); err != nil {
			return err
		}
	}

	Out.Printf("docked_sidebar: %s\n", preferences.DockedSidebar)
	Out.Printf("enable_shortcuts: %t\n", preferences.EnableShortcuts)
	Out.Printf("vibrate: %t\n", preferences.Vibrate)
	return nil
}
