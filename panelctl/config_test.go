package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/docopt/docopt-go"
	"github.com/go-playground/assert/v2"
)

func TestLoadConfigDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("PANEL_CONFIG", "")
	t.Setenv("PANEL_URL", "")
	t.Setenv("PANEL_TOKEN", "")

	config, err := LoadConfig(docopt.Opts{})
	assert.Equal(t, err, nil)
	assert.Equal(t, config.Url, defaultUrl)
	assert.Equal(t, config.Prefs, filepath.Join(dir, "panel", "panel.db"))
	assert.Equal(t, config.Language, "en")
	assert.Equal(t, config.Theme, "default")
}

func TestLoadConfigLayers(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.toml")
	err := os.WriteFile(configPath, []byte(`
url = "ws://file.local/api/websocket"
token = "file token"
theme = "dark"
`), 0600)
	assert.Equal(t, err, nil)

	t.Setenv("PANEL_CONFIG", configPath)
	t.Setenv("PANEL_URL", "")
	t.Setenv("PANEL_TOKEN", "env token")

	config, err := LoadConfig(docopt.Opts{
		"--url":   "ws://flag.local/api/websocket",
		"--token": nil,
		"--prefs": nil,
	})
	assert.Equal(t, err, nil)
	// flags over env over file
	assert.Equal(t, config.Url, "ws://flag.local/api/websocket")
	assert.Equal(t, config.Token, "env token")
	assert.Equal(t, config.Theme, "dark")

	token, err := config.RequireToken()
	assert.Equal(t, err, nil)
	assert.Equal(t, token, "env token")
}

func TestLoadConfigMissingFile(t *testing.T) {
	t.Setenv("PANEL_CONFIG", filepath.Join(t.TempDir(), "missing.toml"))
	_, err := LoadConfig(docopt.Opts{})
	assert.NotEqual(t, err, nil)
}
