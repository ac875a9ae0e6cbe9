package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/docopt/docopt-go"
	"github.com/spf13/viper"
	"golang.org/x/term"
)

const defaultUrl = "ws://localhost:8123/api/websocket"

var ErrNoToken = errors.New("No access token. Set PANEL_TOKEN or pass --token.")

type Config struct {
	Url         string
	Token       string
	Prefs       string
	Language    string
	Theme       string
	MetricsAddr string
}

func configDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "panel")
	}
	return filepath.Join(os.Getenv("HOME"), ".config", "panel")
}

// file, then PANEL_ env, then flags
func LoadConfig(opts docopt.Opts) (*Config, error) {
	v := viper.New()

	v.SetDefault("url", defaultUrl)
	v.SetDefault("token", "")
	v.SetDefault("prefs", filepath.Join(configDir(), "panel.db"))
	v.SetDefault("language", "en")
	v.SetDefault("theme", "default")
	v.SetDefault("metrics_addr", "")

	v.SetConfigType("toml")
	if configPath := os.Getenv("PANEL_CONFIG"); configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(configDir())
		v.SetConfigName("config")
	}

	v.SetEnvPrefix("PANEL")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && os.Getenv("PANEL_CONFIG") != "" {
			return nil, fmt.Errorf("Could not read config: %w", err)
		}
	}

	flags := map[string]string{
		"--url":          "url",
		"--token":        "token",
		"--prefs":        "prefs",
		"--metrics_addr": "metrics_addr",
	}
	for flag, key := range flags {
		if value, err := opts.String(flag); err == nil && value != "" {
			v.Set(key, value)
		}
	}

	return &Config{
		Url:         v.GetString("url"),
		Token:       v.GetString("token"),
		Prefs:       v.GetString("prefs"),
		Language:    v.GetString("language"),
		Theme:       v.GetString("theme"),
		MetricsAddr: v.GetString("metrics_addr"),
	}, nil
}

// prompts on a terminal when no token is configured
func (self *Config) RequireToken() (string, error) {
	if self.Token != "" {
		return self.Token, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", ErrNoToken
	}
	fmt.Fprint(os.Stderr, "Access token: ")
	tokenBytes, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	token := strings.TrimSpace(string(tokenBytes))
	if token == "" {
		return "", ErrNoToken
	}
	self.Token = token
	return token, nil
}
