// Package config loads and saves the per-user/per-system channels.toml
// configuration: the default channel search list, the channel alias table
// handed to channel.NewAliasTable, and per-channel overrides such as auth
// tokens. Marshaling follows the same github.com/pelletier/go-toml binding
// the teacher uses for its lock-diff TOML chunks in txn_writer.go.
package config

import (
	"os"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
)

// ChannelConfig holds per-channel overrides, keyed by channel name in
// Config.Channels.
type ChannelConfig struct {
	Token   string `toml:"token,omitempty"`
	AuthUser string `toml:"auth_user,omitempty"`
}

// Config is the parsed contents of channels.toml.
type Config struct {
	DefaultChannels []string                 `toml:"default_channels"`
	ChannelAlias    string                    `toml:"channel_alias,omitempty"`
	CustomChannels  map[string]string         `toml:"custom_channels,omitempty"`
	Channels        map[string]ChannelConfig  `toml:"channels,omitempty"`
	PkgCacheDirs    []string                  `toml:"pkgs_dirs,omitempty"`
	AlwaysYes       bool                      `toml:"always_yes,omitempty"`
	AllowDowngrade  bool                      `toml:"allow_downgrade,omitempty"`
}

// Default returns the baseline configuration used when no channels.toml
// is present: a single "defaults" channel alias pointing at the
// conventional repo host, and no custom channels.
func Default() *Config {
	return &Config{
		DefaultChannels: []string{"defaults"},
		ChannelAlias:    "https://repo.anaconda.com/pkgs/",
	}
}

// Load reads and parses channels.toml at path. A missing file is not an
// error; it yields Default().
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, errors.Wrapf(err, "config: reading %s", path)
	}

	cfg := Default()
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, errors.Wrapf(err, "config: parsing %s", path)
	}
	return cfg, nil
}

// Save writes cfg to path as TOML.
func Save(path string, cfg *Config) error {
	b, err := toml.Marshal(*cfg)
	if err != nil {
		return errors.Wrap(err, "config: marshaling")
	}
	return os.WriteFile(path, b, 0o644)
}

// AliasMap adapts CustomChannels plus the single ChannelAlias into the
// map shape channel.NewAliasTable expects, keyed by channel name.
func (c *Config) AliasMap() map[string]string {
	m := make(map[string]string, len(c.CustomChannels)+1)
	for name, url := range c.CustomChannels {
		m[name] = url
	}
	if c.ChannelAlias != "" {
		for _, name := range c.DefaultChannels {
			if _, ok := m[name]; !ok {
				m[name] = c.ChannelAlias + name
			}
		}
	}
	return m
}

// TokenFor returns the configured auth token for a channel, or "" if none
// is set.
func (c *Config) TokenFor(channelName string) string {
	return c.Channels[channelName].Token
}
