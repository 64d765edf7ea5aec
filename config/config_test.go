package config

import (
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "channels.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.DefaultChannels) != 1 || cfg.DefaultChannels[0] != "defaults" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "channels.toml")
	cfg := &Config{
		DefaultChannels: []string{"conda-forge", "defaults"},
		ChannelAlias:    "https://repo.example.com/",
		CustomChannels:  map[string]string{"internal": "https://internal.example.com/"},
		Channels:        map[string]ChannelConfig{"internal": {Token: "tok-123"}},
	}
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.DefaultChannels) != 2 || got.DefaultChannels[0] != "conda-forge" {
		t.Fatalf("DefaultChannels = %v", got.DefaultChannels)
	}
	if got.TokenFor("internal") != "tok-123" {
		t.Fatalf("TokenFor(internal) = %q", got.TokenFor("internal"))
	}
}

func TestAliasMapMergesCustomAndDefault(t *testing.T) {
	cfg := &Config{
		DefaultChannels: []string{"defaults"},
		ChannelAlias:    "https://repo.example.com/",
		CustomChannels:  map[string]string{"internal": "https://internal.example.com/"},
	}
	m := cfg.AliasMap()
	if m["internal"] != "https://internal.example.com/" {
		t.Fatalf("internal = %q", m["internal"])
	}
	if m["defaults"] != "https://repo.example.com/defaults" {
		t.Fatalf("defaults = %q", m["defaults"])
	}
}
