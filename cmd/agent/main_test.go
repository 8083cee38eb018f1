package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"fleetsync.live/internal/config"
)

func TestVersionCmd(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"version"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if out := buf.String(); !strings.Contains(out, "fleet-agent dev") {
		t.Errorf("expected output to contain 'fleet-agent dev', got: %s", out)
	}
}

func TestOptions(t *testing.T) {
	cfg := &config.Config{
		StoreURL:          "http://store:8080",
		StatePath:         "agent.db",
		ProbeInterval:     time.Second,
		MinMoveMeters:     5,
		MinPushInterval:   2 * time.Second,
		HeartbeatInterval: 20 * time.Second,
	}

	tests := []struct {
		name      string
		flags     agentFlags
		wantURL   string
		wantState string
	}{
		{name: "config defaults", flags: agentFlags{name: "Ana"}, wantURL: "http://store:8080", wantState: "agent.db"},
		{name: "flags win", flags: agentFlags{server: "http://other", state: "/tmp/x.db"}, wantURL: "http://other", wantState: "/tmp/x.db"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := options(cfg, tt.flags)
			if got.StoreURL != tt.wantURL {
				t.Errorf("StoreURL = %q, want %q", got.StoreURL, tt.wantURL)
			}
			if got.StatePath != tt.wantState {
				t.Errorf("StatePath = %q, want %q", got.StatePath, tt.wantState)
			}
			if got.Name != tt.flags.name {
				t.Errorf("Name = %q, want %q", got.Name, tt.flags.name)
			}
			if got.Sampler.MinDistanceMeters != 5 || got.Sampler.HeartbeatInterval != 20*time.Second {
				t.Errorf("Sampler = %+v, want config thresholds", got.Sampler)
			}
		})
	}
}

func TestRootCmdFlags(t *testing.T) {
	cmd := newRootCmd()
	for _, name := range []string{"server", "name", "state", "input"} {
		if cmd.Flags().Lookup(name) == nil {
			t.Errorf("missing --%s flag", name)
		}
	}
}
