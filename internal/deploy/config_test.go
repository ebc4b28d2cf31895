package deploy

import (
	"strings"
	"testing"

	"github.com/BurntSushi/toml"
)

func TestRenderConfig(t *testing.T) {
	data, err := renderConfig("10.0.0.5", 3000, "018f0000-aaaa-bbbb-cccc-000000000000")
	if err != nil {
		t.Fatalf("renderConfig() error = %v", err)
	}

	var cfg agentConfig
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		t.Fatalf("decode rendered config: %v", err)
	}

	if cfg.Controller.URL != "ws://10.0.0.5:3000" {
		t.Errorf("Controller.URL = %q", cfg.Controller.URL)
	}
	if cfg.Controller.ServerID != "018f0000-aaaa-bbbb-cccc-000000000000" {
		t.Errorf("Controller.ServerID = %q", cfg.Controller.ServerID)
	}
	if cfg.Agent.ListenPort != agentListenPort {
		t.Errorf("Agent.ListenPort = %d, want %d", cfg.Agent.ListenPort, agentListenPort)
	}
	if cfg.Agent.DataDir != agentDataDir {
		t.Errorf("Agent.DataDir = %q, want %q", cfg.Agent.DataDir, agentDataDir)
	}
	if cfg.Compression.Algorithm != "zstd" {
		t.Errorf("Compression.Algorithm = %q, want zstd", cfg.Compression.Algorithm)
	}
	if cfg.Performance.MaxConcurrentUploads != defaultAgentUploadConcurrency {
		t.Errorf("Performance.MaxConcurrentUploads = %d, want %d", cfg.Performance.MaxConcurrentUploads, defaultAgentUploadConcurrency)
	}
}

func TestRenderServiceUnit(t *testing.T) {
	unit := string(renderServiceUnit())

	if !strings.Contains(unit, agentBinaryPath) {
		t.Errorf("unit file does not reference the agent binary path: %s", unit)
	}
	if !strings.Contains(unit, agentConfigPath) {
		t.Errorf("unit file does not reference the agent config path: %s", unit)
	}
	if !strings.Contains(unit, "Restart=on-failure") {
		t.Error("unit file missing Restart=on-failure")
	}
	if !strings.Contains(unit, "WantedBy=multi-user.target") {
		t.Error("unit file missing boot-enable target")
	}
}
