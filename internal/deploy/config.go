package deploy

import (
	"bytes"
	"fmt"

	"github.com/BurntSushi/toml"
)

// agentConfig is the shape of /etc/backup-agent/config.toml, written by
// Deploy step 4. Field names match what cmd/agent expects to decode.
type agentConfig struct {
	Controller struct {
		URL      string `toml:"url"`
		ServerID string `toml:"server_id"`
	} `toml:"controller"`
	Agent struct {
		ListenPort int    `toml:"listen_port"`
		DataDir    string `toml:"data_dir"`
	} `toml:"agent"`
	Compression struct {
		Algorithm string `toml:"algorithm"`
		Level     int    `toml:"level"`
	} `toml:"compression"`
	Performance struct {
		MaxConcurrentUploads int `toml:"max_concurrent_uploads"`
	} `toml:"performance"`
}

// renderConfig marshals the agent's TOML config file content for the
// detected controller address and allocated server id.
func renderConfig(controllerIP string, controllerPort int, serverID string) ([]byte, error) {
	var cfg agentConfig
	cfg.Controller.URL = fmt.Sprintf("ws://%s:%d", controllerIP, controllerPort)
	cfg.Controller.ServerID = serverID
	cfg.Agent.ListenPort = agentListenPort
	cfg.Agent.DataDir = agentDataDir
	cfg.Compression.Algorithm = "zstd"
	cfg.Compression.Level = 3
	cfg.Performance.MaxConcurrentUploads = defaultAgentUploadConcurrency

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return nil, fmt.Errorf("deploy: encode agent config: %w", err)
	}
	return buf.Bytes(), nil
}

// renderServiceUnit produces the systemd unit file content for the agent
// binary, restarting on failure and enabled at boot (spec §4.4 step 5).
func renderServiceUnit() []byte {
	unit := fmt.Sprintf(`[Unit]
Description=Backup agent
After=network-online.target
Wants=network-online.target

[Service]
ExecStart=%s --config %s
Restart=on-failure
RestartSec=2
User=root

[Install]
WantedBy=multi-user.target
`, agentBinaryPath, agentConfigPath)
	return []byte(unit)
}
