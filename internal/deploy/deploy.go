// Package deploy implements the one-shot SSH-mediated agent deployment
// pipeline described in spec §4.4: upload the agent binary, detect the
// controller's address as observed by the remote, write the agent's TOML
// config, install and start a systemd unit, and wait for the agent to
// complete its registration handshake.
//
// Generalized from the teacher's agentmanager upsert-by-hostname pattern
// (internal/agentmanager.Manager.WaitForAgent's polling idiom) — here
// applied to waiting on agentregistry.Registry.IsConnected instead of an
// in-memory gRPC stream map.
package deploy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/localplatform/backup-server/internal/db"
)

const (
	agentBinaryPath               = "/usr/local/bin/backup-agent"
	agentConfigDir                = "/etc/backup-agent"
	agentConfigPath               = agentConfigDir + "/config.toml"
	agentDataDir                  = "/var/lib/backup-agent"
	serviceUnitPath               = "/etc/systemd/system/backup-agent.service"
	serviceName                   = "backup-agent"
	agentListenPort               = 8200
	defaultAgentUploadConcurrency = 4

	dialTimeout         = 15 * time.Second
	serviceSettleDelay  = 2 * time.Second
	registrationWait    = 30 * time.Second
	registrationPoll    = 500 * time.Millisecond
	journalLinesOnError = 30
)

// Registerer is the subset of *agentregistry.Registry the deployer waits
// on for step 7. An interface to avoid an import cycle with agentregistry.
type Registerer interface {
	IsConnected(serverID string) bool
}

// Config carries the deploy-time knobs not derived from the Server row.
type Config struct {
	// AgentBinaryPath is the local path to the agent binary the controller
	// ships to every new server.
	AgentBinaryPath string
	// ControllerPort is the port the agent's config.toml will dial back to.
	ControllerPort int
	// FallbackControllerIP is BACKUP_SERVER_IP, used if remote detection of
	// the controller's address fails.
	FallbackControllerIP string
}

// Deployer runs the one-shot deploy pipeline against a single Server.
type Deployer struct {
	registry Registerer
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Deployer.
func New(registry Registerer, cfg Config, logger *zap.Logger) *Deployer {
	return &Deployer{
		registry: registry,
		cfg:      cfg,
		logger:   logger.Named("deploy"),
	}
}

// Deploy runs the full pipeline against server, authenticating with
// password. Any failure before the service is verified active aborts the
// pipeline with an error; the caller is responsible for deleting the
// Server row on that error (spec §4.4: "Any failure before step 6
// succeeds deletes the Server row"). A failure to observe registration
// within 30s (step 7) is logged but does not fail Deploy.
func (d *Deployer) Deploy(ctx context.Context, server *db.Server, password string) error {
	log := d.logger.With(zap.String("server", server.Name), zap.String("hostname", server.Hostname))

	client, err := d.dial(server, password)
	if err != nil {
		return fmt.Errorf("deploy: ssh dial %s:%d: %w", server.Hostname, server.Port, err)
	}
	defer client.Close()

	if err := d.uploadBinary(client, password); err != nil {
		return fmt.Errorf("deploy: upload agent binary: %w", err)
	}
	log.Info("agent binary uploaded")

	controllerIP, err := detectControllerIP(client)
	if err != nil {
		log.Warn("source-ip auto-detection failed, using fallback", zap.Error(err))
		controllerIP = fallbackControllerIP(d.cfg.FallbackControllerIP)
	}
	log.Info("controller address resolved", zap.String("controller_ip", controllerIP))

	if err := d.writeConfig(client, password, controllerIP, server.ID.String()); err != nil {
		return fmt.Errorf("deploy: write agent config: %w", err)
	}

	if err := d.installService(client, password); err != nil {
		return fmt.Errorf("deploy: install service: %w", err)
	}

	time.Sleep(serviceSettleDelay)
	if err := d.verifyActive(client, password); err != nil {
		return err
	}
	log.Info("agent service active")

	d.waitForRegistration(ctx, server.ID.String(), log)
	return nil
}

// dial opens the SSH session with password auth and a keyboard-interactive
// fallback for hosts that challenge rather than accept a plain password
// prompt (spec §4.4 step 1). Host key verification is intentionally not
// performed — the source fleet has no established known_hosts trust store
// and this spec adds no authentication layer of its own (see spec §9).
func (d *Deployer) dial(server *db.Server, password string) (*ssh.Client, error) {
	keyboardInteractive := ssh.KeyboardInteractiveChallenge(func(_, _ string, questions []string, _ []bool) ([]string, error) {
		answers := make([]string, len(questions))
		for i := range answers {
			answers[i] = password
		}
		return answers, nil
	})

	cfg := &ssh.ClientConfig{
		User: server.SSHUser,
		Auth: []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(keyboardInteractive),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
	}

	addr := fmt.Sprintf("%s:%d", server.Hostname, server.Port)
	return ssh.Dial("tcp", addr, cfg)
}

// uploadBinary transfers the agent binary to a temp path over SFTP, then
// moves it into place and marks it executable via sudo (spec §4.4 step 2).
func (d *Deployer) uploadBinary(client *ssh.Client, password string) error {
	local, err := os.Open(d.cfg.AgentBinaryPath)
	if err != nil {
		return fmt.Errorf("open local agent binary: %w", err)
	}
	defer local.Close()

	tmpPath := fmt.Sprintf("/tmp/backup-agent-%s", uuid.NewString())
	if err := uploadFile(client, tmpPath, local, 0o755); err != nil {
		return err
	}

	if _, err := runSudo(client, password, fmt.Sprintf("mv %s %s", tmpPath, agentBinaryPath)); err != nil {
		return fmt.Errorf("install binary: %w", err)
	}
	if _, err := runSudo(client, password, fmt.Sprintf("chmod +x %s", agentBinaryPath)); err != nil {
		return fmt.Errorf("make binary executable: %w", err)
	}
	return nil
}

// writeConfig renders config.toml and installs it via temp-file + sudo mv
// (spec §4.4 step 4).
func (d *Deployer) writeConfig(client *ssh.Client, password, controllerIP, serverID string) error {
	data, err := renderConfig(controllerIP, d.cfg.ControllerPort, serverID)
	if err != nil {
		return err
	}

	tmpPath := fmt.Sprintf("/tmp/backup-agent-config-%s.toml", uuid.NewString())
	if err := uploadFile(client, tmpPath, bytes.NewReader(data), 0o644); err != nil {
		return err
	}

	if _, err := runSudo(client, password, fmt.Sprintf("mkdir -p %s", agentConfigDir)); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if _, err := runSudo(client, password, fmt.Sprintf("mv %s %s", tmpPath, agentConfigPath)); err != nil {
		return fmt.Errorf("install config: %w", err)
	}
	return nil
}

// installService writes the systemd unit, reloads the manager, enables the
// unit at boot, stops and frees any prior instance's listen port, then
// starts it (spec §4.4 step 5).
func (d *Deployer) installService(client *ssh.Client, password string) error {
	tmpPath := fmt.Sprintf("/tmp/backup-agent-%s.service", uuid.NewString())
	if err := uploadFile(client, tmpPath, bytes.NewReader(renderServiceUnit()), 0o644); err != nil {
		return err
	}
	if _, err := runSudo(client, password, fmt.Sprintf("mv %s %s", tmpPath, serviceUnitPath)); err != nil {
		return fmt.Errorf("install service unit: %w", err)
	}
	if _, err := runSudo(client, password, "systemctl daemon-reload"); err != nil {
		return fmt.Errorf("daemon-reload: %w", err)
	}
	if _, err := runSudo(client, password, fmt.Sprintf("systemctl enable %s", serviceName)); err != nil {
		return fmt.Errorf("enable unit: %w", err)
	}
	// Stop any existing instance and free its listen port if a stale
	// process is still holding it; both are best-effort, a fresh install
	// has neither.
	_, _ = runSudo(client, password, fmt.Sprintf("systemctl stop %s", serviceName))
	_, _ = runSudo(client, password, fmt.Sprintf("fuser -k %d/tcp", agentListenPort))

	if _, err := runSudo(client, password, fmt.Sprintf("systemctl start %s", serviceName)); err != nil {
		return fmt.Errorf("start unit: %w", err)
	}
	return nil
}

// verifyActive checks the unit reached "active" after the settle delay; on
// failure it surfaces the last journal lines as the error (spec §4.4 step 6).
func (d *Deployer) verifyActive(client *ssh.Client, password string) error {
	out, err := runSudo(client, password, fmt.Sprintf("systemctl is-active %s", serviceName))
	if err == nil && strings.TrimSpace(out) == "active" {
		return nil
	}

	journal, jerr := runSudo(client, password, fmt.Sprintf("journalctl -u %s -n %d --no-pager", serviceName, journalLinesOnError))
	if jerr != nil {
		journal = "(failed to fetch journal: " + jerr.Error() + ")"
	}
	return fmt.Errorf("%w: %s", ErrServiceNotActive, strings.TrimSpace(journal))
}

// waitForRegistration polls the agent registry for up to registrationWait
// for the new server to complete its connect handshake (spec §4.4 step 7).
// Its outcome is logged only — the deploy has already succeeded.
func (d *Deployer) waitForRegistration(ctx context.Context, serverID string, log *zap.Logger) {
	deadline := time.Now().Add(registrationWait)
	for time.Now().Before(deadline) {
		if d.registry.IsConnected(serverID) {
			log.Info("agent registered with controller")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(registrationPoll):
		}
	}
	log.Warn("agent did not register within the wait window, deploy already succeeded")
}

// uploadFile streams r to path on the remote over SFTP with the given mode.
func uploadFile(client *ssh.Client, path string, r io.Reader, mode os.FileMode) error {
	sc, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("open sftp client: %w", err)
	}
	defer sc.Close()

	f, err := sc.Create(path)
	if err != nil {
		return fmt.Errorf("create remote file %s: %w", path, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		return fmt.Errorf("write remote file %s: %w", path, err)
	}
	if err := sc.Chmod(path, mode); err != nil {
		return fmt.Errorf("chmod remote file %s: %w", path, err)
	}
	return nil
}

// runSudo runs command with sudo on client, feeding password on stdin for
// the sudo prompt. Output (stdout+stderr combined) is returned for
// diagnostics regardless of success.
func runSudo(client *ssh.Client, password, command string) (string, error) {
	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	stdin, err := session.StdinPipe()
	if err != nil {
		return "", fmt.Errorf("session stdin: %w", err)
	}

	var out bytes.Buffer
	session.Stdout = &out
	session.Stderr = &out

	if err := session.Start("sudo -S -p '' " + command); err != nil {
		return "", fmt.Errorf("start %q: %w", command, err)
	}
	fmt.Fprintf(stdin, "%s\n", password)
	stdin.Close()

	if err := session.Wait(); err != nil {
		return out.String(), fmt.Errorf("%q: %w: %s", command, err, strings.TrimSpace(out.String()))
	}
	return out.String(), nil
}
