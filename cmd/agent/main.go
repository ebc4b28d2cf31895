// Command agent is the reference backup agent: a thin wire-protocol client
// that connects to the controller's agent WebSocket, registers, answers
// fs:browse RPCs, and executes backup:start by walking the requested paths
// and streaming each file to the controller's upload endpoint.
//
// It is deliberately minimal compared to the controller — no persistence,
// no concurrency limits of its own (the controller's upload semaphores bound
// it), just enough to exercise the protocol end to end.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zstd"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	version = "dev"
)

// agentConfig mirrors internal/deploy's rendered TOML shape exactly — the
// agent that deploy installs must decode the file deploy wrote.
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

func loadConfig(path string) (agentConfig, error) {
	var cfg agentConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Performance.MaxConcurrentUploads <= 0 {
		cfg.Performance.MaxConcurrentUploads = 4
	}
	return cfg, nil
}

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "backup-agent",
		Short: "Runs the backup agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, configPath)
		},
	}
	root.Flags().StringVar(&configPath, "config", envOrDefault("AGENT_CONFIG", "/etc/backup-agent/config.toml"), "path to the agent's TOML config file")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	logger, err := buildLogger(envOrDefault("AGENT_LOG_LEVEL", "info"))
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Controller.ServerID == "" || cfg.Controller.URL == "" {
		return fmt.Errorf("config: controller.url and controller.server_id are required")
	}

	logger.Info("starting backup agent",
		zap.String("version", version),
		zap.String("controller_url", cfg.Controller.URL),
		zap.String("server_id", cfg.Controller.ServerID),
	)

	a := newAgent(cfg, logger)
	a.run(ctx)

	logger.Info("backup agent stopped")
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var zcfg zap.Config
	switch level {
	case "debug":
		zcfg = zap.NewDevelopmentConfig()
	default:
		zcfg = zap.NewProductionConfig()
	}
	if err := zcfg.Level.UnmarshalText([]byte(level)); err != nil {
		zcfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return zcfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

const (
	reconnectInitial = 1 * time.Second
	reconnectMax     = 30 * time.Second
	reconnectFactor  = 2.0
	jitterFraction   = 0.2
)

// envelope mirrors agentregistry.Envelope — duplicated here rather than
// imported since the agent is a standalone binary with no dependency on the
// controller's internal packages.
type envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
}

type registerPayload struct {
	ServerID string `json:"server_id"`
	Hostname string `json:"hostname"`
	Version  string `json:"version"`
}

type backupStartPayload struct {
	JobID    string   `json:"job_id"`
	Paths    []string `json:"paths"`
	LinkDest string   `json:"link_dest,omitempty"`
	Full     bool     `json:"full"`
}

type backupCancelPayload struct {
	JobID string `json:"job_id"`
}

type fsBrowsePayload struct {
	Path string `json:"path"`
}

type fsBrowseEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

type fsBrowseResult struct {
	Path    string          `json:"path"`
	Exists  bool            `json:"exists"`
	IsDir   bool            `json:"is_dir"`
	Entries []fsBrowseEntry `json:"entries,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type agentProgress struct {
	JobID            string  `json:"job_id"`
	BytesTransferred int64   `json:"bytes_transferred"`
	TotalBytes       int64   `json:"total_bytes"`
	FilesTransferred int64   `json:"files_transferred"`
	BytesPerSecond   float64 `json:"bytes_per_second"`
	CurrentFile      string  `json:"current_file,omitempty"`
}

type backupCompletedPayload struct {
	JobID      string `json:"job_id"`
	TotalBytes int64  `json:"total_bytes"`
}

type backupFailedPayload struct {
	JobID string `json:"job_id"`
	Error string `json:"error"`
}

type agentUpdatePayload struct {
	DownloadURL string `json:"download_url"`
}

// agent holds the single persistent connection to the controller and the
// set of backups currently in flight.
type agent struct {
	cfg    agentConfig
	logger *zap.Logger
	http   *http.Client

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel map[string]context.CancelFunc // job id -> cancel of its run goroutine
}

func newAgent(cfg agentConfig, logger *zap.Logger) *agent {
	return &agent{
		cfg:    cfg,
		logger: logger.Named("agent"),
		http:   &http.Client{Timeout: 0},
		cancel: make(map[string]context.CancelFunc),
	}
}

// run is the reconnect loop: dial, register, process frames until the
// socket drops, then retry with exponential backoff. Blocks until ctx is
// cancelled.
func (a *agent) run(ctx context.Context) {
	backoff := reconnectInitial

	for {
		if ctx.Err() != nil {
			return
		}

		if err := a.session(ctx); err != nil {
			a.logger.Warn("session ended, reconnecting", zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return
			case <-time.After(jitter(backoff)):
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = reconnectInitial
	}
}

// session dials the controller, completes the register handshake, and reads
// frames until the connection closes or ctx is cancelled.
func (a *agent) session(ctx context.Context) error {
	url := strings.TrimSuffix(a.cfg.Controller.URL, "/") + "/ws/agent"

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	hostname, _ := os.Hostname()
	reg := registerPayload{ServerID: a.cfg.Controller.ServerID, Hostname: hostname, Version: version}
	if err := a.send(conn, envelope{Type: "agent:register"}, reg); err != nil {
		return fmt.Errorf("send register: %w", err)
	}

	var ack envelope
	if err := conn.ReadJSON(&ack); err != nil {
		return fmt.Errorf("read register ack: %w", err)
	}
	if ack.Type != "agent:register:ok" {
		return fmt.Errorf("registration rejected: %s", string(ack.Payload))
	}

	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
	a.logger.Info("registered with controller")

	defer func() {
		a.mu.Lock()
		a.conn = nil
		a.mu.Unlock()
	}()

	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		a.handle(ctx, env)
	}
}

func (a *agent) handle(ctx context.Context, env envelope) {
	switch env.Type {
	case "fs:browse":
		a.handleBrowse(env)
	case "backup:start":
		a.handleBackupStart(ctx, env)
	case "backup:cancel":
		a.handleBackupCancel(env)
	case "agent:update":
		a.handleAgentUpdate(env)
	default:
		a.logger.Debug("ignoring unhandled frame type", zap.String("type", env.Type))
	}
}

func (a *agent) send(conn *websocket.Conn, env envelope, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	env.Payload = data
	a.mu.Lock()
	defer a.mu.Unlock()
	return conn.WriteJSON(env)
}

// sendFrame sends on the currently active connection, silently dropping the
// frame if the socket has since closed — the controller treats a
// disconnected agent as a failed run regardless.
func (a *agent) sendFrame(env envelope, payload any) {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	env.Payload = data
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == conn {
		_ = conn.WriteJSON(env)
	}
}

func (a *agent) reply(requestID string, msgType string, payload any) {
	a.sendFrame(envelope{Type: msgType, RequestID: requestID}, payload)
}

// handleBrowse answers an fs:browse RPC by listing the requested local
// directory, used both for job-creation path validation and the UI's
// interactive file browser.
func (a *agent) handleBrowse(env envelope) {
	var req fsBrowsePayload
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return
	}

	result := fsBrowseResult{Path: req.Path}

	info, err := os.Stat(req.Path)
	if err != nil {
		if os.IsNotExist(err) {
			result.Exists = false
		} else {
			result.Error = err.Error()
		}
		a.reply(env.RequestID, "fs:browse", result)
		return
	}
	result.Exists = true
	result.IsDir = info.IsDir()

	if info.IsDir() {
		entries, err := os.ReadDir(req.Path)
		if err != nil {
			result.Error = err.Error()
		} else {
			for _, e := range entries {
				fi, err := e.Info()
				size := int64(0)
				if err == nil {
					size = fi.Size()
				}
				result.Entries = append(result.Entries, fsBrowseEntry{
					Name:  e.Name(),
					IsDir: e.IsDir(),
					Size:  size,
				})
			}
		}
	}

	a.reply(env.RequestID, "fs:browse", result)
}

// handleBackupStart walks every requested path and uploads each regular
// file to the controller, reporting progress as it goes. Runs in its own
// goroutine so the read loop stays free to process backup:cancel.
func (a *agent) handleBackupStart(parentCtx context.Context, env envelope) {
	var req backupStartPayload
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return
	}

	ctx, cancel := context.WithCancel(parentCtx)
	a.mu.Lock()
	a.cancel[req.JobID] = cancel
	a.mu.Unlock()

	go func() {
		defer func() {
			a.mu.Lock()
			delete(a.cancel, req.JobID)
			a.mu.Unlock()
			cancel()
		}()
		a.runBackup(ctx, req)
	}()
}

func (a *agent) handleBackupCancel(env envelope) {
	var req backupCancelPayload
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return
	}
	a.mu.Lock()
	cancel, ok := a.cancel[req.JobID]
	a.mu.Unlock()
	if ok {
		cancel()
	}
}

// handleAgentUpdate fetches the new binary from the controller and replaces
// the running executable in place; the supervising systemd unit restarts it.
func (a *agent) handleAgentUpdate(env envelope) {
	var req agentUpdatePayload
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return
	}

	exe, err := os.Executable()
	if err != nil {
		a.logger.Error("agent:update: cannot locate own executable", zap.Error(err))
		return
	}

	url := strings.TrimSuffix(a.cfg.Controller.URL, "/") + req.DownloadURL
	url = strings.Replace(url, "ws://", "http://", 1)
	url = strings.Replace(url, "wss://", "https://", 1)

	resp, err := a.http.Get(url)
	if err != nil {
		a.logger.Error("agent:update: download failed", zap.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		a.logger.Error("agent:update: unexpected status", zap.Int("status", resp.StatusCode))
		return
	}

	tmp := exe + ".update"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
	if err != nil {
		a.logger.Error("agent:update: cannot create staging file", zap.Error(err))
		return
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		a.logger.Error("agent:update: download write failed", zap.Error(err))
		return
	}
	f.Close()

	if err := os.Rename(tmp, exe); err != nil {
		a.logger.Error("agent:update: rename failed", zap.Error(err))
		return
	}

	a.logger.Info("agent:update: binary replaced, exiting for supervisor restart")
	// A non-zero status is what makes the unit's Restart=on-failure start
	// the new binary.
	os.Exit(1)
}

// walkTarget is one file discovered under a requested backup path.
type walkTarget struct {
	absPath string
	relPath string
	size    int64
}

// runBackup walks req.Paths, uploads every regular file found beneath them,
// and reports the terminal backup:completed/backup:failed frame.
func (a *agent) runBackup(ctx context.Context, req backupStartPayload) {
	jobID := req.JobID
	log := a.logger.With(zap.String("job_id", jobID))

	targets, err := discoverTargets(req.Paths)
	if err != nil {
		a.sendFrame(envelope{Type: "backup:failed"}, backupFailedPayload{JobID: jobID, Error: err.Error()})
		return
	}

	var totalBytes int64
	for _, t := range targets {
		totalBytes += t.size
	}

	var bytesTransferred, filesTransferred int64
	lastReport := time.Now()
	const reportInterval = 500 * time.Millisecond

	for _, t := range targets {
		select {
		case <-ctx.Done():
			a.sendFrame(envelope{Type: "backup:failed"}, backupFailedPayload{JobID: jobID, Error: "cancelled"})
			return
		default:
		}

		start := time.Now()
		linkDest := ""
		if req.LinkDest != "" {
			linkDest = t.relPath
		}
		n, err := a.uploadFile(ctx, jobID, t, linkDest)
		if err != nil {
			log.Warn("file upload failed", zap.String("path", t.relPath), zap.Error(err))
			a.sendFrame(envelope{Type: "backup:failed"}, backupFailedPayload{JobID: jobID, Error: err.Error()})
			return
		}

		bytesTransferred += n
		filesTransferred++

		if elapsed := time.Since(start); elapsed > 0 && n > 0 {
			bps := float64(n) / elapsed.Seconds()
			if time.Since(lastReport) >= reportInterval {
				a.sendFrame(envelope{Type: "backup:progress"}, agentProgress{
					JobID:            jobID,
					BytesTransferred: bytesTransferred,
					TotalBytes:       totalBytes,
					FilesTransferred: filesTransferred,
					BytesPerSecond:   bps,
					CurrentFile:      t.relPath,
				})
				lastReport = time.Now()
			}
		}
	}

	a.sendFrame(envelope{Type: "backup:completed"}, backupCompletedPayload{JobID: jobID, TotalBytes: bytesTransferred})
}

// discoverTargets walks every requested root and collects its regular
// files, relative to that root's parent so uploads land under a
// root-name-prefixed path on the controller side.
func discoverTargets(paths []string) ([]walkTarget, error) {
	var targets []walkTarget
	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", root, err)
		}

		base := filepath.Base(filepath.Clean(root))
		if !info.IsDir() {
			targets = append(targets, walkTarget{absPath: root, relPath: base, size: info.Size()})
			continue
		}

		err = filepath.Walk(root, func(p string, fi os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if fi.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(root, p)
			if err != nil {
				return err
			}
			targets = append(targets, walkTarget{
				absPath: p,
				relPath: filepath.ToSlash(filepath.Join(base, rel)),
				size:    fi.Size(),
			})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", root, err)
		}
	}
	return targets, nil
}

// uploadFile streams one file to the controller's upload endpoint,
// optionally zstd-compressed, with an x-link-dest hint so the controller
// can hard-link an unchanged file instead of accepting its bytes.
func (a *agent) uploadFile(ctx context.Context, jobID string, t walkTarget, linkDest string) (int64, error) {
	f, err := os.Open(t.absPath)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", t.absPath, err)
	}
	defer f.Close()

	var body io.Reader = f
	encoded := false
	if a.cfg.Compression.Algorithm == "zstd" && t.size > 0 {
		var buf bytes.Buffer
		zw, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstdLevel(a.cfg.Compression.Level)))
		if err != nil {
			return 0, fmt.Errorf("create zstd encoder: %w", err)
		}
		if _, err := io.Copy(zw, f); err != nil {
			zw.Close()
			return 0, fmt.Errorf("compress %s: %w", t.absPath, err)
		}
		if err := zw.Close(); err != nil {
			return 0, fmt.Errorf("finalize compression: %w", err)
		}
		body = &buf
		encoded = true
	}

	controllerHTTP := strings.Replace(a.cfg.Controller.URL, "ws://", "http://", 1)
	controllerHTTP = strings.Replace(controllerHTTP, "wss://", "https://", 1)
	url := strings.TrimSuffix(controllerHTTP, "/") + "/api/files/upload"

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("x-job-id", jobID)
	httpReq.Header.Set("x-relative-path", t.relPath)
	httpReq.Header.Set("x-total-size", fmt.Sprintf("%d", t.size))
	if encoded {
		httpReq.Header.Set("content-encoding", "zstd")
	}
	if linkDest != "" {
		httpReq.Header.Set("x-link-dest", linkDest)
	}

	resp, err := a.http.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("upload request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusNoContent {
		return 0, fmt.Errorf("upload rejected: status %d", resp.StatusCode)
	}

	return t.size, nil
}

// zstdLevel maps the config file's numeric compression.level (as deploy
// renders it, matching the restic/zstd CLI convention of 1-19) onto the
// library's coarser named speed/ratio tiers.
func zstdLevel(level int) zstd.EncoderLevel {
	switch {
	case level <= 1:
		return zstd.SpeedFastest
	case level <= 3:
		return zstd.SpeedDefault
	case level <= 9:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}

func nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * reconnectFactor)
	if next > reconnectMax {
		return reconnectMax
	}
	return next
}

func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}
