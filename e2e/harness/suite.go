//go:build e2e

package harness

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	stdsync "sync"
	"syscall"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/schaermu/foldersyncd/internal/server"
	"github.com/schaermu/foldersyncd/internal/testutil"
)

const (
	defaultTimeout = 5 * time.Minute
	defaultSecret  = "e2e-secret"
	readyTimeout   = 30 * time.Second
)

// Suite runs the foldersyncd daemon as a child process against temporary
// roots and drives it through its HTTP API.
type Suite struct {
	// immutable config
	Name     string
	Timeout  time.Duration
	KeepDir  bool
	Debounce time.Duration

	// layout
	Root   string
	Source string
	Target string
	State  string

	// runtime state
	Addr   string
	binary string
	cmd    *exec.Cmd
	exited chan struct{}
	logs   *syncBuffer

	// optional logger hook
	Logf func(format string, args ...any)

	client *http.Client
	t      *testing.T
}

// SuiteOption configures a Suite
type SuiteOption func(*Suite)

// WithTimeout sets a custom suite timeout
func WithTimeout(d time.Duration) SuiteOption {
	return func(s *Suite) { s.Timeout = d }
}

// WithDebounce sets the watcher debounce of the daemon
func WithDebounce(d time.Duration) SuiteOption {
	return func(s *Suite) { s.Debounce = d }
}

// WithLogf sets a custom logger
func WithLogf(logf func(string, ...any)) SuiteOption {
	return func(s *Suite) { s.Logf = logf }
}

// NewSuite creates a new E2E test suite
func NewSuite(name string, t *testing.T, opts ...SuiteOption) *Suite {
	root := t.TempDir()
	s := &Suite{
		Name:     name,
		Timeout:  defaultTimeout,
		KeepDir:  os.Getenv("E2E_KEEP_DIR") == "1",
		Debounce: 200 * time.Millisecond,
		Root:     root,
		Source:   filepath.Join(root, "source"),
		Target:   filepath.Join(root, "target"),
		State:    filepath.Join(root, "state"),
		logs:     &syncBuffer{},
		Logf:     t.Logf,
		client:   &http.Client{Timeout: 10 * time.Second},
		t:        t,
	}

	for _, opt := range opts {
		opt(s)
	}

	if timeout := os.Getenv("E2E_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			s.Timeout = d
		}
	}

	return s
}

// BuildBinary compiles cmd/foldersyncd
func (s *Suite) BuildBinary(ctx context.Context) error {
	s.binary = filepath.Join(s.Root, "foldersyncd")
	s.Logf("Building %s", s.binary)
	return testutil.BuildBinary(ctx, s.binary)
}

// Start writes the daemon configuration and launches `foldersyncd serve`
func (s *Suite) Start(ctx context.Context) error {
	if s.binary == "" {
		return fmt.Errorf("binary not built")
	}
	for _, dir := range []string{s.Source, s.Target, s.State} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}

	addr, err := freeAddr()
	if err != nil {
		return err
	}
	s.Addr = addr

	secretFile := filepath.Join(s.Root, "secret")
	if err := os.WriteFile(secretFile, []byte(defaultSecret+"\n"), 0o600); err != nil {
		return fmt.Errorf("write secret: %w", err)
	}

	configFile := filepath.Join(s.Root, "config.yaml")
	config := fmt.Sprintf(`paths:
  state_dir: %s

log:
  level: debug
  format: json

sync:
  default_strategy: skip
  progress_interval: 10ms

profiles:
  - id: docs
    source: %s
    target: %s
    mode: two-way
    watch: true

serve:
  enabled: true
  listen_addr: %s
  secret_file: %s
  debounce: %s
`, s.State, s.Source, s.Target, s.Addr, secretFile, s.Debounce)
	if err := os.WriteFile(configFile, []byte(config), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	s.cmd = exec.Command(s.binary, "serve", "--config", configFile)
	s.cmd.Stdout = s.logs
	s.cmd.Stderr = s.logs
	if err := s.cmd.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	s.exited = make(chan struct{})
	go func() {
		_ = s.cmd.Wait()
		close(s.exited)
	}()
	s.Logf("Daemon started with pid %d on %s", s.cmd.Process.Pid, s.Addr)
	return nil
}

// Ready polls /healthz until the daemon answers
func (s *Suite) Ready(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url("/healthz"), nil)
		if err != nil {
			return err
		}
		resp, err := s.client.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("daemon not ready: %w", ctx.Err())
		case <-s.exited:
			return fmt.Errorf("daemon exited before becoming ready")
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Stop interrupts the daemon and waits for it to exit
func (s *Suite) Stop(ctx context.Context) error {
	if s.cmd == nil || s.cmd.Process == nil {
		return nil
	}
	if err := s.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal daemon: %w", err)
	}
	select {
	case <-s.exited:
		if code := s.cmd.ProcessState.ExitCode(); code != 0 {
			return fmt.Errorf("daemon exited with code %d", code)
		}
		return nil
	case <-ctx.Done():
		_ = s.cmd.Process.Kill()
		return fmt.Errorf("daemon did not stop: %w", ctx.Err())
	}
}

// Post sends a signed POST request to path. An empty body is signed by its path.
func (s *Suite) Post(ctx context.Context, path string, body []byte) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url(path), bytes.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	payload := body
	if len(payload) == 0 {
		payload = []byte(path)
	} else {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(server.SignatureHeader, "sha256="+server.Sign([]byte(defaultSecret), payload))

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	data, err := io.ReadAll(resp.Body)
	return resp.StatusCode, string(data), err
}

// Events subscribes to the progress stream of scope
func (s *Suite) Events(ctx context.Context, scope string) (*websocket.Conn, error) {
	path := "/v1/scopes/" + scope + "/events"
	header := http.Header{}
	header.Set(server.SignatureHeader, "sha256="+server.Sign([]byte(defaultSecret), []byte(path)))

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, "ws://"+s.Addr+path, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial events: %w", err)
	}
	return conn, nil
}

// WaitForEvent reads from conn until an event of kind arrives
func (s *Suite) WaitForEvent(conn *websocket.Conn, kind string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	_ = conn.SetReadDeadline(deadline)
	for {
		var env struct {
			Type string `json:"type"`
		}
		if err := conn.ReadJSON(&env); err != nil {
			return fmt.Errorf("waiting for %s: %w", kind, err)
		}
		s.Logf("event: %s", env.Type)
		if env.Type == kind {
			return nil
		}
	}
}

// Eventually polls cond until it holds or timeout passes
func (s *Suite) Eventually(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return cond()
}

// WriteFile writes a file below root
func (s *Suite) WriteFile(root, rel, content string) {
	testutil.WriteFile(s.t, root, rel, testutil.File{Content: content})
}

// ReadFile returns the content of a file below root, or "" when it is missing
func (s *Suite) ReadFile(root, rel string) string {
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		return ""
	}
	return string(data)
}

// Logs returns everything the daemon wrote so far
func (s *Suite) Logs() string {
	return s.logs.String()
}

func (s *Suite) url(path string) string {
	return "http://" + s.Addr + path
}

func freeAddr() (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("pick port: %w", err)
	}
	addr := ln.Addr().String()
	if err := ln.Close(); err != nil {
		return "", err
	}
	return addr, nil
}

// syncBuffer collects daemon output written from the exec goroutines
type syncBuffer struct {
	mu  stdsync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
