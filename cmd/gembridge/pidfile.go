package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// pidFile records the PID of a running `gembridge start`.
type pidFile struct {
	path string
}

func newPIDFile(dataDir string) pidFile {
	return pidFile{path: filepath.Join(dataDir, "gembridge.pid")}
}

func (p pidFile) write() error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p.path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

func (p pidFile) read() (int, error) {
	raw, err := os.ReadFile(p.path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("corrupt PID file %s", p.path)
	}
	return pid, nil
}

func (p pidFile) remove() {
	if err := os.Remove(p.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		printWarning("could not remove %s: %v", p.path, err)
	}
}

func (p pidFile) signal(sig syscall.Signal) error {
	pid, err := p.read()
	if err != nil {
		return err
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(sig)
}

// ensureNotRunning fails when something already answers /health on port.
func ensureNotRunning(port int, pf pidFile) error {
	hc := &http.Client{Timeout: 2 * time.Second}
	resp, err := hc.Get(fmt.Sprintf("http://127.0.0.1:%d/health", port))
	if err != nil {
		return nil
	}
	resp.Body.Close()
	if pid, err := pf.read(); err == nil {
		printWarning("gembridge is already running (PID %d)", pid)
		return fmt.Errorf("server already running (PID %d)", pid)
	}
	printWarning("gembridge is already running on port %d", port)
	return fmt.Errorf("server already running on port %d", port)
}
