package mcpserver

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/giantswarm/multimcp/internal/config"
	"github.com/giantswarm/multimcp/internal/jsonrpc"
	"github.com/giantswarm/multimcp/pkg/logging"
)

// stdioConn runs a backend as a child process and speaks newline delimited
// JSON-RPC over its stdin and stdout. stderr is forwarded to the log.
type stdioConn struct {
	name   string
	cmd    *exec.Cmd
	stream *jsonrpc.Stream
	stdout *os.File
	grace  time.Duration

	exited  chan struct{}
	exitErr error

	closeOnce sync.Once
	closeErr  error
}

func dialStdio(desc config.BackendDescriptor, opts DialOptions) (*stdioConn, error) {
	grace := opts.ShutdownGrace
	if grace <= 0 {
		grace = config.DefaultShutdownGrace
	}

	// The process outlives the dial context; Close owns its lifetime.
	cmd := exec.Command(desc.Command, desc.Args...)
	cmd.Env = append(os.Environ(), envList(desc.Env)...)
	cmd.Stderr = &stderrLogger{subsystem: "Backend/" + desc.Name}
	cmd.WaitDelay = grace
	configureProcAttr(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	// A plain os.Pipe instead of StdoutPipe: Wait must not close the read
	// side while the session is still draining it.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	cmd.Stdout = stdoutW

	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("failed to start %s: %w", desc.Command, err)
	}
	stdoutW.Close()

	logging.Debug("Backend/"+desc.Name, "Started %s %v (pid %d)", desc.Command, desc.Args, cmd.Process.Pid)

	c := &stdioConn{
		name:   desc.Name,
		cmd:    cmd,
		stream: jsonrpc.NewStream(stdoutR, stdin, stdin),
		stdout: stdoutR,
		grace:  grace,
		exited: make(chan struct{}),
	}
	go c.wait()
	return c, nil
}

func (c *stdioConn) wait() {
	c.exitErr = c.cmd.Wait()
	close(c.exited)

	if c.exitErr != nil {
		logging.Info("Backend/"+c.name, "Process exited: %v", c.exitErr)
	} else {
		logging.Debug("Backend/"+c.name, "Process exited")
	}

	// A grandchild holding stdout open would keep Read blocked forever.
	time.AfterFunc(100*time.Millisecond, func() { c.stdout.Close() })
}

func (c *stdioConn) Read() (*jsonrpc.Message, error) {
	return c.stream.Read()
}

func (c *stdioConn) Write(_ context.Context, msg *jsonrpc.Message) error {
	return c.stream.Write(msg)
}

// Close shuts the child down: close stdin, wait, SIGTERM, wait, SIGKILL.
// Leftover members of the process group are killed in every case.
func (c *stdioConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.shutdown()
	})
	return c.closeErr
}

func (c *stdioConn) shutdown() error {
	if err := c.stream.Close(); err != nil {
		logging.Debug("Backend/"+c.name, "Closing stdin: %v", err)
	}

	defer func() {
		_ = killProcessGroup(c.cmd)
		c.stdout.Close()
	}()

	select {
	case <-c.exited:
		return nil
	case <-time.After(c.grace):
	}

	logging.Warn("Backend/"+c.name, "Process did not exit within %s after stdin closed; sending SIGTERM", c.grace)
	if err := terminateProcessGroup(c.cmd); err != nil {
		logging.Debug("Backend/"+c.name, "SIGTERM failed: %v", err)
	}
	select {
	case <-c.exited:
		return nil
	case <-time.After(c.grace):
	}

	logging.Warn("Backend/"+c.name, "Process ignored SIGTERM; killing it")
	if err := killProcessGroup(c.cmd); err != nil {
		return fmt.Errorf("failed to kill backend process: %w", err)
	}
	<-c.exited
	return nil
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// stderrLogger forwards a child's stderr to the log, one record per line.
type stderrLogger struct {
	subsystem string
	mu        sync.Mutex
	buf       []byte
}

func (l *stderrLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf = append(l.buf, p...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		if line := bytes.TrimRight(l.buf[:i], "\r"); len(line) > 0 {
			logging.Debug(l.subsystem, "stderr: %s", line)
		}
		l.buf = l.buf[i+1:]
	}
	if len(l.buf) > 64*1024 {
		logging.Debug(l.subsystem, "stderr: %s", l.buf)
		l.buf = l.buf[:0]
	}
	return len(p), nil
}
