package server

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jesseduffield/kill"
	"github.com/sasha-s/go-deadlock"

	"github.com/phpack/phpack/internal/types"
)

// instance is one spawned server process and its state machine
type instance struct {
	mu          deadlock.Mutex
	info        types.ServerInstance
	cmd         *exec.Cmd
	exitErr     error
	cancelProbe context.CancelFunc

	logs     *LogBuffer
	notify   func(port int, e LogEntry)
	done     chan struct{}
	requests atomic.Int64
	errors   atomic.Int64
}

func newInstance(info types.ServerInstance, logCapacity int, notify func(int, LogEntry)) *instance {
	return &instance{
		info:   info,
		logs:   NewLogBuffer(logCapacity),
		notify: notify,
		done:   make(chan struct{}),
	}
}

// launch starts cmd and begins streaming its output. done is closed once the
// process has exited and both pipes are drained.
func (i *instance) launch(cmd *exec.Cmd) error {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	kill.PrepareForChildren(cmd)

	if err := cmd.Start(); err != nil {
		return err
	}

	i.mu.Lock()
	i.cmd = cmd
	i.info.PID = cmd.Process.Pid
	i.info.StartedAt = time.Now()
	i.mu.Unlock()

	var readers sync.WaitGroup
	readers.Add(2)
	go i.readLines(&readers, stdout, SourceStdout)
	go i.readLines(&readers, stderr, SourceStderr)

	go func() {
		readers.Wait()
		err := cmd.Wait()
		i.mu.Lock()
		i.exitErr = err
		i.mu.Unlock()
		close(i.done)
	}()
	return nil
}

// healthAccess matches the access line of our own liveness probe. Those lines
// are kept at debug level and left out of the request counters.
var healthAccess = regexp.MustCompile(`\[\d{3}\]:\s+HEAD\s+` + regexp.QuoteMeta(healthPath) + `(?:[\s?]|$)`)

func (i *instance) readLines(wg *sync.WaitGroup, r io.Reader, src LogSource) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if healthAccess.MatchString(line) {
			i.logs.AppendLevel(src, LogDebug, 0, line)
			continue
		}
		e := i.logs.Append(src, line)
		if e.Status > 0 {
			i.requests.Add(1)
		}
		if e.Status >= 400 || e.Level == LogError {
			i.errors.Add(1)
		}
		if i.notify != nil {
			i.notify(i.info.Port, e)
		}
	}
}

func (i *instance) exitError() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.exitErr
}

func (i *instance) exited() bool {
	select {
	case <-i.done:
		return true
	default:
		return false
	}
}

func (i *instance) setRunning(cancelProbe context.CancelFunc) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.info.Status = types.ServerRunning
	i.cancelProbe = cancelProbe
}

// beginStop moves Running to Stopping. It fails for any other state.
func (i *instance) beginStop() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.info.Status != types.ServerRunning {
		return false
	}
	i.info.Status = types.ServerStopping
	if i.cancelProbe != nil {
		i.cancelProbe()
	}
	return true
}

// markCrashed moves Running to Crashed. It fails for any other state.
func (i *instance) markCrashed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.info.Status != types.ServerRunning {
		return false
	}
	i.info.Status = types.ServerCrashed
	if i.cancelProbe != nil {
		i.cancelProbe()
	}
	return true
}

func (i *instance) setStatus(s types.ServerStatus) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.info.Status = s
}

func (i *instance) status() types.ServerStatus {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.info.Status
}

func (i *instance) snapshot() types.ServerInstance {
	i.mu.Lock()
	defer i.mu.Unlock()
	snap := i.info
	snap.Stats.Requests = i.requests.Load()
	snap.Stats.Errors = i.errors.Load()
	if !snap.StartedAt.IsZero() && (snap.Status == types.ServerRunning || snap.Status == types.ServerStopping) {
		snap.Stats.UptimeSeconds = int64(time.Since(snap.StartedAt).Seconds())
	}
	return snap
}

func (i *instance) interrupt() error {
	i.mu.Lock()
	cmd := i.cmd
	i.mu.Unlock()
	if cmd == nil || cmd.Process == nil || i.exited() {
		return nil
	}
	return interruptProcess(cmd)
}

func (i *instance) forceKill() error {
	i.mu.Lock()
	cmd := i.cmd
	i.mu.Unlock()
	if cmd == nil || cmd.Process == nil || i.exited() {
		return nil
	}
	return kill.Kill(cmd)
}
