package hook

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/helmwatch/helmwatch/internal/chain"
	"github.com/helmwatch/helmwatch/internal/relay"
)

// Sentinel marks a hook stdout line for relay to the stash's private
// channel. A doubled sentinel marks the line essential: in short mode only
// essential lines are relayed.
const Sentinel = '!'

// HookError reports a failed hook run: non-zero exit, spawn failure or
// timeout. It never propagates beyond the stash and transition it belongs to.
type HookError struct {
	Stash   chain.Stash
	Script  string
	Timeout bool
	Err     error
}

func (e *HookError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("hook %s for %s: timed out", e.Script, e.Stash)
	}
	return fmt.Sprintf("hook %s for %s: %v", e.Script, e.Stash, e.Err)
}

func (e *HookError) Unwrap() error { return e.Err }

// Config tunes dispatcher behavior.
type Config struct {
	// Timeout bounds one hook run; the process is killed afterwards.
	Timeout time.Duration
	// Short restricts relayed output to essential lines.
	Short bool
}

// Dispatcher runs hook scripts with the assembled argument contract and
// relays tagged output lines.
//
// Dispatches for different stashes may run concurrently. Dispatches for the
// same stash are strictly sequential: a per-stash lock guarantees a new run
// never starts before the previous one finished or timed out.
type Dispatcher struct {
	logger  zerolog.Logger
	relay   relay.Relay
	timeout time.Duration
	short   bool

	mu    sync.Mutex
	locks map[chain.Stash]*sync.Mutex
}

// NewDispatcher creates a dispatcher relaying through r.
func NewDispatcher(logger zerolog.Logger, r relay.Relay, cfg Config) *Dispatcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Dispatcher{
		logger:  logger.With().Str("component", "hook-dispatcher").Logger(),
		relay:   r,
		timeout: timeout,
		short:   cfg.Short,
		locks:   make(map[chain.Stash]*sync.Mutex),
	}
}

// Dispatch runs the script with the invocation's arguments, captures its
// stdout line by line and forwards sentinel-tagged lines to the relay. An
// empty script path is a configured no-op. Failures are returned as
// HookError and never affect other stashes or future transitions.
func (d *Dispatcher) Dispatch(ctx context.Context, script string, inv Invocation) error {
	if script == "" {
		return nil
	}

	lock := d.lockFor(inv.Stash)
	lock.Lock()
	defer lock.Unlock()

	runCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, script, inv.Args()...)
	// Hooks routinely spawn children that inherit the stdout pipe; the run
	// only ends once every writer is gone. Give the hook its own process
	// group and kill the whole group on timeout, with WaitDelay as the
	// backstop that forces the pipe closed.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = time.Second

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &HookError{Stash: inv.Stash, Script: script, Err: err}
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return &HookError{Stash: inv.Stash, Script: script, Err: fmt.Errorf("spawn: %w", err)}
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		d.handleLine(ctx, inv.Stash, scanner.Text())
	}
	scanErr := scanner.Err()

	waitErr := cmd.Wait()
	elapsed := time.Since(start)

	switch {
	case runCtx.Err() != nil && ctx.Err() == nil:
		return &HookError{Stash: inv.Stash, Script: script, Timeout: true, Err: runCtx.Err()}
	case waitErr != nil:
		d.logger.Debug().
			Str("stash", string(inv.Stash)).
			Str("stderr", strings.TrimSpace(stderr.String())).
			Msg("Hook stderr")
		return &HookError{Stash: inv.Stash, Script: script, Err: waitErr}
	case scanErr != nil:
		return &HookError{Stash: inv.Stash, Script: script, Err: fmt.Errorf("capture: %w", scanErr)}
	}

	d.logger.Debug().
		Str("stash", string(inv.Stash)).
		Str("script", script).
		Dur("elapsed", elapsed).
		Msg("Hook finished")
	return nil
}

// handleLine routes one captured stdout line: sentinel-tagged lines go to
// the relay, everything else is local-only.
func (d *Dispatcher) handleLine(ctx context.Context, stash chain.Stash, line string) {
	if len(line) == 0 || line[0] != Sentinel {
		d.logger.Debug().Str("stash", string(stash)).Str("line", line).Msg("Hook output")
		return
	}

	essential := len(line) > 1 && line[1] == Sentinel
	if d.short && !essential {
		return
	}

	message := strings.TrimSpace(strings.TrimLeft(line, string(Sentinel)))
	if err := d.relay.Notify(ctx, string(stash), message); err != nil {
		var re *relay.RelayError
		if !errors.As(err, &re) {
			re = &relay.RelayError{Stash: string(stash), Err: err}
		}
		// Relay loss never fails the hook.
		d.logger.Warn().Err(re).Msg("Notification delivery failed")
	}
}

func (d *Dispatcher) lockFor(stash chain.Stash) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	lock, ok := d.locks[stash]
	if !ok {
		lock = &sync.Mutex{}
		d.locks[stash] = lock
	}
	return lock
}
