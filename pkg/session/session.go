// Copyright (c) 2025 Barqly
//
// This file is part of barqly-vault.
//
// barqly-vault is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@barqly.com for commercial licensing options.

// Package session runs the external key tools under a pseudo-terminal and
// drives their interactive prompts. The tools require a real terminal for
// PIN entry, so plain pipes are not an option here.
package session

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/creack/pty"

	"github.com/Barqly/barqly-vault-sub000/pkg/logging"
	"github.com/Barqly/barqly-vault-sub000/pkg/metrics"
	"github.com/Barqly/barqly-vault-sub000/pkg/transcript"
	"github.com/Barqly/barqly-vault-sub000/pkg/types"
)

const (
	// DefaultTimeout bounds sessions with no physical interaction.
	DefaultTimeout = 30 * time.Second

	// TouchTimeout bounds sessions once a touch is pending. Humans walk
	// away from their desks.
	TouchTimeout = 120 * time.Second

	// pollInterval is the cadence of the main control loop.
	pollInterval = 500 * time.Millisecond

	// touchNudgeInterval and touchNudgeWindow govern the keep-alive
	// newlines written while the tool sits silent waiting for a touch.
	// Some tool builds stall on a full terminal buffer; the nudges keep
	// the PTY draining and are ignored by builds that do not need them.
	touchNudgeInterval = 1 * time.Second
	touchNudgeWindow   = 30 * time.Second

	// exitGrace is how long to keep draining output after the child has
	// already exited.
	exitGrace = 1 * time.Second
)

// Config describes one tool invocation.
type Config struct {
	// Op names the operation for errors and logs ("generate-identity",
	// "decrypt", ...).
	Op string

	Command string
	Args    []string

	// Pin, when set, is injected in response to the first PIN prompt.
	// A second prompt means the device rejected it; the session is
	// terminated rather than retrying, because PIV hardware blocks after
	// three failed attempts.
	Pin types.Pin

	// ExpectTouch selects the long timeout tier up front. Sessions that
	// discover a touch requirement mid-flight are upgraded automatically.
	ExpectTouch bool

	// Timeout overrides the tier-derived deadline when positive.
	Timeout time.Duration

	Logger *logging.Logger
}

func (c *Config) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	if c.ExpectTouch {
		return TouchTimeout
	}
	return DefaultTimeout
}

// Result is the outcome of a completed session.
type Result struct {
	Transcript *transcript.Transcript
	ExitCode   int
}

type session struct {
	cfg Config
	log *logging.Logger

	cmd *exec.Cmd
	tty *os.File
	tr  *transcript.Transcript

	waitCh chan error

	pinInjected     bool
	answeredPartial bool
	sawWrongPin     bool
	pinBlocked      bool
	tries           *int

	touchMode    bool
	touchEntered time.Time

	start    time.Time
	deadline time.Time
}

// Run executes one tool session to completion.
//
// Key behaviors, all learned the hard way against real hardware:
//   - a PIN prompt with no trailing newline is still a prompt, so partial
//     lines are classified as well as complete ones;
//   - EOF on the PTY does not mean the child has exited, so exit status is
//     polled separately after output ends;
//   - once a touch is pending the deadline is raised to the touch tier and
//     the child is left alone apart from benign newline nudges.
func Run(ctx context.Context, cfg Config) (*Result, error) {
	log := cfg.Logger
	if log == nil {
		log = logging.DefaultLogger()
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	tty, err := pty.Start(cmd)
	if err != nil {
		return nil, &types.SubprocessError{Op: cfg.Op, Err: err}
	}

	s := &session{
		cfg:    cfg,
		log:    log,
		cmd:    cmd,
		tty:    tty,
		tr:     transcript.New(),
		waitCh: make(chan error, 1),
		start:  time.Now(),
	}
	s.deadline = s.start.Add(cfg.timeout())
	defer tty.Close()
	defer metrics.ObserveSession(cfg.Op, s.start)

	go func() { s.waitCh <- cmd.Wait() }()

	chunks := make(chan string, 16)
	go func() {
		defer close(chunks)
		buf := make([]byte, 4096)
		for {
			n, readErr := tty.Read(buf)
			if n > 0 {
				chunks <- string(buf[:n])
			}
			if readErr != nil {
				return
			}
		}
	}()

	return s.loop(ctx, chunks)
}

func (s *session) loop(ctx context.Context, chunks <-chan string) (*Result, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var pending string
	var handledPartial string
	lastOutput := s.start

	waitCh := s.waitCh
	var exitErr error
	exited := false
	var graceTimer <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			s.kill(waitCh)
			return nil, ctx.Err()

		case chunk, ok := <-chunks:
			if !ok {
				// EOF. The child can outlive its terminal, so fall back to
				// bounded status polling instead of assuming it is done.
				if pending != "" {
					if err := s.handleLine(pending); err != nil {
						s.kill(waitCh)
						return nil, err
					}
				}
				if exited {
					return s.finish(exitErr)
				}
				return s.awaitExit(ctx, waitCh)
			}
			lastOutput = time.Now()
			pending += chunk
			for {
				i := strings.IndexByte(pending, '\n')
				if i < 0 {
					break
				}
				line := strings.TrimRight(pending[:i], "\r")
				pending = pending[i+1:]
				handledPartial = ""
				if err := s.handleLine(line); err != nil {
					s.kill(waitCh)
					return nil, err
				}
			}
			// Prompts arrive without a trailing newline; react to the
			// partial line but keep it buffered so ordinary output split
			// mid-line still reassembles correctly.
			if pending != "" && pending != handledPartial {
				handledPartial = pending
				if err := s.handlePartial(pending); err != nil {
					s.kill(waitCh)
					return nil, err
				}
			}

		case exitErr = <-waitCh:
			// Exit before EOF: give buffered output a moment to drain.
			exited = true
			waitCh = nil
			graceTimer = time.After(exitGrace)

		case <-graceTimer:
			if pending != "" {
				if err := s.handleLine(pending); err != nil {
					return nil, err
				}
			}
			return s.finish(exitErr)

		case <-ticker.C:
			now := time.Now()
			if now.After(s.deadline) {
				s.kill(waitCh)
				metrics.Timeouts.WithLabelValues(s.cfg.Op).Inc()
				return nil, &types.TimeoutError{Op: s.cfg.Op, Duration: s.cfg.timeout()}
			}
			if s.touchMode &&
				now.Sub(lastOutput) >= touchNudgeInterval &&
				now.Sub(s.touchEntered) <= touchNudgeWindow {
				_, _ = io.WriteString(s.tty, "\n")
			}
		}
	}
}

// handleLine classifies one complete line and reacts to it. A non-nil
// return aborts the session.
func (s *session) handleLine(line string) error {
	ev := s.tr.Append(line)

	if n, ok := transcript.TriesRemaining(line); ok {
		s.tries = &n
		s.sawWrongPin = true
	}
	if strings.Contains(strings.ToLower(line), "blocked") {
		s.pinBlocked = true
	}

	switch ev.Kind {
	case transcript.EventPinPrompt:
		// A prompt already answered while it was a partial line completes
		// here; it is the same prompt, not a re-prompt.
		if s.answeredPartial {
			s.answeredPartial = false
			return nil
		}
		return s.onPinPrompt()
	case transcript.EventTouchStart, transcript.EventTouchPrompt:
		s.enterTouchMode()
	case transcript.EventError:
		s.log.Debug("tool reported error line", "op", s.cfg.Op)
	}
	return nil
}

// handlePartial reacts to a line that has no newline yet. Only prompt-shaped
// events matter here; the bytes stay buffered for normal line assembly.
func (s *session) handlePartial(partial string) error {
	switch transcript.Classify(partial).Kind {
	case transcript.EventPinPrompt:
		if err := s.onPinPrompt(); err != nil {
			return err
		}
		s.answeredPartial = true
	case transcript.EventTouchStart, transcript.EventTouchPrompt:
		s.enterTouchMode()
	}
	return nil
}

func (s *session) onPinPrompt() error {
	if s.cfg.Pin.IsZero() {
		return &types.SubprocessError{
			Op:         s.cfg.Op,
			Transcript: s.tr.String(),
			Err:        errors.New("tool requested a PIN but none was supplied"),
		}
	}
	if s.pinInjected {
		// A second prompt means the first PIN was rejected. Never retry:
		// three failures block the device.
		s.sawWrongPin = true
		return &types.PinError{TriesRemaining: s.tries}
	}
	s.pinInjected = true
	s.log.Debug("injecting PIN", "op", s.cfg.Op)
	_, err := io.WriteString(s.tty, s.cfg.Pin.Expose()+"\n")
	if err != nil {
		return &types.SubprocessError{Op: s.cfg.Op, Transcript: s.tr.String(), Err: err}
	}
	return nil
}

func (s *session) enterTouchMode() {
	if s.touchMode {
		return
	}
	s.touchMode = true
	s.touchEntered = time.Now()
	s.log.Info("waiting for touch confirmation", "op", s.cfg.Op)
	if d := s.start.Add(TouchTimeout); d.After(s.deadline) {
		s.deadline = d
	}
}

// awaitExit polls for the child's exit status after its output ended.
func (s *session) awaitExit(ctx context.Context, waitCh chan error) (*Result, error) {
	remaining := time.Until(s.deadline)
	if remaining < 0 {
		remaining = 0
	}
	select {
	case <-ctx.Done():
		s.kill(waitCh)
		return nil, ctx.Err()
	case exitErr := <-waitCh:
		return s.finish(exitErr)
	case <-time.After(remaining):
		s.kill(waitCh)
		metrics.Timeouts.WithLabelValues(s.cfg.Op).Inc()
		return nil, &types.TimeoutError{Op: s.cfg.Op, Duration: s.cfg.timeout()}
	}
}

func (s *session) finish(exitErr error) (*Result, error) {
	exitCode := 0
	if exitErr != nil {
		var ee *exec.ExitError
		if !errors.As(exitErr, &ee) {
			return nil, &types.SubprocessError{Op: s.cfg.Op, Transcript: s.tr.String(), Err: exitErr}
		}
		exitCode = ee.ExitCode()
	}
	if exitCode != 0 {
		if s.pinBlocked {
			return nil, &types.SubprocessError{
				Op:         s.cfg.Op,
				ExitCode:   exitCode,
				Transcript: s.tr.String(),
				Err:        types.ErrPinBlocked,
			}
		}
		if s.sawWrongPin {
			return nil, &types.PinError{TriesRemaining: s.tries}
		}
		return nil, &types.SubprocessError{Op: s.cfg.Op, ExitCode: exitCode, Transcript: s.tr.String()}
	}
	return &Result{Transcript: s.tr, ExitCode: exitCode}, nil
}

func (s *session) kill(waitCh chan error) {
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	if waitCh != nil {
		// Reap so the child does not linger as a zombie.
		select {
		case <-waitCh:
		case <-time.After(2 * time.Second):
		}
	}
}
