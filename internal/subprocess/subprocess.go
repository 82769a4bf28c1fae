// Package subprocess runs provider command-line tools to completion,
// streaming their output line by line and enforcing a timeout with
// SIGTERM-then-SIGKILL escalation on the whole process group.
package subprocess

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Stream identifies which pipe a line arrived on.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

// killGrace is how long a terminated process gets before the hard kill.
const killGrace = 2 * time.Second

// maxLine bounds a single observed output line.
const maxLine = 4 * 1024 * 1024

// Config defines how to spawn and manage one provider process.
type Config struct {
	Command    string
	Args       []string
	Env        map[string]string
	WorkingDir string
	Stdin      string
	Timeout    time.Duration

	// OnLine, when set, receives every newline-delimited chunk as it
	// arrives. A trailing partial line is delivered once on close.
	OnLine func(stream Stream, line string)
}

// Result captures the full output of a finished process.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
}

// ErrNotFound reports that the provider binary is not installed.
var ErrNotFound = errors.New("subprocess: command not found")

// Run spawns the process, feeds stdin, collects both output streams, and
// waits for exit or timeout. The error is non-nil for spawn failures and
// timeouts; a non-zero exit is reported through Result.ExitCode instead.
func Run(ctx context.Context, cfg Config) (Result, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return Result{}, fmt.Errorf("subprocess: empty command")
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	if cfg.WorkingDir != "" {
		cmd.Dir = cfg.WorkingDir
	}
	if len(cfg.Env) > 0 {
		env := append([]string{}, os.Environ()...)
		for k, v := range cfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if cfg.Stdin != "" {
		cmd.Stdin = strings.NewReader(cfg.Stdin)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("subprocess: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, fmt.Errorf("subprocess: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return Result{}, fmt.Errorf("%w: %s", ErrNotFound, cfg.Command)
		}
		return Result{}, fmt.Errorf("subprocess: start %s: %w", cfg.Command, err)
	}

	pgid := cmd.Process.Pid
	if got, err := syscall.Getpgid(cmd.Process.Pid); err == nil {
		pgid = got
	}

	var outBuf, errBuf bytes.Buffer
	var wg sync.WaitGroup
	wg.Add(2)
	go collect(&wg, stdout, &outBuf, Stdout, cfg.OnLine)
	go collect(&wg, stderr, &errBuf, Stderr, cfg.OnLine)

	done := make(chan error, 1)
	go func() {
		wg.Wait()
		done <- cmd.Wait()
	}()

	var timeoutCh <-chan time.Time
	if cfg.Timeout > 0 {
		timer := time.NewTimer(cfg.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	timedOut := false
	var waitErr error
	select {
	case waitErr = <-done:
	case <-timeoutCh:
		timedOut = true
		terminate(pgid)
		waitErr = <-done
	case <-ctx.Done():
		terminate(pgid)
		waitErr = <-done
		return Result{
			Stdout:   outBuf.String(),
			Stderr:   errBuf.String(),
			ExitCode: exitCode(waitErr),
		}, ctx.Err()
	}

	result := Result{
		Stdout:   outBuf.String(),
		Stderr:   errBuf.String(),
		ExitCode: exitCode(waitErr),
		TimedOut: timedOut,
	}
	if timedOut {
		return result, fmt.Errorf("subprocess: %s timed out after %s", cfg.Command, cfg.Timeout)
	}
	return result, nil
}

// terminate signals the process group, hard-killing after the grace window.
func terminate(pgid int) {
	_ = syscall.Kill(-pgid, syscall.SIGTERM)
	go func() {
		time.Sleep(killGrace)
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	}()
}

// collect copies a stream into buf while delivering complete lines to the
// observer. bufio.Scanner keeps a trailing partial line buffered and hands
// it over at EOF, so byte chunk boundaries never split an observed line.
func collect(wg *sync.WaitGroup, r io.Reader, buf *bytes.Buffer, stream Stream, onLine func(Stream, string)) {
	defer wg.Done()
	scanner := bufio.NewScanner(io.TeeReader(r, buf))
	scanner.Buffer(make([]byte, 64*1024), maxLine)
	for scanner.Scan() {
		if onLine != nil {
			onLine(stream, scanner.Text())
		}
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
