// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package runner launches recorder, muxer and uploader binaries and streams
// their output line by line through a per-binary classifier.
package runner

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/noaione/vthell/internal/log"
	"github.com/noaione/vthell/internal/procgroup"
)

var (
	startTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vthell_proc_start_total",
		Help: "Total number of child process starts",
	}, []string{"binary", "result"})

	exitTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vthell_proc_exit_total",
		Help: "Total number of child process exits",
	}, []string{"binary", "reason"})
)

// Verdict is the classifier's ruling on one output line.
type Verdict int

const (
	// Ignore lines carry no signal.
	Ignore Verdict = iota
	// Progress lines update internal state without a status transition.
	Progress
	// Announce lines mark the first observable stage transition, e.g. the
	// recorder confirming the download started.
	Announce
	// FatalError aborts the run: the diagnostic is recorded and the child
	// is terminated.
	FatalError
	// RetryableError records the line as a diagnostic but keeps reading.
	RetryableError
)

// Stream selects which child streams the classifier sees. Both streams are
// always drained regardless, so a quiet pipe can never deadlock the child.
type Stream int

const (
	ScanStderr Stream = iota
	ScanStdout
	ScanBoth
)

// Classifier maps one output line to a Verdict. Lines are delivered
// verbatim; classifiers lowercase as needed. Calls are serialized.
type Classifier func(line string) Verdict

// Spec describes one child process run.
type Spec struct {
	// Binary is the short name used in logs and metrics.
	Binary string
	Path   string
	Args   []string
	Env    []string
	Dir    string
	Scan   Stream
	// Classify may be nil, in which case every line is Ignore and only the
	// ring buffer collects output.
	Classify Classifier
	// OnLine observes every scanned line with its verdict. May be nil.
	OnLine func(line string, v Verdict)
	// KillTimeout bounds SIGTERM before escalating to SIGKILL.
	KillTimeout time.Duration
}

// Result is the outcome of a run.
type Result struct {
	ExitCode int
	// Diagnostic is the fatal line that aborted the run, or the most
	// recent retryable line if none was fatal.
	Diagnostic string
	// Cancelled is set when the exit was forced by external cancellation
	// rather than the child's own termination.
	Cancelled bool
	// Tail holds the last lines of output for error composition.
	Tail []string
}

// SpawnBlockedCode is returned when the binary could not be launched at all.
const SpawnBlockedCode = -100

const defaultKillTimeout = 5 * time.Second

// maxLineBytes caps a single scanned line. Longer lines are truncated, the
// overflow logged, and reading resumes.
const maxLineBytes = 256 * 1024

// Run executes the spec to completion. Launch failures are mapped to
// (SpawnBlockedCode, "spawn blocked") instead of an error so every caller
// goes through the same exit-code path.
func Run(ctx context.Context, spec Spec) Result {
	logger := log.WithContext(ctx, log.WithComponent("runner")).With().
		Str(log.FieldBinary, spec.Binary).Logger()

	killTimeout := spec.KillTimeout
	if killTimeout <= 0 {
		killTimeout = defaultKillTimeout
	}

	cmd := exec.Command(spec.Path, spec.Args...) // #nosec G204
	if len(spec.Env) > 0 {
		cmd.Env = spec.Env
	}
	cmd.Dir = spec.Dir
	procgroup.Set(cmd)

	ring := NewLineRing(64)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		startTotal.WithLabelValues(spec.Binary, "pipe_failed").Inc()
		return Result{ExitCode: SpawnBlockedCode, Diagnostic: "spawn blocked"}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		startTotal.WithLabelValues(spec.Binary, "pipe_failed").Inc()
		return Result{ExitCode: SpawnBlockedCode, Diagnostic: "spawn blocked"}
	}

	if err := cmd.Start(); err != nil {
		logger.Error().Err(err).Str(log.FieldPath, spec.Path).Msg("child process could not be launched")
		startTotal.WithLabelValues(spec.Binary, "spawn_blocked").Inc()
		return Result{ExitCode: SpawnBlockedCode, Diagnostic: "spawn blocked"}
	}
	startTotal.WithLabelValues(spec.Binary, "ok").Inc()

	var (
		mu         sync.Mutex
		diagnostic string
		fatal      bool
	)
	classify := func(line string) {
		mu.Lock()
		defer mu.Unlock()
		if fatal {
			return
		}
		v := Ignore
		if spec.Classify != nil {
			v = spec.Classify(line)
		}
		if spec.OnLine != nil {
			spec.OnLine(line, v)
		}
		switch v {
		case FatalError:
			if diagnostic == "" {
				diagnostic = line
			}
			fatal = true
		case RetryableError:
			// Later errors supersede earlier ones, so the diagnostic
			// reflects the final failure and not a recovered retry.
			diagnostic = line
		}
	}

	done := make(chan struct{})
	terminate := func() {
		_ = procgroup.Kill(cmd, syscall.SIGTERM)
		go func() {
			t := time.NewTimer(killTimeout)
			defer t.Stop()
			select {
			case <-done:
			case <-t.C:
				_ = procgroup.Kill(cmd, syscall.SIGKILL)
			}
		}()
	}

	var cancelled bool
	go func() {
		select {
		case <-ctx.Done():
			mu.Lock()
			cancelled = true
			mu.Unlock()
			terminate()
		case <-done:
		}
	}()

	scanStdout := spec.Scan == ScanStdout || spec.Scan == ScanBoth
	scanStderr := spec.Scan == ScanStderr || spec.Scan == ScanBoth

	var ioWg sync.WaitGroup
	ioWg.Add(2)
	go func() {
		defer ioWg.Done()
		drainLines(stdout, logger, func(line string) {
			ring.Append(line)
			if scanStdout {
				classify(line)
				if isFatal(&mu, &fatal) {
					terminate()
				}
			}
		})
	}()
	go func() {
		defer ioWg.Done()
		drainLines(stderr, logger, func(line string) {
			ring.Append(line)
			if scanStderr {
				classify(line)
				if isFatal(&mu, &fatal) {
					terminate()
				}
			}
		})
	}()

	ioWg.Wait()
	waitErr := cmd.Wait()
	close(done)

	code := 0
	if waitErr != nil {
		code = 1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			code = exitErr.ExitCode()
		}
	}

	mu.Lock()
	res := Result{
		ExitCode:   code,
		Diagnostic: diagnostic,
		Cancelled:  cancelled,
		Tail:       ring.LastN(20),
	}
	mu.Unlock()

	reason := "clean"
	switch {
	case res.Cancelled:
		reason = "cancelled"
	case fatal:
		reason = "fatal_line"
	case code != 0:
		reason = "error"
	}
	exitTotal.WithLabelValues(spec.Binary, reason).Inc()

	logger.Debug().
		Int("exit_code", res.ExitCode).
		Bool("cancelled", res.Cancelled).
		Msg("child process exited")
	return res
}

func isFatal(mu *sync.Mutex, fatal *bool) bool {
	mu.Lock()
	defer mu.Unlock()
	return *fatal
}

// drainLines reads a pipe line by line. Over-long lines are truncated to the
// reader's buffer, a warning logged, and the remainder discarded.
func drainLines(r io.Reader, logger zerolog.Logger, consume func(string)) {
	br := bufio.NewReaderSize(r, maxLineBytes)
	for {
		chunk, isPrefix, err := br.ReadLine()
		if len(chunk) > 0 {
			consume(string(chunk))
		}
		if isPrefix {
			logger.Warn().Msg("output line exceeds buffer, truncating")
			for isPrefix && err == nil {
				_, isPrefix, err = br.ReadLine()
			}
		}
		if err != nil {
			return
		}
	}
}
