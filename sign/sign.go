// Package sign runs an external signing tool over an aligned archive.
//
// Signing is delegated to a command such as apksigner. Archives are aligned
// before they are signed.
package sign

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
)

// Placeholders substituted in a command line.
const (
	InputPlaceholder  = "{input}"
	OutputPlaceholder = "{output}"
)

// DefaultTimeout bounds a single signing run.
const DefaultTimeout = 5 * time.Minute

// waitDelay bounds how long output copying may outlive a killed process.
const waitDelay = 5 * time.Second

// maxOutput bounds the combined output kept from a failed run.
const maxOutput = 64 << 10

var (
	// ErrSignFailed is returned when the signing tool fails.
	ErrSignFailed = errors.New("apkpack: signing failed")

	// ErrInvalidCommand is returned when a command line cannot be parsed.
	ErrInvalidCommand = errors.New("apkpack: invalid signer command")
)

// Signer signs the archive at input, writing the signed archive to output.
type Signer interface {
	Sign(ctx context.Context, input, output string) error
}

// ExitError reports a signing tool that exited with a nonzero status.
type ExitError struct {
	Code   int
	Output string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("signer exited with status %d", e.Code)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += ": " + out
	}
	return msg
}

// Unwrap makes ExitError match ErrSignFailed.
func (e *ExitError) Unwrap() error { return ErrSignFailed }

// ExitCode returns the signer's exit status carried by err, or 0 when err
// does not come from a signing tool that ran to completion.
func ExitCode(err error) int {
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return 0
}

// Command is a Signer backed by an external command line.
type Command struct {
	argv    []string
	timeout time.Duration
	env     []string
	logger  *slog.Logger
}

var _ Signer = (*Command)(nil)

// Option configures a Command.
type Option func(*Command)

// WithTimeout bounds each run. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(c *Command) {
		c.timeout = d
	}
}

// WithEnv appends KEY=VALUE pairs to the inherited environment.
func WithEnv(env ...string) Option {
	return func(c *Command) {
		c.env = append(c.env, env...)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Command) {
		c.logger = logger
	}
}

// NewCommand parses a shell-style command line, for example
//
//	apksigner sign --ks release.jks --ks-pass env:KS_PASS --out {output} {input}
//
// If the line names neither placeholder, "--out <output> <input>" is
// appended, which is the apksigner convention.
func NewCommand(commandLine string, opts ...Option) (*Command, error) {
	argv, err := shellquote.Split(commandLine)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrInvalidCommand)
	}
	c := &Command{argv: argv, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(c)
	}
	if c.timeout < 0 {
		return nil, fmt.Errorf("%w: negative timeout", ErrInvalidCommand)
	}
	return c, nil
}

// log returns the logger, falling back to a discard logger if nil.
func (c *Command) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

// Args returns the argument vector for a run over input and output.
func (c *Command) Args(input, output string) []string {
	args := make([]string, 0, len(c.argv)+3)
	substituted := false
	for _, a := range c.argv {
		if strings.Contains(a, InputPlaceholder) || strings.Contains(a, OutputPlaceholder) {
			substituted = true
			a = strings.ReplaceAll(a, InputPlaceholder, input)
			a = strings.ReplaceAll(a, OutputPlaceholder, output)
		}
		args = append(args, a)
	}
	if !substituted {
		args = append(args, "--out", output, input)
	}
	return args
}

// Sign runs the command. A nonzero exit yields an *ExitError.
func (c *Command) Sign(ctx context.Context, input, output string) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	args := c.Args(input, output)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // command line is operator configuration
	if len(c.env) > 0 {
		cmd.Env = append(cmd.Environ(), c.env...)
	}
	var out limitedBuffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.WaitDelay = waitDelay

	start := time.Now()
	c.log().Info("signing", "command", args[0], "input", input, "output", output)
	err := cmd.Run()
	if err == nil {
		c.log().Debug("signed", "elapsed", time.Since(start))
		return nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %s: %w", ErrSignFailed, args[0], ctxErr)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		ee := &ExitError{Code: exitErr.ExitCode(), Output: out.String()}
		c.log().Warn("signer failed", "command", args[0], "code", ee.Code)
		return ee
	}
	return fmt.Errorf("%w: %s: %w", ErrSignFailed, args[0], err)
}

// limitedBuffer keeps the first maxOutput bytes written to it.
type limitedBuffer struct {
	buf bytes.Buffer
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := maxOutput - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string { return b.buf.String() }

// Func adapts a function to the Signer interface.
type Func func(ctx context.Context, input, output string) error

// Sign calls f.
func (f Func) Sign(ctx context.Context, input, output string) error {
	return f(ctx, input, output)
}
