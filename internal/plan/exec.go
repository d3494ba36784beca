package plan

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"maps"
	"os/exec"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/marcus-qen/tandem/internal/descriptor"
)

const (
	defaultOutputTail = 4 << 10
	maxFixtureOutput  = 64 << 10
	// waitDelay bounds how long a cancelled command may keep its pipes open.
	waitDelay = 5 * time.Second
)

// ExitError is returned when a test or fixture command exits non-zero.
type ExitError struct {
	Argv     []string
	ExitCode int
	// Output is the tail of combined stdout and stderr.
	Output string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", strings.Join(e.Argv, " "), e.ExitCode)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += ": " + out
	}
	return msg
}

type executor struct {
	dir  string
	env  []string
	tail int
	log  logr.Logger
}

func (e *executor) command(ctx context.Context, argv []string, extra []string) *exec.Cmd {
	c := exec.CommandContext(ctx, argv[0], argv[1:]...)
	c.Dir = e.dir
	c.Env = append(slices.Clone(e.env), extra...)
	c.WaitDelay = waitDelay
	return c
}

// run executes argv, returning stdout and an error carrying the output tail.
func (e *executor) run(ctx context.Context, argv []string, extra []string, limit int) (string, error) {
	c := e.command(ctx, argv, extra)
	stdout := &tailBuffer{max: limit}
	combined := &tailBuffer{max: e.tail}
	c.Stdout = multiWriter{stdout, combined}
	c.Stderr = combined

	start := time.Now()
	err := c.Run()
	e.log.V(1).Info("command finished", "argv", argv, "duration", time.Since(start), "err", err)
	if err == nil {
		return stdout.String(), nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return "", &ExitError{Argv: argv, ExitCode: exitErr.ExitCode(), Output: combined.String()}
	}
	return "", fmt.Errorf("run %s: %w", argv[0], err)
}

func (e *executor) body(argv []string) descriptor.Body {
	return func(ctx context.Context, call descriptor.Call) error {
		_, err := e.run(ctx, argv, callEnv(call), 0)
		return err
	}
}

func (e *executor) setup(fx Fixture) func(context.Context) (any, error) {
	return func(ctx context.Context) (any, error) {
		out, err := e.run(ctx, fx.Setup, nil, maxFixtureOutput)
		if err != nil {
			return nil, fmt.Errorf("fixture %s setup: %w", fx.Name, err)
		}
		return strings.TrimSpace(out), nil
	}
}

func (e *executor) teardown(fx Fixture) func(context.Context, any) error {
	if len(fx.Teardown) == 0 {
		return nil
	}
	return func(ctx context.Context, value any) error {
		v := fmt.Sprint(value)
		extra := []string{"TANDEM_FIXTURE_VALUE=" + v, fixtureVar(fx.Name) + "=" + v}
		if _, err := e.run(ctx, fx.Teardown, extra, 0); err != nil {
			return fmt.Errorf("fixture %s teardown: %w", fx.Name, err)
		}
		return nil
	}
}

// callEnv exposes the per-attempt call to the command.
func callEnv(call descriptor.Call) []string {
	env := []string{
		"TANDEM_INSTANCE_ID=" + call.InstanceID,
		"TANDEM_DISPLAY_NAME=" + call.DisplayName,
		"TANDEM_ATTEMPT=" + strconv.Itoa(call.Attempt),
		"TANDEM_REPEAT=" + strconv.Itoa(call.Repeat),
	}
	for i, v := range call.ClassArgs {
		env = append(env, "TANDEM_CLASS_ARG_"+strconv.Itoa(i)+"="+fmt.Sprint(v))
	}
	for i, v := range call.MethodArgs {
		env = append(env, "TANDEM_ARG_"+strconv.Itoa(i)+"="+fmt.Sprint(v))
	}
	for _, name := range slices.Sorted(maps.Keys(call.Fixtures)) {
		env = append(env, fixtureVar(name)+"="+fmt.Sprint(call.Fixtures[name]))
	}
	return env
}

// fixtureVar maps a fixture name to TANDEM_FIXTURE_<NAME>.
func fixtureVar(name string) string {
	var b strings.Builder
	b.WriteString("TANDEM_FIXTURE_")
	for _, r := range strings.ToUpper(name) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			continue
		}
		b.WriteByte('_')
	}
	return b.String()
}

// tailBuffer keeps the last max bytes written. max <= 0 discards everything.
// stdout and stderr copy into it from separate goroutines.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if t.max <= 0 {
		return n, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(p) >= t.max {
		t.buf.Reset()
		t.buf.Write(p[len(p)-t.max:])
		return n, nil
	}
	if over := t.buf.Len() + len(p) - t.max; over > 0 {
		t.buf.Next(over)
	}
	t.buf.Write(p)
	return n, nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}

// multiWriter writes to every buffer. Both sinks never fail.
type multiWriter []*tailBuffer

func (m multiWriter) Write(p []byte) (int, error) {
	for _, w := range m {
		_, _ = w.Write(p)
	}
	return len(p), nil
}
