// Package executor interprets desktop actions on the local machine. The set
// of action types is fixed: note, wait and click, plus the noop and sleep
// aliases. Every action can be previewed without side effects.
package executor

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

type Status string

const (
	StatusOK      Status = "ok"
	StatusPreview Status = "preview"
	StatusFailed  Status = "failed"
)

// Action is one requested desktop action. Click coordinates come from X and
// Y when both are set, otherwise from Target or Value ("x,y" or "x=.. y=..").
type Action struct {
	Type   string `json:"type" cbor:"type"`
	Target string `json:"target,omitempty" cbor:"target,omitempty"`
	Value  string `json:"value,omitempty" cbor:"value,omitempty"`
	X      *int   `json:"x,omitempty" cbor:"x,omitempty"`
	Y      *int   `json:"y,omitempty" cbor:"y,omitempty"`
}

type Result struct {
	Action Action `json:"action" cbor:"action"`
	Status Status `json:"status" cbor:"status"`
	Output string `json:"output" cbor:"output"`
}

// Probe reports whether the configured platform can execute actions.
type Probe struct {
	OK           bool     `json:"ok"`
	Platform     string   `json:"platform"`
	Capabilities []string `json:"capabilities"`
	Output       string   `json:"output,omitempty"`
	Error        string   `json:"error,omitempty"`
}

const maxWait = 300 * time.Second

var (
	durationRE   = regexp.MustCompile(`(?i)^\s*(\d+(?:\.\d+)?)\s*(ms|s|sec|secs|second|seconds|m|min|mins|minute|minutes)?\s*$`)
	coordPairRE  = regexp.MustCompile(`(?i)^\s*(-?\d+)\s*[,x]\s*(-?\d+)\s*$`)
	coordNamedRE = regexp.MustCompile(`(?i)^\s*x\s*=\s*(-?\d+)\s*[,\s]\s*y\s*=\s*(-?\d+)\s*$`)
)

// CommandRunner runs an external program and returns its combined output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

type Option func(*Executor)

func WithCommandRunner(r CommandRunner) Option { return func(e *Executor) { e.run = r } }

func WithLookPath(f func(string) (string, error)) Option { return func(e *Executor) { e.lookPath = f } }

// WithCommandTimeout bounds every external program the executor starts.
func WithCommandTimeout(d time.Duration) Option { return func(e *Executor) { e.timeout = d } }

// Executor holds no state besides its configuration and is safe for
// concurrent use.
type Executor struct {
	platform string
	run      CommandRunner
	lookPath func(string) (string, error)
	timeout  time.Duration
}

// New returns an executor for platform (a GOOS value such as "linux" or
// "darwin"). The platform is never detected here.
func New(platform string, opts ...Option) *Executor {
	e := &Executor{
		platform: strings.ToLower(strings.TrimSpace(platform)),
		run:      runCommand,
		lookPath: exec.LookPath,
		timeout:  30 * time.Second,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

func (e *Executor) Platform() string { return e.platform }

func Capabilities() []string { return []string{"note", "wait", "click"} }

// ExecuteAction runs action, or only validates and previews it when dryRun
// is set. Failures are reported in the result, never as a panic or error.
func (e *Executor) ExecuteAction(ctx context.Context, action Action, dryRun bool) Result {
	kind := strings.ToLower(strings.TrimSpace(action.Type))
	switch kind {
	case "":
		return failed(action, "Action missing required field: type")
	case "note", "noop":
		return e.note(action, kind)
	case "wait", "sleep":
		return e.wait(ctx, action, dryRun)
	case "click":
		return e.click(ctx, action, dryRun)
	}
	return failed(action, fmt.Sprintf("Unsupported native action type '%s'. Supported: click, noop, note, sleep, wait", kind))
}

// note has no side effect to preview, so it reports ok under dry-run too.
func (e *Executor) note(action Action, kind string) Result {
	target := strings.TrimSpace(action.Target)
	if target == "" {
		target = kind
	}
	out := "note:" + target
	if v := strings.TrimSpace(action.Value); v != "" {
		out += " " + v
	}
	return Result{Action: action, Status: StatusOK, Output: out}
}

func (e *Executor) wait(ctx context.Context, action Action, dryRun bool) Result {
	raw := strings.TrimSpace(action.Value)
	if raw == "" {
		raw = strings.TrimSpace(action.Target)
	}
	d, err := ParseDuration(raw)
	if err != nil {
		return failed(action, err.Error())
	}
	if dryRun {
		return Result{Action: action, Status: StatusPreview, Output: fmt.Sprintf("waited %.3fs (simulated)", d.Seconds())}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		return failed(action, "wait interrupted: "+ctx.Err().Error())
	}
	return Result{Action: action, Status: StatusOK, Output: fmt.Sprintf("waited %.3fs", d.Seconds())}
}

// ParseDuration reads "1.5", "250ms", "2s", "3 minutes" and similar. An
// empty string means one second. The result is clamped to [0, 300s].
func ParseDuration(raw string) (time.Duration, error) {
	if raw == "" {
		return time.Second, nil
	}
	var seconds float64
	if m := durationRE.FindStringSubmatch(raw); m != nil {
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return 0, fmt.Errorf("invalid wait duration %q", raw)
		}
		switch strings.ToLower(m[2]) {
		case "ms":
			seconds = v / 1000
		case "m", "min", "mins", "minute", "minutes":
			seconds = v * 60
		default:
			seconds = v
		}
	} else {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid wait duration %q", raw)
		}
		seconds = v
	}
	d := time.Duration(seconds * float64(time.Second))
	if d < 0 {
		d = 0
	}
	if d > maxWait {
		d = maxWait
	}
	return d, nil
}

func (e *Executor) click(ctx context.Context, action Action, dryRun bool) Result {
	x, y, err := coordinates(action)
	if err != nil {
		return failed(action, err.Error())
	}
	if dryRun {
		return Result{Action: action, Status: StatusPreview, Output: fmt.Sprintf("click at %d,%d (preview)", x, y)}
	}

	var (
		name string
		args []string
	)
	switch {
	case e.platform == "darwin":
		name, args = "osascript", []string{"-e", fmt.Sprintf(`tell application "System Events" to click at {%d, %d}`, x, y)}
	case strings.HasPrefix(e.platform, "linux"):
		if _, err := e.lookPath("xdotool"); err != nil {
			return failed(action, "click on linux requires 'xdotool' in PATH")
		}
		name, args = "xdotool", []string{"mousemove", strconv.Itoa(x), strconv.Itoa(y), "click", "1"}
	default:
		return failed(action, "Unsupported platform for click: "+e.platform)
	}
	return e.command(ctx, action, name, args...)
}

func coordinates(action Action) (int, int, error) {
	if action.X != nil && action.Y != nil {
		return *action.X, *action.Y, nil
	}
	raw := strings.TrimSpace(action.Target)
	if raw == "" {
		raw = strings.TrimSpace(action.Value)
	}
	if raw == "" {
		return 0, 0, fmt.Errorf("click action requires coordinates: set x and y, or target 'x,y'")
	}
	for _, re := range []*regexp.Regexp{coordPairRE, coordNamedRE} {
		if m := re.FindStringSubmatch(raw); m != nil {
			x, errX := strconv.Atoi(m[1])
			y, errY := strconv.Atoi(m[2])
			if errX == nil && errY == nil {
				return x, y, nil
			}
		}
	}
	return 0, 0, fmt.Errorf("click target must be coordinates, got '%s'. Expected 'x,y' or 'x=.. y=..'", raw)
}

func (e *Executor) command(ctx context.Context, action Action, name string, args ...string) Result {
	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	out, err := e.run(cctx, name, args...)
	text := strings.TrimSpace(string(out))
	if err != nil {
		if text == "" {
			text = err.Error()
		}
		return failed(action, fmt.Sprintf("%s error: %s", name, text))
	}
	if text == "" {
		text = "exit=0"
	}
	return Result{Action: action, Status: StatusOK, Output: text}
}

// Probe checks that the platform is supported and, where possible, that the
// helper tooling is present.
func (e *Executor) Probe(ctx context.Context) Probe {
	p := Probe{Platform: e.platform, Capabilities: Capabilities()}
	switch {
	case e.platform == "darwin":
		cctx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()
		out, err := e.run(cctx, "osascript", "-e", `return "ok"`)
		p.OK = err == nil
		p.Output = strings.TrimSpace(string(out))
		if err != nil {
			p.Error = "osascript unavailable: " + err.Error()
		}
	case strings.HasPrefix(e.platform, "linux"):
		p.OK = true
		p.Output = "linux native execution available"
		if _, err := e.lookPath("xdotool"); err != nil {
			p.Output += " (limited: install xdotool for click)"
		}
	default:
		p.Error = "Unsupported platform for native execution: " + e.platform
	}
	return p
}

func failed(action Action, output string) Result {
	return Result{Action: action, Status: StatusFailed, Output: output}
}
