package executor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedCommand struct {
	name string
	args []string
}

func fakeRunner(out string, err error, calls *[]recordedCommand) CommandRunner {
	return func(_ context.Context, name string, args ...string) ([]byte, error) {
		*calls = append(*calls, recordedCommand{name: name, args: args})
		return []byte(out), err
	}
}

func hasXdotool(string) (string, error) { return "/usr/bin/xdotool", nil }

func noXdotool(string) (string, error) { return "", errors.New("not found") }

func intp(v int) *int { return &v }

func TestExecuteAction_Note(t *testing.T) {
	e := New("linux")
	ctx := context.Background()

	res := e.ExecuteAction(ctx, Action{Type: "note", Value: "hello"}, false)
	assert.Equal(t, StatusOK, res.Status)
	assert.Contains(t, res.Output, "note:note hello")

	res = e.ExecuteAction(ctx, Action{Type: "NOOP", Target: "step-1"}, true)
	assert.Equal(t, StatusOK, res.Status, "notes have no side effects")
	assert.Equal(t, "note:step-1", res.Output)
}

func TestExecuteAction_Wait(t *testing.T) {
	e := New("linux")
	ctx := context.Background()

	res := e.ExecuteAction(ctx, Action{Type: "wait", Value: "0.001s"}, false)
	assert.Equal(t, StatusOK, res.Status)
	assert.Equal(t, "waited 0.001s", res.Output)

	start := time.Now()
	res = e.ExecuteAction(ctx, Action{Type: "sleep", Value: "5 minutes"}, true)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StatusPreview, res.Status)
	assert.Equal(t, "waited 300.000s (simulated)", res.Output)

	res = e.ExecuteAction(ctx, Action{Type: "wait", Value: "soon"}, false)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Output, "invalid wait duration")
}

func TestExecuteAction_WaitInterrupted(t *testing.T) {
	e := New("linux")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	res := e.ExecuteAction(ctx, Action{Type: "wait", Value: "10s"}, false)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Output, "wait interrupted")
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		raw  string
		want time.Duration
	}{
		{"", time.Second},
		{"2", 2 * time.Second},
		{"1.5", 1500 * time.Millisecond},
		{"250ms", 250 * time.Millisecond},
		{"3 sec", 3 * time.Second},
		{"2m", 2 * time.Minute},
		{"1 MINUTE", time.Minute},
		{"10 minutes", 300 * time.Second},
		{"-4", 0},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseDuration(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseDuration("2h")
	assert.Error(t, err)
}

func TestExecuteAction_Click(t *testing.T) {
	ctx := context.Background()

	t.Run("missing coordinates", func(t *testing.T) {
		res := New("linux").ExecuteAction(ctx, Action{Type: "click", Target: "OK"}, false)
		assert.Equal(t, StatusFailed, res.Status)
		assert.Contains(t, res.Output, "coordinates")

		res = New("linux").ExecuteAction(ctx, Action{Type: "click"}, true)
		assert.Equal(t, StatusFailed, res.Status)
		assert.Contains(t, res.Output, "coordinates")
	})

	t.Run("dry run previews", func(t *testing.T) {
		var calls []recordedCommand
		e := New("linux", WithCommandRunner(fakeRunner("", nil, &calls)), WithLookPath(hasXdotool))
		res := e.ExecuteAction(ctx, Action{Type: "click", Target: "x=10 y=20"}, true)
		assert.Equal(t, StatusPreview, res.Status)
		assert.Equal(t, "click at 10,20 (preview)", res.Output)
		assert.Empty(t, calls)
	})

	t.Run("linux uses xdotool", func(t *testing.T) {
		var calls []recordedCommand
		e := New("linux", WithCommandRunner(fakeRunner("", nil, &calls)), WithLookPath(hasXdotool))
		res := e.ExecuteAction(ctx, Action{Type: "click", Target: "100, 200"}, false)
		assert.Equal(t, StatusOK, res.Status)
		require.Len(t, calls, 1)
		assert.Equal(t, recordedCommand{name: "xdotool", args: []string{"mousemove", "100", "200", "click", "1"}}, calls[0])
	})

	t.Run("linux without xdotool", func(t *testing.T) {
		e := New("linux", WithLookPath(noXdotool))
		res := e.ExecuteAction(ctx, Action{Type: "click", X: intp(1), Y: intp(2)}, false)
		assert.Equal(t, StatusFailed, res.Status)
		assert.Contains(t, res.Output, "xdotool")
	})

	t.Run("darwin uses osascript", func(t *testing.T) {
		var calls []recordedCommand
		e := New("darwin", WithCommandRunner(fakeRunner("", nil, &calls)))
		res := e.ExecuteAction(ctx, Action{Type: "click", X: intp(5), Y: intp(6)}, false)
		assert.Equal(t, StatusOK, res.Status)
		require.Len(t, calls, 1)
		assert.Equal(t, "osascript", calls[0].name)
		assert.Contains(t, calls[0].args[1], "click at {5, 6}")
	})

	t.Run("command failure", func(t *testing.T) {
		var calls []recordedCommand
		e := New("linux", WithCommandRunner(fakeRunner("cannot open display", errors.New("exit status 1"), &calls)), WithLookPath(hasXdotool))
		res := e.ExecuteAction(ctx, Action{Type: "click", Target: "1x2"}, false)
		assert.Equal(t, StatusFailed, res.Status)
		assert.Equal(t, "xdotool error: cannot open display", res.Output)
	})

	t.Run("unsupported platform", func(t *testing.T) {
		res := New("plan9").ExecuteAction(ctx, Action{Type: "click", Target: "1,2"}, false)
		assert.Equal(t, StatusFailed, res.Status)
		assert.Contains(t, res.Output, "Unsupported platform")
	})
}

func TestExecuteAction_InvalidType(t *testing.T) {
	e := New("linux")

	res := e.ExecuteAction(context.Background(), Action{}, false)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, "Action missing required field: type", res.Output)

	res = e.ExecuteAction(context.Background(), Action{Type: "run_shell", Value: "rm -rf /"}, false)
	assert.Equal(t, StatusFailed, res.Status)
	assert.True(t, strings.HasPrefix(res.Output, "Unsupported native action type 'run_shell'"))
}

func TestProbe(t *testing.T) {
	ctx := context.Background()

	p := New("plan9").Probe(ctx)
	assert.False(t, p.OK)
	assert.Contains(t, p.Error, "Unsupported platform")
	assert.Equal(t, []string{"note", "wait", "click"}, p.Capabilities)

	p = New("linux", WithLookPath(noXdotool)).Probe(ctx)
	assert.True(t, p.OK)
	assert.Contains(t, p.Output, "limited")

	var calls []recordedCommand
	p = New("darwin", WithCommandRunner(fakeRunner("ok", nil, &calls))).Probe(ctx)
	assert.True(t, p.OK)
	assert.Equal(t, "ok", p.Output)

	p = New("darwin", WithCommandRunner(fakeRunner("", errors.New("denied"), &calls))).Probe(ctx)
	assert.False(t, p.OK)
	assert.Contains(t, p.Error, "denied")
}
