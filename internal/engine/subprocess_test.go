package engine

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p0s/takopi/internal/model"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("process runner tests assume a POSIX shell")
	}
}

func TestProcessRunner_AvailableReportsMissingExecutable(t *testing.T) {
	r := NewProcessRunner(ProcessConfig{ID: "ghost", Command: "takopi-does-not-exist-xyz"})
	ok, reason := r.Available()
	assert.False(t, ok)
	assert.Contains(t, reason, "not found")
}

func TestProcessRunner_IsResumeLineAndFormatResume(t *testing.T) {
	r := NewProcessRunner(ProcessConfig{ID: "codex", ResumePrefix: "resume: "})
	assert.True(t, r.IsResumeLine("resume: abc123"))
	assert.False(t, r.IsResumeLine("not a resume line"))
	assert.Equal(t, "resume: abc123", r.FormatResume(model.ResumeToken{Value: "abc123", Engine: "codex"}))
}

func TestProcessRunner_RunStreamsWireEvents(t *testing.T) {
	skipOnWindows(t)
	script := `cat >/dev/null
echo '{"started":{"title":"hi","resume":"tok-1"}}'
echo '{"action":{"id":"a1","kind":"tool","title":"ls","phase":"completed","ok":true}}'
echo 'not json, should be dropped as unknown'
echo '{"turn_end":{"answer":"done","status":"done"}}'
`
	r := NewProcessRunner(ProcessConfig{ID: "codex", Command: "sh", Args: []string{"-c", script}})

	handle, err := r.Run(context.Background(), "hello", nil, t.TempDir())
	require.NoError(t, err)

	var sawStarted, sawAction, sawUnknown, sawTurnEnd bool
	timeout := time.After(5 * time.Second)
	for !sawTurnEnd {
		select {
		case ev, ok := <-handle.Events():
			if !ok {
				t.Fatal("events closed before turn_end observed")
			}
			switch {
			case ev.Started != nil:
				sawStarted = true
				require.NotNil(t, ev.Started.Resume)
				assert.Equal(t, "tok-1", ev.Started.Resume.Value)
			case ev.Action != nil:
				sawAction = true
			case ev.Unknown != nil:
				sawUnknown = true
			case ev.TurnEnd != nil:
				sawTurnEnd = true
				assert.Equal(t, "done", ev.TurnEnd.Status)
			}
		case <-timeout:
			t.Fatal("timed out waiting for engine events")
		}
	}

	require.NoError(t, handle.Wait())
	assert.True(t, sawStarted)
	assert.True(t, sawAction)
	assert.True(t, sawUnknown)
}
