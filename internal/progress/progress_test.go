package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p0s/takopi/internal/engine"
	"github.com/p0s/takopi/internal/model"
)

func okPtr(v bool) *bool { return &v }

func TestNoteAction_DedupRingEvictsOldest(t *testing.T) {
	s := NewState(2)

	s.NoteAction(engine.ActionEvent{
		Action: model.Action{ID: "1", Kind: model.ActionTool, Title: "one"},
		Phase:  model.PhaseStarted,
	})
	s.NoteAction(engine.ActionEvent{
		Action: model.Action{ID: "2", Kind: model.ActionTool, Title: "two"},
		Phase:  model.PhaseStarted,
	})
	s.NoteAction(engine.ActionEvent{
		Action: model.Action{ID: "3", Kind: model.ActionTool, Title: "three"},
		Phase:  model.PhaseStarted,
	})

	lines := s.Lines()
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "two")
	assert.Contains(t, lines[1], "three")
}

func TestNoteAction_UpdateInPlaceDoesNotGrowRing(t *testing.T) {
	s := NewState(5)
	s.NoteAction(engine.ActionEvent{
		Action: model.Action{ID: "1", Kind: model.ActionTool, Title: "building"},
		Phase:  model.PhaseStarted,
	})
	s.NoteAction(engine.ActionEvent{
		Action: model.Action{ID: "1", Kind: model.ActionTool, Title: "building more"},
		Phase:  model.PhaseUpdated,
	})

	require.Len(t, s.Lines(), 1)
	assert.Contains(t, s.Lines()[0], "building more")
	assert.Contains(t, s.Lines()[0], StatusUpdated)
}

func TestNoteAction_CompletedMarksEntryTerminal(t *testing.T) {
	s := NewState(5)
	s.NoteAction(engine.ActionEvent{
		Action: model.Action{ID: "1", Kind: model.ActionCommand, Title: "ls"},
		Phase:  model.PhaseStarted,
	})
	s.NoteAction(engine.ActionEvent{
		Action: model.Action{ID: "1", Kind: model.ActionCommand, Title: "ls"},
		Phase:  model.PhaseCompleted,
		OK:     okPtr(true),
	})
	require.Len(t, s.Lines(), 1)
	assert.Contains(t, s.Lines()[0], StatusCompletedOK)

	// A second action with a new id after completion appends rather than
	// overwriting the now-terminal entry.
	s.NoteAction(engine.ActionEvent{
		Action: model.Action{ID: "2", Kind: model.ActionCommand, Title: "pwd"},
		Phase:  model.PhaseStarted,
	})
	require.Len(t, s.Lines(), 2)
}

func TestNoteAction_FailedExitCodeRendersBadStatus(t *testing.T) {
	s := NewState(5)
	s.NoteAction(engine.ActionEvent{
		Action: model.Action{
			ID:     "1",
			Kind:   model.ActionCommand,
			Title:  "make test",
			Detail: map[string]any{"exit_code": 1},
		},
		Phase: model.PhaseCompleted,
	})
	assert.Contains(t, s.Lines()[0], StatusCompletedBad)
	assert.Contains(t, s.Lines()[0], "exit 1")
}

func TestNoteAction_TurnKindNeverEntersRing(t *testing.T) {
	s := NewState(5)
	s.NoteAction(engine.ActionEvent{
		Action: model.Action{ID: "1", Kind: model.ActionTurn, Title: "turn"},
		Phase:  model.PhaseStarted,
	})
	assert.Empty(t, s.Lines())
	assert.Equal(t, 0, s.StepCount())
}

func TestStepCount_CountsDistinctActionsNotEvents(t *testing.T) {
	s := NewState(5)
	s.NoteAction(engine.ActionEvent{
		Action: model.Action{ID: "1", Kind: model.ActionTool, Title: "x"},
		Phase:  model.PhaseStarted,
	})
	s.NoteAction(engine.ActionEvent{
		Action: model.Action{ID: "1", Kind: model.ActionTool, Title: "x"},
		Phase:  model.PhaseUpdated,
	})
	s.NoteAction(engine.ActionEvent{
		Action: model.Action{ID: "1", Kind: model.ActionTool, Title: "x"},
		Phase:  model.PhaseCompleted,
		OK:     okPtr(true),
	})
	assert.Equal(t, 1, s.StepCount())
}

func TestFormatElapsed(t *testing.T) {
	assert.Equal(t, "3s", FormatElapsed(3*time.Second))
	assert.Equal(t, "2m 05s", FormatElapsed(2*time.Minute+5*time.Second))
	assert.Equal(t, "1h 02m", FormatElapsed(time.Hour+2*time.Minute))
}

func TestIsCancelledLabel(t *testing.T) {
	assert.True(t, IsCancelledLabel("cancelled · 12s\n\nsome body"))
	assert.False(t, IsCancelledLabel("done · 12s\n\nsome body"))
}

func TestFormatter_RenderProgressIncludesResumeLine(t *testing.T) {
	s := NewState(5)
	s.Resume = &model.ResumeToken{Value: "abc", Engine: "codex"}
	f := Formatter{ResumeLine: func(tok model.ResumeToken) string {
		return "resume: " + tok.Value
	}}
	out := f.RenderProgress(s, 5*time.Second, "running")
	assert.Contains(t, out, "running")
	assert.Contains(t, out, "resume: abc")
}

func TestFormatter_RenderFinalOmitsEmptyAnswer(t *testing.T) {
	s := NewState(5)
	f := Formatter{}
	out := f.RenderFinal(s, time.Second, "   ", "done")
	assert.NotContains(t, out, "\n\n")
}

func TestFormatActionTitle_FileChangeSummarizesAndCaps(t *testing.T) {
	a := model.Action{
		Kind: model.ActionFileChange,
		Detail: map[string]any{
			"changes": []map[string]any{
				{"path": "a.go", "kind": "add"},
				{"path": "b.go", "kind": "update"},
				{"path": "c.go", "kind": "delete"},
				{"path": "d.go", "kind": "add"},
			},
		},
	}
	title := formatActionTitle(a, 300)
	assert.Contains(t, title, "added `a.go`")
	assert.Contains(t, title, "(1 more)")
}
