package commands

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister_RejectsCollisionWithEngineID(t *testing.T) {
	r := NewRegistry([]string{"codex"}, nil)
	err := r.Register(Plugin{ID: "codex", Handler: func(context.Context, Executor, string) error { return nil }})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reserved")
}

func TestRegister_RejectsCollisionWithProjectAlias(t *testing.T) {
	r := NewRegistry(nil, []string{"myproj"})
	err := r.Register(Plugin{ID: "myproj", Handler: func(context.Context, Executor, string) error { return nil }})
	require.Error(t, err)
}

func TestRegister_RejectsDuplicate(t *testing.T) {
	r := NewRegistry(nil, nil)
	h := func(context.Context, Executor, string) error { return nil }
	require.NoError(t, r.Register(Plugin{ID: "review", Handler: h}))
	err := r.Register(Plugin{ID: "review", Handler: h})
	require.Error(t, err)
}

func TestBuildMenu_PrecedenceAndDedup(t *testing.T) {
	r := NewRegistry([]string{"codex", "claude"}, []string{"myproj"})
	require.NoError(t, r.Register(Plugin{ID: "review", Description: "run review"}))

	menu := r.BuildMenu()
	commandsOnly := make([]string, len(menu))
	for i, e := range menu {
		commandsOnly[i] = e.Command
	}

	assert.Equal(t, []string{"codex", "claude", "myproj", "review", "file", "cancel"}, commandsOnly)
}

func TestBuildMenu_CapsAtMaxAndKeepsCancel(t *testing.T) {
	engines := make([]string, 0, 150)
	for i := 0; i < 150; i++ {
		engines = append(engines, "engine"+itoa(i))
	}
	r := NewRegistry(engines, nil)

	menu := r.BuildMenu()
	require.Len(t, menu, MaxBotCommands)
	assert.Equal(t, "cancel", menu[len(menu)-1].Command)
}

func TestBuildMenu_SkipsInvalidProjectAlias(t *testing.T) {
	r := NewRegistry(nil, []string{"My Project!"})
	menu := r.BuildMenu()
	for _, e := range menu {
		assert.NotEqual(t, "my project!", e.Command)
	}
}

func TestDispatch_InvokesRegisteredHandler(t *testing.T) {
	r := NewRegistry(nil, nil)
	var gotArgs string
	require.NoError(t, r.Register(Plugin{
		ID: "review",
		Handler: func(ctx context.Context, exec Executor, argsText string) error {
			gotArgs = argsText
			return nil
		},
	}))

	err := r.Dispatch(context.Background(), nil, "review", "please check this")
	require.NoError(t, err)
	assert.Equal(t, "please check this", gotArgs)
}

func TestDispatch_UnknownCommandErrors(t *testing.T) {
	r := NewRegistry(nil, nil)
	err := r.Dispatch(context.Background(), nil, "nope", "")
	require.Error(t, err)
}

func TestIsValidID(t *testing.T) {
	assert.True(t, isValidID("review"))
	assert.True(t, isValidID("my-cmd_2"))
	assert.False(t, isValidID(""))
	assert.False(t, isValidID("My Cmd"))
	assert.False(t, isValidID(strings.Repeat("a", 33)))
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}
