package hooks

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phpack/phpack/internal/logging"
	"github.com/phpack/phpack/internal/types"
)

func TestDispatchFiltersByKind(t *testing.T) {
	r := NewRegistry(logging.Discard())

	var got []Kind
	record := HandlerFunc(func(_ context.Context, ev Event) error {
		got = append(got, ev.Kind())
		return nil
	})
	require.NoError(t, r.Register("servers", record, KindServerStart, KindServerStop))

	ctx := context.Background()
	r.Dispatch(ctx, ServerStart{Port: 8001})
	r.Dispatch(ctx, ProjectImport{Project: types.Project{ID: "p"}})
	r.Dispatch(ctx, ServerStop{Port: 8001, Crashed: true})

	assert.Equal(t, []Kind{KindServerStart, KindServerStop}, got)
}

func TestDispatchCollectsErrorsAndPanics(t *testing.T) {
	r := NewRegistry(logging.Discard())
	calls := 0
	require.NoError(t, r.Register("failing", HandlerFunc(func(context.Context, Event) error {
		calls++
		return errors.New("webhook down")
	})))
	require.NoError(t, r.Register("panicking", HandlerFunc(func(context.Context, Event) error {
		calls++
		panic("boom")
	})))
	require.NoError(t, r.Register("ok", HandlerFunc(func(context.Context, Event) error {
		calls++
		return nil
	})))

	errs := r.Dispatch(context.Background(), BuildStage{Stage: types.StagePackaging})
	assert.Len(t, errs, 2)
	assert.Equal(t, 3, calls, "every handler runs despite failures")
}

func TestRegisterValidation(t *testing.T) {
	r := NewRegistry(nil)
	h := HandlerFunc(func(context.Context, Event) error { return nil })
	require.NoError(t, r.Register("a", h))
	assert.Error(t, r.Register("a", h), "duplicate names rejected")
	assert.Error(t, r.Register("b", h, Kind("on_theme_change")))

	assert.Equal(t, []string{"a"}, r.Names())
	assert.True(t, r.Unregister("a"))
	assert.Empty(t, r.Names())
}

func TestNilRegistryDispatch(t *testing.T) {
	var r *Registry
	assert.Nil(t, r.Dispatch(context.Background(), ServerStart{}))
	Dispatch(context.Background(), nil, ServerStart{})
}

func TestParseKinds(t *testing.T) {
	kinds, err := ParseKinds([]string{"on_server_start", " on_build_stage"})
	require.NoError(t, err)
	assert.Equal(t, []Kind{KindServerStart, KindBuildStage}, kinds)

	_, err = ParseKinds([]string{"on_everything"})
	assert.Error(t, err)
}

func TestCommandHandlerReceivesEnvelope(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	dir := t.TempDir()
	out := filepath.Join(dir, "event.json")
	h := &CommandHandler{Command: "sh -c 'cat > " + out + "'"}

	err := h.HandleHook(context.Background(), ServerStop{ProjectID: "p1", Port: 8002, Crashed: true})
	require.NoError(t, err)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"on_server_stop","payload":{"project_id":"p1","port":8002,"crashed":true}}`, string(data))
}

func TestCommandHandlerFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	h := &CommandHandler{Command: `sh -c "echo nope >&2; exit 3"`}
	err := h.HandleHook(context.Background(), ServerStart{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
}
