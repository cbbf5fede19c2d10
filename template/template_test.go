package template

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/durapensa/ksi/core"
)

func TestResolve_StrictMissingPathFails(t *testing.T) {
	_, err := Resolve("{{a.b}}", map[string]any{"a": map[string]any{}})
	require.Error(t, err)

	var terr *core.TemplateResolutionError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, "a.b", terr.MissingPath)
	assert.Equal(t, "{{a.b}}", terr.Template)
}

func TestResolve_StrictPresentPath(t *testing.T) {
	out, err := Resolve("{{a.b}}", map[string]any{"a": map[string]any{"b": "v"}})
	require.NoError(t, err)
	assert.Equal(t, "v", out)
}

func TestResolve_MixedTemplate(t *testing.T) {
	ctx := map[string]any{"agent": map[string]any{"id": "a-1"}, "round": 3}
	out, err := Resolve("turn for {{agent.id}} in round {{round}}", ctx)
	require.NoError(t, err)
	assert.Equal(t, "turn for a-1 in round 3", out)
}

func TestResolve_NoPartialSubstitutionOnFailure(t *testing.T) {
	out, err := Resolve("{{present}} then {{missing}}", map[string]any{"present": "x"})
	require.Error(t, err)
	assert.Empty(t, out, "strict failure must not return a partially substituted string")
}

func TestResolve_SequenceIndexing(t *testing.T) {
	ctx := map[string]any{"items": []any{map[string]any{"name": "first"}}}
	out, err := Resolve("{{items.0.name}}", ctx)
	require.NoError(t, err)
	assert.Equal(t, "first", out)
}

func TestResolveLenient_MissingBecomesEmpty(t *testing.T) {
	out := ResolveLenient("val={{nope}}", map[string]any{})
	assert.Equal(t, "val=", out)
}

func TestResolveValue_PreservesNativeTypes(t *testing.T) {
	ctx := map[string]any{"count": 3, "nested": map[string]any{"ok": true}}

	v, err := ResolveValue("{{count}}", ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, v)

	v, err = ResolveValue("{{nested}}", ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, v)

	v, err = ResolveValue("count is {{count}}", ctx)
	require.NoError(t, err)
	assert.Equal(t, "count is 3", v)
}

func TestResolveValue_MissingFailsFast(t *testing.T) {
	_, err := ResolveValue("{{data.item}}", map[string]any{"data": map[string]any{}})
	var terr *core.TemplateResolutionError
	require.True(t, errors.As(err, &terr))
}
