package fleet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mng/internal/provider"
	"mng/internal/state"
)

func testContext() AgentContext {
	ref := provider.AgentReference{
		Host: provider.HostReference{ProviderName: "local", ID: "host-1", Name: "localhost"},
		Data: state.AgentData{ID: "agent-1", Name: "alpha", Type: "tui"},
	}
	return NewAgentContext(ref, "RUNNING")
}

func TestFilterEquality(t *testing.T) {
	f, err := CompileFilter(`name == "alpha"`)
	require.NoError(t, err)
	assert.True(t, f.Eval(testContext()))

	f, err = CompileFilter(`name == "beta"`)
	require.NoError(t, err)
	assert.False(t, f.Eval(testContext()))
}

func TestFilterInequalityAndDottedFields(t *testing.T) {
	f, err := CompileFilter(`host.provider != 'modal'`)
	require.NoError(t, err)
	assert.True(t, f.Eval(testContext()))

	f, err = CompileFilter(`host.id == 'host-1'`)
	require.NoError(t, err)
	assert.True(t, f.Eval(testContext()))
}

func TestFilterBooleanOperators(t *testing.T) {
	f, err := CompileFilter(`name == "alpha" && state == "RUNNING"`)
	require.NoError(t, err)
	assert.True(t, f.Eval(testContext()))

	f, err = CompileFilter(`name == "beta" || type == "tui"`)
	require.NoError(t, err)
	assert.True(t, f.Eval(testContext()))

	f, err = CompileFilter(`!(name == "alpha") || state == "RUNNING"`)
	require.NoError(t, err)
	assert.True(t, f.Eval(testContext()))

	f, err = CompileFilter(`!(state == "RUNNING")`)
	require.NoError(t, err)
	assert.False(t, f.Eval(testContext()))
}

func TestFilterBareWordValue(t *testing.T) {
	f, err := CompileFilter(`type == tui`)
	require.NoError(t, err)
	assert.True(t, f.Eval(testContext()))
}

func TestFilterParseErrors(t *testing.T) {
	for _, src := range []string{
		``,
		`name`,
		`name ==`,
		`name == "alpha`,
		`(name == "a"`,
		`name == "a" extra`,
	} {
		_, err := CompileFilter(src)
		assert.Error(t, err, "expected parse failure for %q", src)
	}
}

func TestMatchesIncludeExcludeSemantics(t *testing.T) {
	ctx := testContext()

	include, exclude, err := CompileFilters([]string{`type == "tui"`}, []string{`name == "alpha"`})
	require.NoError(t, err)
	assert.False(t, Matches(ctx, include, exclude))

	include, exclude, err = CompileFilters([]string{`type == "tui"`}, nil)
	require.NoError(t, err)
	assert.True(t, Matches(ctx, include, exclude))

	// No include filters means everything is included.
	include, exclude, err = CompileFilters(nil, []string{`name == "beta"`})
	require.NoError(t, err)
	assert.True(t, Matches(ctx, include, exclude))
}
