package template

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"comfy-mcp/server/internal/defaults"
	"comfy-mcp/server/internal/logging"
)

func writeTemplate(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func newTestResolver(t *testing.T, dir string) *Resolver {
	t.Helper()
	r := NewResolver(dir, defaults.NewManager(nil), logging.NewLogger())
	require.NoError(t, r.Load())
	return r
}

func TestResolverLoad(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "load_image.json", `{
		"1": {"class_type": "LoadImage", "inputs": {"image": "PARAM_STR_IMAGE"}},
		"2": {"class_type": "SaveImage", "inputs": {"images": ["1", 0]}}
	}`)
	writeTemplate(t, dir, "music.json", `{
		"1": {"class_type": "EmptyAceStepLatentAudio", "inputs": {"seconds": "PARAM_INT_SECONDS"}},
		"2": {"class_type": "SaveAudio", "inputs": {"audio": ["1", 0]}}
	}`)

	r := newTestResolver(t, dir)

	defs := r.Definitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "load_image", defs[0].ToolName)
	assert.Equal(t, "music", defs[1].ToolName)

	t.Run("parameter schema", func(t *testing.T) {
		def, ok := r.Definition("load_image")
		require.True(t, ok)
		assert.Equal(t, "image", def.Namespace)

		p, ok := def.Parameters["image"]
		require.True(t, ok)
		assert.Equal(t, TypeString, p.Type)
		assert.True(t, p.Required)
		assert.Equal(t, "PARAM_STR_IMAGE", p.Token)
	})

	t.Run("namespace detection", func(t *testing.T) {
		def, ok := r.Definition("music")
		require.True(t, ok)
		assert.Equal(t, "audio", def.Namespace)
		assert.Equal(t, []string{"audio", "audios", "files"}, def.OutputPreferences)

		// "seconds" has an audio-namespace default, so it is optional.
		p := def.Parameters["seconds"]
		assert.False(t, p.Required)
		assert.Equal(t, 60, p.Default)
	})
}

func TestResolverLoadSkipsBadFiles(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "good.json", `{
		"1": {"class_type": "KSampler", "inputs": {"steps": "PARAM_INT_STEPS"}}
	}`)
	writeTemplate(t, dir, "broken.json", `{not json`)
	writeTemplate(t, dir, "no_class.json", `{"1": {"inputs": {}}}`)
	// Same logical parameter bound to two different tokens.
	writeTemplate(t, dir, "conflict.json", `{
		"1": {"class_type": "KSampler", "inputs": {"steps": "PARAM_INT_STEPS", "cfg": "PARAM_FLOAT_STEPS"}}
	}`)
	writeTemplate(t, dir, "notes.txt", `ignored`)

	r := newTestResolver(t, dir)

	defs := r.Definitions()
	require.Len(t, defs, 1)
	assert.Equal(t, "good", defs[0].ToolName)
}

func TestRenderSubstitution(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "txt2img.json", `{
		"1": {"class_type": "CLIPTextEncode", "inputs": {"text": "PARAM_STR_PROMPT"}},
		"2": {"class_type": "KSampler", "inputs": {
			"steps": "PARAM_INT_STEPS",
			"cfg": "PARAM_FLOAT_CFG",
			"positive": ["1", 0]
		}},
		"3": {"class_type": "SaveImage", "inputs": {"filename_prefix": "out_PARAM_STR_PROMPT"}}
	}`)

	r := newTestResolver(t, dir)

	graph, err := r.Render("txt2img", map[string]interface{}{
		"prompt": "a cat",
		"steps":  30,
		"cfg":    7.5,
	})
	require.NoError(t, err)

	assert.Equal(t, "a cat", graph["1"].Inputs["text"])
	assert.Equal(t, int64(30), graph["2"].Inputs["steps"])
	assert.Equal(t, 7.5, graph["2"].Inputs["cfg"])
	// Token embedded in a larger string is replaced textually.
	assert.Equal(t, "out_a cat", graph["3"].Inputs["filename_prefix"])
	// Node links pass through untouched.
	assert.Equal(t, []interface{}{"1", float64(0)}, graph["2"].Inputs["positive"])
}

func TestRenderPrefixOverlappingTokens(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "chain.json", `{
		"1": {"class_type": "CLIPTextEncode", "inputs": {
			"a": "PARAM_STR_PROMPT",
			"b": "PARAM_STR_PROMPT_B",
			"c": "pre PARAM_STR_PROMPT_B post"
		}}
	}`)

	r := newTestResolver(t, dir)

	// Parameter iteration order is not fixed, so render repeatedly to cover
	// both substitution orders.
	for i := 0; i < 20; i++ {
		graph, err := r.Render("chain", map[string]interface{}{
			"prompt":   "X",
			"prompt_b": "Y",
		})
		require.NoError(t, err)
		assert.Equal(t, "X", graph["1"].Inputs["a"])
		assert.Equal(t, "Y", graph["1"].Inputs["b"])
		assert.Equal(t, "pre Y post", graph["1"].Inputs["c"])
	}
}

func TestRenderDefaults(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "gen.json", `{
		"1": {"class_type": "KSampler", "inputs": {
			"steps": "PARAM_INT_STEPS",
			"sampler_name": "PARAM_SAMPLER_NAME"
		}}
	}`)

	r := newTestResolver(t, dir)

	graph, err := r.Render("gen", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(20), graph["1"].Inputs["steps"])
	assert.Equal(t, "euler", graph["1"].Inputs["sampler_name"])
}

func TestRenderDoesNotMutateTemplate(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "gen.json", `{
		"1": {"class_type": "CLIPTextEncode", "inputs": {"text": "PARAM_STR_PROMPT"}}
	}`)

	r := newTestResolver(t, dir)

	_, err := r.Render("gen", map[string]interface{}{"prompt": "first"})
	require.NoError(t, err)

	graph, err := r.Render("gen", map[string]interface{}{"prompt": "second"})
	require.NoError(t, err)
	assert.Equal(t, "second", graph["1"].Inputs["text"])
}

func TestRenderErrors(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "gen.json", `{
		"1": {"class_type": "CLIPTextEncode", "inputs": {"text": "PARAM_STR_PROMPT"}},
		"2": {"class_type": "KSampler", "inputs": {"steps": "PARAM_INT_STEPS"}}
	}`)
	// Malformed placeholder that is not recognized as a parameter but
	// survives into the rendered graph.
	writeTemplate(t, dir, "stale.json", `{
		"1": {"class_type": "CLIPTextEncode", "inputs": {"text": "PARAM__BROKEN"}}
	}`)

	r := newTestResolver(t, dir)

	t.Run("unknown template", func(t *testing.T) {
		_, err := r.Render("nope", nil)
		assert.ErrorIs(t, err, ErrTemplateNotFound)
	})

	t.Run("missing required parameter", func(t *testing.T) {
		_, err := r.Render("gen", map[string]interface{}{"steps": 10})
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "prompt", verr.Param)
	})

	t.Run("non-coercible value", func(t *testing.T) {
		_, err := r.Render("gen", map[string]interface{}{"prompt": "x", "steps": 2.5})
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "steps", verr.Param)
		assert.Equal(t, TypeInteger, verr.Expected)
	})

	t.Run("surviving token", func(t *testing.T) {
		_, err := r.Render("stale", nil)
		var ierr *IncompleteTemplateError
		require.ErrorAs(t, err, &ierr)
		assert.Equal(t, "PARAM__BROKEN", ierr.Token)
	})
}

func TestCoerce(t *testing.T) {
	cases := []struct {
		name    string
		in      interface{}
		typ     ParamType
		want    interface{}
		wantErr bool
	}{
		{"int to integer", 7, TypeInteger, int64(7), false},
		{"whole float to integer", float64(7), TypeInteger, int64(7), false},
		{"string to integer", "7", TypeInteger, int64(7), false},
		{"fractional float to integer", 7.5, TypeInteger, nil, true},
		{"int to float", 7, TypeFloat, float64(7), false},
		{"string to float", "7.5", TypeFloat, 7.5, false},
		{"string to bool", "true", TypeBoolean, true, false},
		{"int to bool", 1, TypeBoolean, nil, true},
		{"number to string", 42, TypeString, "42", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := coerce(tc.in, tc.typ)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestRenderUsesRuntimeDefaults(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "gen.json", `{
		"1": {"class_type": "KSampler", "inputs": {"steps": "PARAM_INT_STEPS"}}
	}`)

	dm := defaults.NewManager(map[string]map[string]interface{}{
		"image": {"steps": 12},
	})
	r := NewResolver(dir, dm, logging.NewLogger())
	require.NoError(t, r.Load())

	graph, err := r.Render("gen", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(12), graph["1"].Inputs["steps"])

	require.NoError(t, dm.Set("image", map[string]interface{}{"steps": 8}))
	graph, err = r.Render("gen", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(8), graph["1"].Inputs["steps"])

	// Call-site value still wins over every default tier.
	graph, err = r.Render("gen", map[string]interface{}{"steps": 4})
	require.NoError(t, err)
	assert.Equal(t, int64(4), graph["1"].Inputs["steps"])
}

func TestReloadReplacesTable(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "a.json", `{
		"1": {"class_type": "KSampler", "inputs": {}}
	}`)

	r := newTestResolver(t, dir)
	require.Len(t, r.Definitions(), 1)

	writeTemplate(t, dir, "b.json", `{
		"1": {"class_type": "KSampler", "inputs": {}}
	}`)
	require.NoError(t, os.Remove(filepath.Join(dir, "a.json")))
	require.NoError(t, r.Load())

	defs := r.Definitions()
	require.Len(t, defs, 1)
	assert.Equal(t, "b", defs[0].ToolName)

	_, err := r.Render("a", nil)
	assert.True(t, errors.Is(err, ErrTemplateNotFound))
}
