package comfy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"comfy-mcp/server/internal/logging"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, 5*time.Second, 5*time.Second, logging.NewLogger()), srv
}

func TestQueuePrompt(t *testing.T) {
	var gotBody map[string]interface{}
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/prompt", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		fmt.Fprint(w, `{"prompt_id": "p-123"}`)
	}))

	graph := map[string]interface{}{
		"1": map[string]interface{}{"class_type": "KSampler", "inputs": map[string]interface{}{}},
	}
	id, err := client.QueuePrompt(context.Background(), graph)
	require.NoError(t, err)
	assert.Equal(t, "p-123", id)
	assert.NotEmpty(t, gotBody["client_id"])
	assert.Contains(t, gotBody, "prompt")
}

func TestQueuePromptErrors(t *testing.T) {
	t.Run("backend rejects graph", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
		}))
		_, err := client.QueuePrompt(context.Background(), map[string]interface{}{})
		assert.Error(t, err)
	})

	t.Run("missing prompt_id", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{}`)
		}))
		_, err := client.QueuePrompt(context.Background(), map[string]interface{}{})
		assert.Error(t, err)
	})
}

func TestWaitForOutputs(t *testing.T) {
	var mu sync.Mutex
	polls := 0
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/history/p-1", r.URL.Path)
		mu.Lock()
		polls++
		ready := polls >= 3
		mu.Unlock()
		if !ready {
			fmt.Fprint(w, `{}`)
			return
		}
		fmt.Fprint(w, `{"p-1": {"outputs": {"9": {"images": [{"filename": "out.png", "subfolder": "", "type": "output"}]}}}}`)
	}))

	outputs, err := client.WaitForOutputs(context.Background(), "p-1", 10*time.Millisecond)
	require.NoError(t, err)
	require.Contains(t, outputs, "9")

	mu.Lock()
	assert.GreaterOrEqual(t, polls, 3)
	mu.Unlock()
}

func TestWaitForOutputsTimeout(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.WaitForOutputs(ctx, "p-1", 10*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExtractFirstAsset(t *testing.T) {
	outputs := map[string]map[string]json.RawMessage{
		"9": {
			"images": json.RawMessage(`[{"filename": "a.png", "subfolder": "s", "type": "output"}]`),
			"files":  json.RawMessage(`[{"filename": "a.json", "subfolder": "", "type": "output"}]`),
		},
	}

	t.Run("honors preference order", func(t *testing.T) {
		asset, slot, ok := ExtractFirstAsset(outputs, []string{"gifs", "images", "files"})
		require.True(t, ok)
		assert.Equal(t, "a.png", asset.Filename)
		assert.Equal(t, "s", asset.Subfolder)
		assert.Equal(t, "images", slot)
	})

	t.Run("falls through to later slots", func(t *testing.T) {
		asset, slot, ok := ExtractFirstAsset(outputs, []string{"audio", "files"})
		require.True(t, ok)
		assert.Equal(t, "a.json", asset.Filename)
		assert.Equal(t, "files", slot)
	})

	t.Run("nothing usable", func(t *testing.T) {
		_, _, ok := ExtractFirstAsset(outputs, []string{"audio"})
		assert.False(t, ok)
	})
}

func TestFetchOutput(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/view", r.URL.Path)
		assert.Equal(t, "out.png", r.URL.Query().Get("filename"))
		assert.Equal(t, "renders", r.URL.Query().Get("subfolder"))
		assert.Equal(t, "output", r.URL.Query().Get("type"))
		w.Write([]byte("pngbytes"))
	}))

	data, err := client.FetchOutput(context.Background(), "out.png", "renders", "output")
	require.NoError(t, err)
	assert.Equal(t, []byte("pngbytes"), data)
}

func TestUploadInput(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/upload/image", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))

		assert.Equal(t, "true", r.FormValue("overwrite"))

		file, header, err := r.FormFile("image")
		require.NoError(t, err)
		defer file.Close()
		assert.Equal(t, "out.png", header.Filename)

		fmt.Fprint(w, `{"name": "out (1).png"}`)
	}))

	name, err := client.UploadInput(context.Background(), "out.png", []byte("pngbytes"), "image/png", true)
	require.NoError(t, err)
	assert.Equal(t, "out (1).png", name)
}

func TestUploadInputNameFallback(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	}))

	name, err := client.UploadInput(context.Background(), "out.png", []byte("x"), "image/png", true)
	require.NoError(t, err)
	assert.Equal(t, "out.png", name)
}

func TestSystemStats(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/system_stats", r.URL.Path)
		fmt.Fprint(w, `{"system": {"comfyui_version": "0.3.0"}}`)
	}))

	stats, err := client.SystemStats(context.Background())
	require.NoError(t, err)
	assert.Contains(t, stats, "system")
}
