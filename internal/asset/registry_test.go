package asset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"comfy-mcp/server/internal/logging"
)

// fakeTransfer counts namespace bridge calls and can be forced to fail.
type fakeTransfer struct {
	fetches   int
	uploads   int
	fetchErr  error
	uploadErr error
}

func (f *fakeTransfer) FetchOutput(ctx context.Context, filename, subfolder, folderType string) ([]byte, error) {
	f.fetches++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return []byte("bytes of " + filename), nil
}

func (f *fakeTransfer) UploadInput(ctx context.Context, filename string, data []byte, mimeType string, overwrite bool) (string, error) {
	f.uploads++
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	return "uploaded_" + filename, nil
}

func newTestRegistry(t *testing.T, ttl time.Duration, transfer Transfer) *Registry {
	t.Helper()
	if transfer == nil {
		transfer = &fakeTransfer{}
	}
	return NewRegistry(ttl, 0, transfer, logging.NewLogger())
}

func TestRegister(t *testing.T) {
	r := newTestRegistry(t, time.Hour, nil)

	rec := r.Register(Record{
		Filename:   "out_00001.png",
		Subfolder:  "renders",
		Namespace:  "output",
		MimeType:   "image/png",
		TemplateID: "txt2img",
		JobID:      "job-1",
	}, 0)

	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, CategoryImage, rec.Category)
	assert.WithinDuration(t, time.Now().Add(time.Hour), rec.ExpiresAt, time.Minute)

	got, ok := r.Get(rec.ID)
	require.True(t, ok)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, 1, r.Count())
}

func TestRegisterDeduplicatesIdentity(t *testing.T) {
	r := newTestRegistry(t, time.Hour, nil)

	first := r.Register(Record{
		Filename:  "out.png",
		Namespace: "output",
		MimeType:  "image/png",
		Metadata:  map[string]interface{}{"seed": 1},
	}, 0)
	second := r.Register(Record{
		Filename:  "out.png",
		Namespace: "output",
		MimeType:  "image/png",
		Metadata:  map[string]interface{}{"run": 2},
	}, 0)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, r.Count())
	// Metadata from the re-registration is merged in.
	assert.Equal(t, 1, second.Metadata["seed"])
	assert.Equal(t, 2, second.Metadata["run"])

	// A different namespace is a different physical artifact.
	third := r.Register(Record{Filename: "out.png", Namespace: "input", MimeType: "image/png"}, 0)
	assert.NotEqual(t, first.ID, third.ID)

	// The merge is visible through a fresh lookup.
	stored, ok := r.Get(first.ID)
	require.True(t, ok)
	assert.Equal(t, 1, stored.Metadata["seed"])
	assert.Equal(t, 2, stored.Metadata["run"])
}

func TestRecordsAreSnapshots(t *testing.T) {
	r := newTestRegistry(t, time.Hour, nil)

	rec := r.Register(Record{
		Filename:  "out.png",
		Namespace: "output",
		MimeType:  "image/png",
		Metadata:  map[string]interface{}{"seed": 1},
	}, 0)

	// Mutating a returned record never leaks into the registry.
	rec.Filename = "tampered.png"
	rec.Metadata["seed"] = 99

	got, ok := r.Get(rec.ID)
	require.True(t, ok)
	assert.Equal(t, "out.png", got.Filename)
	assert.Equal(t, 1, got.Metadata["seed"])

	got.Metadata["seed"] = 42
	again, ok := r.Get(rec.ID)
	require.True(t, ok)
	assert.Equal(t, 1, again.Metadata["seed"])
}

func TestConcurrentReadsAndMerges(t *testing.T) {
	r := newTestRegistry(t, time.Hour, nil)

	seed := r.Register(Record{
		Filename:  "out.png",
		Namespace: "output",
		MimeType:  "image/png",
		Metadata:  map[string]interface{}{"n": 0},
	}, 0)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			r.Register(Record{
				Filename:  "out.png",
				Namespace: "output",
				MimeType:  "image/png",
				Metadata:  map[string]interface{}{"n": i},
			}, 0)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			if rec, ok := r.Get(seed.ID); ok {
				_, err := json.Marshal(rec)
				assert.NoError(t, err)
			}
			r.List(0, "")
		}
	}()
	wg.Wait()
}

func TestExpiry(t *testing.T) {
	r := newTestRegistry(t, 30*time.Millisecond, nil)

	rec := r.Register(Record{Filename: "x.png", Namespace: "output", MimeType: "image/png"}, 0)
	_, ok := r.Get(rec.ID)
	require.True(t, ok)

	time.Sleep(60 * time.Millisecond)

	_, ok = r.Get(rec.ID)
	assert.False(t, ok)

	_, err := r.ResolveForChaining(context.Background(), rec.ID)
	assert.ErrorIs(t, err, ErrAssetNotFound)

	// An expired identity does not block re-registration under a new id.
	again := r.Register(Record{Filename: "x.png", Namespace: "output", MimeType: "image/png"}, time.Hour)
	assert.NotEqual(t, rec.ID, again.ID)
}

func TestList(t *testing.T) {
	r := newTestRegistry(t, time.Hour, nil)

	for i := 0; i < 3; i++ {
		r.Register(Record{
			Filename:   fmt.Sprintf("out_%d.png", i),
			Namespace:  "output",
			MimeType:   "image/png",
			TemplateID: "txt2img",
		}, 0)
		time.Sleep(2 * time.Millisecond)
	}
	r.Register(Record{Filename: "clip.mp4", Namespace: "output", MimeType: "video/mp4", TemplateID: "txt2vid"}, 0)

	all := r.List(0, "")
	require.Len(t, all, 4)
	assert.Equal(t, "clip.mp4", all[0].Filename)

	images := r.List(0, "txt2img")
	assert.Len(t, images, 3)

	limited := r.List(2, "")
	assert.Len(t, limited, 2)
}

func TestResolveForChaining(t *testing.T) {
	t.Run("output media is bridged", func(t *testing.T) {
		ft := &fakeTransfer{}
		r := newTestRegistry(t, time.Hour, ft)
		rec := r.Register(Record{Filename: "out.png", Subfolder: "sub", Namespace: "output", MimeType: "image/png"}, 0)

		name, err := r.ResolveForChaining(context.Background(), rec.ID)
		require.NoError(t, err)
		assert.Equal(t, "uploaded_out.png", name)
		assert.Equal(t, 1, ft.fetches)
		assert.Equal(t, 1, ft.uploads)
	})

	t.Run("input namespace passes through", func(t *testing.T) {
		ft := &fakeTransfer{}
		r := newTestRegistry(t, time.Hour, ft)
		rec := r.Register(Record{Filename: "ref.png", Namespace: "input", MimeType: "image/png"}, 0)

		name, err := r.ResolveForChaining(context.Background(), rec.ID)
		require.NoError(t, err)
		assert.Equal(t, "ref.png", name)
		assert.Zero(t, ft.fetches)
		assert.Zero(t, ft.uploads)
	})

	t.Run("mesh passes through", func(t *testing.T) {
		ft := &fakeTransfer{}
		r := newTestRegistry(t, time.Hour, ft)
		rec := r.Register(Record{Filename: "model.glb", Namespace: "output", MimeType: "model/gltf-binary"}, 0)

		name, err := r.ResolveForChaining(context.Background(), rec.ID)
		require.NoError(t, err)
		assert.Equal(t, "model.glb", name)
		assert.Zero(t, ft.fetches)
	})

	t.Run("transfer failure keeps the record", func(t *testing.T) {
		ft := &fakeTransfer{fetchErr: errors.New("backend down")}
		r := newTestRegistry(t, time.Hour, ft)
		rec := r.Register(Record{Filename: "out.png", Namespace: "output", MimeType: "image/png"}, 0)

		_, err := r.ResolveForChaining(context.Background(), rec.ID)
		var rerr *ResolutionError
		require.ErrorAs(t, err, &rerr)
		assert.Equal(t, rec.ID, rerr.AssetID)

		// Retry succeeds once the backend recovers.
		ft.fetchErr = nil
		name, err := r.ResolveForChaining(context.Background(), rec.ID)
		require.NoError(t, err)
		assert.Equal(t, "uploaded_out.png", name)
	})

	t.Run("unknown id", func(t *testing.T) {
		r := newTestRegistry(t, time.Hour, nil)
		_, err := r.ResolveForChaining(context.Background(), "nope")
		assert.ErrorIs(t, err, ErrAssetNotFound)
	})
}

func TestClassify(t *testing.T) {
	assert.Equal(t, CategoryImage, Classify("image/png"))
	assert.Equal(t, CategoryVideo, Classify("video/mp4"))
	assert.Equal(t, CategoryAudio, Classify("audio/flac"))
	assert.Equal(t, CategoryMesh, Classify("model/gltf-binary"))
	assert.Equal(t, CategoryOther, Classify("application/octet-stream"))
}
