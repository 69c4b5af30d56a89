package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fusiongen/internal/infra"
)

// fakeFusionBrain answers every status check with DONE. Keys listed in
// noModels get an empty model list.
type fakeFusionBrain struct {
	mu       sync.Mutex
	noModels map[string]bool
	submits  map[string]int
}

func (f *fakeFusionBrain) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.Header.Get("X-Key"), "Key ")
	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.URL.Path == "/key/api/v1/models":
		if f.noModels[key] {
			_, _ = w.Write([]byte(`[]`))
			return
		}
		_, _ = w.Write([]byte(`[{"id":4,"name":"Kandinsky"}]`))
	case r.URL.Path == "/key/api/v1/text2image/run":
		f.mu.Lock()
		f.submits[key]++
		n := f.submits[key]
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"uuid": key + "-job-" + string(rune('a'+n)), "status": "INITIAL"})
	case strings.HasPrefix(r.URL.Path, "/key/api/v1/text2image/status/"):
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "DONE",
			"images": []string{base64.StdEncoding.EncodeToString([]byte("\xff\xd8jpeg"))},
		})
	default:
		http.NotFound(w, r)
	}
}

func testConfig(t *testing.T, baseURL string, keys string) *infra.Config {
	t.Helper()
	dir := t.TempDir()
	keysFile := filepath.Join(dir, "keys.txt")
	require.NoError(t, os.WriteFile(keysFile, []byte(keys), 0o600))
	return &infra.Config{
		BaseURL:       baseURL,
		Prompt:        "courier",
		Width:         64,
		Height:        64,
		ImagesPerKey:  3,
		MaxConcurrent: 1,
		KeysFile:      keysFile,
		OutputDir:     filepath.Join(dir, "output"),
		PollAttempts:  2,
		ProgressMode:  infra.ProgressPlain,
	}
}

func TestRunGeneratesQuotaForEveryKey(t *testing.T) {
	api := &fakeFusionBrain{submits: map[string]int{}}
	srv := httptest.NewServer(api)
	defer srv.Close()

	cfg := testConfig(t, srv.URL, "AAAAAA111:s1\nBBBBBB222:s2\n")
	var out bytes.Buffer
	summary, err := run(context.Background(), cfg, zerolog.Nop(), &out)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Completed)
	entries, err := os.ReadDir(cfg.OutputDir)
	require.NoError(t, err)
	require.Len(t, entries, 6)
	name := regexp.MustCompile(`^image_\d+_(AAAAAA|BBBBBB)_[0-9a-f]{8}\.jpg$`)
	for _, e := range entries {
		assert.Regexp(t, name, e.Name())
	}

	text := out.String()
	assert.True(t, strings.HasPrefix(text, "Total images to generate: 6\n"), text)
	assert.Contains(t, text, "Progress: 6/6 (100.0%)")
}

func TestRunSkipsKeysWithoutModels(t *testing.T) {
	api := &fakeFusionBrain{submits: map[string]int{}, noModels: map[string]bool{"AAAAAA111": true}}
	srv := httptest.NewServer(api)
	defer srv.Close()

	cfg := testConfig(t, srv.URL, "AAAAAA111:s1\nBBBBBB222:s2\n")
	cfg.MaxConcurrent = 2
	summary, err := run(context.Background(), cfg, zerolog.Nop(), &bytes.Buffer{})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Completed)
	assert.Equal(t, 1, summary.StartupFailed)
	entries, err := os.ReadDir(cfg.OutputDir)
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Zero(t, api.submits["AAAAAA111"])
}

func TestRunRequiresCredentials(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1", "# empty\n")
	_, err := run(context.Background(), cfg, zerolog.Nop(), &bytes.Buffer{})
	require.Error(t, err)
}

func TestApplyFlagsOverridesOnlyChanged(t *testing.T) {
	cmd := newRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--per-key", "7", "-p", "flag prompt", "--progress", "none"}))

	cfg := &infra.Config{ImagesPerKey: 100, MaxConcurrent: 20, Prompt: "env prompt", KeysFile: "keys.txt"}
	require.NoError(t, applyFlags(cmd.Flags(), cfg))

	assert.Equal(t, 7, cfg.ImagesPerKey)
	assert.Equal(t, 20, cfg.MaxConcurrent)
	assert.Equal(t, "flag prompt", cfg.Prompt)
	assert.Equal(t, "none", cfg.ProgressMode)
	assert.Equal(t, "keys.txt", cfg.KeysFile)
}
