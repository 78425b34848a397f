package ml

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"cvd-risk/internal/common"
	"cvd-risk/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var weights = []byte("not really an onnx graph")

func weightsServer(t *testing.T, hits *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		if r.URL.Path != "/cimt_reg.onnx" {
			http.NotFound(w, r)
			return
		}
		w.Write(weights)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func cimtDescriptor(path, url string) Descriptor {
	return Descriptor{Name: common.ModelCIMT, Path: path, URL: url, Format: FormatONNX, Architecture: Architectures[common.ModelCIMT]}
}

func TestSource_DownloadsMissingFile(t *testing.T) {
	var hits int32
	srv := weightsServer(t, &hits)
	dir := t.TempDir()

	store, err := storage.New(dir)
	require.NoError(t, err)
	defer store.Close()
	m := &MockMetrics{}

	path := filepath.Join(dir, "nested", "cimt_reg.onnx")
	d := cimtDescriptor(path, srv.URL+"/cimt_reg.onnx")
	d.SHA256 = digest(weights)

	got, err := NewSource(5*time.Second, store, m).EnsureFile(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, path, got)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, weights, data)
	_, err = os.Stat(path + ".part")
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, int64(len(weights)), m.DownloadBytes(common.ModelCIMT))

	rec, found, err := store.LatestArtifact(common.ModelCIMT)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, storage.SourceDownload, rec.Source)
	assert.Equal(t, d.SHA256, rec.SHA256)
	assert.Equal(t, d.URL, rec.URL)
}

func TestSource_UsesCachedFile(t *testing.T) {
	var hits int32
	srv := weightsServer(t, &hits)
	path := filepath.Join(t.TempDir(), "cimt_reg.onnx")
	require.NoError(t, os.WriteFile(path, weights, 0o644))

	got, err := NewSource(time.Second, nil, nil).EnsureFile(context.Background(), cimtDescriptor(path, srv.URL+"/cimt_reg.onnx"))
	require.NoError(t, err)
	assert.Equal(t, path, got)
	assert.Equal(t, int32(0), atomic.LoadInt32(&hits))
}

func TestSource_CachedFileChecksumMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cimt_reg.onnx")
	require.NoError(t, os.WriteFile(path, []byte("tampered"), 0o644))

	d := cimtDescriptor(path, "")
	d.SHA256 = digest(weights)
	_, err := NewSource(time.Second, nil, nil).EnsureFile(context.Background(), d)
	assert.Equal(t, KindModelAcquisition, KindOf(err))

	// the file is left for the operator to inspect
	_, statErr := os.Stat(path)
	assert.NoError(t, statErr)
}

func TestSource_NotConfigured(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cimt_reg.onnx")
	_, err := NewSource(time.Second, nil, nil).EnsureFile(context.Background(), cimtDescriptor(path, ""))
	require.Error(t, err)
	assert.Equal(t, KindModelNotConfigured, KindOf(err))
	assert.Contains(t, err.Error(), "CIMT_MODEL_URL")
}

func TestSource_HTTPErrorLeavesNoFile(t *testing.T) {
	var hits int32
	srv := weightsServer(t, &hits)
	path := filepath.Join(t.TempDir(), "cimt_reg.onnx")

	_, err := NewSource(time.Second, nil, nil).EnsureFile(context.Background(), cimtDescriptor(path, srv.URL+"/missing.onnx"))
	require.Error(t, err)
	assert.Equal(t, KindModelAcquisition, KindOf(err))

	for _, p := range []string{path, path + ".part"} {
		_, statErr := os.Stat(p)
		assert.True(t, os.IsNotExist(statErr), p)
	}
}

func TestSource_DownloadChecksumMismatch(t *testing.T) {
	var hits int32
	srv := weightsServer(t, &hits)
	path := filepath.Join(t.TempDir(), "cimt_reg.onnx")

	d := cimtDescriptor(path, srv.URL+"/cimt_reg.onnx")
	d.SHA256 = digest([]byte("something else"))
	_, err := NewSource(time.Second, nil, nil).EnsureFile(context.Background(), d)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sha256 mismatch")

	for _, p := range []string{path, path + ".part"} {
		_, statErr := os.Stat(p)
		assert.True(t, os.IsNotExist(statErr), p)
	}
}
