package ml

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cvd-risk/internal/storage"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

// ArtifactRecorder persists acquisition records.
type ArtifactRecorder interface {
	RecordArtifact(rec storage.ArtifactRecord) error
}

// DownloadMetrics receives download volume.
type DownloadMetrics interface {
	DownloadBytesAdd(model string, n int64)
}

// Source makes sure a model's weight file is present on local disk,
// downloading it from the descriptor's URL when missing.
type Source struct {
	client  *resty.Client
	catalog ArtifactRecorder
	metrics DownloadMetrics
}

// NewSource creates a source whose downloads time out after timeout.
// catalog and metrics may be nil.
func NewSource(timeout time.Duration, catalog ArtifactRecorder, metrics DownloadMetrics) *Source {
	r := resty.New()
	if timeout > 0 {
		r.SetTimeout(timeout)
	} else {
		r.SetTimeout(10 * time.Minute) // default fallback
	}
	r.SetHeader("User-Agent", "cvd-risk-model-fetcher")
	return &Source{client: r, catalog: catalog, metrics: metrics}
}

// EnsureFile returns the local path of the descriptor's weight file.
func (s *Source) EnsureFile(ctx context.Context, d Descriptor) (string, error) {
	if info, err := os.Stat(d.Path); err == nil && info.Mode().IsRegular() {
		digest := ""
		if d.SHA256 != "" {
			digest, err = fileSHA256(d.Path)
			if err != nil {
				return "", newError(KindModelAcquisition, d.Name, "hash cached file", err)
			}
			if digest != d.SHA256 {
				return "", Errorf(KindModelAcquisition, d.Name, "cached file %s has sha256 %s, want %s", d.Path, digest, d.SHA256)
			}
		}
		s.record(storage.ArtifactRecord{
			Model: d.Name, Path: d.Path, Source: storage.SourceCache, Size: info.Size(), SHA256: digest,
		})
		return d.Path, nil
	}

	if d.URL == "" {
		return "", Errorf(KindModelNotConfigured, d.Name,
			"weight file %s is missing and no URL is configured; set %s_MODEL_URL or mount the file",
			d.Path, strings.ToUpper(d.Name))
	}

	if err := s.download(ctx, d); err != nil {
		return "", newError(KindModelAcquisition, d.Name, "download "+d.URL, err)
	}
	return d.Path, nil
}

func (s *Source) download(ctx context.Context, d Descriptor) error {
	if dir := filepath.Dir(d.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create model directory: %w", err)
		}
	}

	partial := d.Path + ".part"
	start := time.Now()
	log.Info().Str("model", d.Name).Str("url", d.URL).Str("path", d.Path).Msg("Downloading model weights")

	resp, err := s.client.R().
		SetContext(ctx).
		SetOutput(partial).
		Get(d.URL)
	if err != nil {
		os.Remove(partial)
		return err
	}
	if resp.IsError() {
		os.Remove(partial)
		return fmt.Errorf("unexpected status %s", resp.Status())
	}

	info, err := os.Stat(partial)
	if err != nil {
		return fmt.Errorf("stat partial download: %w", err)
	}
	digest, err := fileSHA256(partial)
	if err != nil {
		os.Remove(partial)
		return fmt.Errorf("hash download: %w", err)
	}
	if d.SHA256 != "" && digest != d.SHA256 {
		os.Remove(partial)
		return fmt.Errorf("sha256 mismatch: got %s, want %s", digest, d.SHA256)
	}
	if err := os.Rename(partial, d.Path); err != nil {
		os.Remove(partial)
		return fmt.Errorf("move download into place: %w", err)
	}

	if s.metrics != nil {
		s.metrics.DownloadBytesAdd(d.Name, info.Size())
	}
	s.record(storage.ArtifactRecord{
		Model: d.Name, Path: d.Path, URL: d.URL, Source: storage.SourceDownload, Size: info.Size(), SHA256: digest,
	})

	log.Info().
		Str("model", d.Name).
		Int64("bytes", info.Size()).
		Dur("duration", time.Since(start)).
		Msg("Downloaded model weights")
	return nil
}

func (s *Source) record(rec storage.ArtifactRecord) {
	if s.catalog == nil {
		return
	}
	if err := s.catalog.RecordArtifact(rec); err != nil {
		log.Warn().Err(err).Str("model", rec.Model).Msg("Failed to record artifact")
	}
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
