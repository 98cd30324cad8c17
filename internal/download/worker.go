// Package download fetches source media through time-bounded signed URLs,
// verifies it, and lands it in the working bucket.
package download

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/johnezell/ai-transcription-microservice-sub007/internal/config"
	"github.com/johnezell/ai-transcription-microservice-sub007/internal/observability"
	"github.com/johnezell/ai-transcription-microservice-sub007/internal/pipeline"
	"github.com/johnezell/ai-transcription-microservice-sub007/internal/retrypolicy"
	"github.com/johnezell/ai-transcription-microservice-sub007/internal/storage"
)

// Outcome reports how a fetch resolved.
type Outcome string

const (
	OutcomeDownloaded Outcome = "downloaded"
	OutcomeSkipped    Outcome = "skipped"
)

// Result describes a completed fetch.
type Result struct {
	Outcome Outcome
	Bytes   int64
	Format  containerFormat
}

// HTTPClient is the transport used to fetch signed URLs. Narrowed for tests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Worker fetches one media artifact per call.
type Worker struct {
	store      storage.ObjectStorage
	httpClient HTTPClient
	cfg        *config.DownloadConfig
	storageCfg *config.StorageConfig
	logger     observability.Logger
	metrics    observability.Metrics
}

// NewWorker creates a download worker.
func NewWorker(store storage.ObjectStorage, httpClient HTTPClient, cfg *config.Config, logger observability.Logger, metrics observability.Metrics) *Worker {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.HTTP.Timeout}
	}
	return &Worker{
		store:      store,
		httpClient: httpClient,
		cfg:        &cfg.Download,
		storageCfg: &cfg.Storage,
		logger:     logger,
		metrics:    metrics,
	}
}

// Fetch downloads the job's source media into the working bucket.
//
// If the destination already holds a plausible artifact the fetch is skipped
// without any network call. Otherwise a fresh signed URL is generated at
// execution time, since queue wait can outlast URL expiry, and the response
// is streamed to storage without buffering the full payload. Transient
// failures are retried against the configured backoff schedule; faults that
// are not declared HTTP failures are bounded by the same attempt budget but
// tracked separately.
func (w *Worker) Fetch(ctx context.Context, job *pipeline.Job) (*Result, error) {
	log := w.logger.WithFields(map[string]interface{}{
		"job_id":     job.ID,
		"source_key": job.SourceKey,
		"media_key":  job.MediaKey,
	})

	w.metrics.StartOperation("download")
	defer w.metrics.EndOperation("download")
	start := time.Now()
	defer func() {
		w.metrics.RecordDuration("download", time.Since(start).Seconds())
	}()

	// Idempotent skip: a prior attempt may already have landed the file.
	size, err := w.store.Size(ctx, w.storageCfg.MediaBucket, job.MediaKey)
	if err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
		return nil, fmt.Errorf("check destination: %w", err)
	}
	if err == nil && size > w.cfg.MinValidSize {
		log.Info("destination already present, skipping download", "size_bytes", size)
		w.metrics.RecordSuccess("download_skipped")
		return &Result{Outcome: OutcomeSkipped, Bytes: size}, nil
	}

	exists, err := w.store.Exists(ctx, w.storageCfg.SourceBucket, job.SourceKey)
	if err != nil {
		return nil, fmt.Errorf("check source: %w", err)
	}
	if !exists {
		w.metrics.RecordError("download", "source_not_found")
		return nil, pipeline.NewNotFoundError(
			fmt.Sprintf("source media %s not found in %s", job.SourceKey, w.storageCfg.SourceBucket))
	}

	var result *Result
	faultCount := 0

	operation := func() error {
		res, err := w.fetchOnce(ctx, job, log)
		if err == nil {
			result = res
			return nil
		}

		if !pipeline.Retryable(err) {
			return backoff.Permanent(err)
		}

		// Faults outside the declared HTTP taxonomy get their own counter
		// and the same bound, so a broken environment cannot retry forever.
		if pipeline.CodeOf(err) == "" {
			faultCount++
			w.metrics.RecordError("download", "unexpected_fault")
			if faultCount >= w.cfg.Tries {
				return backoff.Permanent(err)
			}
		}

		log.Warn("download attempt failed, will retry", "error", err)
		return err
	}

	err = backoff.Retry(operation, backoff.WithContext(retrypolicy.NewSchedule(w.cfg.Backoff, w.cfg.Tries-1), ctx))
	if err != nil {
		w.metrics.RecordError("download", pipeline.CodeOf(err))
		return nil, err
	}

	w.metrics.RecordSuccess("download")
	w.metrics.RecordFileSize(string(result.Format), result.Bytes)
	log.Info("download complete",
		"size_bytes", result.Bytes,
		"format", string(result.Format))
	return result, nil
}

// fetchOnce performs one signed-URL fetch, stream and verify cycle.
func (w *Worker) fetchOnce(ctx context.Context, job *pipeline.Job, log observability.Logger) (*Result, error) {
	// A fresh URL every attempt: one generated earlier may already have
	// expired while the job waited in the queue.
	url, err := w.store.PresignGet(ctx, w.storageCfg.SourceBucket, job.SourceKey, w.storageCfg.SignedURLTTL)
	if err != nil {
		return nil, pipeline.NewTransientServiceError("failed to sign source URL", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, pipeline.NewTransientServiceError("source fetch failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode)
	}

	// Sniff the container signature from the leading bytes, then stream the
	// remainder straight to storage.
	header := make([]byte, headerSize)
	n, err := io.ReadAtLeast(resp.Body, header, 1)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, pipeline.NewTransientServiceError("failed to read response", err)
	}
	header = header[:n]
	format := sniffContainer(header)

	counter := &countingReader{reader: io.MultiReader(bytes.NewReader(header), resp.Body)}
	if err := w.store.Put(ctx, w.storageCfg.MediaBucket, job.MediaKey, counter, "video/mp4"); err != nil {
		return nil, pipeline.NewTransientServiceError("failed to store media", err)
	}

	if err := w.verify(ctx, job, counter.count, format, log); err != nil {
		return nil, err
	}

	return &Result{Outcome: OutcomeDownloaded, Bytes: counter.count, Format: format}, nil
}

// verify applies the size and signature checks. An unrecognized signature
// falls back to a coarse size-only heuristic rather than hard-failing; that
// can accept corrupt files and is logged as a warning.
func (w *Worker) verify(ctx context.Context, job *pipeline.Job, size int64, format containerFormat, log observability.Logger) error {
	if size <= w.cfg.MinValidSize {
		w.discard(ctx, job)
		return pipeline.NewVerificationError(
			fmt.Sprintf("downloaded %d bytes, below minimum valid size %d", size, w.cfg.MinValidSize))
	}

	if format == formatUnknown {
		if size <= w.cfg.SizeFallback {
			w.discard(ctx, job)
			return pipeline.NewVerificationError(
				fmt.Sprintf("no known container signature and only %d bytes", size))
		}
		log.Warn("no known container signature, accepting on size heuristic",
			"size_bytes", size)
		w.metrics.RecordError("download_verify", "signature_fallback")
	}

	return nil
}

// discard removes a failed artifact so the next attempt's skip check cannot
// mistake it for a valid download.
func (w *Worker) discard(ctx context.Context, job *pipeline.Job) {
	if err := w.store.Delete(ctx, w.storageCfg.MediaBucket, job.MediaKey); err != nil {
		w.logger.Error("failed to remove rejected artifact", "error", err, "media_key", job.MediaKey)
	}
}

func classifyStatus(status int) error {
	switch {
	case status == http.StatusNotFound:
		return pipeline.NewNotFoundError("source media not found (HTTP 404)")
	case status == http.StatusForbidden || status == http.StatusUnauthorized:
		return pipeline.NewTerminalServiceError(
			fmt.Sprintf("signed URL rejected (HTTP %d)", status), nil)
	case status >= 500:
		return pipeline.NewTransientServiceError(
			fmt.Sprintf("upstream returned HTTP %d", status), nil)
	default:
		return pipeline.NewTerminalServiceError(
			fmt.Sprintf("unexpected HTTP %d from source", status), nil)
	}
}

type countingReader struct {
	reader io.Reader
	count  int64
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	r.count += int64(n)
	return n, err
}
