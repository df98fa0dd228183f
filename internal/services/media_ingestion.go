package services

import (
	"context"
	"encoding/base64"
	"errors"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"knowledgeroute/internal/models"
)

// Media ingestion limits
const (
	DefaultMediaMaxBytes     int64 = 10 * 1024 * 1024
	DefaultMediaFetchTimeout       = 20 * time.Second
	DefaultMediaMaxRedirects       = 5
)

// MediaConfig bounds media ingestion
type MediaConfig struct {
	MaxBytes     int64
	FetchTimeout time.Duration
	MaxRedirects int
}

// MediaIngestionPipeline turns media references into inline attachments for the classifier
type MediaIngestionPipeline struct {
	fetcher MediaFetcher
	opts    FetchOptions
	metrics *PipelineMetrics
}

// NewMediaIngestionPipeline creates a pipeline; zero config values use the defaults
func NewMediaIngestionPipeline(fetcher MediaFetcher, cfg MediaConfig, metrics *PipelineMetrics) *MediaIngestionPipeline {
	opts := FetchOptions{
		Timeout:      cfg.FetchTimeout,
		MaxBytes:     cfg.MaxBytes,
		MaxRedirects: cfg.MaxRedirects,
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultMediaFetchTimeout
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMediaMaxBytes
	}
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = DefaultMediaMaxRedirects
	}

	return &MediaIngestionPipeline{
		fetcher: fetcher,
		opts:    opts,
		metrics: metrics,
	}
}

// Ingest fetches every image, audio and video reference concurrently and
// returns the successful ones in input order. A failed or oversized item is
// dropped; the rest still go through.
func (p *MediaIngestionPipeline) Ingest(ctx context.Context, files []models.FileReference) []Attachment {
	media := make([]models.FileReference, 0, len(files))
	for _, f := range files {
		if models.MediaKind(f.MimeType) != "" {
			media = append(media, f)
		} else {
			p.metrics.RecordMedia("skipped")
		}
	}
	if len(media) == 0 {
		return nil
	}

	results := make([]*Attachment, len(media))

	var g errgroup.Group
	for i, file := range media {
		g.Go(func() error {
			results[i] = p.fetchOne(ctx, file)
			return nil
		})
	}
	_ = g.Wait()

	attachments := make([]Attachment, 0, len(media))
	for _, a := range results {
		if a != nil {
			attachments = append(attachments, *a)
		}
	}

	log.Printf("🖼️  [MEDIA] Ingested %d/%d attachments", len(attachments), len(media))
	return attachments
}

func (p *MediaIngestionPipeline) fetchOne(ctx context.Context, file models.FileReference) *Attachment {
	if file.Size > p.opts.MaxBytes {
		log.Printf("⚠️ [MEDIA] %s declares %d bytes (limit %d), checking actual size", file.Name, file.Size, p.opts.MaxBytes)
	}

	data, err := p.fetcher.Fetch(ctx, file.URL, p.opts)
	if err != nil {
		outcome := "failed"
		switch {
		case errors.Is(err, ErrMediaTooLarge):
			outcome = "too_large"
		case errors.Is(err, ErrMediaTruncated):
			outcome = "truncated"
		}
		log.Printf("⚠️ [MEDIA] Dropping %s (%s): %v", file.Name, outcome, err)
		p.metrics.RecordMedia(outcome)
		return nil
	}

	// Declared sizes are client-supplied; only the downloaded length counts
	if int64(len(data)) > p.opts.MaxBytes {
		log.Printf("⚠️ [MEDIA] Dropping %s: downloaded %d bytes exceeds limit %d (declared %d)",
			file.Name, len(data), p.opts.MaxBytes, file.Size)
		p.metrics.RecordMedia("too_large")
		return nil
	}
	if len(data) == 0 {
		log.Printf("⚠️ [MEDIA] Dropping %s: empty body", file.Name)
		p.metrics.RecordMedia("failed")
		return nil
	}

	p.metrics.RecordMedia("accepted")
	return &Attachment{
		MimeType:   file.MimeType,
		Base64Data: base64.StdEncoding.EncodeToString(data),
	}
}
