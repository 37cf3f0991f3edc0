package upstream

import (
	"context"
	"fmt"
	"log"

	"golang.org/x/sync/semaphore"

	"github.com/mat-1/internet-roadtrip-pathfinder/internal/model"
)

// getMetadataChunkSize is how many pano ids are requested per GetMetadata
// round trip; the provider doesn't document a hard limit but this keeps
// request bodies and response parsing time reasonable.
const getMetadataChunkSize = 200

// PanoIDInterner resolves an upstream API pano id into the pathfinder's
// compact internal PanoId, interning it on first sight. internal/store
// implements this; it's taken as an interface here (rather than importing
// internal/store directly) purely to keep the dependency direction the same
// as the rest of this package, which knows nothing about how ids are stored.
type PanoIDInterner interface {
	GetPanoID(apiPanoID string) (model.PanoId, error)
}

// Fetcher splits GetMetadata lookups into chunks and bounds how many chunks
// are in flight at once with a semaphore, the way downloads/googleearth's
// Downloader bounds concurrent tile fetches. Concurrent requests for the
// same ids are not deduplicated.
type Fetcher struct {
	client    *Client
	interner  PanoIDInterner
	semaphore *semaphore.Weighted
}

// FetcherConfig configures a Fetcher.
type FetcherConfig struct {
	Client     *Client
	Interner   PanoIDInterner
	MaxWorkers int
}

// NewFetcher builds a Fetcher with all dependencies injected.
func NewFetcher(cfg FetcherConfig) (*Fetcher, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("Client is required")
	}
	if cfg.Interner == nil {
		return nil, fmt.Errorf("Interner is required")
	}
	maxWorkers := cfg.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 8
	}
	return &Fetcher{
		client:    cfg.Client,
		interner:  cfg.Interner,
		semaphore: semaphore.NewWeighted(int64(maxWorkers)),
	}, nil
}

// FetchAndInternGetMetadata fetches GetMetadata for every given API pano id,
// chunked and fetched concurrently, interning every pano id (both the
// requested ones and their links) into the store along the way.
func (f *Fetcher) FetchAndInternGetMetadata(ctx context.Context, apiPanoIDs []model.ApiPanoId) ([]model.GetMetadataResponse, error) {
	chunks := chunkApiPanoIDs(apiPanoIDs, getMetadataChunkSize)

	results := make([][]model.GetMetadataResponse, len(chunks))
	errs := make([]error, len(chunks))

	done := make(chan int, len(chunks))
	for i, chunk := range chunks {
		i, chunk := i, chunk
		if err := f.semaphore.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		go func() {
			defer f.semaphore.Release(1)
			defer func() { done <- i }()

			raw, err := f.client.FetchGetMetadata(ctx, chunk)
			if err != nil {
				errs[i] = fmt.Errorf("fetching getmetadata chunk %d: %w", i, err)
				return
			}

			interned, err := f.internGetMetadataResponses(raw)
			if err != nil {
				errs[i] = err
				return
			}
			results[i] = interned
		}()
	}

	for range chunks {
		<-done
	}

	var out []model.GetMetadataResponse
	for i := range chunks {
		if errs[i] != nil {
			return nil, errs[i]
		}
		out = append(out, results[i]...)
	}
	return out, nil
}

func (f *Fetcher) internGetMetadataResponses(raw []RawGetMetadataResponse) ([]model.GetMetadataResponse, error) {
	out := make([]model.GetMetadataResponse, 0, len(raw))
	for _, r := range raw {
		id, err := f.interner.GetPanoID(string(r.ID))
		if err != nil {
			return nil, fmt.Errorf("interning pano id %q: %w", r.ID, err)
		}

		links := make([]model.PanoLink, 0, len(r.Links))
		for _, l := range r.Links {
			linkID, err := f.interner.GetPanoID(string(l.PanoID))
			if err != nil {
				log.Printf("failed to intern link pano id %q: %v", l.PanoID, err)
				continue
			}
			links = append(links, model.PanoLink{
				Pano:    model.Pano{ID: linkID, Loc: l.Loc},
				Heading: l.Heading,
			})
		}

		out = append(out, model.GetMetadataResponse{ID: id, Loc: r.Loc, Links: links})
	}
	return out, nil
}

func chunkApiPanoIDs(ids []model.ApiPanoId, size int) [][]model.ApiPanoId {
	if len(ids) == 0 {
		return nil
	}
	var chunks [][]model.ApiPanoId
	for len(ids) > 0 {
		n := size
		if n > len(ids) {
			n = len(ids)
		}
		chunks = append(chunks, ids[:n])
		ids = ids[n:]
	}
	return chunks
}
