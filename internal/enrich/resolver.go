// Package enrich resolves register postcodes to coordinates and joins them
// back onto the register rows.
package enrich

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/hmo-register/internal/model"
	"github.com/sells-group/hmo-register/internal/observability"
	"github.com/sells-group/hmo-register/pkg/postcodes"
)

// ChunkFailure records one batch lookup that failed.
type ChunkFailure struct {
	Postcodes []string
	Err       error
}

// Resolution is the outcome of one resolution pass.
type Resolution struct {
	// Index maps each resolved postcode to its coordinates.
	Index map[string]model.Coordinates
	// Unresolved lists the unique postcodes absent from Index, in input order.
	Unresolved []string
	// Failures lists the chunks whose lookup failed.
	Failures []ChunkFailure
	// Calls is the number of batch lookups issued.
	Calls int
}

// Resolver resolves unique postcodes in bounded chunks.
type Resolver struct {
	client      postcodes.Client
	chunkSize   int
	concurrency int
	metrics     *observability.Metrics
}

// NewResolver creates a Resolver. chunkSize is clamped to
// [1, postcodes.MaxBatchSize] and concurrency to at least 1. metrics may be nil.
func NewResolver(client postcodes.Client, chunkSize, concurrency int, metrics *observability.Metrics) *Resolver {
	return &Resolver{
		client:      client,
		chunkSize:   min(max(chunkSize, 1), postcodes.MaxBatchSize),
		concurrency: max(concurrency, 1),
		metrics:     metrics,
	}
}

// Chunk partitions items into consecutive slices of at most size elements.
func Chunk(items []string, size int) [][]string {
	if size < 1 {
		size = 1
	}
	chunks := make([][]string, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		chunks = append(chunks, items[start:end])
	}
	return chunks
}

// Resolve looks up every unique postcode once. A failed chunk is recorded and
// its postcodes stay unresolved; sibling chunks are unaffected. Resolve never
// returns an error.
func (r *Resolver) Resolve(ctx context.Context, codes []string) *Resolution {
	unique := dedupe(codes)
	chunks := Chunk(unique, r.chunkSize)

	res := &Resolution{
		Index: make(map[string]model.Coordinates, len(unique)),
		Calls: len(chunks),
	}

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(r.concurrency)

	for i, chunk := range chunks {
		g.Go(func() error {
			start := time.Now()
			found, err := r.client.BulkLookup(ctx, chunk)
			r.observeChunk(time.Since(start), err)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				zap.L().Warn("enrich: postcode chunk failed",
					zap.Int("chunk", i),
					zap.Int("postcodes", len(chunk)),
					zap.Error(err),
				)
				res.Failures = append(res.Failures, ChunkFailure{Postcodes: chunk, Err: err})
				return nil
			}

			// Only keep keys that were asked for in this chunk.
			for _, code := range chunk {
				if c, ok := found[code]; ok {
					res.Index[code] = model.Coordinates{Latitude: c.Latitude, Longitude: c.Longitude}
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, code := range unique {
		if _, ok := res.Index[code]; !ok {
			res.Unresolved = append(res.Unresolved, code)
		}
	}

	if r.metrics != nil {
		r.metrics.Postcodes.WithLabelValues("resolved").Add(float64(len(res.Index)))
		r.metrics.Postcodes.WithLabelValues("unresolved").Add(float64(len(res.Unresolved)))
	}

	zap.L().Info("enrich: postcodes resolved",
		zap.Int("unique", len(unique)),
		zap.Int("resolved", len(res.Index)),
		zap.Int("unresolved", len(res.Unresolved)),
		zap.Int("calls", res.Calls),
		zap.Int("failed_chunks", len(res.Failures)),
	)

	return res
}

func (r *Resolver) observeChunk(d time.Duration, err error) {
	if r.metrics == nil {
		return
	}
	r.metrics.GeocodeChunkDuration.Observe(d.Seconds())
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	r.metrics.GeocodeChunks.WithLabelValues(outcome).Inc()
}

// dedupe drops empty and repeated postcodes, keeping first-seen order.
func dedupe(codes []string) []string {
	seen := make(map[string]struct{}, len(codes))
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
