// Package minutes turns a room's transcript into a summarized PDF. Requests
// for one channel share a single in-flight generation, and finished rooms
// keep a per-channel transcript and PDF cache.
package minutes

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ACM-VIT/conclave/internal/v1/logging"
	"github.com/ACM-VIT/conclave/internal/v1/metrics"
	"github.com/ACM-VIT/conclave/internal/v1/transcribe"
)

// generationTimeout bounds one summarize-and-render pass. The source of a
// request may give a tighter deadline; this is the ceiling.
const generationTimeout = 120 * time.Second

var ErrNoTranscript = errors.New("no transcript available for this room")

// TranscriptSource yields the transcript for a channel. The live pipeline
// snapshot serves active rooms; the cache serves finished ones.
type TranscriptSource interface {
	Snapshot(channelID string) ([]transcribe.Chunk, bool)
}

// RoomActivity reports whether a channel still has a live room, which
// decides cache eligibility.
type RoomActivity func(channelID string) bool

// Generator owns the single-flight map and the two per-channel caches.
type Generator struct {
	summarizer Summarizer
	source     TranscriptSource
	active     RoomActivity

	group singleflight.Group

	mu          sync.Mutex
	transcripts map[string][]transcribe.Chunk
	pdfs        map[string][]byte
}

// New creates a minutes generator.
func New(summarizer Summarizer, source TranscriptSource, active RoomActivity) *Generator {
	return &Generator{
		summarizer:  summarizer,
		source:      source,
		active:      active,
		transcripts: make(map[string][]transcribe.Chunk),
		pdfs:        make(map[string][]byte),
	}
}

// CacheTranscript stores a finished room's transcript for later generation.
// The transcription manager calls this when a pipeline stops.
func (g *Generator) CacheTranscript(channelID string, chunks []transcribe.Chunk) {
	if len(chunks) == 0 {
		return
	}
	g.mu.Lock()
	g.transcripts[channelID] = chunks
	g.mu.Unlock()
}

// Evict drops both caches for a channel.
func (g *Generator) Evict(channelID string) {
	g.mu.Lock()
	delete(g.transcripts, channelID)
	delete(g.pdfs, channelID)
	g.mu.Unlock()
}

// Generate returns the minutes PDF for a channel. Inactive rooms are served
// from the PDF cache when possible; otherwise callers join any in-flight
// generation for the channel. Cancelling a joined caller does not cancel the
// generation itself, which completes for the other joiners.
func (g *Generator) Generate(ctx context.Context, channelID, roomID string) ([]byte, error) {
	isActive := g.active != nil && g.active(channelID)

	if !isActive {
		g.mu.Lock()
		cached, ok := g.pdfs[channelID]
		g.mu.Unlock()
		if ok {
			metrics.MinutesRequests.WithLabelValues("cache").Inc()
			return cached, nil
		}
	}

	// singleflight shares one execution among concurrent callers and drops
	// the key once the call completes.
	ch := g.group.DoChan(channelID, func() (interface{}, error) {
		return g.generate(channelID, roomID)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			// fall back to the previous cached PDF if one exists
			g.mu.Lock()
			cached, ok := g.pdfs[channelID]
			g.mu.Unlock()
			if ok {
				metrics.MinutesRequests.WithLabelValues("cache_fallback").Inc()
				logging.Warn(ctx, "Minutes generation failed, serving cached PDF",
					zap.String("channelId", channelID), zap.Error(res.Err))
				return cached, nil
			}
			return nil, res.Err
		}
		metrics.MinutesRequests.WithLabelValues("generated").Inc()
		return res.Val.([]byte), nil
	case <-ctx.Done():
		// the generation keeps running for other joiners
		return nil, ctx.Err()
	}
}

// generate runs one summarize-and-render pass under its own deadline.
func (g *Generator) generate(channelID, roomID string) ([]byte, error) {
	started := time.Now()
	defer func() {
		metrics.MinutesGenerationDuration.Observe(time.Since(started).Seconds())
	}()

	ctx, cancel := context.WithTimeout(context.Background(), generationTimeout)
	defer cancel()

	chunks, err := g.transcript(channelID)
	if err != nil {
		return nil, err
	}

	summary, err := g.summarizer.Summarize(ctx, chunks)
	if err != nil {
		return nil, fmt.Errorf("summarization failed: %w", err)
	}

	pdf, err := renderPDF(roomID, summary, chunks)
	if err != nil {
		return nil, fmt.Errorf("PDF rendering failed: %w", err)
	}

	// Cache only once the room is gone; an active room's transcript is
	// still growing.
	if g.active == nil || !g.active(channelID) {
		g.mu.Lock()
		g.transcripts[channelID] = chunks
		g.pdfs[channelID] = pdf
		g.mu.Unlock()
	}

	logging.Info(ctx, "Minutes generated",
		zap.String("channelId", channelID),
		zap.Int("chunks", len(chunks)),
		zap.Int("pdfBytes", len(pdf)))
	return pdf, nil
}

// transcript picks the freshest source: live pipeline first, then the cache.
func (g *Generator) transcript(channelID string) ([]transcribe.Chunk, error) {
	if g.source != nil {
		if chunks, ok := g.source.Snapshot(channelID); ok && len(chunks) > 0 {
			return chunks, nil
		}
	}
	g.mu.Lock()
	cached, ok := g.transcripts[channelID]
	g.mu.Unlock()
	if ok && len(cached) > 0 {
		return cached, nil
	}
	return nil, ErrNoTranscript
}

// transcriptText flattens chunks into plain text for summarization.
func transcriptText(chunks []transcribe.Chunk) string {
	var b bytes.Buffer
	for _, c := range chunks {
		if c.Speaker != "" {
			b.WriteString(c.Speaker)
			b.WriteString(": ")
		}
		b.WriteString(c.Text)
		b.WriteString("\n")
	}
	return b.String()
}
