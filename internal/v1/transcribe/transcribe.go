// Package transcribe runs the per-room live transcription pipeline: an RTP
// tap on the room's audio producer, an external decoder process turning RTP
// into PCM, and a streaming ASR socket producing timed transcript chunks.
package transcribe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ACM-VIT/conclave/internal/v1/logging"
	"github.com/ACM-VIT/conclave/internal/v1/media"
	"github.com/ACM-VIT/conclave/internal/v1/metrics"
)

// DefaultSampleRate is the PCM rate handed to the decoder and the ASR
// preamble when none is configured.
const DefaultSampleRate = 16000

// dedupWindow collapses repeated final frames: identical text from the same
// speaker within this window is suppressed.
const dedupWindow = 1500 * time.Millisecond

var (
	ErrDisabled      = errors.New("transcription is disabled")
	ErrAlreadyActive = errors.New("a transcriber is already active for this room")
	ErrNotActive     = errors.New("no transcriber is active for this room")
)

// Chunk is one deduplicated transcript segment.
type Chunk struct {
	StartMs int64  `json:"startMs"`
	EndMs   int64  `json:"endMs"`
	Text    string `json:"text"`
	Speaker string `json:"speaker,omitempty"`
}

// Config selects the external pieces of the pipeline. An empty ASRURL
// disables transcription entirely.
type Config struct {
	ASRURL     string
	SampleRate int
	DecoderBin string
}

func (c Config) sampleRate() int {
	if c.SampleRate > 0 {
		return c.SampleRate
	}
	return DefaultSampleRate
}

func (c Config) decoderBin() string {
	if c.DecoderBin != "" {
		return c.DecoderBin
	}
	return "ffmpeg"
}

// asrConn is the streaming ASR socket surface, satisfied by
// *websocket.Conn and by test fakes.
type asrConn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// Manager owns at most one Transcriber per room.
type Manager struct {
	mu    sync.Mutex
	cfg   Config
	media media.Provider
	pipes map[string]*Transcriber // channelId → active pipeline

	// Swapped in tests. dialASR opens the streaming socket; spawnDecoder
	// starts the RTP→PCM process and returns its PCM output stream.
	dialASR      func(ctx context.Context, url string) (asrConn, error)
	spawnDecoder func(ctx context.Context, bin string, port, rate int) (*exec.Cmd, io.ReadCloser, error)
}

// NewManager creates a transcription manager over the media provider.
func NewManager(cfg Config, provider media.Provider) *Manager {
	return &Manager{
		cfg:          cfg,
		media:        provider,
		pipes:        make(map[string]*Transcriber),
		dialASR:      dialASR,
		spawnDecoder: spawnDecoder,
	}
}

// Enabled reports whether an ASR endpoint is configured.
func (m *Manager) Enabled() bool {
	return m.cfg.ASRURL != ""
}

// Start brings up the pipeline for a room's audio producer. Re-entry with
// the same producer while active is a no-op; a second producer does not
// attach while a pipeline exists.
func (m *Manager) Start(ctx context.Context, channelID, producerID, speaker string) error {
	if !m.Enabled() {
		return ErrDisabled
	}

	m.mu.Lock()
	if existing, ok := m.pipes[channelID]; ok {
		m.mu.Unlock()
		if existing.producerID == producerID {
			return nil // idempotent per producer
		}
		return ErrAlreadyActive
	}
	tr := &Transcriber{
		channelID:  channelID,
		producerID: producerID,
		speaker:    speaker,
		startedAt:  time.Now(),
		done:       make(chan struct{}),
	}
	m.pipes[channelID] = tr
	m.mu.Unlock()

	if err := m.launch(ctx, tr); err != nil {
		m.mu.Lock()
		delete(m.pipes, channelID)
		m.mu.Unlock()
		return err
	}

	metrics.ActiveTranscribers.Inc()
	logging.Info(ctx, "Transcription started",
		zap.String("channelId", channelID), zap.String("producerId", producerID))
	return nil
}

// launch performs the tap → decoder → ASR setup, rolling back on failure.
func (m *Manager) launch(ctx context.Context, tr *Transcriber) error {
	transport, err := m.media.CreatePlainTransport(ctx, tr.channelID)
	if err != nil {
		return fmt.Errorf("failed to create plain transport: %w", err)
	}
	tr.transport = transport

	consumer, err := m.media.Consume(ctx, tr.channelID, transport.ID, tr.producerID)
	if err != nil {
		m.releaseMedia(ctx, tr)
		return fmt.Errorf("failed to consume producer: %w", err)
	}
	tr.consumer = consumer

	cmd, pcm, err := m.spawnDecoder(ctx, m.cfg.decoderBin(), transport.LocalPort, m.cfg.sampleRate())
	if err != nil {
		m.releaseMedia(ctx, tr)
		return fmt.Errorf("failed to start decoder: %w", err)
	}
	tr.decoder = cmd
	tr.pcm = pcm

	conn, err := m.dialASR(ctx, m.cfg.ASRURL)
	if err != nil {
		tr.stopDecoder()
		m.releaseMedia(ctx, tr)
		return fmt.Errorf("failed to dial ASR: %w", err)
	}
	tr.asr = conn

	preamble := fmt.Sprintf(`{"config":{"sample_rate":%d}}`, m.cfg.sampleRate())
	if err := conn.WriteMessage(websocket.TextMessage, []byte(preamble)); err != nil {
		tr.stopDecoder()
		_ = conn.Close()
		m.releaseMedia(ctx, tr)
		return fmt.Errorf("failed to send ASR preamble: %w", err)
	}

	go tr.pumpPCM()
	go tr.readResults()
	return nil
}

// Stop tears the room's pipeline down and returns the final transcript.
func (m *Manager) Stop(ctx context.Context, channelID string) ([]Chunk, error) {
	m.mu.Lock()
	tr, ok := m.pipes[channelID]
	if ok {
		delete(m.pipes, channelID)
	}
	m.mu.Unlock()

	if !ok {
		return nil, ErrNotActive
	}

	chunks := tr.stop()
	m.releaseMedia(ctx, tr)
	metrics.ActiveTranscribers.Dec()
	logging.Info(ctx, "Transcription stopped",
		zap.String("channelId", channelID), zap.Int("chunks", len(chunks)))
	return chunks, nil
}

// Snapshot returns the transcript captured so far without stopping.
func (m *Manager) Snapshot(channelID string) ([]Chunk, bool) {
	m.mu.Lock()
	tr, ok := m.pipes[channelID]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	return tr.snapshot(), true
}

// Active reports whether a pipeline exists for the channel.
func (m *Manager) Active(channelID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pipes[channelID]
	return ok
}

// HandleMediaClose stops the pipeline when the media plane tears down the
// tapped producer, its transport, or the whole router.
func (m *Manager) HandleMediaClose(ctx context.Context, ev media.CloseEvent) {
	m.mu.Lock()
	tr, ok := m.pipes[ev.ChannelID]
	m.mu.Unlock()
	if !ok {
		return
	}
	if ev.Kind == media.CloseProducer && ev.ProducerID != tr.producerID {
		return
	}
	_, _ = m.Stop(ctx, ev.ChannelID)
}

func (m *Manager) releaseMedia(ctx context.Context, tr *Transcriber) {
	if tr.transport == nil {
		return
	}
	if err := m.media.CloseTransport(ctx, tr.channelID, tr.transport.ID); err != nil {
		logging.Warn(ctx, "Failed to close tap transport",
			zap.String("channelId", tr.channelID), zap.Error(err))
	}
}

// Transcriber is one live pipeline. It owns its transport, consumer, decoder
// process, and ASR socket exclusively.
type Transcriber struct {
	channelID  string
	producerID string
	speaker    string
	startedAt  time.Time

	transport *media.PlainTransport
	consumer  *media.ConsumerRef
	decoder   *exec.Cmd
	pcm       io.ReadCloser
	asr       asrConn

	mu              sync.Mutex
	chunks          []Chunk
	lastPartialText string
	stopped         bool

	done chan struct{}
}

// pumpPCM forwards decoder output to the ASR socket frame by frame.
func (t *Transcriber) pumpPCM() {
	buf := make([]byte, 4096)
	for {
		select {
		case <-t.done:
			return
		default:
		}
		n, err := t.pcm.Read(buf)
		if n > 0 {
			if werr := t.asr.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// asrFrame is the JSON shape the ASR socket streams back. Word-level timings
// live in result[]; message-level start/end are the fallback.
type asrFrame struct {
	Text    string  `json:"text"`
	Partial string  `json:"partial"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Speaker string  `json:"speaker"`
	Result  []struct {
		Word  string  `json:"word"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
	} `json:"result"`
}

// readResults parses ASR frames until the socket closes.
func (t *Transcriber) readResults() {
	for {
		_, data, err := t.asr.ReadMessage()
		if err != nil {
			return
		}
		t.handleFrame(data, time.Now())
	}
}

// handleFrame maps one ASR frame into the transcript. arrival is the wall
// time the frame landed, the last-resort timestamp source.
func (t *Transcriber) handleFrame(data []byte, arrival time.Time) {
	var frame asrFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		logging.Warn(context.Background(), "Dropping malformed ASR frame", zap.Error(err))
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if frame.Partial != "" {
		t.lastPartialText = frame.Partial
		return
	}
	if frame.Text == "" {
		return
	}
	t.lastPartialText = ""

	speaker := frame.Speaker
	if speaker == "" {
		speaker = t.speaker
	}

	chunk := Chunk{
		Text:    frame.Text,
		Speaker: speaker,
	}
	chunk.StartMs, chunk.EndMs = t.timestamps(frame, arrival)

	if t.isDuplicateLocked(chunk) {
		metrics.TranscriptChunks.WithLabelValues("deduplicated").Inc()
		return
	}
	t.chunks = append(t.chunks, chunk)
	metrics.TranscriptChunks.WithLabelValues("appended").Inc()
}

// timestamps derives chunk bounds: word timings first, then message-level
// start/end, then arrival time. ASR times are seconds relative to session
// start.
func (t *Transcriber) timestamps(frame asrFrame, arrival time.Time) (startMs, endMs int64) {
	if len(frame.Result) > 0 {
		first := frame.Result[0].Start
		last := frame.Result[len(frame.Result)-1].End
		return secondsToMs(first), secondsToMs(last)
	}
	if frame.End > 0 {
		return secondsToMs(frame.Start), secondsToMs(frame.End)
	}
	at := arrival.Sub(t.startedAt).Milliseconds()
	return at, at
}

func secondsToMs(s float64) int64 {
	return int64(s * 1000)
}

// isDuplicateLocked applies the dedup rule against the last appended chunk.
// Caller must hold t.mu.
func (t *Transcriber) isDuplicateLocked(c Chunk) bool {
	if len(t.chunks) == 0 {
		return false
	}
	last := t.chunks[len(t.chunks)-1]
	if last.Text != c.Text || last.Speaker != c.Speaker {
		return false
	}
	delta := c.EndMs - last.EndMs
	if delta < 0 {
		delta = -delta
	}
	return delta < dedupWindow.Milliseconds()
}

// stop shuts the pipeline down and returns the final transcript. A trailing
// partial is flushed as a final chunk stamped now.
func (t *Transcriber) stop() []Chunk {
	t.mu.Lock()
	if t.stopped {
		out := make([]Chunk, len(t.chunks))
		copy(out, t.chunks)
		t.mu.Unlock()
		return out
	}
	t.stopped = true

	if t.lastPartialText != "" {
		now := time.Since(t.startedAt).Milliseconds()
		t.chunks = append(t.chunks, Chunk{
			StartMs: now,
			EndMs:   now,
			Text:    t.lastPartialText,
			Speaker: t.speaker,
		})
		metrics.TranscriptChunks.WithLabelValues("flushed_partial").Inc()
		t.lastPartialText = ""
	}
	out := make([]Chunk, len(t.chunks))
	copy(out, t.chunks)
	t.mu.Unlock()

	close(t.done)

	if t.asr != nil {
		// best-effort end-of-stream marker
		_ = t.asr.WriteMessage(websocket.TextMessage, []byte(`{"eof":1}`))
		_ = t.asr.Close()
	}
	t.stopDecoder()
	return out
}

func (t *Transcriber) stopDecoder() {
	if t.pcm != nil {
		_ = t.pcm.Close()
	}
	if t.decoder != nil && t.decoder.Process != nil {
		_ = t.decoder.Process.Signal(syscall.SIGTERM)
		_ = t.decoder.Wait()
	}
}

func (t *Transcriber) snapshot() []Chunk {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Chunk, len(t.chunks))
	copy(out, t.chunks)
	return out
}

// --- default external wiring ---

func dialASR(ctx context.Context, url string) (asrConn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// spawnDecoder starts the RTP→PCM process. The default binary is ffmpeg,
// reading RTP on the tap's loopback port and writing mono 16-bit PCM at the
// configured rate to stdout.
func spawnDecoder(ctx context.Context, bin string, port, rate int) (*exec.Cmd, io.ReadCloser, error) {
	sdp := fmt.Sprintf("rtp://127.0.0.1:%d", port)
	cmd := exec.CommandContext(ctx, bin,
		"-hide_banner",
		"-loglevel", "error",
		"-protocol_whitelist", "rtp,udp",
		"-i", sdp,
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ac", "1",
		"-ar", fmt.Sprint(rate),
		"pipe:1",
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, err
	}
	return cmd, stdout, nil
}
