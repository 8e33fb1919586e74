package minutes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/ACM-VIT/conclave/internal/v1/metrics"
	"github.com/ACM-VIT/conclave/internal/v1/transcribe"
)

// Summary is the structured output of a summarization pass.
type Summary struct {
	Overview    string   `json:"overview"`
	KeyPoints   []string `json:"keyPoints"`
	ActionItems []string `json:"actionItems"`
}

// Summarizer turns a transcript into a Summary.
type Summarizer interface {
	Summarize(ctx context.Context, chunks []transcribe.Chunk) (Summary, error)
}

// --- remote summarizer ---

// RemoteSummarizer calls an external summarization service, falling back to
// the local extractor when the service fails or the breaker is open.
type RemoteSummarizer struct {
	url      string
	token    string
	client   *http.Client
	cb       *gobreaker.CircuitBreaker
	fallback *LocalSummarizer
}

// NewRemoteSummarizer builds the remote client. An empty token forces local
// summarization, so callers can construct this unconditionally.
func NewRemoteSummarizer(url, token string) *RemoteSummarizer {
	st := gobreaker.Settings{
		Name:        "summarizer",
		MaxRequests: 3,
		Interval:    1 * time.Minute,
		Timeout:     30 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("summarizer").Set(stateVal)
		},
	}
	return &RemoteSummarizer{
		url:      url,
		token:    token,
		client:   &http.Client{Timeout: 60 * time.Second},
		cb:       gobreaker.NewCircuitBreaker(st),
		fallback: NewLocalSummarizer(),
	}
}

func (s *RemoteSummarizer) Summarize(ctx context.Context, chunks []transcribe.Chunk) (Summary, error) {
	if s.url == "" || s.token == "" {
		return s.fallback.Summarize(ctx, chunks)
	}

	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.call(ctx, chunks)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("summarizer").Inc()
		}
		return s.fallback.Summarize(ctx, chunks)
	}
	return res.(Summary), nil
}

func (s *RemoteSummarizer) call(ctx context.Context, chunks []transcribe.Chunk) (Summary, error) {
	body, err := json.Marshal(map[string]string{"transcript": transcriptText(chunks)})
	if err != nil {
		return Summary{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return Summary{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.client.Do(req)
	if err != nil {
		return Summary{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Summary{}, fmt.Errorf("summarizer returned %d: %s", resp.StatusCode, data)
	}

	var out Summary
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Summary{}, fmt.Errorf("failed to decode summarizer response: %w", err)
	}
	return out, nil
}

// --- local summarizer ---

// actionVerbs boost sentences that read like commitments or follow-ups.
var actionVerbs = []string{
	"will", "should", "must", "need to", "needs to", "todo",
	"action item", "follow up", "deadline", "assign", "schedule", "decide",
}

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true, "but": true,
	"if": true, "of": true, "at": true, "by": true, "for": true, "with": true,
	"about": true, "to": true, "from": true, "in": true, "on": true, "is": true,
	"are": true, "was": true, "were": true, "be": true, "been": true, "i": true,
	"you": true, "he": true, "she": true, "it": true, "we": true, "they": true,
	"this": true, "that": true, "so": true, "just": true, "like": true,
	"yeah": true, "okay": true, "ok": true, "um": true, "uh": true,
}

// LocalSummarizer is the deterministic fallback: scored sentence extraction
// over word frequency, with a boost for action-item phrasing. Same input,
// same output.
type LocalSummarizer struct {
	maxKeyPoints   int
	maxActionItems int
}

// NewLocalSummarizer creates the fallback summarizer with default bounds.
func NewLocalSummarizer() *LocalSummarizer {
	return &LocalSummarizer{maxKeyPoints: 5, maxActionItems: 5}
}

func (s *LocalSummarizer) Summarize(ctx context.Context, chunks []transcribe.Chunk) (Summary, error) {
	sentences := splitSentences(transcriptText(chunks))
	if len(sentences) == 0 {
		return Summary{Overview: "No transcript content was captured."}, nil
	}

	freq := wordFrequencies(sentences)

	type scored struct {
		idx      int
		text     string
		score    float64
		isAction bool
	}
	all := make([]scored, 0, len(sentences))
	for i, sent := range sentences {
		sc := scoreSentence(sent, freq)
		action := isActionSentence(sent)
		if action {
			sc *= 1.5
		}
		all = append(all, scored{idx: i, text: sent, score: sc, isAction: action})
	}

	// Highest score first; index breaks ties so the result is stable.
	ranked := make([]scored, len(all))
	copy(ranked, all)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].idx < ranked[j].idx
	})

	var keyPoints []string
	var keyIdx []int
	for _, s2 := range ranked {
		if len(keyPoints) >= s.maxKeyPoints {
			break
		}
		keyPoints = append(keyPoints, s2.text)
		keyIdx = append(keyIdx, s2.idx)
	}
	// Key points read better in transcript order.
	sort.Sort(byIndex{keyIdx, keyPoints})

	var actionItems []string
	for _, s2 := range all {
		if s2.isAction && len(actionItems) < s.maxActionItems {
			actionItems = append(actionItems, s2.text)
		}
	}

	overview := fmt.Sprintf("Discussion covering %d segments.", len(chunks))
	if len(keyPoints) > 0 {
		overview = keyPoints[0]
	}

	return Summary{
		Overview:    overview,
		KeyPoints:   keyPoints,
		ActionItems: actionItems,
	}, nil
}

type byIndex struct {
	idx   []int
	items []string
}

func (b byIndex) Len() int      { return len(b.idx) }
func (b byIndex) Swap(i, j int) { b.idx[i], b.idx[j] = b.idx[j], b.idx[i]; b.items[i], b.items[j] = b.items[j], b.items[i] }
func (b byIndex) Less(i, j int) bool { return b.idx[i] < b.idx[j] }

func splitSentences(text string) []string {
	var out []string
	var cur strings.Builder
	for _, r := range text {
		switch r {
		case '.', '!', '?', '\n':
			if s := strings.TrimSpace(cur.String()); len(s) > 10 {
				out = append(out, s)
			}
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if s := strings.TrimSpace(cur.String()); len(s) > 10 {
		out = append(out, s)
	}
	return out
}

func wordFrequencies(sentences []string) map[string]float64 {
	freq := make(map[string]float64)
	for _, s := range sentences {
		for _, w := range strings.Fields(strings.ToLower(s)) {
			w = strings.Trim(w, ",.:;!?\"'()")
			if w == "" || stopwords[w] {
				continue
			}
			freq[w]++
		}
	}
	return freq
}

func scoreSentence(sentence string, freq map[string]float64) float64 {
	words := strings.Fields(strings.ToLower(sentence))
	if len(words) == 0 {
		return 0
	}
	var total float64
	for _, w := range words {
		w = strings.Trim(w, ",.:;!?\"'()")
		total += freq[w]
	}
	return total / float64(len(words))
}

func isActionSentence(sentence string) bool {
	lower := strings.ToLower(sentence)
	for _, verb := range actionVerbs {
		if strings.Contains(lower, verb) {
			return true
		}
	}
	return false
}
