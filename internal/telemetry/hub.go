package telemetry

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rjboer/iqstream/internal/logging"
)

// Score is one detection result published to subscribers.
type Score struct {
	Timestamp time.Time `json:"timestamp"`
	StreamID  string    `json:"streamId,omitempty"`
	Score     float64   `json:"score"`
	TargetHz  float64   `json:"targetHz"`
	PeakHz    float64   `json:"peakHz"`
	PeakMag   float64   `json:"peakMagnitude"`
	Samples   int       `json:"samples"`
}

// TimestampMillis is the score time as Unix milliseconds.
func (s Score) TimestampMillis() int64 { return s.Timestamp.UnixMilli() }

// Reporter consumes detection scores.
type Reporter interface {
	Report(s Score)
}

// MultiReporter fans out scores to multiple destinations.
type MultiReporter []Reporter

// Report forwards the score to each configured reporter.
func (m MultiReporter) Report(s Score) {
	for _, r := range m {
		if r != nil {
			r.Report(s)
		}
	}
}

const (
	defaultHistoryLimit = 500
	maxHistoryLimit     = 10_000
	subscriberBuffer    = 16
)

// Hub keeps a bounded score history and fans out live scores to
// subscribers. Slow subscribers miss scores rather than block Report.
type Hub struct {
	mu           sync.RWMutex
	history      []Score
	historyLimit int
	subscribers  map[chan Score]struct{}
	logger       logging.Logger
}

// NewHub builds a hub keeping at most historyLimit scores.
func NewHub(historyLimit int, logger logging.Logger) *Hub {
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	if historyLimit > maxHistoryLimit {
		historyLimit = maxHistoryLimit
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Hub{
		historyLimit: historyLimit,
		subscribers:  make(map[chan Score]struct{}),
		logger:       logger.With(logging.F("subsystem", "telemetry")),
	}
}

// Report implements Reporter.
func (h *Hub) Report(s Score) {
	h.mu.Lock()
	h.history = append(h.history, s)
	if len(h.history) > h.historyLimit {
		h.history = h.history[len(h.history)-h.historyLimit:]
	}
	for ch := range h.subscribers {
		select {
		case ch <- s:
		default:
		}
	}
	h.mu.Unlock()
}

// History returns a copy of stored scores, oldest first.
func (h *Hub) History() []Score {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Score, len(h.history))
	copy(out, h.history)
	return out
}

// Latest returns the newest score.
func (h *Hub) Latest() (Score, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.history) == 0 {
		return Score{}, false
	}
	return h.history[len(h.history)-1], true
}

// Subscribe registers a listener for live scores. The returned cancel
// function unregisters and closes the channel.
func (h *Hub) Subscribe() (<-chan Score, func()) {
	_, ch, cancel := h.subscribe(false)
	return ch, cancel
}

// SubscribeWithHistory returns the stored history and a live channel taken
// atomically, so no score appears in both.
func (h *Hub) SubscribeWithHistory() ([]Score, <-chan Score, func()) {
	return h.subscribe(true)
}

func (h *Hub) subscribe(withHistory bool) ([]Score, <-chan Score, func()) {
	ch := make(chan Score, subscriberBuffer)
	var history []Score
	h.mu.Lock()
	if withHistory {
		history = make([]Score, len(h.history))
		copy(history, h.history)
	}
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subscribers, ch)
			close(ch)
			h.mu.Unlock()
		})
	}
	return history, ch, cancel
}

// Subscribers returns the number of live listeners.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

func (h *Hub) handleHistory(w http.ResponseWriter, r *http.Request) {
	history := h.History()
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		if n < len(history) {
			history = history[len(history)-n:]
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(history)
}

func (h *Hub) handleLatest(w http.ResponseWriter, _ *http.Request) {
	s, ok := h.Latest()
	if !ok {
		http.Error(w, "no score yet", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s)
}

func (h *Hub) handleLive(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	history, ch, cancel := h.SubscribeWithHistory()
	defer cancel()
	h.logger.Debug("live subscriber connected", logging.F("remote", r.RemoteAddr))
	defer h.logger.Debug("live subscriber disconnected", logging.F("remote", r.RemoteAddr))

	// send existing history for immediate display
	for _, s := range history {
		writeEvent(w, s)
	}
	flusher.Flush()

	for {
		select {
		case s, ok := <-ch:
			if !ok {
				return
			}
			writeEvent(w, s)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, s Score) {
	payload, _ := json.Marshal(s)
	w.Write([]byte("data: "))
	w.Write(payload)
	w.Write([]byte("\n\n"))
}
