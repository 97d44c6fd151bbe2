package diagnostics

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"pokeball-mouse/ble"
)

// Phase is one step of the X-axis isolation test.
type Phase struct {
	Name        string        `json:"name"`
	Instruction string        `json:"instruction"`
	Duration    time.Duration `json:"duration"`
}

// Phase names used by the analysis.
const (
	PhaseCenter           = "center"
	PhaseLeftOnly         = "left_only"
	PhaseCenterAfterLeft  = "center_after_left"
	PhaseRightOnly        = "right_only"
	PhaseCenterAfterRight = "center_after_right"
)

// DefaultPhases is the isolation script: rest, full left, rest, full right,
// rest, keeping the vertical position constant throughout.
func DefaultPhases() []Phase {
	return []Phase{
		{PhaseCenter, "CENTER - don't touch", 3 * time.Second},
		{PhaseLeftOnly, "push FULLY LEFT now (no up/down)", 3 * time.Second},
		{PhaseCenterAfterLeft, "release to CENTER", 2 * time.Second},
		{PhaseRightOnly, "push FULLY RIGHT now (no up/down)", 3 * time.Second},
		{PhaseCenterAfterRight, "release to CENTER", 2 * time.Second},
	}
}

// Entry is one captured packet.
type Entry struct {
	PacketNum int     `json:"packet_num"`
	Timestamp float64 `json:"timestamp"`
	Bytes     []int   `json:"bytes"`
	Phase     string  `json:"phase"`
}

// Capture is the complete phased recording. In JSON the phase names are
// top-level keys next to "metadata".
type Capture struct {
	Phases   map[string][]Entry
	Metadata CaptureMetadata
}

const metadataKey = "metadata"

// MarshalJSON writes each phase as a top-level key beside the metadata.
func (c Capture) MarshalJSON() ([]byte, error) {
	doc := make(map[string]any, len(c.Phases)+1)
	for name, entries := range c.Phases {
		if entries == nil {
			entries = []Entry{}
		}
		doc[name] = entries
	}
	doc[metadataKey] = c.Metadata
	return json.Marshal(doc)
}

// UnmarshalJSON reads the layout written by MarshalJSON.
func (c *Capture) UnmarshalJSON(data []byte) error {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	out := Capture{Phases: make(map[string][]Entry, len(doc))}
	for key, raw := range doc {
		if key == metadataKey {
			if err := json.Unmarshal(raw, &out.Metadata); err != nil {
				return fmt.Errorf("metadata: %w", err)
			}
			continue
		}
		var entries []Entry
		if err := json.Unmarshal(raw, &entries); err != nil {
			return fmt.Errorf("phase %q: %w", key, err)
		}
		out.Phases[key] = entries
	}
	*c = out
	return nil
}

// CaptureMetadata describes a capture.
type CaptureMetadata struct {
	StartTime   float64 `json:"start_time"`
	Description string  `json:"description"`
}

// PhaseRecorder files every packet under the phase that is active when it
// arrives. Handle runs on the transport goroutine while Run advances phases.
type PhaseRecorder struct {
	mu      sync.Mutex
	phase   string
	count   int
	start   time.Time
	capture Capture

	// OnPhase, if set, is called as each phase starts.
	OnPhase func(i int, p Phase)
	// OnPacket, if set, is called with every 30th packet.
	OnPacket func(phase string, p ble.Packet)
}

// NewPhaseRecorder returns a recorder with an empty bucket per phase.
func NewPhaseRecorder(phases []Phase, now time.Time) *PhaseRecorder {
	r := &PhaseRecorder{
		start: now,
		capture: Capture{
			Phases: make(map[string][]Entry, len(phases)),
			Metadata: CaptureMetadata{
				StartTime:   float64(now.UnixNano()) / 1e9,
				Description: "X-axis isolation test",
			},
		},
	}
	for _, p := range phases {
		r.capture.Phases[p.Name] = []Entry{}
	}
	if len(phases) > 0 {
		r.phase = phases[0].Name
	}
	return r
}

// Handle records p. It has the ble.PacketHandler signature.
func (r *PhaseRecorder) Handle(p ble.Packet) {
	r.handleAt(p, time.Now())
}

func (r *PhaseRecorder) handleAt(p ble.Packet, now time.Time) {
	r.mu.Lock()
	r.count++
	entry := Entry{
		PacketNum: r.count,
		Timestamp: now.Sub(r.start).Seconds(),
		Bytes:     make([]int, 0, ble.MeaningfulBytes),
		Phase:     r.phase,
	}
	for _, b := range p.Head() {
		entry.Bytes = append(entry.Bytes, int(b))
	}
	if bucket, ok := r.capture.Phases[r.phase]; ok {
		r.capture.Phases[r.phase] = append(bucket, entry)
	}
	notify := r.OnPacket != nil && r.count%30 == 0
	phase := r.phase
	r.mu.Unlock()

	if notify {
		r.OnPacket(phase, p)
	}
}

// Run steps through phases, sleeping for each one's duration. It returns
// early with ctx's error when cancelled; what was captured so far is kept.
func (r *PhaseRecorder) Run(ctx context.Context, phases []Phase) error {
	for i, p := range phases {
		r.mu.Lock()
		r.phase = p.Name
		r.mu.Unlock()
		if r.OnPhase != nil {
			r.OnPhase(i, p)
		}
		select {
		case <-time.After(p.Duration):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Capture returns a snapshot of the recording.
func (r *PhaseRecorder) Capture() Capture {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := Capture{Metadata: r.capture.Metadata, Phases: make(map[string][]Entry, len(r.capture.Phases))}
	for k, v := range r.capture.Phases {
		out.Phases[k] = append([]Entry(nil), v...)
	}
	return out
}

// WriteJSON writes the capture as indented JSON.
func (c Capture) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(c)
}

// analysisWindow is how many leading packets of a phase the analysis uses.
const analysisWindow = 20

// candidateChange is the average shift from center that flags a byte as a
// possible X axis.
const candidateChange = 20.0

// ByteSummary is the spread of one byte over a phase window.
type ByteSummary struct {
	Avg float64 `json:"avg"`
	Min int     `json:"min"`
	Max int     `json:"max"`
	N   int     `json:"n"`
}

// ByteAnalysis compares one byte across the center, left and right phases.
type ByteAnalysis struct {
	Index       int          `json:"index"`
	Center      ByteSummary  `json:"center"`
	Left        ByteSummary  `json:"left"`
	Right       *ByteSummary `json:"right,omitempty"`
	LeftChange  float64      `json:"left_change"`
	RightChange float64      `json:"right_change"`
	Candidate   bool         `json:"candidate"`
}

// AnalyzePhases looks at bytes 2 to 4 over the first packets of the center,
// left and right phases. It returns nil when center or left captured nothing.
func AnalyzePhases(c Capture) []ByteAnalysis {
	center := c.Phases[PhaseCenter]
	left := c.Phases[PhaseLeftOnly]
	right := c.Phases[PhaseRightOnly]
	if len(center) == 0 || len(left) == 0 {
		return nil
	}

	var out []ByteAnalysis
	for idx := 2; idx <= 4; idx++ {
		a := ByteAnalysis{Index: idx}
		var ok bool
		if a.Center, ok = summarize(center, idx); !ok {
			continue
		}
		if a.Left, ok = summarize(left, idx); !ok {
			continue
		}
		a.LeftChange = math.Abs(a.Left.Avg - a.Center.Avg)
		if rs, ok := summarize(right, idx); ok {
			a.Right = &rs
			a.RightChange = math.Abs(rs.Avg - a.Center.Avg)
		}
		a.Candidate = a.LeftChange > candidateChange || a.RightChange > candidateChange
		out = append(out, a)
	}
	return out
}

func summarize(entries []Entry, idx int) (ByteSummary, bool) {
	if len(entries) > analysisWindow {
		entries = entries[:analysisWindow]
	}
	s := ByteSummary{Min: math.MaxInt, Max: math.MinInt}
	sum := 0
	for _, e := range entries {
		if idx >= len(e.Bytes) {
			continue
		}
		v := e.Bytes[idx]
		sum += v
		s.N++
		s.Min = min(s.Min, v)
		s.Max = max(s.Max, v)
	}
	if s.N == 0 {
		return ByteSummary{}, false
	}
	s.Avg = float64(sum) / float64(s.N)
	return s, true
}

// WriteAnalysis prints the quick analysis in plain text.
func WriteAnalysis(w io.Writer, analysis []ByteAnalysis) {
	if len(analysis) == 0 {
		fmt.Fprintln(w, "not enough data in the center and left phases")
		return
	}
	for _, a := range analysis {
		fmt.Fprintf(w, "Byte[%d]:\n", a.Index)
		fmt.Fprintf(w, "  Center: %.1f (range %d-%d)\n", a.Center.Avg, a.Center.Min, a.Center.Max)
		fmt.Fprintf(w, "  Left:   %.1f (range %d-%d)\n", a.Left.Avg, a.Left.Min, a.Left.Max)
		if a.Right != nil {
			fmt.Fprintf(w, "  Right:  %.1f (range %d-%d)\n", a.Right.Avg, a.Right.Min, a.Right.Max)
		}
		if a.Candidate {
			fmt.Fprintf(w, "  * possible X axis (L=%.1f, R=%.1f)\n", a.LeftChange, a.RightChange)
		}
		fmt.Fprintln(w)
	}
}
