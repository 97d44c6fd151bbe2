package diagnostics

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pokeball-mouse/ble"
)

func TestComparatorObserve(t *testing.T) {
	var c Comparator

	first := c.Observe(ble.Packet{0x00, 0x03, 0x22, 0x35, 0x76, 0x00})
	require.True(t, first.Decodable)
	assert.Equal(t, uint64(1), first.Seq)
	assert.Len(t, first.Bytes, 6)
	for _, rec := range first.Bytes {
		assert.False(t, rec.Changed)
	}
	assert.Equal(t, Reading{Name: "nibbles", Value: 0x23, Baseline: 0x23}, first.Theories[0])
	assert.Equal(t, "rest", first.YIndicator)
	assert.True(t, first.ButtonTop)
	assert.True(t, first.ButtonStick)
	assert.Equal(t, []Nibbles{{Index: 2, Value: 0x22, High: 2, Low: 2}, {Index: 3, Value: 0x35, High: 3, Low: 5}}, first.Nibbles)

	second := c.Observe(ble.Packet{0x00, 0x01, 0x22, 0x95, 0x60, 0x00})
	assert.True(t, second.Bytes[3].Changed)
	assert.Equal(t, 96, second.Bytes[3].DeltaPrev)
	assert.Equal(t, 0x35, second.Bytes[3].Previous)
	assert.Equal(t, 96, second.Bytes[3].DeltaBase)
	assert.Equal(t, 6, second.Theories[0].Diff)
	assert.Equal(t, Reading{Name: "byte3", Value: 0x95, Baseline: 0x35, Diff: 96}, second.Theories[2])
	assert.Equal(t, -22, second.Y.Diff)
	assert.Equal(t, "up", second.YIndicator)
	assert.True(t, second.ButtonTop)
	assert.False(t, second.ButtonStick)

	short := c.Observe(ble.Packet{0x01, 0x01, 0x22})
	assert.False(t, short.Decodable)
	assert.Nil(t, short.Theories)
	assert.Len(t, short.Bytes, 3)
	assert.True(t, short.Bytes[0].Changed)
	assert.Equal(t, 1, short.Bytes[0].DeltaBase)
	assert.Equal(t, ble.Packet{0x00, 0x03, 0x22, 0x35, 0x76, 0x00}, c.Baseline(), "baseline kept")
}

func TestComparatorYIndicatorDown(t *testing.T) {
	var c Comparator
	c.Observe(ble.Packet{0, 0, 0, 0, 100})
	assert.Equal(t, "rest", c.Observe(ble.Packet{0, 0, 0, 0, 110}).YIndicator)
	assert.Equal(t, "down", c.Observe(ble.Packet{0, 0, 0, 0, 111}).YIndicator)
}

func TestComparatorCopiesPacket(t *testing.T) {
	var c Comparator
	p := ble.Packet{0, 0, 0, 0, 100}
	c.Observe(p)
	p[4] = 1
	assert.Equal(t, uint8(100), c.Baseline()[4])
}

func TestComparatorResetBaseline(t *testing.T) {
	var c Comparator
	c.Observe(ble.Packet{0, 0, 0, 0, 100})
	c.ResetBaseline()
	r := c.Observe(ble.Packet{0, 0, 0, 0, 140})
	assert.Equal(t, 0, r.Y.Diff)
	assert.Equal(t, 40, r.Bytes[4].DeltaPrev)
}

func TestCombinedNibbles(t *testing.T) {
	assert.Equal(t, 0xAB, CombinedNibbles(ble.Packet{0, 0, 0xFA, 0xB0}))
	assert.Equal(t, 0, CombinedNibbles(ble.Packet{0, 0, 0xFA}))
}

func TestRender(t *testing.T) {
	var c Comparator
	c.Observe(ble.Packet{0x00, 0x00, 0x22, 0x35, 0x76})
	out := Render(c.Observe(ble.Packet{0x00, 0x02, 0x22, 0x35, 0x90}))

	assert.Contains(t, out, "|*   4 | 0x90 | 144 | 10010000 |  +26 (118) |")
	assert.Contains(t, out, "value: 144 (base: 118, diff:  +26) ↓")
	assert.Contains(t, out, "stick: ■  top: □  raw: 02")
	assert.Contains(t, out, "byte[3]: 00110101 -> H:0011 L:0101")

	assert.Contains(t, Render(c.Observe(ble.Packet{1})), "packet too short")
}

func TestPhaseRecorderRun(t *testing.T) {
	phases := DefaultPhases()
	for i := range phases {
		phases[i].Duration = time.Millisecond
	}
	r := NewPhaseRecorder(phases, time.Now())

	var started []string
	r.OnPhase = func(i int, p Phase) {
		started = append(started, p.Name)
		r.Handle(ble.Packet{0, 0, byte(i), 0, 118, 5, 6, 7, 8, 9, 10, 11})
	}
	require.NoError(t, r.Run(context.Background(), phases))

	assert.Equal(t, []string{PhaseCenter, PhaseLeftOnly, PhaseCenterAfterLeft, PhaseRightOnly, PhaseCenterAfterRight}, started)
	capture := r.Capture()
	require.Len(t, capture.Phases, 5)
	for i, p := range phases {
		entries := capture.Phases[p.Name]
		require.Len(t, entries, 1, p.Name)
		assert.Equal(t, i+1, entries[0].PacketNum)
		assert.Equal(t, p.Name, entries[0].Phase)
		assert.Equal(t, i, entries[0].Bytes[2])
		assert.Len(t, entries[0].Bytes, ble.MeaningfulBytes)
	}
}

func TestPhaseRecorderCancelled(t *testing.T) {
	phases := DefaultPhases()
	r := NewPhaseRecorder(phases, time.Now())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, r.Run(ctx, phases), context.Canceled)
}

func TestPhaseRecorderTimestampsAndJSON(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewPhaseRecorder(DefaultPhases(), start)
	r.handleAt(ble.Packet{1, 2, 3}, start.Add(1500*time.Millisecond))

	var buf bytes.Buffer
	require.NoError(t, r.Capture().WriteJSON(&buf))

	var decoded Capture
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Len(t, decoded.Phases[PhaseCenter], 1)
	assert.Equal(t, Entry{PacketNum: 1, Timestamp: 1.5, Bytes: []int{1, 2, 3}, Phase: PhaseCenter}, decoded.Phases[PhaseCenter][0])
	assert.Empty(t, decoded.Phases[PhaseRightOnly])
	assert.Equal(t, "X-axis isolation test", decoded.Metadata.Description)
}

func TestCaptureJSONLayout(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewPhaseRecorder(DefaultPhases(), start)
	r.handleAt(ble.Packet{0, 0, 0x22, 0x04, 118}, start)

	data, err := json.Marshal(r.Capture())
	require.NoError(t, err)

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Len(t, doc, 6)
	assert.NotContains(t, doc, "phases")
	assert.Contains(t, doc, "metadata")
	for _, p := range DefaultPhases() {
		assert.Contains(t, doc, p.Name)
	}
	assert.JSONEq(t, `[]`, string(doc[PhaseLeftOnly]))

	var meta CaptureMetadata
	require.NoError(t, json.Unmarshal(doc["metadata"], &meta))
	assert.Equal(t, float64(start.Unix()), meta.StartTime)
}

func TestCaptureRejectsBadPhase(t *testing.T) {
	var c Capture
	assert.ErrorContains(t, json.Unmarshal([]byte(`{"center": 3}`), &c), "center")
}

func entries(n int, b2, b3, b4 int) []Entry {
	out := make([]Entry, n)
	for i := range out {
		out[i] = Entry{PacketNum: i + 1, Bytes: []int{0, 0, b2, b3, b4}}
	}
	return out
}

func TestAnalyzePhases(t *testing.T) {
	c := Capture{Phases: map[string][]Entry{
		PhaseCenter:    entries(5, 100, 50, 118),
		PhaseLeftOnly:  append(entries(20, 60, 50, 120), entries(10, 255, 255, 255)...),
		PhaseRightOnly: entries(5, 140, 50, 118),
	}}
	got := AnalyzePhases(c)
	require.Len(t, got, 3)

	assert.Equal(t, 2, got[0].Index)
	assert.InDelta(t, 40, got[0].LeftChange, 1e-9)
	assert.InDelta(t, 40, got[0].RightChange, 1e-9)
	assert.True(t, got[0].Candidate)
	assert.Equal(t, ByteSummary{Avg: 60, Min: 60, Max: 60, N: 20}, got[0].Left, "only the first 20 packets count")

	assert.False(t, got[1].Candidate)
	assert.False(t, got[2].Candidate)
	assert.InDelta(t, 2, got[2].LeftChange, 1e-9)

	var buf bytes.Buffer
	WriteAnalysis(&buf, got)
	assert.Contains(t, buf.String(), "* possible X axis (L=40.0, R=40.0)")
}

func TestAnalyzePhasesNeedsCenterAndLeft(t *testing.T) {
	assert.Nil(t, AnalyzePhases(Capture{Phases: map[string][]Entry{PhaseCenter: entries(3, 1, 1, 1)}}))

	got := AnalyzePhases(Capture{Phases: map[string][]Entry{
		PhaseCenter:   entries(3, 1, 1, 1),
		PhaseLeftOnly: entries(3, 1, 1, 1),
	}})
	require.Len(t, got, 3)
	assert.Nil(t, got[0].Right)

	var buf bytes.Buffer
	WriteAnalysis(&buf, nil)
	assert.Contains(t, buf.String(), "not enough data")
}

func TestDashboardUpdate(t *testing.T) {
	d := NewDashboard("AA:BB", nil)
	d.started = d.now.Add(-2 * time.Second)

	_, cmd := d.Update(PacketMsg{Packet: ble.Packet{0, 0, 0, 0, 100}})
	assert.Nil(t, cmd)
	d.Update(PacketMsg{Packet: ble.Packet{0, 0, 0, 0, 150}})
	assert.InDelta(t, 1.0, d.Rate(), 1e-9)
	assert.Contains(t, d.View(), "packets: 2")
	assert.Contains(t, d.View(), "diff:  +50")

	d.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("r")})
	assert.Contains(t, d.View(), "baseline reset")
	d.Update(PacketMsg{Packet: ble.Packet{0, 0, 0, 0, 150}})
	assert.Contains(t, d.View(), "diff:   +0")

	_, cmd = d.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
}

func TestDashboardPublishes(t *testing.T) {
	hub := NewHub(nil)
	d := NewDashboard("AA:BB", hub)
	d.Update(PacketMsg{Packet: ble.Packet{0, 0, 0, 0, 100}})

	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/api/latest")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var r Report
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&r))
	assert.Equal(t, 100, r.Y.Value)
}

func TestHubBroadcast(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/latest")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)

	var c Comparator
	hub.Publish(c.Observe(ble.Packet{0, 1, 0x22, 0x35, 0x76}))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, msgType)

	var r Report
	require.NoError(t, json.Unmarshal(data, &r))
	assert.Equal(t, uint64(1), r.Seq)
	assert.True(t, r.ButtonTop)

	conn.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, 2*time.Second, 5*time.Millisecond)
}
