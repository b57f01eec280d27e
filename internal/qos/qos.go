// Package qos computes RFC 3550 style per-call audio quality metrics (packet
// loss, interarrival jitter, R-factor, MOS) from RTP sequence/timestamp
// samples fed by the relay, and exposes them for the admin API and
// Prometheus scraping.
package qos

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Direction identifies one leg of a call's bidirectional RTP flow.
type Direction string

const (
	DirAToB Direction = "a_to_b"
	DirBToA Direction = "b_to_a"
)

// Thresholds define when a call's QoS snapshot should raise an alert.
type Thresholds struct {
	MinMOS     float64
	MaxLossPct float64
	MaxJitter  time.Duration
}

// DefaultThresholds matches spec: MOS < 3.5, loss > 2%, jitter > 50ms.
var DefaultThresholds = Thresholds{
	MinMOS:     3.5,
	MaxLossPct: 2.0,
	MaxJitter:  50 * time.Millisecond,
}

// Tracker accumulates RFC 3550 §A.8 jitter and sequence-based loss stats for
// one direction of one call. Not safe for concurrent use by multiple
// goroutines without external locking (the relay forwards one direction on a
// single goroutine, so a Tracker is only ever touched by that goroutine plus
// the Manager's snapshot ticker, which locks via the owning CallQoS).
type Tracker struct {
	clockRate uint32 // RTP timestamp units per second (8000 for G.711/G.729)

	haveBase   bool
	baseSeq    uint16
	highSeq    uint16
	cycles     uint32 // count of 16-bit sequence wraps
	received   uint64
	lastTS     uint32
	lastArrival time.Time
	jitter     float64 // RFC 3550 estimated jitter, in timestamp units

	packetsLost int64 // can go negative transiently on reorder/duplication
}

// NewTracker creates a jitter/loss tracker for an 8kHz-clocked codec (G.711,
// G.729). Callers with a different codec clock rate should use NewTrackerRate.
func NewTracker() *Tracker {
	return NewTrackerRate(8000)
}

// NewTrackerRate creates a tracker for the given RTP clock rate.
func NewTrackerRate(clockRate uint32) *Tracker {
	return &Tracker{clockRate: clockRate}
}

// Update folds in one received packet's sequence number and RTP timestamp,
// observed at the given arrival time.
func (t *Tracker) Update(seq uint16, rtpTimestamp uint32, arrival time.Time) {
	if !t.haveBase {
		t.haveBase = true
		t.baseSeq = seq
		t.highSeq = seq
		t.received = 1
		t.lastTS = rtpTimestamp
		t.lastArrival = arrival
		return
	}

	// Detect a 16-bit sequence wrap (large negative jump from high to seq).
	if seq < t.highSeq && t.highSeq-seq > 0x8000 {
		t.cycles++
	}
	if extendedGreater(seq, t.highSeq, seq < t.highSeq && t.highSeq-seq > 0x8000) {
		t.highSeq = seq
	}
	t.received++

	// RFC 3550 §A.8 jitter estimate: J += (|D| - J) / 16, where D is the
	// difference between consecutive packets' relative transit times.
	if !t.lastArrival.IsZero() {
		arrivalUnits := float64(arrival.Sub(t.lastArrival)) / float64(time.Second) * float64(t.clockRate)
		tsUnits := float64(int64(rtpTimestamp) - int64(t.lastTS))
		d := arrivalUnits - tsUnits
		if d < 0 {
			d = -d
		}
		t.jitter += (d - t.jitter) / 16
	}
	t.lastTS = rtpTimestamp
	t.lastArrival = arrival
}

// extendedGreater reports whether seq should become the new high sequence
// number, accounting for a wrap just detected on this update.
func extendedGreater(seq, high uint16, wrapped bool) bool {
	if wrapped {
		return true
	}
	return seq > high
}

// JitterDuration returns the current jitter estimate as a duration.
func (t *Tracker) JitterDuration() time.Duration {
	if t.clockRate == 0 {
		return 0
	}
	seconds := t.jitter / float64(t.clockRate)
	return time.Duration(seconds * float64(time.Second))
}

// expectedAndLost returns the expected packet count (from extended sequence
// span) and the loss count/percentage since the tracker started.
func (t *Tracker) expectedAndLost() (expected uint64, lossPct float64) {
	if !t.haveBase {
		return 0, 0
	}
	extendedHigh := uint64(t.cycles)<<16 + uint64(t.highSeq)
	extendedBase := uint64(t.baseSeq)
	expected = extendedHigh - extendedBase + 1
	if expected == 0 {
		return 0, 0
	}
	lost := int64(expected) - int64(t.received)
	if lost < 0 {
		lost = 0
	}
	return expected, float64(lost) / float64(expected) * 100
}

// Snapshot is a point-in-time quality reading for one direction of a call.
type Snapshot struct {
	CallID      string    `json:"call_id"`
	Direction   Direction `json:"direction"`
	PacketsRecv uint64    `json:"packets_received"`
	LossPercent float64   `json:"loss_percent"`
	JitterMs    float64   `json:"jitter_ms"`
	RFactor     float64   `json:"r_factor"`
	MOS         float64   `json:"mos"`
	Timestamp   time.Time `json:"timestamp"`
}

// Alerting reports whether this snapshot breaches the given thresholds.
func (s Snapshot) Alerting(th Thresholds) bool {
	if s.PacketsRecv == 0 {
		return false
	}
	return s.MOS < th.MinMOS || s.LossPercent > th.MaxLossPct ||
		time.Duration(s.JitterMs*float64(time.Millisecond)) > th.MaxJitter
}

// ComputeRFactor implements the simplified E-model from spec §4.10:
// R = 93.2 − (loss% × 2.5) − delay_penalty − jitter_penalty.
// delayPenalty should come from RTCP round-trip measurements when available;
// jitter is folded in as an additional penalty since the relay has no
// end-to-end delay measurement of its own.
func ComputeRFactor(lossPct, jitterMs, delayPenalty float64) float64 {
	jitterPenalty := jitterMs * 0.1
	r := 93.2 - (lossPct * 2.5) - delayPenalty - jitterPenalty
	if r < 0 {
		r = 0
	}
	if r > 100 {
		r = 100
	}
	return r
}

// ComputeMOS converts an R-factor to a Mean Opinion Score using the standard
// ITU-T G.107 cubic mapping, clamped to [1.0, 5.0].
func ComputeMOS(r float64) float64 {
	if r <= 0 {
		return 1.0
	}
	mos := 1 + 0.035*r + 7e-6*r*(r-60)*(100-r)
	if mos < 1.0 {
		mos = 1.0
	}
	if mos > 5.0 {
		mos = 5.0
	}
	return mos
}

// snapshotFromTracker computes a Snapshot from a tracker's current state. A
// tracker that has never received a packet yields the MOS=0.00 sentinel per
// spec §4.10 ("no packets received this direction").
func snapshotFromTracker(callID string, dir Direction, t *Tracker, now time.Time) Snapshot {
	if t == nil || t.received == 0 {
		return Snapshot{CallID: callID, Direction: dir, Timestamp: now}
	}
	_, lossPct := t.expectedAndLost()
	jitterMs := float64(t.JitterDuration()) / float64(time.Millisecond)
	r := ComputeRFactor(lossPct, jitterMs, 0)
	return Snapshot{
		CallID:      callID,
		Direction:   dir,
		PacketsRecv: t.received,
		LossPercent: lossPct,
		JitterMs:    jitterMs,
		RFactor:     r,
		MOS:         ComputeMOS(r),
		Timestamp:   now,
	}
}

// CallQoS pairs the two directional trackers for one call and keeps a bounded
// history of snapshots for the admin API's history/alerts endpoints.
type CallQoS struct {
	CallID string

	mu         sync.Mutex
	aToB       *Tracker
	bToA       *Tracker
	history    []Snapshot
	maxHistory int
	endedAt    *time.Time
}

func newCallQoS(callID string) *CallQoS {
	return &CallQoS{
		CallID:     callID,
		aToB:       NewTracker(),
		bToA:       NewTracker(),
		maxHistory: 120, // ~2 minutes at 1 sample/sec
	}
}

// TrackerFor returns the tracker for the given direction so the relay can
// feed it packet-by-packet.
func (c *CallQoS) TrackerFor(dir Direction) *Tracker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if dir == DirAToB {
		return c.aToB
	}
	return c.bToA
}

// sample computes snapshots for both directions, appends them to history
// (bounded to maxHistory entries each), and returns them.
func (c *CallQoS) sample(now time.Time) (a, b Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a = snapshotFromTracker(c.CallID, DirAToB, c.aToB, now)
	b = snapshotFromTracker(c.CallID, DirBToA, c.bToA, now)
	c.history = append(c.history, a, b)
	if over := len(c.history) - c.maxHistory*2; over > 0 {
		c.history = c.history[over:]
	}
	return a, b
}

func (c *CallQoS) latest() (a, b Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero time.Time
	a = snapshotFromTracker(c.CallID, DirAToB, c.aToB, zero)
	b = snapshotFromTracker(c.CallID, DirBToA, c.bToA, zero)
	if n := len(c.history); n >= 2 {
		a, b = c.history[n-2], c.history[n-1]
	}
	return a, b
}

func (c *CallQoS) snapshotHistory() []Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Snapshot, len(c.history))
	copy(out, c.history)
	return out
}

// Manager owns the set of in-progress and recently-ended calls' QoS trackers,
// ticks them once a second per spec §4.10, and implements prometheus.Collector
// so readings are scraped alongside the rest of the system's metrics.
type Manager struct {
	logger     *slog.Logger
	thresholds Thresholds

	mu    sync.RWMutex
	calls map[string]*CallQoS

	mosDesc    *prometheus.Desc
	rFactorDesc *prometheus.Desc
	jitterDesc *prometheus.Desc
	lossDesc   *prometheus.Desc
}

// NewManager creates a QoS manager using the default spec-mandated alert
// thresholds.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		logger:     logger.With("subsystem", "qos"),
		thresholds: DefaultThresholds,
		calls:      make(map[string]*CallQoS),
		mosDesc: prometheus.NewDesc(
			"flowpbx_qos_mos", "Estimated Mean Opinion Score for a call direction",
			[]string{"call_id", "direction"}, nil,
		),
		rFactorDesc: prometheus.NewDesc(
			"flowpbx_qos_rfactor", "E-model R-factor for a call direction",
			[]string{"call_id", "direction"}, nil,
		),
		jitterDesc: prometheus.NewDesc(
			"flowpbx_qos_jitter_ms", "RFC 3550 interarrival jitter estimate in milliseconds",
			[]string{"call_id", "direction"}, nil,
		),
		lossDesc: prometheus.NewDesc(
			"flowpbx_qos_loss_percent", "Estimated packet loss percentage for a call direction",
			[]string{"call_id", "direction"}, nil,
		),
	}
}

// SetThresholds overrides the default alert thresholds.
func (m *Manager) SetThresholds(th Thresholds) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.thresholds = th
}

// StartCall registers a new call for QoS tracking and returns its CallQoS
// handle, from which the relay obtains per-direction trackers.
func (m *Manager) StartCall(callID string) *CallQoS {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := newCallQoS(callID)
	m.calls[callID] = c
	return c
}

// EndCall marks a call as finished. Its last readings remain queryable via
// History/CallSnapshot until the manager is asked to forget it, but it stops
// being part of the active-call set.
func (m *Manager) EndCall(callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.calls[callID]; ok {
		now := time.Now()
		c.endedAt = &now
	}
}

// Forget removes a call's QoS history entirely, freeing memory once an
// operator no longer needs it.
func (m *Manager) Forget(callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.calls, callID)
}

// Run ticks every second, computing fresh snapshots for every tracked call,
// until ctx is cancelled. Call once at startup in its own goroutine.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.tick(now)
		}
	}
}

func (m *Manager) tick(now time.Time) {
	m.mu.RLock()
	calls := make([]*CallQoS, 0, len(m.calls))
	for _, c := range m.calls {
		calls = append(calls, c)
	}
	th := m.thresholds
	m.mu.RUnlock()

	for _, c := range calls {
		a, b := c.sample(now)
		if a.Alerting(th) {
			m.logger.Warn("qos alert", "call_id", c.CallID, "direction", a.Direction,
				"mos", a.MOS, "loss_pct", a.LossPercent, "jitter_ms", a.JitterMs)
		}
		if b.Alerting(th) {
			m.logger.Warn("qos alert", "call_id", c.CallID, "direction", b.Direction,
				"mos", b.MOS, "loss_pct", b.LossPercent, "jitter_ms", b.JitterMs)
		}
	}
}

// CallSnapshot returns the latest a-to-b and b-to-a readings for one call,
// or ok=false if the call is unknown.
func (m *Manager) CallSnapshot(callID string) (a, b Snapshot, ok bool) {
	m.mu.RLock()
	c, found := m.calls[callID]
	m.mu.RUnlock()
	if !found {
		return Snapshot{}, Snapshot{}, false
	}
	a, b = c.latest()
	return a, b, true
}

// History returns every recorded snapshot for a call, oldest first.
func (m *Manager) History(callID string) ([]Snapshot, bool) {
	m.mu.RLock()
	c, found := m.calls[callID]
	m.mu.RUnlock()
	if !found {
		return nil, false
	}
	return c.snapshotHistory(), true
}

// Aggregate returns the current MOS/R-factor/jitter/loss averaged across all
// tracked calls' most recent snapshots, plus how many tracked calls have not
// ended and how many calls have at least one direction alerting.
type Aggregate struct {
	ActiveCalls   int     `json:"active_calls"`
	AlertingCalls int     `json:"alerting_calls"`
	AvgMOS        float64 `json:"avg_mos"`
	AvgJitterMs   float64 `json:"avg_jitter_ms"`
	AvgLossPct    float64 `json:"avg_loss_percent"`
}

func (m *Manager) Aggregate() Aggregate {
	m.mu.RLock()
	calls := make([]*CallQoS, 0, len(m.calls))
	active := 0
	for _, c := range m.calls {
		calls = append(calls, c)
		if c.endedAt == nil {
			active++
		}
	}
	th := m.thresholds
	m.mu.RUnlock()

	var agg Aggregate
	var mosSum, jitterSum, lossSum float64
	var n int
	for _, c := range calls {
		a, b := c.latest()
		alerting := false
		for _, s := range []Snapshot{a, b} {
			if s.PacketsRecv == 0 {
				continue
			}
			n++
			mosSum += s.MOS
			jitterSum += s.JitterMs
			lossSum += s.LossPercent
			if s.Alerting(th) {
				alerting = true
			}
		}
		if alerting {
			agg.AlertingCalls++
		}
	}
	agg.ActiveCalls = active
	if n > 0 {
		agg.AvgMOS = mosSum / float64(n)
		agg.AvgJitterMs = jitterSum / float64(n)
		agg.AvgLossPct = lossSum / float64(n)
	}
	return agg
}

// Alerts returns the latest snapshot for every direction currently breaching
// the configured thresholds.
func (m *Manager) Alerts() []Snapshot {
	m.mu.RLock()
	calls := make([]*CallQoS, 0, len(m.calls))
	for _, c := range m.calls {
		calls = append(calls, c)
	}
	th := m.thresholds
	m.mu.RUnlock()

	var alerts []Snapshot
	for _, c := range calls {
		a, b := c.latest()
		if a.Alerting(th) {
			alerts = append(alerts, a)
		}
		if b.Alerting(th) {
			alerts = append(alerts, b)
		}
	}
	return alerts
}

// Describe implements prometheus.Collector.
func (m *Manager) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.mosDesc
	ch <- m.rFactorDesc
	ch <- m.jitterDesc
	ch <- m.lossDesc
}

// Collect implements prometheus.Collector, exposing the latest snapshot for
// every tracked call/direction.
func (m *Manager) Collect(ch chan<- prometheus.Metric) {
	m.mu.RLock()
	calls := make([]*CallQoS, 0, len(m.calls))
	for _, c := range m.calls {
		calls = append(calls, c)
	}
	m.mu.RUnlock()

	for _, c := range calls {
		a, b := c.latest()
		for _, s := range []Snapshot{a, b} {
			if s.PacketsRecv == 0 {
				continue
			}
			ch <- prometheus.MustNewConstMetric(m.mosDesc, prometheus.GaugeValue, s.MOS, s.CallID, string(s.Direction))
			ch <- prometheus.MustNewConstMetric(m.rFactorDesc, prometheus.GaugeValue, s.RFactor, s.CallID, string(s.Direction))
			ch <- prometheus.MustNewConstMetric(m.jitterDesc, prometheus.GaugeValue, s.JitterMs, s.CallID, string(s.Direction))
			ch <- prometheus.MustNewConstMetric(m.lossDesc, prometheus.GaugeValue, s.LossPercent, s.CallID, string(s.Direction))
		}
	}
}
