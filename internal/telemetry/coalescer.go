// Package telemetry coalesces high-rate sensor frames into bounded,
// timestamp-ordered histories plus a latest-value snapshot per stream.
//
// Frames are buffered as they arrive and flushed at most once per flush
// interval. Within a flush, samples sharing a timestamp key are merged field
// by field, last arrival wins.
package telemetry

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/danmuck/fleetlink/internal/link"
	"github.com/danmuck/fleetlink/internal/logging"
	"github.com/danmuck/fleetlink/internal/observability"
	"github.com/danmuck/fleetlink/internal/protocol/frame"
	"github.com/danmuck/fleetlink/internal/registry"
	"github.com/danmuck/fleetlink/internal/router"
	"github.com/rs/zerolog"
)

const (
	DefaultMaxHistoryPoints   = 10000
	DefaultFlushInterval      = 20 * time.Millisecond
	DefaultTimestampPrecision = 6
)

// Sample is one coalesced reading. Fields maps are never mutated once a
// Sample has been published.
type Sample struct {
	EndpointID string             `json:"endpoint_id"`
	Kind       Kind               `json:"kind"`
	Key        string             `json:"key"`
	Time       float64            `json:"time"`
	Fields     map[string]float64 `json:"fields"`
}

// Update describes the effect of one flush on one stream.
type Update struct {
	EndpointID string `json:"endpoint_id"`
	Kind       Kind   `json:"kind"`
	Latest     Sample `json:"latest"`
	// Appended counts history entries added or merged; zero while paused.
	Appended   int `json:"appended"`
	HistoryLen int `json:"history_len"`
}

type Options struct {
	MaxHistoryPoints   int
	FlushInterval      time.Duration
	TimestampPrecision int
	// ResetOnConnect clears an endpoint's history whenever its link
	// (re)connects.
	ResetOnConnect bool
	Now            func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MaxHistoryPoints <= 0 {
		o.MaxHistoryPoints = DefaultMaxHistoryPoints
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = DefaultFlushInterval
	}
	if o.TimestampPrecision <= 0 {
		o.TimestampPrecision = DefaultTimestampPrecision
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type streamKey struct {
	endpoint string
	kind     Kind
}

type stream struct {
	history   []Sample
	latest    Sample
	hasLatest bool
}

func (c *Coalescer) streamLocked(k streamKey) *stream {
	st := c.streams[k]
	if st == nil {
		st = &stream{}
		c.streams[k] = st
	}
	return st
}

type Coalescer struct {
	opts Options
	log  zerolog.Logger

	mu        sync.Mutex
	buffer    []Sample
	streams   map[streamKey]*stream
	paused    map[streamKey]bool
	closed    bool
	timer     *time.Timer
	lastFlush time.Time
	watchers  map[uint64]func(Update)
	nextWatch uint64

	// flushMu serializes flushes so watchers observe updates in order.
	flushMu sync.Mutex
}

func NewCoalescer(opts Options) *Coalescer {
	return &Coalescer{
		opts:     opts.withDefaults(),
		log:      logging.Component("telemetry"),
		streams:  make(map[streamKey]*stream),
		paused:   make(map[streamKey]bool),
		watchers: make(map[uint64]func(Update)),
	}
}

// Bind attaches the coalescer to every endpoint reg creates from now on.
func (c *Coalescer) Bind(reg *registry.Registry) {
	reg.OnCreate(func(e *registry.Entry) { c.Attach(e) })
}

// Attach subscribes to the entry's sensor frames. The returned function
// removes the subscriptions.
func (c *Coalescer) Attach(e *registry.Entry) (detach func()) {
	id := e.Endpoint.ID
	subs := make([]*router.Subscription, 0, len(FrameTypes))
	for _, typ := range FrameTypes {
		subs = append(subs, e.Routes.Subscribe(typ, func(f frame.Frame) { c.Ingest(id, f) }))
	}
	cancelWatch := func() {}
	if c.opts.ResetOnConnect {
		cancelWatch = e.Link.Watch(func(ch link.StateChange) {
			if ch.To == link.StateConnected {
				c.Reset(id)
			}
		})
	}
	return func() {
		for _, s := range subs {
			s.Close()
		}
		cancelWatch()
	}
}

// Ingest normalizes a sensor frame and buffers it. It reports false for
// frames carrying no recognized channel.
func (c *Coalescer) Ingest(endpointID string, f frame.Frame) bool {
	r, ok := normalize(f)
	if !ok {
		c.log.Debug().Str("endpoint", endpointID).Str("type", f.Type()).Msg("telemetry.Coalescer ignored frame without sensor channels")
		return false
	}
	t := r.time
	if !r.hasTime {
		t = frame.UnixSeconds(c.opts.Now())
	}
	c.Add(Sample{EndpointID: endpointID, Kind: r.kind, Time: t, Fields: r.fields})
	return true
}

// Add buffers s for the next flush. Key and Time are derived from s.Time at
// the configured precision.
func (c *Coalescer) Add(s Sample) {
	s.Key = TimestampKey(s.Time, c.opts.TimestampPrecision)
	if rounded, err := strconv.ParseFloat(s.Key, 64); err == nil {
		s.Time = rounded
	}
	s.Fields = copyFields(s.Fields)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.buffer = append(c.buffer, s)
	c.scheduleLocked()
}

// scheduleLocked arms one flush timer for a non-empty buffer, no earlier
// than one interval after the previous flush.
func (c *Coalescer) scheduleLocked() {
	if c.timer != nil || len(c.buffer) == 0 {
		return
	}
	delay := time.Until(c.lastFlush.Add(c.opts.FlushInterval))
	if delay < 0 {
		delay = 0
	}
	c.timer = time.AfterFunc(delay, func() { c.Flush() })
}

// Flush drains the buffer immediately and reports the per-stream updates.
func (c *Coalescer) Flush() []Update {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	batch := c.buffer
	c.buffer = nil
	if len(batch) == 0 {
		c.mu.Unlock()
		return nil
	}
	c.lastFlush = c.opts.Now()

	groups := make(map[streamKey][]Sample)
	order := make([]streamKey, 0)
	for _, s := range batch {
		k := streamKey{endpoint: s.EndpointID, kind: s.Kind}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], s)
	}

	updates := make([]Update, 0, len(order))
	for _, k := range order {
		merged := mergeByKey(groups[k])
		st := c.streamLocked(k)

		newest := merged[len(merged)-1]
		if st.hasLatest && st.latest.Key == newest.Key {
			newest = mergeSample(st.latest, newest)
		}
		st.latest = newest
		st.hasLatest = true

		appended := 0
		if !c.paused[k] {
			st.history = mergeHistory(st.history, merged)
			if over := len(st.history) - c.opts.MaxHistoryPoints; over > 0 {
				st.history = st.history[over:]
			}
			appended = len(merged)
		}
		observability.RecordFlush(k.endpoint, string(k.kind), len(st.history))
		updates = append(updates, Update{
			EndpointID: k.endpoint,
			Kind:       k.kind,
			Latest:     st.latest,
			Appended:   appended,
			HistoryLen: len(st.history),
		})
	}
	watchers := make([]func(Update), 0, len(c.watchers))
	for _, id := range sortedIDs(c.watchers) {
		watchers = append(watchers, c.watchers[id])
	}
	c.scheduleLocked()
	c.mu.Unlock()

	for _, u := range updates {
		for _, fn := range watchers {
			c.notify(fn, u)
		}
	}
	return updates
}

func (c *Coalescer) notify(fn func(Update), u Update) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Str("endpoint", u.EndpointID).Msg("telemetry.Coalescer watcher panicked")
		}
	}()
	fn(u)
}

// Watch registers fn for every flushed stream update.
func (c *Coalescer) Watch(fn func(Update)) (cancel func()) {
	c.mu.Lock()
	c.nextWatch++
	id := c.nextWatch
	c.watchers[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.watchers, id)
		c.mu.Unlock()
	}
}

// Latest returns the most recent sample of a stream, tracked even while
// history is paused.
func (c *Coalescer) Latest(endpointID string, kind Kind) (Sample, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.streams[streamKey{endpoint: endpointID, kind: kind}]
	if st == nil || !st.hasLatest {
		return Sample{}, false
	}
	return st.latest, true
}

// History returns a copy of the stream's history, oldest first.
func (c *Coalescer) History(endpointID string, kind Kind) []Sample {
	return c.HistorySince(endpointID, kind, 0, 0)
}

// HistorySince returns samples newer than since, keeping at most the
// newest limit entries when limit is positive.
func (c *Coalescer) HistorySince(endpointID string, kind Kind, since float64, limit int) []Sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.streams[streamKey{endpoint: endpointID, kind: kind}]
	if st == nil {
		return nil
	}
	h := st.history
	if since > 0 {
		i := sort.Search(len(h), func(i int) bool { return h[i].Time > since })
		h = h[i:]
	}
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	return append([]Sample(nil), h...)
}

// Pause stops history growth of one stream. Its latest value keeps
// updating and every other stream is unaffected.
func (c *Coalescer) Pause(endpointID string, kind Kind) {
	c.mu.Lock()
	c.paused[streamKey{endpoint: endpointID, kind: kind}] = true
	c.mu.Unlock()
	c.log.Info().Str("endpoint", endpointID).Str("kind", string(kind)).Msg("telemetry.Coalescer history paused")
}

func (c *Coalescer) Resume(endpointID string, kind Kind) {
	c.mu.Lock()
	delete(c.paused, streamKey{endpoint: endpointID, kind: kind})
	c.mu.Unlock()
	c.log.Info().Str("endpoint", endpointID).Str("kind", string(kind)).Msg("telemetry.Coalescer history resumed")
}

func (c *Coalescer) Paused(endpointID string, kind Kind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused[streamKey{endpoint: endpointID, kind: kind}]
}

// Reset drops every stream and buffered sample of endpointID.
func (c *Coalescer) Reset(endpointID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.streams {
		if k.endpoint == endpointID {
			delete(c.streams, k)
		}
	}
	for k := range c.paused {
		if k.endpoint == endpointID {
			delete(c.paused, k)
		}
	}
	kept := c.buffer[:0]
	for _, s := range c.buffer {
		if s.EndpointID != endpointID {
			kept = append(kept, s)
		}
	}
	c.buffer = kept
}

// Clear drops all history. Latest snapshots survive.
func (c *Coalescer) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, st := range c.streams {
		st.history = nil
	}
}

// Close stops the flush timer and discards buffered samples.
func (c *Coalescer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.buffer = nil
}

// mergeByKey collapses samples sharing a key and returns them ordered by
// time.
func mergeByKey(batch []Sample) []Sample {
	byKey := make(map[string]int, len(batch))
	out := make([]Sample, 0, len(batch))
	for _, s := range batch {
		if i, ok := byKey[s.Key]; ok {
			out[i] = mergeSample(out[i], s)
			continue
		}
		byKey[s.Key] = len(out)
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time < out[j].Time })
	return out
}

// mergeHistory folds an ordered batch into an ordered history. Keys already
// present are merged in place; older samples are inserted at their
// position.
func mergeHistory(history, batch []Sample) []Sample {
	if len(history) == 0 || batch[0].Time > history[len(history)-1].Time {
		return append(history, batch...)
	}
	for _, s := range batch {
		i := sort.Search(len(history), func(i int) bool { return history[i].Time >= s.Time })
		if i < len(history) && history[i].Key == s.Key {
			history[i] = mergeSample(history[i], s)
			continue
		}
		history = append(history, Sample{})
		copy(history[i+1:], history[i:])
		history[i] = s
	}
	return history
}

// mergeSample overlays next's fields on prev into a fresh map.
func mergeSample(prev, next Sample) Sample {
	fields := make(map[string]float64, len(prev.Fields)+len(next.Fields))
	for k, v := range prev.Fields {
		fields[k] = v
	}
	for k, v := range next.Fields {
		fields[k] = v
	}
	next.Fields = fields
	return next
}

func copyFields(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sortedIDs(m map[uint64]func(Update)) []uint64 {
	ids := make([]uint64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
