package insight

import (
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"
)

const DefaultCapacity = 200

var ErrInvalid = errors.New("invalid insight")

type Config struct {
	Capacity int
	Logger   *zap.Logger
	// OnEvict receives insights pushed out of the buffer.
	OnEvict func(Insight)
}

// Recorder is a FIFO-by-timestamp buffer capped at Capacity. Store is its
// only mutation entry point.
type Recorder struct {
	capacity int
	log      *zap.Logger
	onEvict  func(Insight)

	mu    sync.RWMutex
	items []Insight // ordered by Timestamp, oldest first
	byID  map[string]int

	stats *Stats // lazily computed; nil after any change
}

func NewRecorder(cfg Config) *Recorder {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Recorder{
		capacity: cfg.Capacity,
		log:      cfg.Logger.Named("insight"),
		onEvict:  cfg.OnEvict,
		byID:     map[string]int{},
	}
}

func (r *Recorder) Capacity() int { return r.capacity }

// Store inserts in, ignoring ids already held. It reports whether the
// insight was added.
func (r *Recorder) Store(in Insight) (bool, error) {
	if in.ID == "" {
		return false, ErrInvalid
	}
	if in.Confidence < 0 || in.Confidence > 1 {
		return false, ErrInvalid
	}

	r.mu.Lock()
	if _, dup := r.byID[in.ID]; dup {
		r.mu.Unlock()
		return false, nil
	}
	in = in.clone()
	i := sort.Search(len(r.items), func(i int) bool { return r.items[i].Timestamp.After(in.Timestamp) })
	r.items = append(r.items, Insight{})
	copy(r.items[i+1:], r.items[i:])
	r.items[i] = in

	var evicted []Insight
	for len(r.items) > r.capacity {
		evicted = append(evicted, r.items[0])
		r.items = r.items[1:]
	}
	r.reindexLocked()
	_, kept := r.byID[in.ID]
	r.stats = nil
	r.mu.Unlock()

	for _, ev := range evicted {
		r.log.Debug("evicted insight", zap.String("insight_id", ev.ID))
		if r.onEvict != nil {
			r.onEvict(ev)
		}
	}
	return kept, nil
}

func (r *Recorder) reindexLocked() {
	r.byID = make(map[string]int, len(r.items))
	for i, it := range r.items {
		r.byID[it.ID] = i
	}
}

func (r *Recorder) Get(id string) (Insight, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.byID[id]
	if !ok {
		return Insight{}, false
	}
	return r.items[i].clone(), true
}

func (r *Recorder) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// Query returns matching insights, newest first.
func (r *Recorder) Query(f Filter) []Insight {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Insight
	for i := len(r.items) - 1; i >= 0; i-- {
		if !f.match(r.items[i]) {
			continue
		}
		out = append(out, r.items[i].clone())
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// Stats aggregates over the current buffer. The result is cached until the
// next Store.
func (r *Recorder) Stats() Stats {
	r.mu.RLock()
	if r.stats != nil {
		st := copyStats(*r.stats)
		r.mu.RUnlock()
		return st
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stats == nil {
		st := computeStats(r.items)
		r.stats = &st
	}
	return copyStats(*r.stats)
}

func computeStats(items []Insight) Stats {
	st := Stats{Count: len(items), ByDecisionType: map[string]int{}}
	var conf, proc float64
	for _, it := range items {
		conf += it.Confidence
		st.ByDecisionType[it.DecisionType]++
		if it.ProcessingTimeMS != nil {
			proc += float64(*it.ProcessingTimeMS)
			st.WithProcessingTime++
		}
	}
	if st.Count > 0 {
		st.AverageConfidence = conf / float64(st.Count)
	}
	if st.WithProcessingTime > 0 {
		st.AverageProcessingMS = proc / float64(st.WithProcessingTime)
	}
	return st
}

func copyStats(st Stats) Stats {
	m := make(map[string]int, len(st.ByDecisionType))
	for k, v := range st.ByDecisionType {
		m[k] = v
	}
	st.ByDecisionType = m
	return st
}
