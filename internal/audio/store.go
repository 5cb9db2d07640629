package audio

import (
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
)

// ErrUnknownStream is returned when a write addresses a stream the store does not hold.
var ErrUnknownStream = errors.New("unknown stream")

// Revision identifies one optimistic write. Zero means "no write".
type Revision uint64

// View is an immutable, consistent copy of the store's content.
type View struct {
	System      SystemVolume   `json:"system"`
	SystemKnown bool           `json:"system_known"`
	Streams     []StreamRecord `json:"streams"`
	Revision    uint64         `json:"revision"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

func (v *View) sameContent(o *View) bool {
	return v.System == o.System &&
		v.SystemKnown == o.SystemKnown &&
		slices.Equal(v.Streams, o.Streams)
}

type levels struct {
	volume float64
	muted  bool
}

// stamp records an optimistic write. While pending (its control command has not
// completed) no poll overwrites it; once confirmed, only polls captured after
// the confirmation do.
type stamp struct {
	at      time.Time
	rev     Revision
	pending bool
}

func (s stamp) protects(capturedAt time.Time) bool {
	return s.rev != 0 && (s.pending || s.at.After(capturedAt))
}

type entity struct {
	name   string
	cur    levels
	polled levels

	volumeOpt stamp
	muteOpt   stamp
}

func (e *entity) stampFor(f Field) *stamp {
	if f == FieldMute {
		return &e.muteOpt
	}
	return &e.volumeOpt
}

// merge takes polled values, keeping any field whose optimistic write is still
// pending or newer than the snapshot.
func (e *entity) merge(lv levels, capturedAt time.Time) {
	e.polled = lv
	if !e.volumeOpt.protects(capturedAt) {
		e.cur.volume = lv.volume
		e.volumeOpt = stamp{}
	}
	if !e.muteOpt.protects(capturedAt) {
		e.cur.muted = lv.muted
		e.muteOpt = stamp{}
	}
}

// Store is the authoritative in-memory audio model.
//
// Writes (Reconcile, ApplyOptimistic*, Confirm, Rollback) are serialized by a
// mutex; reads go through an atomically swapped View and never block.
type Store struct {
	now func() time.Time

	mu          sync.Mutex
	system      entity
	systemKnown bool
	streams     map[StreamID]*entity
	lastRev     Revision

	view atomic.Pointer[View]

	subsMu sync.Mutex
	subs   map[chan struct{}]struct{}
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for optimistic timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore returns an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		now:     time.Now,
		streams: make(map[StreamID]*entity),
		subs:    make(map[chan struct{}]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.view.Store(&View{Streams: []StreamRecord{}})
	return s
}

// View returns the current consistent view. The Streams slice is a private copy.
func (s *Store) View() View {
	v := *s.view.Load()
	v.Streams = slices.Clone(v.Streams)
	return v
}

// SystemVolume returns the current system volume.
func (s *Store) SystemVolume() SystemVolume {
	return s.view.Load().System
}

// Streams returns the current streams ordered by id.
func (s *Store) Streams() []StreamRecord {
	return slices.Clone(s.view.Load().Streams)
}

// Stream looks up one stream by id.
func (s *Store) Stream(id StreamID) (StreamRecord, bool) {
	streams := s.view.Load().Streams
	i, ok := slices.BinarySearchFunc(streams, id, func(r StreamRecord, id StreamID) int {
		return CompareIDs(r.ID, id)
	})
	if !ok {
		return StreamRecord{}, false
	}
	return streams[i], true
}

// Subscribe returns a channel that receives a signal after each visible change.
// Signals coalesce: a slow reader sees one pending signal, then reads View.
// The returned func unsubscribes.
func (s *Store) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.subsMu.Lock()
	s.subs[ch] = struct{}{}
	s.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subsMu.Lock()
			delete(s.subs, ch)
			s.subsMu.Unlock()
		})
	}
}

// Reconcile merges a polled snapshot: new ids are added, persisting ids are
// updated, ids absent from the snapshot are removed. A field with a pending
// optimistic write, or one confirmed after snap.CapturedAt, keeps its
// optimistic value.
func (s *Store) Reconcile(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.system.merge(levels{volume: Clamp(snap.System.Volume), muted: snap.System.Muted}, snap.CapturedAt)
	s.systemKnown = true

	seen := make(map[StreamID]struct{}, len(snap.Streams))
	for _, rec := range snap.Streams {
		if _, dup := seen[rec.ID]; dup {
			continue
		}
		seen[rec.ID] = struct{}{}

		lv := levels{volume: Clamp(rec.Volume), muted: rec.Muted}
		e, ok := s.streams[rec.ID]
		if !ok {
			e = &entity{cur: lv}
			s.streams[rec.ID] = e
		}
		e.name = rec.Name
		if e.name == "" {
			e.name = UnknownName
		}
		e.merge(lv, snap.CapturedAt)
	}

	for id := range s.streams {
		if _, ok := seen[id]; !ok {
			delete(s.streams, id)
		}
	}

	s.publishLocked()
}

// ApplyOptimistic sets the volume of target immediately and stamps the write as
// pending. Every write must be resolved with Confirm or Rollback.
func (s *Store) ApplyOptimistic(target Target, volume float64) (Revision, error) {
	return s.apply(target, FieldVolume, func(e *entity) {
		e.cur.volume = Clamp(volume)
	})
}

// ApplyOptimisticMute sets the mute flag of target immediately and stamps the write.
func (s *Store) ApplyOptimisticMute(target Target, muted bool) (Revision, error) {
	return s.apply(target, FieldMute, func(e *entity) {
		e.cur.muted = muted
	})
}

func (s *Store) apply(target Target, f Field, set func(*entity)) (Revision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entityLocked(target)
	if !ok {
		return 0, ErrUnknownStream
	}
	s.lastRev++
	rev := s.lastRev
	set(e)
	*e.stampFor(f) = stamp{at: s.now(), rev: rev, pending: true}
	s.publishLocked()
	return rev, nil
}

// Confirm ends the pending state of an optimistic write once its control
// command completed and re-stamps it, so only polls captured from now on
// overwrite it. It is a no-op if rev has been superseded.
func (s *Store) Confirm(target Target, f Field, rev Revision) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entityLocked(target)
	if !ok {
		return false
	}
	st := e.stampFor(f)
	if st.rev != rev {
		return false
	}
	st.at = s.now()
	st.pending = false
	return true
}

// Rollback restores the last polled value of one field, unless a newer
// optimistic write superseded rev or the stream is gone.
func (s *Store) Rollback(target Target, f Field, rev Revision) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entityLocked(target)
	if !ok {
		return false
	}
	st := e.stampFor(f)
	if st.rev != rev {
		return false
	}
	switch f {
	case FieldMute:
		e.cur.muted = e.polled.muted
	default:
		e.cur.volume = e.polled.volume
	}
	*st = stamp{}
	s.publishLocked()
	return true
}

func (s *Store) entityLocked(target Target) (*entity, bool) {
	if target.System {
		return &s.system, true
	}
	e, ok := s.streams[target.ID]
	return e, ok
}

func (s *Store) publishLocked() {
	next := &View{
		System: SystemVolume{
			Volume: s.system.cur.volume,
			Muted:  s.system.cur.muted,
		},
		SystemKnown: s.systemKnown,
		Streams: lo.MapToSlice(s.streams, func(id StreamID, e *entity) StreamRecord {
			return StreamRecord{ID: id, Name: e.name, Volume: e.cur.volume, Muted: e.cur.muted}
		}),
	}
	slices.SortFunc(next.Streams, func(a, b StreamRecord) int {
		return CompareIDs(a.ID, b.ID)
	})

	prev := s.view.Load()
	if prev.sameContent(next) {
		return
	}
	next.Revision = prev.Revision + 1
	next.UpdatedAt = s.now()
	s.view.Store(next)
	s.notify()
}

func (s *Store) notify() {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
