// Package kb holds the reference-reflection catalogue of a session.
package kb

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/signalsfoundry/hklcalc/core"
	"github.com/signalsfoundry/hklcalc/model"
	"github.com/signalsfoundry/hklcalc/timectrl"
)

// ErrNoSuchReflection is returned for a 1-based index outside the catalogue.
var ErrNoSuchReflection = errors.New("no such reflection")

// EventType indicates what kind of change happened in the catalogue.
type EventType int

const (
	EventReflectionAdded EventType = iota
	EventReflectionEdited
	EventReflectionRemoved
	EventReflectionsSwapped
	EventReflectionsRestored
)

func (e EventType) String() string {
	switch e {
	case EventReflectionAdded:
		return "added"
	case EventReflectionEdited:
		return "edited"
	case EventReflectionRemoved:
		return "removed"
	case EventReflectionsSwapped:
		return "swapped"
	case EventReflectionsRestored:
		return "restored"
	default:
		return fmt.Sprintf("EventType(%d)", int(e))
	}
}

// Event is emitted to subscribers after every successful mutation. Index
// and Other are 1-based; Len is the catalogue size after the change.
// Subscribers are called outside the lock, so concurrent mutations may
// deliver events out of order; Seq increases with every mutation.
type Event struct {
	Seq   uint64
	Type  EventType
	Index int
	Other int
	Len   int
}

// ReflectionList is an ordered, thread-safe catalogue of reference
// reflections. Entries are addressed by contiguous 1-based indices and every
// structural mutation is serialised, so indices never have gaps.
type ReflectionList struct {
	mu       sync.RWMutex
	geometry core.Geometry
	clock    timectrl.Clock
	refs     []model.Reflection

	subs    map[int]func(Event)
	nextSub int
	seq     uint64
}

// Option customises a ReflectionList.
type Option func(*ReflectionList)

// WithClock sets the clock used to stamp reflections added without a time.
func WithClock(c timectrl.Clock) Option {
	return func(l *ReflectionList) {
		if c != nil {
			l.clock = c
		}
	}
}

// NewReflectionList constructs an empty catalogue bound to a geometry.
func NewReflectionList(g core.Geometry, opts ...Option) *ReflectionList {
	l := &ReflectionList{
		geometry: g,
		clock:    timectrl.SystemClock{},
		subs:     make(map[int]func(Event)),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Geometry returns the geometry positions are validated against.
func (l *ReflectionList) Geometry() core.Geometry { return l.geometry }

// Add appends a reflection at pos and returns its 1-based index. A zero at
// is replaced by the clock's current time.
func (l *ReflectionList) Add(hkl model.HKL, pos model.Position, energy float64, tag string, at model.Timestamp) (int, error) {
	r, err := l.build(hkl, pos, energy, tag, at)
	if err != nil {
		return 0, err
	}

	l.mu.Lock()
	l.refs = append(l.refs, r)
	ev := Event{Seq: l.nextSeq(), Type: EventReflectionAdded, Index: len(l.refs), Len: len(l.refs)}
	subs := l.subscribers()
	l.mu.Unlock()

	notify(subs, ev)
	return ev.Index, nil
}

// AddAngles is Add with a raw angle sequence in degrees, converted through
// the geometry.
func (l *ReflectionList) AddAngles(hkl model.HKL, angles []float64, energy float64, tag string, at model.Timestamp) (int, error) {
	pos, err := l.geometry.NewPosition(model.Degrees, angles...)
	if err != nil {
		return 0, err
	}
	return l.Add(hkl, pos, energy, tag, at)
}

// Edit replaces the reflection at the 1-based index. The replacement is
// validated in full before anything changes.
func (l *ReflectionList) Edit(index int, hkl model.HKL, pos model.Position, energy float64, tag string, at model.Timestamp) error {
	r, err := l.build(hkl, pos, energy, tag, at)
	if err != nil {
		return err
	}

	l.mu.Lock()
	if err := l.checkIndex(index, "edit"); err != nil {
		l.mu.Unlock()
		return err
	}
	l.refs[index-1] = r
	ev := Event{Seq: l.nextSeq(), Type: EventReflectionEdited, Index: index, Len: len(l.refs)}
	subs := l.subscribers()
	l.mu.Unlock()

	notify(subs, ev)
	return nil
}

// EditAngles is Edit with a raw angle sequence in degrees.
func (l *ReflectionList) EditAngles(index int, hkl model.HKL, angles []float64, energy float64, tag string, at model.Timestamp) error {
	pos, err := l.geometry.NewPosition(model.Degrees, angles...)
	if err != nil {
		return err
	}
	return l.Edit(index, hkl, pos, energy, tag, at)
}

// Get returns a copy of the reflection at the 1-based index.
func (l *ReflectionList) Get(index int) (model.Reflection, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if err := l.checkIndex(index, "get"); err != nil {
		return model.Reflection{}, err
	}
	return l.refs[index-1], nil
}

// ExternalAngles returns the reflection's position as physical axis values
// in degrees.
func (l *ReflectionList) ExternalAngles(index int) ([]float64, error) {
	r, err := l.Get(index)
	if err != nil {
		return nil, err
	}
	return l.geometry.ToPhysical(r.Position)
}

// Remove deletes the reflection at the 1-based index; later entries shift
// down by one.
func (l *ReflectionList) Remove(index int) error {
	l.mu.Lock()
	if err := l.checkIndex(index, "remove"); err != nil {
		l.mu.Unlock()
		return err
	}
	l.refs = append(l.refs[:index-1], l.refs[index:]...)
	ev := Event{Seq: l.nextSeq(), Type: EventReflectionRemoved, Index: index, Len: len(l.refs)}
	subs := l.subscribers()
	l.mu.Unlock()

	notify(subs, ev)
	return nil
}

// Swap exchanges two reflections by 1-based index.
func (l *ReflectionList) Swap(a, b int) error {
	l.mu.Lock()
	if err := l.checkIndex(a, "swap"); err != nil {
		l.mu.Unlock()
		return err
	}
	if err := l.checkIndex(b, "swap"); err != nil {
		l.mu.Unlock()
		return err
	}
	l.refs[a-1], l.refs[b-1] = l.refs[b-1], l.refs[a-1]
	ev := Event{Seq: l.nextSeq(), Type: EventReflectionsSwapped, Index: a, Other: b, Len: len(l.refs)}
	subs := l.subscribers()
	l.mu.Unlock()

	notify(subs, ev)
	return nil
}

// Len returns the number of reflections.
func (l *ReflectionList) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.refs)
}

// List returns a snapshot of all reflections in index order.
func (l *ReflectionList) List() []model.Reflection {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]model.Reflection(nil), l.refs...)
}

// Lines renders the catalogue as a table of energy, hkl, physical angles
// and tag.
func (l *ReflectionList) Lines() []string {
	refs := l.List()
	if len(refs) == 0 {
		return []string{"   <<< none specified >>>"}
	}

	axes := l.geometry.PhysicalAxisNames()
	var b strings.Builder
	fmt.Fprintf(&b, "     %6s %5s %5s %5s  ", "ENERGY", "H", "K", "L")
	for _, a := range axes {
		fmt.Fprintf(&b, "%8s ", strings.ToUpper(a))
	}
	b.WriteString(" TAG")
	lines := []string{b.String()}

	for i, r := range refs {
		b.Reset()
		fmt.Fprintf(&b, "  %2d %6.3f % 4.2f % 4.2f % 4.2f  ", i+1, r.Energy, r.HKL.H, r.HKL.K, r.HKL.L)
		phys, err := l.geometry.ToPhysical(r.Position)
		if err != nil {
			// stored positions were validated on the way in
			phys = make([]float64, len(axes))
		}
		for _, v := range phys {
			fmt.Fprintf(&b, "% 8.4f ", v)
		}
		fmt.Fprintf(&b, " %s", r.Tag)
		lines = append(lines, b.String())
	}
	return lines
}

func (l *ReflectionList) String() string {
	return strings.Join(l.Lines(), "\n")
}

// Subscribe registers a callback for catalogue events. It returns an
// unsubscribe function. Callbacks run outside the lock.
func (l *ReflectionList) Subscribe(fn func(Event)) (unsubscribe func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = fn

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.subs, id)
	}
}

func (l *ReflectionList) build(hkl model.HKL, pos model.Position, energy float64, tag string, at model.Timestamp) (model.Reflection, error) {
	if err := model.ValidateEnergy(energy); err != nil {
		return model.Reflection{}, err
	}
	// re-validate through the geometry so the axis count always matches
	p, err := l.geometry.NewPosition(model.Degrees, pos.InDegrees().Values()...)
	if err != nil {
		return model.Reflection{}, err
	}
	if at.IsZero() {
		at = model.NewTimestamp(l.clock.Now())
	}
	return model.Reflection{HKL: hkl, Position: p, Energy: energy, Tag: tag, Time: at}, nil
}

// checkIndex must be called with l.mu held.
func (l *ReflectionList) checkIndex(index int, op string) error {
	if index < 1 || index > len(l.refs) {
		return fmt.Errorf("%w: cannot %s reflection %d (have %d)", ErrNoSuchReflection, op, index, len(l.refs))
	}
	return nil
}

// nextSeq must be called with l.mu held for writing.
func (l *ReflectionList) nextSeq() uint64 {
	l.seq++
	return l.seq
}

// subscribers must be called with l.mu held.
func (l *ReflectionList) subscribers() []func(Event) {
	subs := make([]func(Event), 0, len(l.subs))
	for _, fn := range l.subs {
		subs = append(subs, fn)
	}
	return subs
}

func notify(subs []func(Event), ev Event) {
	for _, fn := range subs {
		fn(ev)
	}
}
