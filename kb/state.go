package kb

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/signalsfoundry/hklcalc/model"
)

// ErrInvalidStateKey is returned for a persisted key not of the form ref_<n>.
var ErrInvalidStateKey = errors.New("invalid reflection key")

// statePrefix starts every persisted key; the numeric suffix carries order.
const statePrefix = "ref_"

// ReflectionState is the flat persisted form of one reflection. Position is
// the internal axis tuple in degrees.
type ReflectionState struct {
	H        float64         `yaml:"h" json:"h"`
	K        float64         `yaml:"k" json:"k"`
	L        float64         `yaml:"l" json:"l"`
	Position []float64       `yaml:"position,flow" json:"position"`
	Energy   float64         `yaml:"energy" json:"energy"`
	Tag      string          `yaml:"tag,omitempty" json:"tag,omitempty"`
	Time     model.Timestamp `yaml:"time" json:"time"`
}

// State maps ref_0, ref_1, ... to reflections in catalogue order.
type State map[string]ReflectionState

// StateKey returns the persisted key of the reflection at the 0-based
// position n.
func StateKey(n int) string {
	return statePrefix + strconv.Itoa(n)
}

// State serialises the catalogue.
func (l *ReflectionList) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()

	st := make(State, len(l.refs))
	for n, r := range l.refs {
		st[StateKey(n)] = ReflectionState{
			H:        r.HKL.H,
			K:        r.HKL.K,
			L:        r.HKL.L,
			Position: r.Position.InDegrees().Values(),
			Energy:   r.Energy,
			Tag:      r.Tag,
			Time:     r.Time,
		}
	}
	return st
}

// OrderedKeys returns the keys of st sorted by numeric suffix, so ref_10
// follows ref_9. Keys without the ref_<n> form are rejected.
func (st State) OrderedKeys() ([]string, error) {
	type key struct {
		name string
		n    int
	}
	keys := make([]key, 0, len(st))
	for name := range st {
		suffix, ok := strings.CutPrefix(name, statePrefix)
		if !ok {
			return nil, fmt.Errorf("%w: %q lacks %q prefix", ErrInvalidStateKey, name, statePrefix)
		}
		n, err := strconv.Atoi(suffix)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: %q has no ordinal suffix", ErrInvalidStateKey, name)
		}
		keys = append(keys, key{name, n})
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].n < keys[j].n })

	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.name
	}
	return out, nil
}

// Restore replaces the catalogue with the contents of st, in key order.
// Every entry is validated first; on error the catalogue is left unchanged.
func (l *ReflectionList) Restore(st State) error {
	keys, err := st.OrderedKeys()
	if err != nil {
		return err
	}
	refs := make([]model.Reflection, 0, len(keys))
	for _, k := range keys {
		rs := st[k]
		pos, err := l.geometry.NewPosition(model.Degrees, rs.Position...)
		if err != nil {
			return fmt.Errorf("restore %s: %w", k, err)
		}
		if err := model.ValidateEnergy(rs.Energy); err != nil {
			return fmt.Errorf("restore %s: %w", k, err)
		}
		refs = append(refs, model.Reflection{
			HKL:      model.HKL{H: rs.H, K: rs.K, L: rs.L},
			Position: pos,
			Energy:   rs.Energy,
			Tag:      rs.Tag,
			Time:     rs.Time,
		})
	}

	l.mu.Lock()
	l.refs = refs
	ev := Event{Seq: l.nextSeq(), Type: EventReflectionsRestored, Len: len(refs)}
	subs := l.subscribers()
	l.mu.Unlock()

	notify(subs, ev)
	return nil
}
