package rpc

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/hklcalc/model"
)

// Field names shared by requests and responses.
const (
	fieldSessionID  = "session_id"
	fieldGeometry   = "geometry"
	fieldSignPolicy = "sign_policy"
	fieldAxes       = "axes"
	fieldAngles     = "angles"
	fieldEnergy     = "energy"
	fieldAxisValues = "axis_values"
	fieldUB         = "ub"
	fieldIndex      = "index"
	fieldIndices    = "indices"
	fieldTag        = "tag"
	fieldTime       = "time"
	fieldName       = "name"
	fieldValue      = "value"
	fieldState      = "state"

	fieldEnergyMultiplier = "energy_multiplier"
)

// request wraps an incoming Struct with typed, validating accessors.
type request struct {
	fields map[string]*structpb.Value
}

func newRequest(in *structpb.Struct) request {
	return request{fields: in.GetFields()}
}

func (r request) has(key string) bool {
	v, ok := r.fields[key]
	if !ok {
		return false
	}
	_, isNull := v.GetKind().(*structpb.Value_NullValue)
	return !isNull
}

func (r request) str(key string) (string, error) {
	v, ok := r.fields[key]
	if !ok {
		return "", nil
	}
	s, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string", ErrInvalidRequest, key)
	}
	return s.StringValue, nil
}

func (r request) requiredStr(key string) (string, error) {
	s, err := r.str(key)
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", fmt.Errorf("%w: %s is required", ErrInvalidRequest, key)
	}
	return s, nil
}

func (r request) number(key string) (float64, error) {
	v, ok := r.fields[key]
	if !ok {
		return 0, fmt.Errorf("%w: %s is required", ErrInvalidRequest, key)
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, fmt.Errorf("%w: %s must be a number", ErrInvalidRequest, key)
	}
	if math.IsNaN(n.NumberValue) || math.IsInf(n.NumberValue, 0) {
		return 0, fmt.Errorf("%w: %s must be finite", ErrInvalidRequest, key)
	}
	return n.NumberValue, nil
}

func (r request) optionalNumber(key string) (*float64, error) {
	if !r.has(key) {
		return nil, nil
	}
	n, err := r.number(key)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (r request) integer(key string) (int, error) {
	n, err := r.number(key)
	if err != nil {
		return 0, err
	}
	if n != math.Trunc(n) {
		return 0, fmt.Errorf("%w: %s must be an integer", ErrInvalidRequest, key)
	}
	return int(n), nil
}

func (r request) numbers(key string) ([]float64, error) {
	v, ok := r.fields[key]
	if !ok {
		return nil, nil
	}
	list, ok := v.GetKind().(*structpb.Value_ListValue)
	if !ok {
		return nil, fmt.Errorf("%w: %s must be a list of numbers", ErrInvalidRequest, key)
	}
	out := make([]float64, 0, len(list.ListValue.GetValues()))
	for i, item := range list.ListValue.GetValues() {
		n, ok := item.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return nil, fmt.Errorf("%w: %s[%d] must be a number", ErrInvalidRequest, key, i)
		}
		out = append(out, n.NumberValue)
	}
	return out, nil
}

func (r request) integers(key string) ([]int, error) {
	vals, err := r.numbers(key)
	if err != nil {
		return nil, err
	}
	out := make([]int, 0, len(vals))
	for i, v := range vals {
		if v != math.Trunc(v) {
			return nil, fmt.Errorf("%w: %s[%d] must be an integer", ErrInvalidRequest, key, i)
		}
		out = append(out, int(v))
	}
	return out, nil
}

func (r request) object(key string) (*structpb.Struct, error) {
	v, ok := r.fields[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s is required", ErrInvalidRequest, key)
	}
	s, ok := v.GetKind().(*structpb.Value_StructValue)
	if !ok {
		return nil, fmt.Errorf("%w: %s must be an object", ErrInvalidRequest, key)
	}
	return s.StructValue, nil
}

func (r request) hkl() (model.HKL, error) {
	var m model.HKL
	var err error
	if m.H, err = r.number("h"); err != nil {
		return model.HKL{}, err
	}
	if m.K, err = r.number("k"); err != nil {
		return model.HKL{}, err
	}
	if m.L, err = r.number("l"); err != nil {
		return model.HKL{}, err
	}
	return m, nil
}

// response builds an outgoing Struct.
type response map[string]any

func (r response) build() (*structpb.Struct, error) {
	s, err := structpb.NewStruct(r)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return s, nil
}

// asMap strips the named type so structpb accepts r as a nested object.
func (r response) asMap() map[string]any { return map[string]any(r) }

func hklFields(r response, m model.HKL) response {
	r["h"] = m.H
	r["k"] = m.K
	r["l"] = m.L
	return r
}

func numberList(vals []float64) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = v
	}
	return out
}

func stringList(vals []string) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = v
	}
	return out
}

func hklFromFields(m map[string]any) model.HKL {
	f := func(k string) float64 {
		v, _ := m[k].(float64)
		return v
	}
	return model.HKL{H: f("h"), K: f("k"), L: f("l")}
}
