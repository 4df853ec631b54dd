package rpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/hklcalc/core"
	"github.com/signalsfoundry/hklcalc/model"
)

// Client is a typed wrapper over a connection serving ServiceName.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps cc.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// SessionInfo describes a freshly opened session.
type SessionInfo struct {
	ID         string
	Geometry   string
	SignPolicy string
	Axes       []string
	Constraint string
}

// ReflectionInfo is one catalogue entry as listed by the server.
type ReflectionInfo struct {
	Index  int
	HKL    model.HKL
	Angles []float64
	Energy float64
	Tag    string
	Time   string
}

// Solution is the answer to an hkl query.
type Solution struct {
	Angles  []float64
	Axes    []string
	Energy  float64
	Virtual map[string]float64
}

func (c *Client) call(ctx context.Context, method string, req map[string]any, opts ...grpc.CallOption) (map[string]any, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

func (c *Client) CreateSession(ctx context.Context, geometry, signPolicy string) (SessionInfo, error) {
	req := map[string]any{}
	if geometry != "" {
		req[fieldGeometry] = geometry
	}
	if signPolicy != "" {
		req[fieldSignPolicy] = signPolicy
	}
	resp, err := c.call(ctx, "CreateSession", req)
	if err != nil {
		return SessionInfo{}, err
	}
	return SessionInfo{
		ID:         str(resp[fieldSessionID]),
		Geometry:   str(resp[fieldGeometry]),
		SignPolicy: str(resp[fieldSignPolicy]),
		Axes:       strs(resp[fieldAxes]),
		Constraint: str(resp["constraint"]),
	}, nil
}

func (c *Client) CloseSession(ctx context.Context, id string) error {
	_, err := c.call(ctx, "CloseSession", map[string]any{fieldSessionID: id})
	return err
}

func (c *Client) SetLattice(ctx context.Context, id string, l core.Lattice) error {
	_, err := c.call(ctx, "SetLattice", map[string]any{
		fieldSessionID: id,
		fieldName:      l.Name,
		"a":            l.A,
		"b":            l.B,
		"c":            l.C,
		"alpha":        l.Alpha,
		"beta":         l.Beta,
		"gamma":        l.Gamma,
	})
	return err
}

// SetUB installs nine row-major values.
func (c *Client) SetUB(ctx context.Context, id string, ub []float64) error {
	_, err := c.call(ctx, "SetUB", map[string]any{fieldSessionID: id, fieldUB: numberList(ub)})
	return err
}

func (c *Client) GetUB(ctx context.Context, id string) ([]float64, error) {
	resp, err := c.call(ctx, "GetUB", map[string]any{fieldSessionID: id})
	if err != nil {
		return nil, err
	}
	return floats(resp[fieldUB]), nil
}

// CalculateUB fits UB from the given 1-based reflection indices, or from the
// whole catalogue when none are given.
func (c *Client) CalculateUB(ctx context.Context, id string, indices ...int) ([]float64, error) {
	req := map[string]any{fieldSessionID: id}
	if len(indices) > 0 {
		list := make([]any, len(indices))
		for i, v := range indices {
			list[i] = v
		}
		req[fieldIndices] = list
	}
	resp, err := c.call(ctx, "CalculateUB", req)
	if err != nil {
		return nil, err
	}
	return floats(resp[fieldUB]), nil
}

// SetConstraint selects a reference condition; valueDeg is nil for
// betain_eq_betaout.
func (c *Client) SetConstraint(ctx context.Context, id, name string, valueDeg *float64) (string, error) {
	req := map[string]any{fieldSessionID: id, fieldName: name}
	if valueDeg != nil {
		req[fieldValue] = *valueDeg
	}
	resp, err := c.call(ctx, "SetConstraint", req)
	if err != nil {
		return "", err
	}
	return str(resp["constraint"]), nil
}

// AddReflection records hkl at angles in degrees. Nil angles use the
// instrument's current position; a zero energy uses the instrument's energy.
func (c *Client) AddReflection(ctx context.Context, id string, hkl model.HKL, angles []float64, energy float64, tag string) (int, error) {
	req := hklRequest(id, hkl)
	if angles != nil {
		req[fieldAngles] = numberList(angles)
	}
	if energy != 0 {
		req[fieldEnergy] = energy
	}
	if tag != "" {
		req[fieldTag] = tag
	}
	resp, err := c.call(ctx, "AddReflection", req)
	if err != nil {
		return 0, err
	}
	return integer(resp[fieldIndex]), nil
}

// EditReflection replaces the reflection at index. Nil angles and a zero
// energy keep the stored values.
func (c *Client) EditReflection(ctx context.Context, id string, index int, hkl model.HKL, angles []float64, energy float64, tag string) error {
	req := hklRequest(id, hkl)
	req[fieldIndex] = index
	if angles != nil {
		req[fieldAngles] = numberList(angles)
	}
	if energy != 0 {
		req[fieldEnergy] = energy
	}
	req[fieldTag] = tag
	_, err := c.call(ctx, "EditReflection", req)
	return err
}

func (c *Client) RemoveReflection(ctx context.Context, id string, index int) error {
	_, err := c.call(ctx, "RemoveReflection", map[string]any{fieldSessionID: id, fieldIndex: index})
	return err
}

func (c *Client) SwapReflections(ctx context.Context, id string, a, b int) error {
	_, err := c.call(ctx, "SwapReflections", map[string]any{fieldSessionID: id, "a": a, "b": b})
	return err
}

func (c *Client) ListReflections(ctx context.Context, id string) ([]ReflectionInfo, error) {
	resp, err := c.call(ctx, "ListReflections", map[string]any{fieldSessionID: id})
	if err != nil {
		return nil, err
	}
	items, _ := resp["reflections"].([]any)
	out := make([]ReflectionInfo, 0, len(items))
	for _, item := range items {
		m, _ := item.(map[string]any)
		out = append(out, ReflectionInfo{
			Index:  integer(m[fieldIndex]),
			HKL:    hklFromFields(m),
			Angles: floats(m[fieldAngles]),
			Energy: number(m[fieldEnergy]),
			Tag:    str(m[fieldTag]),
			Time:   str(m[fieldTime]),
		})
	}
	return out, nil
}

// ExportReflections returns the session document as YAML.
func (c *Client) ExportReflections(ctx context.Context, id string) (string, error) {
	resp, err := c.call(ctx, "ExportReflections", map[string]any{fieldSessionID: id})
	if err != nil {
		return "", err
	}
	return str(resp["yaml"]), nil
}

// ImportReflections applies a YAML document and returns the catalogue size.
func (c *Client) ImportReflections(ctx context.Context, id, doc string) (int, error) {
	resp, err := c.call(ctx, "ImportReflections", map[string]any{fieldSessionID: id, "yaml": doc})
	if err != nil {
		return 0, err
	}
	return integer(resp["count"]), nil
}

// HklToAngles solves for hkl. A zero energy uses the instrument's energy.
func (c *Client) HklToAngles(ctx context.Context, id string, hkl model.HKL, energy float64) (Solution, error) {
	req := hklRequest(id, hkl)
	if energy != 0 {
		req[fieldEnergy] = energy
	}
	resp, err := c.call(ctx, "HklToAngles", req)
	if err != nil {
		return Solution{}, err
	}
	sol := Solution{
		Angles:  floats(resp[fieldAngles]),
		Axes:    strs(resp[fieldAxes]),
		Energy:  number(resp[fieldEnergy]),
		Virtual: map[string]float64{},
	}
	if v, ok := resp["virtual"].(map[string]any); ok {
		for k, x := range v {
			sol.Virtual[k] = number(x)
		}
	}
	return sol, nil
}

// AnglesToHkl maps angles in degrees to hkl. A zero energy uses the
// instrument's energy.
func (c *Client) AnglesToHkl(ctx context.Context, id string, angles []float64, energy float64) (model.HKL, error) {
	req := map[string]any{fieldSessionID: id, fieldAngles: numberList(angles)}
	if energy != 0 {
		req[fieldEnergy] = energy
	}
	resp, err := c.call(ctx, "AnglesToHkl", req)
	if err != nil {
		return model.HKL{}, err
	}
	return hklFromFields(resp), nil
}

// CurrentHkl returns the instrument's hkl and angles.
func (c *Client) CurrentHkl(ctx context.Context, id string) (model.HKL, []float64, error) {
	resp, err := c.call(ctx, "CurrentHkl", map[string]any{fieldSessionID: id})
	if err != nil {
		return model.HKL{}, nil, err
	}
	return hklFromFields(resp), floats(resp[fieldAngles]), nil
}

// SetMonitor sets the simulated instrument. Nil angles or a zero energy
// leave that reading unchanged.
func (c *Client) SetMonitor(ctx context.Context, id string, angles []float64, energy float64) error {
	req := map[string]any{fieldSessionID: id}
	if angles != nil {
		req[fieldAngles] = numberList(angles)
	}
	if energy != 0 {
		req[fieldEnergy] = energy
	}
	_, err := c.call(ctx, "SetMonitor", req)
	return err
}

// MoveAxes sets the named physical axes of the simulated instrument, in
// degrees, and returns every axis reading afterwards.
func (c *Client) MoveAxes(ctx context.Context, id string, values map[string]float64) (map[string]float64, error) {
	obj := make(map[string]any, len(values))
	for k, v := range values {
		obj[k] = v
	}
	resp, err := c.call(ctx, "SetMonitor", map[string]any{fieldSessionID: id, fieldAxisValues: obj})
	if err != nil {
		return nil, err
	}
	readings, _ := resp[fieldAxisValues].(map[string]any)
	out := make(map[string]float64, len(readings))
	for k, v := range readings {
		out[k] = number(v)
	}
	return out, nil
}

// SetEnergyReading sets the instrument's raw energy reading together with
// the factor that converts it to keV.
func (c *Client) SetEnergyReading(ctx context.Context, id string, raw, multiplier float64) error {
	_, err := c.call(ctx, "SetMonitor", map[string]any{
		fieldSessionID:        id,
		fieldEnergy:           raw,
		fieldEnergyMultiplier: multiplier,
	})
	return err
}

func hklRequest(id string, hkl model.HKL) map[string]any {
	return map[string]any{fieldSessionID: id, "h": hkl.H, "k": hkl.K, "l": hkl.L}
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func number(v any) float64 {
	f, _ := v.(float64)
	return f
}

func integer(v any) int {
	return int(number(v))
}

func floats(v any) []float64 {
	list, _ := v.([]any)
	out := make([]float64, 0, len(list))
	for _, x := range list {
		out = append(out, number(x))
	}
	return out
}

func strs(v any) []string {
	list, _ := v.([]any)
	out := make([]string, 0, len(list))
	for _, x := range list {
		out = append(out, str(x))
	}
	return out
}
