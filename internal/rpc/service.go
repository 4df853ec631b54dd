// Package rpc serves diffractometer sessions over gRPC. Messages are
// google.protobuf.Struct values so no generated code is needed.
package rpc

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/hklcalc/core"
	"github.com/signalsfoundry/hklcalc/hardware"
	"github.com/signalsfoundry/hklcalc/internal/logging"
	"github.com/signalsfoundry/hklcalc/internal/state"
	"github.com/signalsfoundry/hklcalc/internal/statefile"
	"github.com/signalsfoundry/hklcalc/model"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "hklcalc.v1.Diffractometer"

// DiffractometerServer is the server API of ServiceName.
type DiffractometerServer interface {
	CreateSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CloseSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetLattice(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetUB(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetUB(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CalculateUB(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetConstraint(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AddReflection(context.Context, *structpb.Struct) (*structpb.Struct, error)
	EditReflection(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RemoveReflection(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SwapReflections(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListReflections(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ExportReflections(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ImportReflections(context.Context, *structpb.Struct) (*structpb.Struct, error)
	HklToAngles(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AnglesToHkl(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CurrentHkl(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetMonitor(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes ServiceName for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DiffractometerServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("CreateSession", DiffractometerServer.CreateSession),
		unary("CloseSession", DiffractometerServer.CloseSession),
		unary("SetLattice", DiffractometerServer.SetLattice),
		unary("SetUB", DiffractometerServer.SetUB),
		unary("GetUB", DiffractometerServer.GetUB),
		unary("CalculateUB", DiffractometerServer.CalculateUB),
		unary("SetConstraint", DiffractometerServer.SetConstraint),
		unary("AddReflection", DiffractometerServer.AddReflection),
		unary("EditReflection", DiffractometerServer.EditReflection),
		unary("RemoveReflection", DiffractometerServer.RemoveReflection),
		unary("SwapReflections", DiffractometerServer.SwapReflections),
		unary("ListReflections", DiffractometerServer.ListReflections),
		unary("ExportReflections", DiffractometerServer.ExportReflections),
		unary("ImportReflections", DiffractometerServer.ImportReflections),
		unary("HklToAngles", DiffractometerServer.HklToAngles),
		unary("AnglesToHkl", DiffractometerServer.AnglesToHkl),
		unary("CurrentHkl", DiffractometerServer.CurrentHkl),
		unary("SetMonitor", DiffractometerServer.SetMonitor),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "hklcalc/v1/diffractometer",
}

// RegisterDiffractometerServer registers srv on s.
func RegisterDiffractometerServer(s grpc.ServiceRegistrar, srv DiffractometerServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// unary adapts a server method into a MethodDesc. Errors leave the handler
// already mapped by ToStatusError so interceptors observe the final code.
func unary(name string, call func(DiffractometerServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				resp, err := call(srv.(DiffractometerServer), ctx, req.(*structpb.Struct))
				if err != nil {
					return nil, ToStatusError(err)
				}
				return resp, nil
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// Service implements DiffractometerServer over a session Registry.
type Service struct {
	sessions *Registry
	log      logging.Logger
}

var _ DiffractometerServer = (*Service)(nil)

// NewService wires a Service to the registry and optional logger.
func NewService(sessions *Registry, log logging.Logger) *Service {
	if log == nil {
		log = logging.Noop()
	}
	return &Service{sessions: sessions, log: log}
}

func (s *Service) CreateSession(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := newRequest(in)
	geometry, err := req.str(fieldGeometry)
	if err != nil {
		return nil, err
	}
	policy, err := req.str(fieldSignPolicy)
	if err != nil {
		return nil, err
	}
	id, err := s.sessions.Create(ctx, geometry, policy)
	if err != nil {
		return nil, err
	}
	st, err := s.sessions.State(id)
	if err != nil {
		return nil, err
	}
	snap := st.Snapshot()
	return response{
		fieldSessionID:  id,
		fieldGeometry:   snap.Geometry,
		fieldSignPolicy: snap.SignPolicy.String(),
		fieldAxes:       stringList(st.Geometry().AxisNames()),
		"constraint":    core.ConstraintString(snap.Session.Constraint),
		"has_ub":        snap.Session.HasUB,
	}.build()
}

func (s *Service) CloseSession(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := newRequest(in).requiredStr(fieldSessionID)
	if err != nil {
		return nil, err
	}
	if err := s.sessions.Close(ctx, id); err != nil {
		return nil, err
	}
	return response{}.build()
}

func (s *Service) SetLattice(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := newRequest(in)
	st, err := s.state(req)
	if err != nil {
		return nil, err
	}
	name, err := req.str(fieldName)
	if err != nil {
		return nil, err
	}
	l := core.Lattice{Name: name}
	for _, f := range []struct {
		key string
		dst *float64
	}{
		{"a", &l.A}, {"b", &l.B}, {"c", &l.C},
		{"alpha", &l.Alpha}, {"beta", &l.Beta}, {"gamma", &l.Gamma},
	} {
		if *f.dst, err = req.number(f.key); err != nil {
			return nil, err
		}
	}
	if err := st.SetLattice(ctx, l); err != nil {
		return nil, err
	}
	return response{"lattice": l.String()}.build()
}

func (s *Service) SetUB(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := newRequest(in)
	st, err := s.state(req)
	if err != nil {
		return nil, err
	}
	vals, err := req.numbers(fieldUB)
	if err != nil {
		return nil, err
	}
	ub, err := core.Mat3FromSlice(vals)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRequest, fieldUB, err)
	}
	if err := st.SetUB(ctx, ub); err != nil {
		return nil, err
	}
	return response{fieldUB: numberList(ub.Flatten())}.build()
}

func (s *Service) GetUB(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	st, err := s.state(newRequest(in))
	if err != nil {
		return nil, err
	}
	ub, err := st.Session().UB()
	if err != nil {
		return nil, err
	}
	return response{fieldUB: numberList(ub.Flatten())}.build()
}

func (s *Service) CalculateUB(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := newRequest(in)
	id, st, err := s.session(req)
	if err != nil {
		return nil, err
	}
	indices, err := req.integers(fieldIndices)
	if err != nil {
		return nil, err
	}

	ctx, span := StartChildSpan(ctx, "State.CalculateUB", id, attribute.IntSlice("indices", indices))
	defer span.End()

	ub, err := st.CalculateUB(ctx, indices...)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return response{fieldUB: numberList(ub.Flatten())}.build()
}

func (s *Service) SetConstraint(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := newRequest(in)
	st, err := s.state(req)
	if err != nil {
		return nil, err
	}
	name, err := req.requiredStr(fieldName)
	if err != nil {
		return nil, err
	}
	deg, err := req.optionalNumber(fieldValue)
	if err != nil {
		return nil, err
	}
	c, err := statefile.ConstraintEntry{Name: name, Value: deg}.Parse()
	if err != nil {
		return nil, err
	}
	if err := st.SetConstraint(ctx, c); err != nil {
		return nil, err
	}
	return response{"constraint": core.ConstraintString(c)}.build()
}

func (s *Service) AddReflection(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := newRequest(in)
	st, err := s.state(req)
	if err != nil {
		return nil, err
	}
	hkl, err := req.hkl()
	if err != nil {
		return nil, err
	}
	tag, err := req.str(fieldTag)
	if err != nil {
		return nil, err
	}

	var idx int
	if req.has(fieldAngles) {
		angles, err := req.numbers(fieldAngles)
		if err != nil {
			return nil, err
		}
		energy, err := s.energy(ctx, req, st, nil)
		if err != nil {
			return nil, err
		}
		idx, err = st.Reflections().AddAngles(hkl, angles, energy, tag, model.Timestamp{})
		if err != nil {
			return nil, err
		}
		loggerFrom(ctx, s.log).Info(ctx, "reflection added",
			logging.Int("index", idx),
			logging.String("hkl", hkl.String()))
	} else {
		idx, err = st.AddReflectionHere(ctx, hkl, tag)
		if err != nil {
			return nil, err
		}
	}
	return response{fieldIndex: idx}.build()
}

func (s *Service) EditReflection(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := newRequest(in)
	st, err := s.state(req)
	if err != nil {
		return nil, err
	}
	idx, err := req.integer(fieldIndex)
	if err != nil {
		return nil, err
	}
	old, err := st.Reflections().Get(idx)
	if err != nil {
		return nil, err
	}
	hkl, err := req.hkl()
	if err != nil {
		return nil, err
	}
	angles := old.Position.InDegrees().Values()
	if req.has(fieldAngles) {
		if angles, err = req.numbers(fieldAngles); err != nil {
			return nil, err
		}
	}
	energy, err := s.energy(ctx, req, st, &old.Energy)
	if err != nil {
		return nil, err
	}
	tag := old.Tag
	if req.has(fieldTag) {
		if tag, err = req.str(fieldTag); err != nil {
			return nil, err
		}
	}
	at := old.Time
	if req.has(fieldTime) {
		text, err := req.requiredStr(fieldTime)
		if err != nil {
			return nil, err
		}
		if at, err = model.ParseTimestamp(text); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRequest, fieldTime, err)
		}
	}
	if err := st.Reflections().EditAngles(idx, hkl, angles, energy, tag, at); err != nil {
		return nil, err
	}
	return response{fieldIndex: idx}.build()
}

func (s *Service) RemoveReflection(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := newRequest(in)
	st, err := s.state(req)
	if err != nil {
		return nil, err
	}
	idx, err := req.integer(fieldIndex)
	if err != nil {
		return nil, err
	}
	if err := st.Reflections().Remove(idx); err != nil {
		return nil, err
	}
	return response{"count": st.Reflections().Len()}.build()
}

func (s *Service) SwapReflections(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := newRequest(in)
	st, err := s.state(req)
	if err != nil {
		return nil, err
	}
	a, err := req.integer("a")
	if err != nil {
		return nil, err
	}
	b, err := req.integer("b")
	if err != nil {
		return nil, err
	}
	if err := st.Reflections().Swap(a, b); err != nil {
		return nil, err
	}
	return response{}.build()
}

func (s *Service) ListReflections(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	st, err := s.state(newRequest(in))
	if err != nil {
		return nil, err
	}
	refs := st.Reflections().List()
	items := make([]any, 0, len(refs))
	for i, r := range refs {
		ts, err := r.Time.MarshalText()
		if err != nil {
			return nil, err
		}
		items = append(items, hklFields(response{
			fieldIndex:  i + 1,
			fieldAngles: numberList(r.Position.InDegrees().Values()),
			fieldEnergy: r.Energy,
			fieldTag:    r.Tag,
			fieldTime:   string(ts),
		}, r.HKL).asMap())
	}
	return response{
		"reflections": items,
		"lines":       stringList(st.Reflections().Lines()),
	}.build()
}

// ExportReflections returns the session document, as a Struct under
// "state" and as YAML text under "yaml".
func (s *Service) ExportReflections(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	st, err := s.state(newRequest(in))
	if err != nil {
		return nil, err
	}
	data, err := statefile.Marshal(statefile.Capture(st))
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("re-read state: %w", err)
	}
	return response{fieldState: doc, "yaml": string(data)}.build()
}

// ImportReflections applies a document given as a "state" Struct or as
// "yaml" text. The catalogue is replaced.
func (s *Service) ImportReflections(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := newRequest(in)
	id, st, err := s.session(req)
	if err != nil {
		return nil, err
	}

	var data []byte
	if req.has("yaml") {
		text, err := req.str("yaml")
		if err != nil {
			return nil, err
		}
		data = []byte(text)
	} else {
		obj, err := req.object(fieldState)
		if err != nil {
			return nil, err
		}
		if data, err = yaml.Marshal(obj.AsMap()); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRequest, fieldState, err)
		}
	}
	doc, err := statefile.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	ctx, span := StartChildSpan(ctx, "Document.Apply", id, attribute.Int("reflections", len(doc.Reflections)))
	defer span.End()
	if err := doc.Apply(ctx, st); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return response{"count": st.Reflections().Len()}.build()
}

func (s *Service) HklToAngles(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := newRequest(in)
	st, err := s.state(req)
	if err != nil {
		return nil, err
	}
	hkl, err := req.hkl()
	if err != nil {
		return nil, err
	}
	energy, err := s.energy(ctx, req, st, nil)
	if err != nil {
		return nil, err
	}
	pos, va, err := st.HklToAngles(ctx, hkl, energy)
	if err != nil {
		return nil, err
	}
	virtual := make(map[string]any, 3)
	for k, v := range va.Degrees() {
		virtual[k] = v
	}
	return response{
		fieldAngles: numberList(pos.InDegrees().Values()),
		fieldAxes:   stringList(st.Geometry().AxisNames()),
		fieldEnergy: energy,
		"virtual":   virtual,
	}.build()
}

func (s *Service) AnglesToHkl(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := newRequest(in)
	st, err := s.state(req)
	if err != nil {
		return nil, err
	}
	angles, err := req.numbers(fieldAngles)
	if err != nil {
		return nil, err
	}
	pos, err := st.Geometry().NewPosition(model.Degrees, angles...)
	if err != nil {
		return nil, err
	}
	energy, err := s.energy(ctx, req, st, nil)
	if err != nil {
		return nil, err
	}
	hkl, err := st.AnglesToHkl(ctx, pos, energy)
	if err != nil {
		return nil, err
	}
	return hklFields(response{fieldEnergy: energy}, hkl).build()
}

func (s *Service) CurrentHkl(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	st, err := s.state(newRequest(in))
	if err != nil {
		return nil, err
	}
	hkl, pos, err := st.CurrentHkl(ctx)
	if err != nil {
		return nil, err
	}
	return hklFields(response{fieldAngles: numberList(pos.InDegrees().Values())}, hkl).build()
}

// SetMonitor updates the session's simulated instrument. "angles" sets
// every physical axis, "axis_values" maps axis names to degrees and is
// applied afterwards, "energy" is the raw energy reading and
// "energy_multiplier" converts raw readings to keV. Every field is optional
// and nothing changes unless all of them are valid. The reply carries the
// resulting axis readings by name.
func (s *Service) SetMonitor(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := newRequest(in)
	id, err := req.requiredStr(fieldSessionID)
	if err != nil {
		return nil, err
	}
	sess, err := s.sessions.get(id)
	if err != nil {
		return nil, err
	}
	mon := sess.monitor

	var angles []float64
	if req.has(fieldAngles) {
		if angles, err = req.numbers(fieldAngles); err != nil {
			return nil, err
		}
		if _, err := sess.state.Geometry().FromPhysical(angles); err != nil {
			return nil, err
		}
	}
	axisValues := map[string]float64{}
	if req.has(fieldAxisValues) {
		obj, err := req.object(fieldAxisValues)
		if err != nil {
			return nil, err
		}
		values := newRequest(obj)
		known := map[string]bool{}
		for _, name := range mon.AxisNames() {
			known[name] = true
		}
		for name := range obj.GetFields() {
			if !known[name] {
				return nil, fmt.Errorf("%w: %q", hardware.ErrUnknownAxis, name)
			}
			if axisValues[name], err = values.number(name); err != nil {
				return nil, err
			}
		}
	}
	var multiplier *float64
	if multiplier, err = req.optionalNumber(fieldEnergyMultiplier); err != nil {
		return nil, err
	}
	if multiplier != nil && *multiplier <= 0 {
		return nil, fmt.Errorf("%w: %s must be positive", ErrInvalidRequest, fieldEnergyMultiplier)
	}
	var raw *float64
	if raw, err = req.optionalNumber(fieldEnergy); err != nil {
		return nil, err
	}
	if raw != nil {
		if err := model.ValidateEnergy(*raw); err != nil {
			return nil, err
		}
	}

	if angles != nil {
		if err := mon.SetPosition(angles...); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}
	for name, deg := range axisValues {
		if err := mon.SetAxis(name, deg); err != nil {
			return nil, err
		}
	}
	if multiplier != nil {
		mon.SetEnergyMultiplier(*multiplier)
	}
	if raw != nil {
		mon.SetEnergy(*raw)
	}

	readings := make(map[string]any, len(mon.AxisNames()))
	for _, name := range mon.AxisNames() {
		v, err := hardware.PositionByName(ctx, mon, name)
		if err != nil {
			return nil, err
		}
		readings[name] = v
	}
	return response{fieldAxisValues: readings}.build()
}

func (s *Service) state(req request) (*state.DiffractometerState, error) {
	_, st, err := s.session(req)
	return st, err
}

func (s *Service) session(req request) (string, *state.DiffractometerState, error) {
	if s == nil || s.sessions == nil {
		return "", nil, fmt.Errorf("%w: no session registry configured", ErrUnknownSession)
	}
	id, err := req.requiredStr(fieldSessionID)
	if err != nil {
		return "", nil, err
	}
	st, err := s.sessions.State(id)
	if err != nil {
		return "", nil, err
	}
	return id, st, nil
}

// energy reads the request's energy in keV, falling back to def and then
// to the monitor.
func (s *Service) energy(ctx context.Context, req request, st *state.DiffractometerState, def *float64) (float64, error) {
	if req.has(fieldEnergy) {
		e, err := req.number(fieldEnergy)
		if err != nil {
			return 0, err
		}
		return e, model.ValidateEnergy(e)
	}
	if def != nil {
		return *def, nil
	}
	return st.Monitor().Energy(ctx)
}
