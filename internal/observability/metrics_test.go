package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/hklcalc/core"
	"github.com/signalsfoundry/hklcalc/model"
)

func TestUnaryInterceptorRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewRPCCollector(reg)
	if err != nil {
		t.Fatalf("NewRPCCollector: %v", err)
	}

	interceptor := collector.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/hklcalc.v1.Diffractometer/HklToAngles"}

	_, err = interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		time.Sleep(time.Millisecond)
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("interceptor handler returned error: %v", err)
	}

	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("Diffractometer", "HklToAngles", "OK")); got != 1 {
		t.Fatalf("hklcalc_rpc_requests_total = %v, want 1", got)
	}

	if count := histogramSampleCount(t, reg, "hklcalc_rpc_request_duration_seconds", map[string]string{
		"service": "Diffractometer",
		"method":  "HklToAngles",
	}); count != 1 {
		t.Fatalf("hklcalc_rpc_request_duration_seconds sample_count = %d, want 1", count)
	}
}

func TestUnaryInterceptorRecordsErrorCode(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewRPCCollector(reg)
	if err != nil {
		t.Fatalf("NewRPCCollector: %v", err)
	}

	interceptor := collector.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/hklcalc.v1.Diffractometer/AddReflection"}

	_, _ = interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, status.Error(codes.InvalidArgument, "boom")
	})

	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("Diffractometer", "AddReflection", "InvalidArgument")); got != 1 {
		t.Fatalf("hklcalc_rpc_requests_total error label = %v, want 1", got)
	}
}

func TestReflectionRecorderAggregatesSessions(t *testing.T) {
	collector, err := NewRPCCollector(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewRPCCollector: %v", err)
	}
	a := collector.ReflectionRecorder()
	b := collector.ReflectionRecorder()

	a.SetReflectionCount(3)
	b.SetReflectionCount(2)
	a.SetReflectionCount(1)
	if got := testutil.ToFloat64(collector.Reflections); got != 3 {
		t.Fatalf("hklcalc_reflections = %v, want 3", got)
	}
	b.Release()
	if got := testutil.ToFloat64(collector.Reflections); got != 1 {
		t.Fatalf("hklcalc_reflections after release = %v, want 1", got)
	}

	collector.SessionOpened()
	collector.SessionOpened()
	collector.SessionClosed()
	if got := testutil.ToFloat64(collector.Sessions); got != 1 {
		t.Fatalf("hklcalc_sessions = %v, want 1", got)
	}
}

func TestReregistrationReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewRPCCollector(reg)
	if err != nil {
		t.Fatalf("first NewRPCCollector: %v", err)
	}
	second, err := NewRPCCollector(reg)
	if err != nil {
		t.Fatalf("second NewRPCCollector: %v", err)
	}
	first.SessionOpened()
	if got := testutil.ToFloat64(second.Sessions); got != 1 {
		t.Fatalf("second collector does not share the gauge: %v", got)
	}

	if _, err := NewSolverCollector(reg); err != nil {
		t.Fatalf("NewSolverCollector: %v", err)
	}
	if _, err := NewSolverCollector(reg); err != nil {
		t.Fatalf("second NewSolverCollector: %v", err)
	}
}

func TestSolverCollectorOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewSolverCollector(reg)
	if err != nil {
		t.Fatalf("NewSolverCollector: %v", err)
	}

	var recorder core.SolveRecorder = c
	recorder.ObserveSolve(core.DirectionHklToAngles, time.Microsecond, nil)
	recorder.ObserveSolve(core.DirectionHklToAngles, time.Microsecond, fmt.Errorf("hkl: %w", core.ErrUnreachableHkl))
	recorder.ObserveSolve(core.DirectionAnglesToHkl, time.Microsecond, nil)

	if got := testutil.ToFloat64(c.Solutions.WithLabelValues(core.DirectionHklToAngles, OutcomeUnreachable)); got != 1 {
		t.Fatalf("unreachable count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.Solutions.WithLabelValues(core.DirectionHklToAngles, OutcomeOK)); got != 1 {
		t.Fatalf("ok count = %v, want 1", got)
	}
	if count := histogramSampleCount(t, reg, "hklcalc_solve_duration_seconds", map[string]string{
		"direction": core.DirectionHklToAngles,
	}); count != 2 {
		t.Fatalf("solve duration samples = %d, want 2", count)
	}
}

func TestOutcome(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, OutcomeOK},
		{core.ErrDegenerateGeometry, OutcomeDegenerate},
		{fmt.Errorf("x: %w", core.ErrUnreachableHkl), OutcomeUnreachable},
		{core.ErrRoundTripMismatch, OutcomeRoundTripMismatch},
		{core.ErrNoOrientation, OutcomeNoOrientation},
		{model.ErrInvalidEnergy, OutcomeInvalidInput},
		{core.ErrInvalidPosition, OutcomeInvalidInput},
		{errors.New("disk on fire"), OutcomeError},
	}
	for _, tc := range cases {
		if got := Outcome(tc.err); got != tc.want {
			t.Fatalf("Outcome(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestMetricsHandlerExposesGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewRPCCollector(reg)
	if err != nil {
		t.Fatalf("NewRPCCollector: %v", err)
	}
	collector.SessionOpened()
	collector.ReflectionRecorder().SetReflectionCount(7)
	collector.RPCRequests.WithLabelValues("svc", "method", "OK").Inc()
	collector.RPCDurations.WithLabelValues("svc", "method").Observe(0.01)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, metric := range []string{
		"hklcalc_rpc_requests_total",
		"hklcalc_rpc_request_duration_seconds",
		"hklcalc_sessions 1",
		"hklcalc_reflections 7",
	} {
		if !strings.Contains(body, metric) {
			t.Fatalf("expected %q in /metrics output:\n%s", metric, body)
		}
	}
}

func TestSplitMethod(t *testing.T) {
	cases := []struct {
		in, service, method string
	}{
		{"/hklcalc.v1.Diffractometer/GetUB", "Diffractometer", "GetUB"},
		{"", "unknown", "unknown"},
		{"nomethod", "unknown", "unknown"},
	}
	for _, tc := range cases {
		s, m := SplitMethod(tc.in)
		if s != tc.service || m != tc.method {
			t.Fatalf("SplitMethod(%q) = %q, %q", tc.in, s, m)
		}
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) < len(want) {
		return false
	}
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
