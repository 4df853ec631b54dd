package rpc

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/hklcalc/internal/logging"
)

func TestRequestIDInterceptorUsesIncomingMetadata(t *testing.T) {
	var buf bytes.Buffer
	base := logging.New(logging.Config{Level: "debug", Output: &buf})
	interceptor := RequestIDUnaryServerInterceptor(base)
	info := &grpc.UnaryServerInfo{FullMethod: "/" + ServiceName + "/GetUB"}

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(RequestIDMetadataKey, "req-42"))
	_, err := interceptor(ctx, nil, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		if id := logging.RequestIDFromContext(ctx); id != "req-42" {
			t.Fatalf("request id = %q, want req-42", id)
		}
		l := logging.LoggerFromContext(ctx)
		if l == nil {
			t.Fatalf("expected request logger on context")
		}
		l.Info(ctx, "handling")
		return nil, errors.New("boom")
	})
	if err == nil {
		t.Fatalf("expected handler error to pass through")
	}

	out := buf.String()
	for _, want := range []string{"request_id=req-42", "method=/hklcalc.v1.Diffractometer/GetUB", "request failed", "error=boom"} {
		if !strings.Contains(out, want) {
			t.Fatalf("log output missing %q:\n%s", want, out)
		}
	}
}

func TestRequestIDInterceptorGeneratesID(t *testing.T) {
	interceptor := RequestIDUnaryServerInterceptor(nil)
	info := &grpc.UnaryServerInfo{FullMethod: "/" + ServiceName + "/GetUB"}

	var seen string
	_, err := interceptor(context.Background(), nil, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		seen = logging.RequestIDFromContext(ctx)
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("interceptor error: %v", err)
	}
	if seen == "" {
		t.Fatalf("expected generated request id")
	}
}

func TestTracingInterceptorPassesThrough(t *testing.T) {
	interceptor := TracingUnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/" + ServiceName + "/HklToAngles"}

	resp, err := interceptor(context.Background(), nil, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return "ok", nil
	})
	if err != nil || resp != "ok" {
		t.Fatalf("interceptor = %v, %v", resp, err)
	}
}

func TestSessionIDOfRequest(t *testing.T) {
	req, err := structpb.NewStruct(map[string]any{fieldSessionID: "abc"})
	if err != nil {
		t.Fatalf("NewStruct: %v", err)
	}
	if got := sessionIDOf(req); got != "abc" {
		t.Fatalf("sessionIDOf = %q", got)
	}
	if got := sessionIDOf(&structpb.Struct{}); got != "" {
		t.Fatalf("empty struct gave %q", got)
	}
	if got := sessionIDOf("not a struct"); got != "" {
		t.Fatalf("non-struct gave %q", got)
	}
}
