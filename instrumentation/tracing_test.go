package instrumentation

import (
	"context"
	"errors"
	"testing"
)

func newTestInstrumentation(t *testing.T) *Instrumentation {
	t.Helper()
	inst, err := New(Config{ServiceName: "tracing-test"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return inst
}

func TestSpanHelpers_NilSafe(t *testing.T) {
	// None of these may panic when handed a nil span
	RecordError(nil, errors.New("boom"))
	SetSpanSuccess(nil)
	SetSpanError(nil, "failed")
	SetSpanAttributes(nil)
	AddOAuthFlowAttributes(nil, "client", "user", "openid")
	AddPKCEAttributes(nil, "S256")
	AddTokenFamilyAttributes(nil, "fam-1", 2)
	AddSecurityAttributes(nil, "203.0.113.7")
}

func TestRecordError(t *testing.T) {
	inst := newTestInstrumentation(t)
	_, span := inst.Tracer("server").Start(context.Background(), "op")
	defer span.End()

	RecordError(span, errors.New("exchange failed"))
	RecordError(span, nil)
}

func TestSpanStatusHelpers(t *testing.T) {
	inst := newTestInstrumentation(t)
	_, span := inst.Tracer("server").Start(context.Background(), "op")
	defer span.End()

	SetSpanError(span, "invalid_grant")
	SetSpanSuccess(span)
}

func TestFlowAttributeHelpers(t *testing.T) {
	inst := newTestInstrumentation(t)
	_, span := inst.Tracer("server").Start(context.Background(), "op")
	defer span.End()

	// Partial inputs are fine; empty values are skipped
	AddOAuthFlowAttributes(span, "client-1", "user-1", "openid email")
	AddOAuthFlowAttributes(span, "client-2", "", "")
	AddOAuthFlowAttributes(span, "", "", "")

	AddPKCEAttributes(span, "S256")
	AddPKCEAttributes(span, "")

	AddTokenFamilyAttributes(span, "fam-abc", 3)
	AddTokenFamilyAttributes(span, "", 0)

	AddSecurityAttributes(span, "198.51.100.4")
	AddSecurityAttributes(span, "")
}
