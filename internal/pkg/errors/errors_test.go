package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestFromError_PassThrough(t *testing.T) {
	base := NotFound("SAGA_NOT_FOUND", "saga not found")
	wrapped := fmt.Errorf("load: %w", base)

	got := FromError(wrapped)
	if got.Code != http.StatusNotFound {
		t.Fatalf("FromError code = %d, want %d", got.Code, http.StatusNotFound)
	}
	if got.Reason != "SAGA_NOT_FOUND" {
		t.Fatalf("FromError reason = %q", got.Reason)
	}
}

func TestFromError_ForeignError(t *testing.T) {
	got := FromError(errors.New("boom"))
	if got.Code != UnknownCode {
		t.Fatalf("foreign error code = %d, want %d", got.Code, UnknownCode)
	}
	if got.Message != "boom" {
		t.Fatalf("foreign error message = %q", got.Message)
	}
}

func TestCode_Nil(t *testing.T) {
	if Code(nil) != http.StatusOK {
		t.Fatalf("Code(nil) = %d, want 200", Code(nil))
	}
}

func TestWithCause_DoesNotMutateSentinel(t *testing.T) {
	sentinel := ServiceUnavailable("STORE_UNAVAILABLE", "store unavailable")
	derived := sentinel.WithCause(errors.New("dial tcp: refused"))

	if sentinel.Unwrap() != nil {
		t.Fatalf("sentinel mutated by WithCause")
	}
	if derived.Unwrap() == nil {
		t.Fatalf("derived error lost its cause")
	}
	if !errors.Is(derived, sentinel) {
		t.Fatalf("derived error should match sentinel via Is")
	}
}

func TestWithMetadata_CloneSemantics(t *testing.T) {
	sentinel := Conflict("LEASE_HELD", "lease held by another owner")
	derived := sentinel.WithMetadata(map[string]string{"retry_after": "2"})

	if len(sentinel.Metadata) != 0 {
		t.Fatalf("sentinel metadata mutated: %v", sentinel.Metadata)
	}
	if derived.Metadata["retry_after"] != "2" {
		t.Fatalf("derived metadata = %v", derived.Metadata)
	}
	if Code(derived) != Code(sentinel) || Reason(derived) != Reason(sentinel) {
		t.Fatalf("derived error changed identity")
	}
}

func TestIs_DistinguishesReasons(t *testing.T) {
	a := Conflict("SAGA_RETRY_LATER", "transient conflict")
	b := Conflict("SAGA_LEASE_LOST", "lease expired")
	if errors.Is(a, b) {
		t.Fatalf("different reasons must not match")
	}
}
