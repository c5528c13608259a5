package apierr

import (
	"errors"
	"net/http"
	"testing"
)

func TestToEnvelopeTypedError(t *testing.T) {
	err := New(PeerNotFound, "peer not found")
	status, env := ToEnvelope(err)

	if status != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", status, http.StatusNotFound)
	}
	if env.Error.Code != int(PeerNotFound) {
		t.Fatalf("code = %d, want %d", env.Error.Code, int(PeerNotFound))
	}
	if env.Error.Message != "peer not found" {
		t.Fatalf("message = %q", env.Error.Message)
	}
}

func TestToEnvelopeUnclassifiedError(t *testing.T) {
	status, env := ToEnvelope(errors.New("boom"))

	if status != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", status)
	}
	if env.Error.Code != int(InternalError) {
		t.Fatalf("code = %d, want %d", env.Error.Code, int(InternalError))
	}
	if env.Error.Message != "boom" {
		t.Fatalf("message = %q, want %q", env.Error.Message, "boom")
	}
}

func TestHTTPStatusForCodes(t *testing.T) {
	cases := []struct {
		code Code
		want int
	}{
		{AuthMissing, http.StatusUnauthorized},
		{AuthInvalid, http.StatusForbidden},
		{AuthExpired, http.StatusForbidden},
		{PeerNotFound, http.StatusNotFound},
		{ExecJobNotFound, http.StatusNotFound},
		{TransferFileNotFound, http.StatusNotFound},
		{ContextKeyNotFound, http.StatusNotFound},
		{AITaskNotFound, http.StatusNotFound},
		{ExecMaxConcurrent, http.StatusTooManyRequests},
		{AITaskMaxConcurrent, http.StatusTooManyRequests},
		{RateLimited, http.StatusTooManyRequests},
		{InternalError, http.StatusInternalServerError},
		{ExecDenied, http.StatusBadRequest},
		{TransferPathDenied, http.StatusBadRequest},
	}
	for _, c := range cases {
		got := New(c.code, "x").Status()
		if got != c.want {
			t.Errorf("code %d: status = %d, want %d", c.code, got, c.want)
		}
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("disk full")
	wrapped := Wrap(TransferFailed, "writing file", cause)

	if !errors.Is(wrapped, cause) {
		t.Fatalf("expected Unwrap to expose cause")
	}
	want := "writing file: disk full"
	if wrapped.Error() != want {
		t.Fatalf("Error() = %q, want %q", wrapped.Error(), want)
	}
}
