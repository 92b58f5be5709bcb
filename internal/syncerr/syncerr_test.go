package syncerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfWrapped(t *testing.T) {
	base := Wrap(KindNetwork, errors.New("dial tcp: refused"), "submit action")
	err := fmt.Errorf("perform: %w", base)

	if KindOf(err) != KindNetwork {
		t.Fatalf("kind: got %v want %v", KindOf(err), KindNetwork)
	}
	if !errors.Is(err, Network) {
		t.Fatalf("expected errors.Is(err, Network)")
	}
	if errors.Is(err, ServerRejection) {
		t.Fatalf("network error must not match server rejection")
	}
	if !IsRetryable(err) {
		t.Fatalf("network errors are retryable")
	}
}

func TestRejectedCarriesCode(t *testing.T) {
	err := Rejected("E_SESSION_NOT_FOUND", "no such session")
	if err.Error() != "server_rejection: no such session (E_SESSION_NOT_FOUND)" {
		t.Fatalf("unexpected message: %q", err.Error())
	}
	if IsRetryable(err) {
		t.Fatalf("rejections are not retryable")
	}
	if !Is(err, KindServerRejection) {
		t.Fatalf("expected server rejection kind")
	}
}

func TestKindOfPlainError(t *testing.T) {
	if KindOf(errors.New("x")) != KindUnknown {
		t.Fatalf("plain errors have unknown kind")
	}
	if Is(nil, KindUnknown) {
		t.Fatalf("nil is never a kind")
	}
}
