package errs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"
)

func TestErrorsIsByCode(t *testing.T) {
	err := fmt.Errorf("load: %w", New(CodeWrongPassword, "keystore.Load", errors.New("mac mismatch")))

	if !errors.Is(err, ErrWrongPassword) {
		t.Error("errors.Is(err, ErrWrongPassword) = false, want true")
	}
	if errors.Is(err, ErrCorrupt) {
		t.Error("errors.Is(err, ErrCorrupt) = true, want false")
	}
	if CodeOf(err) != CodeWrongPassword {
		t.Errorf("CodeOf() = %d, want %d", CodeOf(err), CodeWrongPassword)
	}
	if KindOf(err) != KindKeystore {
		t.Errorf("KindOf() = %s, want keystore", KindOf(err))
	}
}

func TestErrorContext(t *testing.T) {
	err := Chain(CodeInsufficientBalance, "TRX", "broadcast", errors.New("balance is not sufficient")).
		WithHash("abcd").
		WithAddress("TXYZ")

	want := "[2001] chain broadcast chain=TRX address=TXYZ hash=abcd: balance is not sufficient"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestIsNetworkError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"wrapped network", Network("ETH", "call", errors.New("dial tcp")), true},
		{"deadline", fmt.Errorf("x: %w", context.DeadlineExceeded), true},
		{"unexpected eof", io.ErrUnexpectedEOF, true},
		{"conn reset", fmt.Errorf("read: %w", syscall.ECONNRESET), true},
		{"net.Error", timeoutErr{}, true},
		{"http 503", &HTTPStatusError{StatusCode: 503}, true},
		{"http 429", &HTTPStatusError{StatusCode: 429}, true},
		{"http 400", &HTTPStatusError{StatusCode: 400}, false},
		{"business", ErrInsufficientBalance, false},
		{"business wrapping transport", New(CodeRejected, "broadcast", timeoutErr{}), false},
		{"canceled", context.Canceled, false},
		{"plain", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsNetworkError(tt.err); got != tt.want {
				t.Errorf("IsNetworkError() = %v, want %v", got, tt.want)
			}
		})
	}
}
