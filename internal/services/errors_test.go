package services_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/tiiuae/lerobot-edge/internal/services"
)

func TestWrapTagsMarkerAndDetail(t *testing.T) {
	cause := errors.New("disk full")
	err := services.Wrap(services.ErrIO, "merge", "append episodes", "/tmp/out", cause)
	if !errors.Is(err, services.ErrIO) {
		t.Fatalf("expected ErrIO marker, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected wrapped cause, got %v", err)
	}
	for _, want := range []string{"merge", "append episodes", "/tmp/out", "disk full"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q missing %q", err.Error(), want)
		}
	}
}

func TestWrapDefaultsMarker(t *testing.T) {
	err := services.Wrap(nil, "upload", "", "", nil)
	if !errors.Is(err, services.ErrIO) {
		t.Fatalf("expected default ErrIO marker, got %v", err)
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{services.Wrap(services.ErrTransient, "upload", "put", "", errors.New("connection reset")), true},
		{services.Wrap(services.ErrAuth, "upload", "connect", "", nil), false},
		{services.Wrap(services.ErrNotFound, "upload", "stat remote dir", "", nil), false},
		{services.Wrap(services.ErrSchema, "merge", "validate", "", nil), false},
		{nil, false},
	}
	for i, tc := range cases {
		if got := services.Retryable(tc.err); got != tc.want {
			t.Fatalf("case %d: Retryable(%v) = %v, want %v", i, tc.err, got, tc.want)
		}
	}
}

func TestFatal(t *testing.T) {
	if services.Fatal(nil) {
		t.Fatal("nil error should not be fatal")
	}
	if services.Fatal(fmt.Errorf("wrapped: %w", services.ErrSchema)) {
		t.Fatal("schema failures are confined to one dataset")
	}
	if services.Fatal(services.ErrNotFound) {
		t.Fatal("not-found failures are confined to one dataset")
	}
	if !services.Fatal(fmt.Errorf("wrapped: %w", services.ErrIO)) {
		t.Fatal("io errors stop the run")
	}
	if !services.Fatal(context.Canceled) {
		t.Fatal("cancellation stops the run")
	}
}
