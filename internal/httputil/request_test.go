package httputil

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/getsentry/cctprof/internal/errorutil"
	"github.com/getsentry/cctprof/internal/storageutil"
	"github.com/getsentry/cctprof/internal/testutil"
)

func TestGetRequiredQueryParameters(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/diff?a=s1/x&b=s1/y", nil)
	w := httptest.NewRecorder()
	params, _, ok := GetRequiredQueryParameters(w, r, "a", "b")
	if !ok {
		t.Fatal("expected both parameters to be found")
	}
	if diff := testutil.Diff(params, map[string]string{"a": "s1/x", "b": "s1/y"}); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}

	r = httptest.NewRequest(http.MethodGet, "/diff?a=s1/x", nil)
	w = httptest.NewRecorder()
	if _, _, ok := GetRequiredQueryParameters(w, r, "a", "b"); ok {
		t.Fatal("expected a missing parameter")
	}
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", w.Code)
	}
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "nil", want: http.StatusOK},
		{name: "not found", err: fmt.Errorf("load: %w", storageutil.ErrObjectNotFound), want: http.StatusNotFound},
		{name: "corrupt", err: fmt.Errorf("snapshot: %w", errorutil.ErrDataIntegrity), want: http.StatusUnprocessableEntity},
		{name: "timeout", err: context.DeadlineExceeded, want: http.StatusTooManyRequests},
		{name: "other", err: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := StatusCode(test.err); got != test.want {
				t.Fatalf("expected %d, got %d", test.want, got)
			}
		})
	}
}
