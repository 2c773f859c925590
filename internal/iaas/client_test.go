package iaas

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/fleetctl/fleetctl/internal/apperr"
)

func TestNewHTTPClientRejectsMissingConfig(t *testing.T) {
	if _, err := NewHTTPClient("", "token", ClientOptions{}); err == nil {
		t.Fatal("expected error for empty base URL")
	}
	if _, err := NewHTTPClient("https://iaas.example", "", ClientOptions{}); err == nil {
		t.Fatal("expected error for empty token")
	}
}

func TestDestroyVMTreats404AsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c, err := NewHTTPClient(srv.URL, "test-token", ClientOptions{})
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}

	if err := c.DestroyVM(t.Context(), "vm-1"); err != nil {
		t.Fatalf("DestroyVM on 404: expected nil error, got %v", err)
	}
}

func TestCreateVMRetriesOn503ThenSucceeds(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"vm-42","name":"bot-1","status":"active"}`))
	}))
	defer srv.Close()

	c, err := NewHTTPClient(srv.URL, "test-token", ClientOptions{})
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}

	vm, err := c.CreateVM(t.Context(), VMSpec{Name: "bot-1"})
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}
	if vm.ID != "vm-42" {
		t.Fatalf("got id %q, want vm-42", vm.ID)
	}
	if atomic.LoadInt32(&attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestCreateVMSurfacesRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c, err := NewHTTPClient(srv.URL, "test-token", ClientOptions{})
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}

	_, err = c.CreateVM(t.Context(), VMSpec{Name: "bot-1"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !apperr.Is(err, apperr.RateLimited) {
		t.Fatalf("expected RateLimited kind, got %v", apperr.KindOf(err))
	}
}

func TestCreateVMDoesNotRetryValidationErrors(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c, err := NewHTTPClient(srv.URL, "test-token", ClientOptions{})
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}

	_, err = c.CreateVM(t.Context(), VMSpec{Name: "bot-1"})
	if err == nil {
		t.Fatal("expected error")
	}
	if n := atomic.LoadInt32(&attempts); n != 1 {
		t.Fatalf("expected exactly 1 attempt for a non-retryable 400, got %d", n)
	}
}
