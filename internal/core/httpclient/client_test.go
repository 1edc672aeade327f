package httpclient

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNewOutbound_TimeoutAndRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/slow" {
			time.Sleep(200 * time.Millisecond)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewOutbound(50 * time.Millisecond)
	resp, err := c.Get(srv.URL + "/fast")
	if err != nil {
		t.Fatalf("fast: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status=%d", resp.StatusCode)
	}

	if _, err := c.Get(srv.URL + "/slow"); err == nil {
		t.Fatal("expected client timeout")
	}
	if NewOutbound(0).Timeout != 10*time.Second {
		t.Fatal("default timeout not applied")
	}
}
