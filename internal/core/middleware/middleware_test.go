package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	mylog "github.com/mohammed-shakir/spatial-attributes/internal/logger"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestLogging_PropagatesRequestID(t *testing.T) {
	var seen string
	h := Logging(quiet())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = mylog.RequestIDFrom(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if seen != "abc" || rr.Header().Get("X-Request-ID") != "abc" {
		t.Fatalf("seen=%q header=%q", seen, rr.Header().Get("X-Request-ID"))
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if seen == "" || rr.Header().Get("X-Request-ID") != seen {
		t.Fatalf("generated id not propagated: seen=%q header=%q", seen, rr.Header().Get("X-Request-ID"))
	}
}

func TestRecover_JSONBody(t *testing.T) {
	boom := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("kaboom") })

	for _, debug := range []bool{false, true} {
		rr := httptest.NewRecorder()
		Recover(quiet(), debug)(boom).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/x", nil))
		if rr.Code != http.StatusInternalServerError {
			t.Fatalf("code=%d", rr.Code)
		}
		var body map[string]string
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatal(err)
		}
		if body["error"] != "An unexpected error occurred" {
			t.Fatalf("body=%v", body)
		}
		want := "Contact administrator for details"
		if debug {
			want = "kaboom"
		}
		if body["details"] != want {
			t.Fatalf("debug=%v details=%q", debug, body["details"])
		}
	}
}

func TestCORS_Preflight(t *testing.T) {
	called := false
	h := CORS()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodOptions, "/api/viewport", nil))
	if rr.Code != http.StatusNoContent || called {
		t.Fatalf("code=%d called=%v", rr.Code, called)
	}
	if !strings.Contains(rr.Header().Get("Access-Control-Allow-Methods"), "POST") {
		t.Fatalf("methods=%q", rr.Header().Get("Access-Control-Allow-Methods"))
	}
}

func TestMaxBody(t *testing.T) {
	var readErr error
	h := MaxBody(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, readErr = io.ReadAll(r.Body)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(make([]byte, 64))))
	if readErr == nil {
		t.Fatal("expected read past limit to fail")
	}
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", strings.NewReader("small")))
	if readErr != nil {
		t.Fatalf("small body: %v", readErr)
	}
}
