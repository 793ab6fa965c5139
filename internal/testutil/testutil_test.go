package testutil

import (
	"io"
	"net/http"
	"testing"
)

func TestAssertStatusCode(t *testing.T) {
	t.Parallel()
	AssertStatusCode(t, http.StatusOK, http.StatusOK)
}

func TestLocalHostRequest(t *testing.T) {
	t.Parallel()
	req := LocalHostRequest(http.MethodGet, "/debug/x", nil)
	if req.RemoteAddr != "127.0.0.1:12345" {
		t.Errorf("RemoteAddr = %q", req.RemoteAddr)
	}
}

func TestPostJSONAndDecode(t *testing.T) {
	t.Parallel()
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			http.Error(w, "bad content type", http.StatusUnsupportedMediaType)
			return
		}
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"echo":` + string(body) + `}`))
	})

	rec := PostJSON(h, "/echo", `[1,2]`)
	AssertStatusCode(t, rec.Code, http.StatusOK)
	got := DecodeJSON[map[string][]int](t, rec)
	if len(got["echo"]) != 2 || got["echo"][1] != 2 {
		t.Errorf("decoded %v", got)
	}
}
