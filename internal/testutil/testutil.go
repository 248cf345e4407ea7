// Package testutil provides shared test helpers for HTTP handlers.
package testutil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// LocalRequest creates an httptest request that appears to come from
// localhost, which tsweb debug routes require.
func LocalRequest(method, target string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, target, body)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

// FormRequest is LocalRequest with a url-encoded form body.
func FormRequest(method, target, form string) *http.Request {
	req := LocalRequest(method, target, strings.NewReader(form))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

// Serve runs req through h and returns the recorded response.
func Serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Errorf("status code = %d, want %d: %s", w.Code, want, w.Body.String())
	}
}
