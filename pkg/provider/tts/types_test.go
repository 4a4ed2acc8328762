package tts

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestReadAudio(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		body    string
		limit   int64
		wantErr error
	}{
		{name: "empty", body: "", limit: 4},
		{name: "below limit", body: "abc", limit: 4},
		{name: "at limit", body: "abcd", limit: 4},
		{name: "over limit", body: "abcde", limit: 4, wantErr: ErrAudioTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ReadAudio(strings.NewReader(tt.body), tt.limit)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if err == nil && string(got) != tt.body {
				t.Errorf("data = %q, want %q", got, tt.body)
			}
		})
	}
}

func TestCheckResponse(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	http.Error(rec, "  quota exceeded  ", http.StatusTooManyRequests)

	err := CheckResponse(rec.Result())
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("err = %v, want *HTTPError", err)
	}
	if httpErr.StatusCode != http.StatusTooManyRequests || httpErr.Body != "quota exceeded" {
		t.Errorf("HTTPError = %+v", httpErr)
	}

	ok := httptest.NewRecorder()
	ok.WriteHeader(http.StatusOK)
	if err := CheckResponse(ok.Result()); err != nil {
		t.Errorf("CheckResponse(200) = %v", err)
	}
}
