package classifier

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/cribwatch/internal/detection"
	"github.com/mikeyg42/cribwatch/internal/frame"
)

var still = &frame.Frame{Data: []byte{0xFF, 0xD8, 0x01, 0x02, 0xFF, 0xD9}}

func TestClassifyVerdicts(t *testing.T) {
	tests := []struct {
		name string
		body string
		want detection.Verdict
	}{
		{"in crib", `{"id": 1, "message": "Baby is in crib"}`, detection.InCribVerdict()},
		{"not in crib", `{"id": 0, "message": "Baby is not in crib"}`, detection.NotInCribVerdict()},
		{"model error", `{"id": -1, "message": "CUDA out of memory"}`, detection.IndeterminateVerdict("CUDA out of memory")},
		{"unknown id", `{"id": 7}`, detection.IndeterminateVerdict("unexpected classifier id 7")},
		{"missing id", `{"error": "model not loaded"}`, detection.IndeterminateVerdict("missing classifier id: model not loaded")},
		{"empty object", `{}`, detection.IndeterminateVerdict("missing classifier id")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "image/jpeg", r.Header.Get("Content-Type"))
				body, _ := io.ReadAll(r.Body)
				assert.Equal(t, still.Data, body)
				w.Header().Set("Content-Type", "application/json")
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			c, err := New(Config{URL: srv.URL}, nil)
			require.NoError(t, err)

			got, err := c.Classify(context.Background(), still)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClassifyRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `{"id": 1}`)
	}))
	defer srv.Close()

	c, err := New(Config{URL: srv.URL, MaxRetries: 3, RetryBackoff: time.Millisecond}, nil)
	require.NoError(t, err)

	got, err := c.Classify(context.Background(), still)
	require.NoError(t, err)
	assert.Equal(t, detection.InCrib, got.Kind)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClassifyDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad image", http.StatusBadRequest)
	}))
	defer srv.Close()

	c, err := New(Config{URL: srv.URL, MaxRetries: 5, RetryBackoff: time.Millisecond}, nil)
	require.NoError(t, err)

	_, err = c.Classify(context.Background(), still)
	var serr *StatusError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, http.StatusBadRequest, serr.StatusCode)
	assert.Equal(t, "bad image", serr.Body)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClassifyMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "<html>")
	}))
	defer srv.Close()

	c, err := New(Config{URL: srv.URL, MaxRetries: 2, RetryBackoff: time.Millisecond}, nil)
	require.NoError(t, err)

	_, err = c.Classify(context.Background(), still)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decode response")
}

func TestClassifyTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := New(Config{URL: url, MaxRetries: 1, RetryBackoff: time.Millisecond}, nil)
	require.NoError(t, err)

	_, err = c.Classify(context.Background(), still)
	require.Error(t, err)
}

func TestNewRequiresURL(t *testing.T) {
	_, err := New(Config{}, nil)
	require.Error(t, err)
}
