package connector

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func response(status int, headers map[string]string) *http.Response {
	resp := &http.Response{StatusCode: status, Header: http.Header{}}
	for k, v := range headers {
		resp.Header.Set(k, v)
	}

	return resp
}

func TestClassifyResponse(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		headers map[string]string
		want    FaultKind
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, want: FaultAuthExpired},
		{name: "forbidden", status: http.StatusForbidden, want: FaultAuthExpired},
		{name: "throttled", status: http.StatusTooManyRequests, want: FaultRateLimited},
		{name: "server error", status: http.StatusBadGateway, want: FaultTransient},
		{name: "bad request", status: http.StatusBadRequest, want: FaultPermanent},
		{name: "not found", status: http.StatusNotFound, want: FaultPermanent},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fault := ClassifyResponse(response(tc.status, tc.headers), nil)
			require.NotNil(t, fault)
			assert.Equal(t, tc.want, fault.Kind)
		})
	}
}

func TestClassifyResponseSuccess(t *testing.T) {
	assert.Nil(t, ClassifyResponse(response(http.StatusOK, nil), nil))
	assert.Nil(t, ClassifyResponse(response(http.StatusNoContent, nil), nil))
}

func TestClassifyResponseTransportError(t *testing.T) {
	fault := ClassifyResponse(nil, errors.New("connection reset"))
	require.NotNil(t, fault)
	assert.Equal(t, FaultTransient, fault.Kind)
}

func TestRetryAfterSeconds(t *testing.T) {
	fault := ClassifyResponse(response(http.StatusTooManyRequests, map[string]string{"Retry-After": "90"}), nil)
	require.NotNil(t, fault)
	assert.Equal(t, 90*time.Second, fault.RetryAfter)
}

func TestRetryAfterMissingUsesDefault(t *testing.T) {
	fault := ClassifyResponse(response(http.StatusTooManyRequests, nil), nil)
	require.NotNil(t, fault)
	assert.Equal(t, defaultRetryAfter, fault.RetryAfter)
}

func TestRetryAfterHTTPDate(t *testing.T) {
	at := time.Now().Add(2 * time.Minute).UTC().Format(http.TimeFormat)

	fault := ClassifyResponse(response(http.StatusTooManyRequests, map[string]string{"Retry-After": at}), nil)
	require.NotNil(t, fault)
	assert.Greater(t, fault.RetryAfter, time.Minute)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, FaultAuthExpired, KindOf(NewFault(FaultAuthExpired, errors.New("401"))))
	assert.Equal(t, FaultTransient, KindOf(errors.New("plain")))

	wrapped := fmt.Errorf("pull page: %w", NewRateLimited(time.Minute, errors.New("429")))
	assert.Equal(t, FaultRateLimited, KindOf(wrapped))
	assert.Equal(t, time.Minute, RetryAfterOf(wrapped))
	assert.Zero(t, RetryAfterOf(errors.New("plain")))
}
