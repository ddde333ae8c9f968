package siteverify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/layer-3/formguard/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSiteVerify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "s3cret", r.PostForm.Get("secret"))
		assert.Equal(t, "tok", r.PostForm.Get("response"))
		assert.Equal(t, "203.0.113.9", r.PostForm.Get("remoteip"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"score":0.8,"action":"submit","hostname":"example.com"}`))
	}))
	defer srv.Close()

	c := New(srv.Client(), srv.URL, "s3cret")
	resp, err := c.SiteVerify(context.Background(), "tok", "203.0.113.9")
	require.NoError(t, err)
	assert.True(t, resp.Success)
	require.NotNil(t, resp.Score)
	assert.InDelta(t, 0.8, *resp.Score, 1e-9)
	assert.Equal(t, "submit", resp.Action)
}

func TestSiteVerify_FailureCodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"error-codes":["invalid-input-response"]}`))
	}))
	defer srv.Close()

	resp, err := New(srv.Client(), srv.URL, "s3cret").SiteVerify(context.Background(), "tok", "")
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, []string{"invalid-input-response"}, resp.ErrorCodes)
}

func TestSiteVerify_UpstreamStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("internal detail"))
	}))
	defer srv.Close()

	_, err := New(srv.Client(), srv.URL, "s3cret").SiteVerify(context.Background(), "tok", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrVerificationUnreachable)

	var upstream *UpstreamError
	require.True(t, errors.As(err, &upstream))
	assert.Equal(t, http.StatusBadGateway, upstream.StatusCode)
	assert.Equal(t, "internal detail", upstream.Body)
	assert.NotContains(t, err.Error(), "internal detail")
}

func TestSiteVerify_Malformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>"))
	}))
	defer srv.Close()

	_, err := New(srv.Client(), srv.URL, "s3cret").SiteVerify(context.Background(), "tok", "")
	assert.ErrorIs(t, err, core.ErrVerificationUnreachable)
}

func TestSiteVerify_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	endpoint := srv.URL
	srv.Close()

	_, err := New(nil, endpoint, "s3cret").SiteVerify(context.Background(), "tok", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrVerificationUnreachable)
	assert.NotContains(t, err.Error(), "s3cret")
}
