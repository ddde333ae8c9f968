package challenge

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/layer-3/formguard/adapters/store"
	"github.com/layer-3/formguard/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newIssuer(t *testing.T) *JWTIssuer {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return NewJWTIssuer(key, "site-key", "forms.example.com", store.NewMemoryTokenLedger())
}

func TestJWTIssuer_RoundTrip(t *testing.T) {
	ctx := context.Background()
	issuer := newIssuer(t).WithScore(0.7)

	widgetID, err := issuer.Render(ctx, "site-key")
	require.NoError(t, err)

	token, err := issuer.Execute(ctx, widgetID, "contact")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	resp, err := issuer.SiteVerify(ctx, token, "")
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "contact", resp.Action)
	assert.Equal(t, "forms.example.com", resp.Hostname)
	require.NotNil(t, resp.Score)
	assert.InDelta(t, 0.7, *resp.Score, 1e-9)
}

func TestJWTIssuer_TokenIsSingleUse(t *testing.T) {
	ctx := context.Background()
	issuer := newIssuer(t)
	token, err := issuer.Execute(ctx, "w", "submit")
	require.NoError(t, err)

	resp, err := issuer.SiteVerify(ctx, token, "")
	require.NoError(t, err)
	require.True(t, resp.Success)

	resp, err = issuer.SiteVerify(ctx, token, "")
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, []string{CodeTimeoutOrDuplicate}, resp.ErrorCodes)
}

func TestJWTIssuer_RejectsForeignSiteKey(t *testing.T) {
	ctx := context.Background()
	issuer := newIssuer(t)

	_, err := issuer.Render(ctx, "other-key")
	assert.Error(t, err)

	other := newIssuer(t)
	token, err := other.Execute(ctx, "w", "submit")
	require.NoError(t, err)

	resp, err := issuer.SiteVerify(ctx, token, "")
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, []string{CodeInvalidInputResponse}, resp.ErrorCodes)
}

func TestJWTIssuer_ExpiredToken(t *testing.T) {
	ctx := context.Background()
	issuer := newIssuer(t)
	issued := time.Now()
	issuer.now = func() time.Time { return issued }

	token, err := issuer.Execute(ctx, "w", "submit")
	require.NoError(t, err)

	issuer.now = func() time.Time { return issued.Add(DefaultTokenTTL + time.Minute) }
	resp, err := issuer.SiteVerify(ctx, token, "")
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, []string{CodeTimeoutOrDuplicate}, resp.ErrorCodes)
}

func TestJWTIssuer_MissingToken(t *testing.T) {
	resp, err := newIssuer(t).SiteVerify(context.Background(), "", "")
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, []string{CodeMissingInputResponse}, resp.ErrorCodes)
}

func TestFormFieldWidget(t *testing.T) {
	w := NewFormFieldWidget("")
	assert.Equal(t, core.DefaultTokenField, w.Field())

	id, err := w.Render(context.Background(), "site")
	require.NoError(t, err)

	token, err := w.Execute(context.Background(), id, "submit")
	require.NoError(t, err)
	assert.Empty(t, token)

	attempt := &core.SubmissionAttempt{Values: map[string]string{core.DefaultTokenField: "abc"}}
	token, err = w.Execute(core.WithAttempt(context.Background(), attempt), id, "submit")
	require.NoError(t, err)
	assert.Equal(t, "abc", token)
}

func TestHTTPScriptLoader(t *testing.T) {
	var gotRender string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRender = r.URL.Query().Get("render")
		_, _ = w.Write([]byte("/* challenge */"))
	}))
	defer srv.Close()

	loader, err := NewHTTPScriptLoader(srv.Client(), srv.URL+"/api.js", "site-key")
	require.NoError(t, err)
	require.NoError(t, loader.Load(context.Background()))
	assert.Equal(t, "site-key", gotRender)
}

func TestHTTPScriptLoader_Failures(t *testing.T) {
	t.Run("status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		}))
		defer srv.Close()

		loader, err := NewHTTPScriptLoader(srv.Client(), srv.URL, "")
		require.NoError(t, err)
		assert.Error(t, loader.Load(context.Background()))
	})

	t.Run("empty", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		defer srv.Close()

		loader, err := NewHTTPScriptLoader(srv.Client(), srv.URL, "")
		require.NoError(t, err)
		assert.Error(t, loader.Load(context.Background()))
	})

	t.Run("network", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		url := srv.URL
		srv.Close()

		loader, err := NewHTTPScriptLoader(nil, url, "")
		require.NoError(t, err)
		assert.Error(t, loader.Load(context.Background()))
	})
}
