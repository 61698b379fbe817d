package service

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open-feature/flagsync/pkg/model"
	"github.com/open-feature/flagsync/pkg/runtime"
	"github.com/open-feature/flagsync/pkg/transport"
)

const flagFile = `{
  "version": "1",
  "flags": {
    "billing.isPremium": {"state": "ENABLED", "variants": {"on": true, "off": false}, "defaultVariant": "on"}
  }
}`

func writeFlags(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flags.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestSource_InvalidFile_Error(t *testing.T) {
	_, err := NewSource(writeFlags(t, `{"flags": []}`), nil)
	assert.ErrorIs(t, err, model.ErrInvalidConfiguration)
}

func TestSource_ReloadKeepsLastValid(t *testing.T) {
	path := writeFlags(t, flagFile)
	src, err := NewSource(path, nil)
	require.NoError(t, err)
	before, hash := src.Payload()

	require.NoError(t, os.WriteFile(path, []byte(`not json`), 0o600))
	assert.Error(t, src.Reload())

	after, afterHash := src.Payload()
	assert.Equal(t, before, after)
	assert.Equal(t, hash, afterHash)
}

func TestHTTPService_ServesConfiguration(t *testing.T) {
	src, err := NewSource(writeFlags(t, flagFile), nil)
	require.NoError(t, err)
	svc := &HTTPService{HTTPServiceConfiguration: &HTTPServiceConfiguration{APIKeys: []string{"good"}}}
	srv := httptest.NewServer(svc.Handler(src))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/configuration/good")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, flagFile, string(body))
	assert.NotEmpty(t, resp.Header.Get("ETag"))

	resp, err = http.Get(srv.URL + "/configuration/bad")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHTTPService_DevModeSecret(t *testing.T) {
	src, err := NewSource(writeFlags(t, flagFile), nil)
	require.NoError(t, err)
	svc := &HTTPService{HTTPServiceConfiguration: &HTTPServiceConfiguration{DevModeSecret: "s3cret"}}
	srv := httptest.NewServer(svc.Handler(src))
	defer srv.Close()

	_, err = (&transport.HTTPTransport{BaseURL: srv.URL}).Fetch(context.Background(), transport.Request{APIKey: "k"})
	assert.Error(t, err)

	raw, err := (&transport.HTTPTransport{BaseURL: srv.URL}).Fetch(context.Background(), transport.Request{APIKey: "k", DevModeSecret: "s3cret"})
	require.NoError(t, err)
	assert.JSONEq(t, flagFile, string(raw))
}

func TestHTTPService_Metrics(t *testing.T) {
	src, err := NewSource(writeFlags(t, flagFile), nil)
	require.NoError(t, err)
	reg := prometheus.NewRegistry()
	rt := runtime.New(runtime.WithRegisterer(reg))
	_, err = rt.Setup(context.Background(), "key", runtime.Options{DisableNetworkFetch: true})
	require.NoError(t, err)

	svc := &HTTPService{HTTPServiceConfiguration: &HTTPServiceConfiguration{Gatherer: reg}}
	srv := httptest.NewServer(svc.Handler(src))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "flagsync_fetches_total")
}

func TestRuntimeAgainstService_EndToEnd(t *testing.T) {
	path := writeFlags(t, flagFile)
	src, err := NewSource(path, nil)
	require.NoError(t, err)
	srv := httptest.NewServer((&HTTPService{}).Handler(src))
	defer srv.Close()

	rt := runtime.New(runtime.WithTransport(&transport.HTTPTransport{BaseURL: srv.URL}))
	defer rt.Shutdown()
	isPremium := runtime.NewBooleanFlag("isPremium", false)
	require.NoError(t, rt.Register("billing", isPremium))

	res, err := rt.Setup(context.Background(), "any", runtime.Options{})
	require.NoError(t, err)
	assert.Equal(t, model.AppliedFromNetwork, res.Status)
	assert.True(t, isPremium.IsEnabled(nil))

	require.NoError(t, os.WriteFile(path, []byte(`{"version": "2", "flags": {}}`), 0o600))
	require.NoError(t, src.Reload())

	res, err = rt.Fetch(context.Background())
	require.NoError(t, err)
	assert.True(t, res.HasChanges)
	assert.False(t, isPremium.IsEnabled(nil))
}

func TestServe_StopsOnCancel(t *testing.T) {
	src, err := NewSource(writeFlags(t, flagFile), nil)
	require.NoError(t, err)
	svc := &HTTPService{HTTPServiceConfiguration: &HTTPServiceConfiguration{Port: 0}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx, src) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			assert.ErrorIs(t, err, http.ErrServerClosed)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestServe_NoConfiguration_Error(t *testing.T) {
	assert.Error(t, (&HTTPService{}).Serve(context.Background(), nil))
}
