package network_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cloudsync-go/cloudsync/internal/network"
)

func TestHTTPClientUploadPutsThenNotifies(t *testing.T) {
	var gotPut, gotNotify bool
	var notifyBody struct {
		URL string `json:"url"`
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPut:
			gotPut = true
			body, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			require.Equal(t, "hello-blob", string(body))
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPost && r.URL.Path == "/notify":
			gotNotify = true
			require.NoError(t, json.NewDecoder(r.Body).Decode(&notifyBody))
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := network.NewHTTPClient(srv.Client())
	require.NoError(t, c.Init(context.Background(), srv.URL))
	require.NoError(t, c.Upload(context.Background(), []byte("hello-blob")))

	require.True(t, gotPut)
	require.True(t, gotNotify)
	require.Contains(t, notifyBody.URL, "/blobs/")
}

func TestHTTPClientCheckReturnsNotOKOnEmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := network.NewHTTPClient(srv.Client())
	require.NoError(t, c.Init(context.Background(), srv.URL))

	var siteID [16]byte
	blob, ok, err := c.Check(context.Background(), siteID, network.Cursor{})
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, blob)
}

func TestHTTPClientCheckReturnsBlobWhenPresent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("payload-bytes"))
	}))
	defer srv.Close()

	c := network.NewHTTPClient(srv.Client())
	require.NoError(t, c.Init(context.Background(), srv.URL))

	var siteID [16]byte
	blob, ok, err := c.Check(context.Background(), siteID, network.Cursor{CheckDBVersion: 1, CheckSeq: 2})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "payload-bytes", string(blob))
}

func TestHTTPClientUploadErrorsWithoutInit(t *testing.T) {
	c := network.NewHTTPClient(nil)
	err := c.Upload(context.Background(), []byte("x"))
	require.ErrorIs(t, err, network.ErrNotConfigured)
}

func TestHTTPClientCheckSendsAuthHeaders(t *testing.T) {
	var gotAuth, gotAPIKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAPIKey = r.Header.Get("X-Api-Key")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := network.NewHTTPClient(srv.Client())
	require.NoError(t, c.Init(context.Background(), srv.URL))
	c.SetToken("tok-123")
	c.SetAPIKey("key-456")

	var siteID [16]byte
	_, _, err := c.Check(context.Background(), siteID, network.Cursor{})
	require.NoError(t, err)
	require.Equal(t, "Bearer tok-123", gotAuth)
	require.Equal(t, "key-456", gotAPIKey)

	require.NoError(t, c.Logout(context.Background()))
	gotAuth, gotAPIKey = "", ""
	_, _, err = c.Check(context.Background(), siteID, network.Cursor{})
	require.NoError(t, err)
	require.Empty(t, gotAuth)
	require.Empty(t, gotAPIKey)
}
