package realdebrid

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viperadnan-git/relaybot/internal/core/engine"
)

const hash = "0123456789abcdef0123456789abcdef01234567"

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "secret", 5*time.Second)
}

func TestClient_CheckCached(t *testing.T) {
	tests := []struct {
		name string
		body string
		want engine.Availability
	}{
		{"cached", `{"` + hash + `":{"rd":[{"1":{"filename":"a.mkv","filesize":1}}]}}`, engine.AvailabilityCached},
		{"empty array", `{"` + hash + `":[]}`, engine.AvailabilityNotCached},
		{"empty rd", `{"` + hash + `":{"rd":[]}}`, engine.AvailabilityNotCached},
		{"missing key", `{}`, engine.AvailabilityUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/torrents/instantAvailability/"+hash, r.URL.Path)
				assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
				_, _ = io.WriteString(w, tt.body)
			})
			got, err := c.CheckCached(context.Background(), hash)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClient_SubmitMagnet(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/torrents/addMagnet", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Contains(t, r.PostForm.Get("magnet"), hash)
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"id":"RD1","uri":"https://x/RD1"}`)
	})
	ref, err := c.Submit(context.Background(), "magnet:?xt=urn:btih:"+hash)
	require.NoError(t, err)
	assert.Equal(t, "RD1", ref)
}

func TestClient_SubmitRejectsPlainLinks(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})
	_, err := c.Submit(context.Background(), "https://example.com/page")
	assert.ErrorIs(t, err, engine.ErrFatal)
}

func TestClient_Info(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/torrents/info/RD1", r.URL.Path)
		_, _ = io.WriteString(w, `{"id":"RD1","filename":"ubuntu.iso","hash":"`+hash+`","bytes":100,"progress":42,"status":"downloading","links":[]}`)
	})
	info, err := c.Info(context.Background(), "RD1")
	require.NoError(t, err)
	assert.Equal(t, engine.CacheDownloading, info.Status)
	assert.Equal(t, "ubuntu.iso", info.Name)
	assert.InDelta(t, 0.42, info.Progress, 0.0001)
}

func TestClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusUnauthorized, false},
		{http.StatusForbidden, false},
		{http.StatusNotFound, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, `{"error":"nope","error_code":1}`)
			})
			_, err := c.Info(context.Background(), "RD1")
			require.Error(t, err)
			assert.Equal(t, tt.transient, engine.IsTransient(err))
		})
	}
}

func TestClient_DeleteMissingIsNotAnError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":"unknown_ressource","error_code":7}`)
	})
	assert.NoError(t, c.Delete(context.Background(), "RD1"))
}

func TestClient_SelectFilesAndUnrestrict(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		switch r.URL.Path {
		case "/torrents/selectFiles/RD1":
			assert.Equal(t, "all", r.PostForm.Get("files"))
			w.WriteHeader(http.StatusNoContent)
		case "/unrestrict/link":
			assert.Equal(t, "https://real-debrid.com/d/ABC", r.PostForm.Get("link"))
			_, _ = io.WriteString(w, `{"filename":"a.mkv","download":"https://dl.example/a.mkv"}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})
	require.NoError(t, c.SelectFiles(context.Background(), "RD1"))
	link, err := c.Unrestrict(context.Background(), "https://real-debrid.com/d/ABC")
	require.NoError(t, err)
	assert.Equal(t, "https://dl.example/a.mkv", link)
}

func TestClient_Downloads(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/downloads", r.URL.Path)
		assert.Equal(t, "15", r.URL.Query().Get("limit"))
		_, _ = io.WriteString(w, `[{"id":"D1","filename":"a.mkv","filesize":2048,
			"link":"https://real-debrid.com/d/ABC","download":"https://dl.example/a.mkv",
			"generated":"2025-03-01T10:00:00.000Z"}]`)
	})
	items, err := c.Downloads(context.Background(), 15)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "a.mkv", items[0].Filename)
	assert.Equal(t, int64(2048), items[0].Size)
	assert.Equal(t, "https://dl.example/a.mkv", items[0].Download)
	assert.Equal(t, time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC), items[0].Generated.UTC())
}

func TestClient_NotConfigured(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", "", time.Second)
	_, err := c.List(context.Background())
	assert.ErrorIs(t, err, engine.ErrNotConfigured)
	assert.False(t, engine.IsTransient(err))
}
