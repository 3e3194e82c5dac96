package aria2

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viperadnan-git/relaybot/internal/core/engine"
)

// fakeRPC answers aria2 JSON-RPC calls from a method table.
type fakeRPC struct {
	mu      sync.Mutex
	calls   []string
	params  map[string][]json.RawMessage
	results map[string]any
	errors  map[string]string
	// byGID overrides aria2.tellStatus per requested GID.
	byGID map[string]any
}

func newFakeRPC(t *testing.T) (*fakeRPC, *Seedbox) {
	t.Helper()
	f := &fakeRPC{
		params:  map[string][]json.RawMessage{},
		results: map[string]any{},
		errors:  map[string]string{},
		byGID:   map[string]any{},
	}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, New(Config{RPCURL: srv.URL, RPCSecret: "s3cret", DownloadDir: "/data"})
}

func (f *fakeRPC) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     string            `json:"id"`
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	f.mu.Lock()
	f.calls = append(f.calls, req.Method)
	f.params[req.Method] = req.Params
	result, hasResult := f.results[req.Method]
	msg, hasErr := f.errors[req.Method]
	if req.Method == "aria2.tellStatus" && len(req.Params) > 1 {
		var gid string
		_ = json.Unmarshal(req.Params[1], &gid)
		if r, ok := f.byGID[gid]; ok {
			result, hasResult = r, true
		}
	}
	f.mu.Unlock()

	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	switch {
	case hasErr:
		resp["error"] = map[string]any{"code": 1, "message": msg}
	case hasResult:
		resp["result"] = result
	default:
		resp["result"] = "OK"
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (f *fakeRPC) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func TestSeedbox_AddSendsSecretAndDir(t *testing.T) {
	f, sb := newFakeRPC(t)
	f.results["aria2.addUri"] = "gid1"

	gid, err := sb.Add(context.Background(), "magnet:?xt=urn:btih:0123456789abcdef0123456789abcdef01234567")
	require.NoError(t, err)
	assert.Equal(t, "gid1", gid)

	params := f.params["aria2.addUri"]
	require.Len(t, params, 3)
	assert.JSONEq(t, `"token:s3cret"`, string(params[0]))
	var opts map[string]string
	require.NoError(t, json.Unmarshal(params[2], &opts))
	assert.Equal(t, "/data", opts["dir"])
}

func TestSeedbox_StatusFollowsGIDChain(t *testing.T) {
	f, sb := newFakeRPC(t)
	f.byGID["gid1"] = map[string]any{"gid": "gid1", "status": "complete", "followedBy": []string{"gid2"}}
	f.byGID["gid2"] = map[string]any{
		"gid": "gid2", "status": "active", "totalLength": "100", "completedLength": "40",
		"downloadSpeed": "10", "dir": "/data",
		"bittorrent": map[string]any{"info": map[string]any{"name": "ubuntu"}},
	}

	st, err := sb.Status(context.Background(), "gid1")
	require.NoError(t, err)
	assert.Equal(t, "gid2", st.Handle)
	assert.Equal(t, engine.SeedboxActive, st.Status)
	assert.Equal(t, int64(40), st.Completed)
	assert.Equal(t, "ubuntu", st.Name)
	assert.Contains(t, f.called(), "aria2.removeDownloadResult")
}

func TestSeedbox_SeedingCountsAsComplete(t *testing.T) {
	assert.Equal(t, engine.SeedboxComplete, mapStatus("active", true))
	assert.Equal(t, engine.SeedboxActive, mapStatus("active", false))
	assert.Equal(t, engine.SeedboxPaused, mapStatus("paused", false))
	assert.Equal(t, engine.SeedboxError, mapStatus("error", false))
}

func TestSeedbox_StopPausesAndKeepsData(t *testing.T) {
	f, sb := newFakeRPC(t)

	require.NoError(t, sb.Stop(context.Background(), "gid1"))
	assert.Equal(t, []string{"aria2.forcePause"}, f.called())
}

func TestSeedbox_StopUnknownGIDIsNoop(t *testing.T) {
	f, sb := newFakeRPC(t)
	f.errors["aria2.forcePause"] = "GID gid1 is not found"

	assert.NoError(t, sb.Stop(context.Background(), "gid1"))
}

func TestSeedbox_StartUnpauses(t *testing.T) {
	f, sb := newFakeRPC(t)

	require.NoError(t, sb.Start(context.Background(), "gid1"))
	assert.Equal(t, []string{"aria2.unpause"}, f.called())

	f.errors["aria2.unpause"] = "GID gid2 is not found"
	err := sb.Start(context.Background(), "gid2")
	assert.ErrorIs(t, err, engine.ErrUnknownHandle)
}

func TestSeedbox_DeleteRemovesDownloadAndResult(t *testing.T) {
	f, sb := newFakeRPC(t)

	require.NoError(t, sb.Delete(context.Background(), "gid1"))
	assert.Equal(t, []string{"aria2.forceRemove", "aria2.removeDownloadResult"}, f.called())
}

func TestSeedbox_ListSkipsFollowedEntries(t *testing.T) {
	f, sb := newFakeRPC(t)
	f.results["aria2.tellActive"] = []map[string]any{
		{"gid": "meta", "status": "complete", "followedBy": []string{"real"}},
		{"gid": "real", "status": "active", "totalLength": "10", "completedLength": "5"},
	}
	f.results["aria2.tellWaiting"] = []map[string]any{}
	f.results["aria2.tellStopped"] = []map[string]any{
		{"gid": "done", "status": "complete"},
	}

	list, err := sb.List(context.Background())
	require.NoError(t, err)
	var handles []string
	for _, tr := range list {
		handles = append(handles, tr.Handle)
	}
	assert.Equal(t, []string{"real", "done"}, handles)
}

func TestSeedbox_FetchCompletedLocal(t *testing.T) {
	f, sb := newFakeRPC(t)
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "ubuntu"), 0o755))
	f.results["aria2.tellStatus"] = map[string]any{
		"gid": "gid1", "status": "complete", "dir": dir,
		"bittorrent": map[string]any{"info": map[string]any{"name": "ubuntu"}},
	}

	path, err := sb.FetchCompleted(context.Background(), "gid1", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "ubuntu"), path)
}

func TestSeedbox_FetchCompletedRejectsUnfinished(t *testing.T) {
	f, sb := newFakeRPC(t)
	f.results["aria2.tellStatus"] = map[string]any{"gid": "gid1", "status": "active"}

	_, err := sb.FetchCompleted(context.Background(), "gid1", t.TempDir())
	assert.ErrorIs(t, err, engine.ErrFatal)
}

func TestClient_TransportErrorIsTransient(t *testing.T) {
	c := NewClient("http://127.0.0.1:1/jsonrpc", "", 0)
	_, err := c.GetVersion(context.Background())
	require.Error(t, err)
	assert.True(t, engine.IsTransient(err))
}

func TestDaemon_Command(t *testing.T) {
	dir := t.TempDir()
	d := NewDaemon(dir, "6800", NewClient("http://localhost:6800/jsonrpc", "s3cret", 0), []string{"udp://a:1", "udp://b:2"})

	bin, args := d.Command()
	assert.Equal(t, "aria2c", bin)
	assert.Contains(t, args, "--rpc-listen-port=6800")
	assert.Contains(t, args, "--dir="+dir)
	assert.Contains(t, args, "--save-session="+filepath.Join(dir, ".aria2.session"))
	assert.Contains(t, args, "--rpc-secret=s3cret")
	assert.Contains(t, args, "--bt-tracker=udp://a:1,udp://b:2")
	assert.NotContains(t, args, "--input-file="+d.SessionPath(), "no session to resume yet")

	require.NoError(t, os.WriteFile(d.SessionPath(), nil, 0o644))
	_, args = d.Command()
	assert.Contains(t, args, "--input-file="+d.SessionPath())
}
