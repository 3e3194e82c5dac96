package aria2

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/viperadnan-git/relaybot/internal/core/process"
)

const sessionFile = ".aria2.session"

// Daemon runs a local aria2c as the seedbox. Its session file keeps stopped
// and finished torrents across restarts so their handles stay valid for the
// recovery pass.
type Daemon struct {
	downloadDir string
	rpcPort     string
	client      *Client
	trackers    []string
}

func NewDaemon(downloadDir, rpcPort string, client *Client, trackers []string) *Daemon {
	return &Daemon{
		downloadDir: downloadDir,
		rpcPort:     rpcPort,
		client:      client,
		trackers:    trackers,
	}
}

func (d *Daemon) Name() string { return "aria2c" }

func (d *Daemon) SessionPath() string { return filepath.Join(d.downloadDir, sessionFile) }

func (d *Daemon) Command() (string, []string) {
	session := d.SessionPath()
	args := []string{
		"--enable-rpc",
		"--rpc-listen-all=false",
		"--rpc-listen-port=" + d.rpcPort,
		"--dir=" + d.downloadDir,
		"--quiet=true",
		"--continue=true",
		"--file-allocation=none",
		"--save-session=" + session,
		"--save-session-interval=30",
		"--force-save=true",
		"--follow-torrent=mem",
		"--enable-dht=true",
		"--enable-peer-exchange=true",
		"--listen-port=6881-6999",
		"--dht-listen-port=6881-6999",
		"--max-connection-per-server=10",
		"--split=10",
	}
	// aria2c refuses to start when --input-file points at a missing file.
	if _, err := os.Stat(session); err == nil {
		args = append(args, "--input-file="+session)
	}
	if d.client.secret != "" {
		args = append(args, "--rpc-secret="+d.client.secret)
	}
	if len(d.trackers) > 0 {
		args = append(args, "--bt-tracker="+strings.Join(d.trackers, ","))
	}
	return "aria2c", args
}

func (d *Daemon) ReadyCheck() process.ReadyProbe {
	return process.ReadyProbe{
		Check:    d.Healthy,
		Interval: 200 * time.Millisecond,
		Timeout:  10 * time.Second,
	}
}

func (d *Daemon) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, err := d.client.GetVersion(ctx)
	return err == nil
}
