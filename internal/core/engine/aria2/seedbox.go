// Package aria2 is the seedbox adapter: an aria2 daemon driven over JSON-RPC,
// with finished files pulled over SFTP when the daemon runs on another host.
package aria2

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/viperadnan-git/relaybot/internal/core/engine"
	"github.com/viperadnan-git/relaybot/internal/core/process"
	"github.com/viperadnan-git/relaybot/internal/core/util"
)

const trackersURL = "https://raw.githubusercontent.com/ngosang/trackerslist/master/trackers_all.txt"

// listPage bounds tellWaiting and tellStopped.
const listPage = 100

type Config struct {
	RPCURL    string
	RPCSecret string
	// DownloadDir is the directory on the seedbox host.
	DownloadDir string
	Timeout     time.Duration
	// SFTP is nil when the daemon shares the local filesystem.
	SFTP *SFTPConfig
}

type Seedbox struct {
	client      *Client
	downloadDir string
	trackers    []string
	sftp        *SFTPConfig
}

var _ engine.Seedbox = (*Seedbox)(nil)

func New(cfg Config) *Seedbox {
	rpcURL := cfg.RPCURL
	if rpcURL == "" {
		rpcURL = "http://localhost:6800/jsonrpc"
	}
	return &Seedbox{
		client:      NewClient(rpcURL, cfg.RPCSecret, cfg.Timeout),
		downloadDir: cfg.DownloadDir,
		sftp:        cfg.SFTP,
	}
}

// LoadTrackers fetches the public tracker list added to magnet downloads.
func (s *Seedbox) LoadTrackers() {
	s.trackers = fetchTrackers(trackersURL)
	log.Info().Int("count", len(s.trackers)).Msg("loaded bt trackers")
}

func (s *Seedbox) Client() *Client { return s.client }

// Daemon returns a managed local aria2c bound to this seedbox's RPC port.
func (s *Seedbox) Daemon(rpcPort string) process.Daemon {
	return NewDaemon(s.downloadDir, rpcPort, s.client, s.trackers)
}

func (s *Seedbox) Health(ctx context.Context) engine.HealthStatus {
	start := time.Now()
	version, err := s.client.GetVersion(ctx)
	latency := time.Since(start)
	if err != nil {
		return engine.HealthStatus{OK: false, Message: err.Error(), Latency: latency}
	}
	return engine.HealthStatus{OK: true, Message: "aria2 " + version, Latency: latency}
}

func (s *Seedbox) Add(ctx context.Context, link string) (string, error) {
	opts := map[string]string{}
	if s.downloadDir != "" {
		opts["dir"] = s.downloadDir
	}
	// Add trackers for magnet links to speed up peer discovery
	if util.IsMagnet(link) && len(s.trackers) > 0 {
		opts["bt-tracker"] = strings.Join(s.trackers, ",")
	}

	gid, err := s.client.AddURI(ctx, []string{link}, opts)
	if err != nil {
		return "", fmt.Errorf("aria2 add: %w", err)
	}
	log.Debug().Str("gid", gid).Str("link", link).Msg("aria2 URI added")
	return gid, nil
}

// Status follows the GID chain: a magnet or .torrent download is replaced
// by the real torrent download once metadata arrives, and the returned
// Handle is the GID of the newest link in the chain.
func (s *Seedbox) Status(ctx context.Context, handle string) (engine.SeedboxTorrent, error) {
	gid := handle
	for hops := 0; hops < 4; hops++ {
		st, err := s.client.TellStatus(ctx, gid)
		if err != nil {
			return engine.SeedboxTorrent{}, err
		}
		if len(st.FollowedBy) == 0 {
			return st.convert(), nil
		}
		log.Debug().Str("old_gid", gid).Str("new_gid", st.FollowedBy[0]).Msg("aria2 GID changed, following")
		_ = s.client.RemoveDownloadResult(ctx, gid)
		gid = st.FollowedBy[0]
	}
	return engine.SeedboxTorrent{}, engine.Fatal("aria2 GID chain too long for %s", handle)
}

// List returns active, waiting and recently stopped downloads. Entries
// superseded by a follow-up GID are skipped.
func (s *Seedbox) List(ctx context.Context) ([]engine.SeedboxTorrent, error) {
	active, err := s.client.TellActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("aria2 tell active: %w", err)
	}
	waiting, err := s.client.TellWaiting(ctx, 0, listPage)
	if err != nil {
		return nil, fmt.Errorf("aria2 tell waiting: %w", err)
	}
	stopped, err := s.client.TellStopped(ctx, 0, listPage)
	if err != nil {
		return nil, fmt.Errorf("aria2 tell stopped: %w", err)
	}

	all := append(append(active, waiting...), stopped...)
	out := make([]engine.SeedboxTorrent, 0, len(all))
	for _, st := range all {
		if len(st.FollowedBy) > 0 {
			continue
		}
		out = append(out, st.convert())
	}
	return out, nil
}

// Stop pauses the download. Data already on the seedbox is kept.
func (s *Seedbox) Stop(ctx context.Context, handle string) error {
	err := s.client.ForcePause(ctx, handle)
	if errors.Is(err, engine.ErrUnknownHandle) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("aria2 stop: %w", err)
	}
	return nil
}

func (s *Seedbox) Start(ctx context.Context, handle string) error {
	if err := s.client.Unpause(ctx, handle); err != nil {
		return fmt.Errorf("aria2 start: %w", err)
	}
	return nil
}

func (s *Seedbox) Delete(ctx context.Context, handle string) error {
	if err := s.client.ForceRemove(ctx, handle); err != nil && !errors.Is(err, engine.ErrUnknownHandle) {
		return fmt.Errorf("aria2 remove: %w", err)
	}
	if err := s.client.RemoveDownloadResult(ctx, handle); err != nil && !errors.Is(err, engine.ErrUnknownHandle) {
		return fmt.Errorf("aria2 remove result: %w", err)
	}
	return nil
}

// FetchCompleted copies the finished torrent into destDir over SFTP, or
// returns its path directly when the daemon is local.
func (s *Seedbox) FetchCompleted(ctx context.Context, handle, destDir string) (string, error) {
	st, err := s.client.TellStatus(ctx, handle)
	if err != nil {
		return "", err
	}
	t := st.convert()
	if t.Status != engine.SeedboxComplete {
		return "", engine.Fatal("download %s is %s, not complete", handle, t.Status)
	}
	root := filepath.Join(t.Dir, t.Name)

	if s.sftp == nil {
		if _, err := os.Stat(root); err != nil {
			return "", engine.Fatal("completed download missing locally: %v", err)
		}
		return root, nil
	}

	local := filepath.Join(destDir, t.Name)
	if err := s.sftp.fetch(ctx, t.Dir, t.Files, destDir); err != nil {
		return "", err
	}
	return local, nil
}

// fallbackTrackers are used when the remote tracker list cannot be fetched.
var fallbackTrackers = []string{
	"udp://tracker.opentrackr.org:1337/announce",
	"udp://open.tracker.cl:1337/announce",
	"udp://open.stealth.si:80/announce",
	"udp://exodus.desync.com:6969/announce",
	"udp://tracker.torrent.eu.org:451/announce",
}

// fetchTrackers downloads a newline-separated tracker list from the given URL.
// Falls back to the hardcoded list on failure.
func fetchTrackers(rawURL string) []string {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(rawURL)
	if err != nil {
		log.Warn().Err(err).Msg("failed to fetch tracker list, using fallback")
		return fallbackTrackers
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Warn().Int("status", resp.StatusCode).Msg("tracker list HTTP error, using fallback")
		return fallbackTrackers
	}

	var trackers []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			trackers = append(trackers, line)
		}
	}

	if len(trackers) == 0 {
		log.Warn().Msg("tracker list was empty, using fallback")
		return fallbackTrackers
	}

	return trackers
}
