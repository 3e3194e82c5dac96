package telegram

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/rs/zerolog/log"
	"github.com/viperadnan-git/relaybot/internal/core/engine"
	"github.com/viperadnan-git/relaybot/internal/core/feed"
	"github.com/viperadnan-git/relaybot/internal/core/job"
	"github.com/viperadnan-git/relaybot/internal/core/service"
	"github.com/viperadnan-git/relaybot/internal/core/statusloop"
)

// Command is one parsed chat command.
type Command struct {
	Name     string
	Args     []string
	Operator string
	ChatID   string
}

type StatusViews interface {
	Open(ctx context.Context, operator, chatID string) (*statusloop.View, error)
	Close(ctx context.Context, operator string) error
}

type Dispatcher struct {
	downloads *service.DownloadService
	feeds     *service.FeedService
	status    StatusViews
	timeout   time.Duration
}

func NewDispatcher(downloads *service.DownloadService, feeds *service.FeedService, status StatusViews, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Dispatcher{downloads: downloads, feeds: feeds, status: status, timeout: timeout}
}

const help = `Downloads
/dl <magnet|torrent url> - route automatically
/rd <magnet|torrent url> - Real-Debrid
/sb <magnet|torrent url> - seedbox
/ytdl <url> - media fetcher
/stream <hoster url> - direct link
/upload <job id> [telegram|cloud] [destination]
/zip <job id> [telegram|cloud] [destination]

Jobs
/job <id>, /jobs [all], /cancel <id>
/link <id> - download links for a finished job
/status, /status off

Backends
/rd_torrents, /rd_downloads, /rd_delete <id>
/sb_torrents, /sb_stop <gid>, /sb_start <gid>, /sb_delete <gid>
/cloud_ls [folder]

Feeds
/add_feed <url> [pref=auto|forced-cache|forced-seedbox] [private] [channel=<chat id>] [cloud=<path>]
/feeds, /remove_feed <id>, /poll <id>`

// Handle runs cmd and returns the reply. Errors become specific messages,
// never a bare failure.
func (d *Dispatcher) Handle(ctx context.Context, cmd Command) string {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	reply, err := d.handle(ctx, cmd)
	if err != nil {
		log.Debug().Err(err).Str("command", cmd.Name).Str("operator", cmd.Operator).Msg("command failed")
		return service.Message(err)
	}
	return reply
}

func (d *Dispatcher) handle(ctx context.Context, cmd Command) (string, error) {
	switch cmd.Name {
	case "start", "help":
		return help, nil
	case "dl":
		return d.download(ctx, cmd, service.ViaAuto)
	case "rd":
		return d.download(ctx, cmd, service.ViaCache)
	case "sb":
		return d.download(ctx, cmd, service.ViaSeedbox)
	case "ytdl":
		return d.download(ctx, cmd, service.ViaFetcher)
	case "stream":
		link, err := arg(cmd, 0, "a hoster link")
		if err != nil {
			return "", err
		}
		j, err := d.downloads.Stream(ctx, cmd.Operator, link)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Resolving link, job %s. The direct link arrives when it is ready.", j.ID), nil
	case "upload", "zip":
		return d.transfer(ctx, cmd)
	case "cancel":
		id, err := arg(cmd, 0, "a job id")
		if err != nil {
			return "", err
		}
		if _, err := d.downloads.Cancel(ctx, id, cmd.Operator); err != nil {
			return "", err
		}
		return fmt.Sprintf("Cancelling job %s.", id), nil
	case "job":
		id, err := arg(cmd, 0, "a job id")
		if err != nil {
			return "", err
		}
		j, err := d.downloads.Get(ctx, id, cmd.Operator)
		if err != nil {
			return "", err
		}
		return describeJob(j), nil
	case "link":
		id, err := arg(cmd, 0, "a job id")
		if err != nil {
			return "", err
		}
		links, err := d.downloads.Links(ctx, id, cmd.Operator)
		if err != nil {
			return "", err
		}
		return describeLinks(id, links), nil
	case "jobs":
		all := len(cmd.Args) > 0 && cmd.Args[0] == "all"
		jobs, err := d.downloads.List(ctx, cmd.Operator, !all)
		if err != nil {
			return "", err
		}
		return listJobs(jobs, all), nil
	case "status":
		if len(cmd.Args) > 0 && cmd.Args[0] == "off" {
			if err := d.status.Close(ctx, cmd.Operator); err != nil {
				return "", err
			}
			return "Status message closed.", nil
		}
		_, err := d.status.Open(ctx, cmd.Operator, cmd.ChatID)
		return "", err
	case "rd_torrents":
		torrents, err := d.downloads.CacheTorrents(ctx)
		if err != nil {
			return "", err
		}
		return listCacheTorrents(torrents), nil
	case "rd_downloads":
		items, err := d.downloads.CacheDownloads(ctx)
		if err != nil {
			return "", err
		}
		return listCacheDownloads(items), nil
	case "rd_delete":
		id, err := arg(cmd, 0, "a Real-Debrid torrent id")
		if err != nil {
			return "", err
		}
		if err := d.downloads.CacheDelete(ctx, cmd.Operator, id); err != nil {
			return "", err
		}
		return fmt.Sprintf("Deleted %s from Real-Debrid.", id), nil
	case "sb_torrents":
		torrents, err := d.downloads.SeedboxTorrents(ctx)
		if err != nil {
			return "", err
		}
		return listSeedboxTorrents(torrents), nil
	case "sb_stop", "sb_start", "sb_delete":
		handle, err := arg(cmd, 0, "a seedbox gid")
		if err != nil {
			return "", err
		}
		action := service.SeedboxAction(strings.TrimPrefix(cmd.Name, "sb_"))
		if err := d.downloads.SeedboxControl(ctx, cmd.Operator, action, handle); err != nil {
			return "", err
		}
		return seedboxDone[action] + " " + handle + ".", nil
	case "cloud_ls":
		var folder string
		if len(cmd.Args) > 0 {
			folder = cmd.Args[0]
		}
		entries, err := d.downloads.MirrorList(ctx, folder)
		if err != nil {
			return "", err
		}
		return listMirror(folder, entries), nil
	case "add_feed":
		return d.addFeed(ctx, cmd)
	case "feeds":
		feeds, err := d.feeds.List(ctx, cmd.Operator)
		if err != nil {
			return "", err
		}
		return listFeeds(feeds), nil
	case "remove_feed":
		id, err := arg(cmd, 0, "a feed id")
		if err != nil {
			return "", err
		}
		if err := d.feeds.Remove(ctx, id, cmd.Operator); err != nil {
			return "", err
		}
		return fmt.Sprintf("Feed %s removed.", id), nil
	case "poll":
		id, err := arg(cmd, 0, "a feed id")
		if err != nil {
			return "", err
		}
		res, err := d.feeds.Poll(ctx, id, cmd.Operator)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Feed %s: %d item(s), %d new job(s), %d skipped.", id, res.Items, res.New, res.Skipped), nil
	}
	return fmt.Sprintf("Unknown command /%s. Send /help for the list of commands.", cmd.Name), nil
}

var seedboxDone = map[service.SeedboxAction]string{
	service.SeedboxStop:   "Stopped",
	service.SeedboxStart:  "Started",
	service.SeedboxDelete: "Removed from the seedbox (files kept):",
}

// maxListLines caps listings so a reply stays under Telegram's message limit.
const maxListLines = 40

func clip(s string, n int) string {
	if r := []rune(s); len(r) > n {
		return string(r[:n-2]) + ".."
	}
	return s
}

func listCacheTorrents(torrents []engine.CacheTorrent) string {
	if len(torrents) == 0 {
		return "No torrents on Real-Debrid."
	}
	var b strings.Builder
	for i, t := range torrents {
		if i == maxListLines {
			fmt.Fprintf(&b, "... and %d more", len(torrents)-i)
			break
		}
		fmt.Fprintf(&b, "[%s] %s %.0f%% %s\n", t.ID, t.Status, t.Progress*100, clip(t.Name, 40))
	}
	return strings.TrimRight(b.String(), "\n")
}

func listCacheDownloads(items []engine.CacheDownload) string {
	if len(items) == 0 {
		return "No Real-Debrid download history."
	}
	var b strings.Builder
	for _, d := range items {
		fmt.Fprintf(&b, "%s %s %s\n", d.Generated.UTC().Format(time.DateOnly), datasize.ByteSize(d.Size).HR(), clip(d.Filename, 40))
	}
	return strings.TrimRight(b.String(), "\n")
}

func listSeedboxTorrents(torrents []engine.SeedboxTorrent) string {
	if len(torrents) == 0 {
		return "No torrents on the seedbox."
	}
	var b strings.Builder
	for i, t := range torrents {
		if i == maxListLines {
			fmt.Fprintf(&b, "... and %d more", len(torrents)-i)
			break
		}
		pct := 0.0
		if t.Total > 0 {
			pct = float64(t.Completed) / float64(t.Total) * 100
		}
		fmt.Fprintf(&b, "[%s] %s %.1f%% %s\n", t.Handle, t.Status, pct, clip(t.Name, 40))
	}
	return strings.TrimRight(b.String(), "\n")
}

func listMirror(folder string, entries []engine.MirrorEntry) string {
	if folder == "" {
		folder = "upload folder"
	}
	if len(entries) == 0 {
		return fmt.Sprintf("Nothing in %s.", folder)
	}
	var b strings.Builder
	for i, e := range entries {
		if i == maxListLines {
			fmt.Fprintf(&b, "... and %d more", len(entries)-i)
			break
		}
		if e.IsDir {
			fmt.Fprintf(&b, "%s/\n", e.Path)
			continue
		}
		fmt.Fprintf(&b, "%s (%s)\n", e.Path, datasize.ByteSize(e.Size).HR())
	}
	return strings.TrimRight(b.String(), "\n")
}

func describeLinks(id string, links []service.FileLink) string {
	if len(links) == 0 {
		return fmt.Sprintf("Job %s has no files.", id)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Files of job %s (links expire %s):", id, links[0].Expires.UTC().Format(time.RFC822))
	for _, l := range links {
		fmt.Fprintf(&b, "\n%s (%s)\n%s", l.Name, datasize.ByteSize(l.Size).HR(), l.URL)
	}
	return b.String()
}

func arg(cmd Command, i int, what string) (string, error) {
	if len(cmd.Args) <= i {
		return "", fmt.Errorf("%w: /%s needs %s", service.ErrInvalidArgs, cmd.Name, what)
	}
	return cmd.Args[i], nil
}

func (d *Dispatcher) download(ctx context.Context, cmd Command, via service.Via) (string, error) {
	link, err := arg(cmd, 0, "a link")
	if err != nil {
		return "", err
	}
	j, err := d.downloads.Add(ctx, service.AddDownloadRequest{
		URL:    link,
		Via:    via,
		Owner:  cmd.Operator,
		Name:   strings.Join(cmd.Args[1:], " "),
		ChatID: cmd.ChatID,
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Queued job %s on %s. Cancel with /cancel %s", j.ID, j.Backend, j.ID), nil
}

func (d *Dispatcher) transfer(ctx context.Context, cmd Command) (string, error) {
	id, err := arg(cmd, 0, "a job id")
	if err != nil {
		return "", err
	}
	req := service.TransferRequest{JobID: id, Owner: cmd.Operator, ChatID: cmd.ChatID}
	if len(cmd.Args) > 1 {
		switch cmd.Args[1] {
		case "telegram", "chat":
			req.Target = job.BackendTelegram
		case "cloud", "cloud-mirror":
			req.Target = job.BackendCloudMirror
		default:
			return "", fmt.Errorf("%w: upload target must be telegram or cloud", service.ErrInvalidArgs)
		}
	}
	if len(cmd.Args) > 2 {
		req.Destination = cmd.Args[2]
	}

	var j *job.Job
	if cmd.Name == "zip" {
		j, err = d.downloads.Zip(ctx, req)
	} else {
		j, err = d.downloads.Upload(ctx, req)
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Queued %s job %s to %s.", j.Kind, j.ID, j.Backend), nil
}

func (d *Dispatcher) addFeed(ctx context.Context, cmd Command) (string, error) {
	link, err := arg(cmd, 0, "a feed url")
	if err != nil {
		return "", err
	}
	req := service.AddFeedRequest{URL: link, Owner: cmd.Operator, TargetChannel: cmd.ChatID}
	for _, opt := range cmd.Args[1:] {
		key, val, _ := strings.Cut(opt, "=")
		switch key {
		case "private":
			req.Private = true
		case "pref":
			req.Preference = val
		case "channel":
			req.TargetChannel = val
		case "cloud":
			req.CloudDestination = val
		default:
			return "", fmt.Errorf("%w: unknown feed option %q", service.ErrInvalidArgs, opt)
		}
	}
	f, err := d.feeds.Add(ctx, req)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Subscribed to feed %s (%s). Only items published from now on are picked up.", f.ID, f.Preference), nil
}

func describeJob(j *job.Job) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Job %s\n%s via %s\nState: %s", j.ID, j.Kind, j.Backend, j.State)
	if j.CancelRequested && !j.State.Terminal() {
		b.WriteString(" (cancel requested)")
	}
	if j.Name != "" {
		fmt.Fprintf(&b, "\nName: %s", j.Name)
	}
	if j.Progress.Total > 0 {
		fmt.Fprintf(&b, "\nProgress: %.0f%%", j.Progress.Fraction()*100)
	}
	if j.Result != "" {
		fmt.Fprintf(&b, "\nResult: %s", j.Result)
	}
	if j.Error != "" {
		fmt.Fprintf(&b, "\nError: %s", j.Error)
	}
	fmt.Fprintf(&b, "\nCreated: %s", j.CreatedAt.Format(time.RFC3339))
	return b.String()
}

func listJobs(jobs []*job.Job, all bool) string {
	if len(jobs) == 0 {
		if all {
			return "No jobs."
		}
		return "No active jobs. Use /jobs all to include finished ones."
	}
	var b strings.Builder
	for _, j := range jobs {
		name := j.Name
		if name == "" {
			name = j.URL
		}
		fmt.Fprintf(&b, "[%s] %s %s: %s\n", j.ID, j.Kind, j.State, name)
	}
	return strings.TrimRight(b.String(), "\n")
}

func listFeeds(feeds []*feed.Feed) string {
	if len(feeds) == 0 {
		return "No feeds. Add one with /add_feed <url>."
	}
	var b strings.Builder
	for _, f := range feeds {
		fmt.Fprintf(&b, "[%s] %s (%s", f.ID, f.URL, f.Preference)
		if f.Private {
			b.WriteString(", private")
		}
		b.WriteString(")")
		if f.LastError != "" {
			fmt.Fprintf(&b, "\n  last error: %s", f.LastError)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
