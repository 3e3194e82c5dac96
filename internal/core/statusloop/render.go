package statusloop

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/c2h5oh/datasize"
	"github.com/rs/zerolog/log"
	"github.com/viperadnan-git/relaybot/internal/core/engine"
	"github.com/viperadnan-git/relaybot/internal/core/job"
)

const (
	nameWidth       = 40
	maxFeedFailures = 5
)

// Render builds the status text of one operator. Backend failures are shown
// inline instead of failing the whole view.
func (a *Aggregator) Render(ctx context.Context, operator string) string {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var b strings.Builder
	fmt.Fprintf(&b, "Status (%s UTC)\n", a.now().UTC().Format("2006-01-02 15:04:05"))

	sections := 0
	if active, err := a.jobs.List(ctx, job.Filter{Owner: operator, Active: true}); err != nil {
		fmt.Fprintf(&b, "\nJobs: unavailable (%v)\n", err)
		sections++
	} else if len(active) > 0 {
		b.WriteString("\nJobs:\n")
		for _, j := range active {
			fmt.Fprintf(&b, "• [%s] %s %s\n  %s%s\n", j.ID, j.Kind, short(jobName(j)), j.State, progress(j.Progress))
		}
		sections++
	}

	if failed, err := a.jobs.List(ctx, job.Filter{Owner: operator, States: []job.State{job.StateFailed}}); err == nil {
		var lines []string
		for _, j := range failed {
			if !j.FromFeed() {
				continue
			}
			lines = append(lines, fmt.Sprintf("• [%s] %s: %s", j.ID, short(jobName(j)), j.Error))
			if len(lines) == maxFeedFailures {
				break
			}
		}
		if len(lines) > 0 {
			b.WriteString("\nFeed failures:\n" + strings.Join(lines, "\n") + "\n")
			sections++
		}
	}

	if a.src.Feeds != nil {
		if feeds, err := a.src.Feeds.List(ctx, operator); err == nil {
			var lines []string
			for _, f := range feeds {
				if f.LastError != "" {
					lines = append(lines, fmt.Sprintf("• %s: %s", short(f.URL), f.LastError))
				}
			}
			if len(lines) > 0 {
				b.WriteString("\nFeeds failing:\n" + strings.Join(lines, "\n") + "\n")
				sections++
			}
		}
	}

	if a.src.Cache != nil {
		torrents, err := a.src.Cache.List(ctx)
		if err != nil {
			log.Debug().Err(err).Msg("status: cache list")
			fmt.Fprintf(&b, "\nReal-Debrid: unavailable\n")
			sections++
		} else if lines := cacheLines(torrents); len(lines) > 0 {
			b.WriteString("\nReal-Debrid:\n" + strings.Join(lines, "\n") + "\n")
			sections++
		}
	}

	if a.src.Seedbox != nil {
		torrents, err := a.src.Seedbox.List(ctx)
		if err != nil {
			log.Debug().Err(err).Msg("status: seedbox list")
			fmt.Fprintf(&b, "\nSeedbox: unavailable\n")
			sections++
		} else if lines := seedboxLines(torrents); len(lines) > 0 {
			b.WriteString("\nSeedbox:\n" + strings.Join(lines, "\n") + "\n")
			sections++
		}
	}

	if sections == 0 {
		b.WriteString("\nEverything is idle.\n")
	}

	if a.src.Snapshot != nil {
		snap, err := a.src.Snapshot(ctx)
		if err != nil {
			log.Debug().Err(err).Msg("status: partial system snapshot")
		}
		b.WriteString("\n" + snap.String())
	}
	return strings.TrimRight(b.String(), "\n")
}

func cacheLines(torrents []engine.CacheTorrent) []string {
	var lines []string
	for _, t := range torrents {
		if t.Status == engine.CacheDownloaded {
			continue
		}
		lines = append(lines, fmt.Sprintf("• %s\n  %s %.0f%%", short(t.Name), t.Status, t.Progress*100))
	}
	return lines
}

func seedboxLines(torrents []engine.SeedboxTorrent) []string {
	var lines []string
	for _, t := range torrents {
		if t.Status != engine.SeedboxActive && t.Status != engine.SeedboxWaiting {
			continue
		}
		pct := 0.0
		if t.Total > 0 {
			pct = float64(t.Completed) / float64(t.Total) * 100
		}
		lines = append(lines, fmt.Sprintf("• %s\n  %s %.1f%% %s/s", short(t.Name), t.Status, pct, datasize.ByteSize(t.Speed).HR()))
	}
	return lines
}

func jobName(j *job.Job) string {
	if j.Name != "" {
		return j.Name
	}
	return j.URL
}

func progress(p job.Progress) string {
	if p.Total <= 0 {
		return ""
	}
	return fmt.Sprintf(" %.0f%%", p.Fraction()*100)
}

func short(s string) string {
	if utf8.RuneCountInString(s) <= nameWidth {
		return s
	}
	r := []rune(s)
	return string(r[:nameWidth-1]) + "…"
}
