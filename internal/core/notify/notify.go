// Package notify reports the outcome of operator-initiated jobs back to the
// operator's chat. Feed jobs are never announced; their failures show up
// only in the status view.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/viperadnan-git/relaybot/internal/core/engine"
	"github.com/viperadnan-git/relaybot/internal/core/event"
	"github.com/viperadnan-git/relaybot/internal/core/job"
)

type Notifier struct {
	jobs    *job.Manager
	chat    engine.Chat
	timeout time.Duration
	wg      sync.WaitGroup
}

func New(jobs *job.Manager, chat engine.Chat, timeout time.Duration) *Notifier {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Notifier{jobs: jobs, chat: chat, timeout: timeout}
}

// Attach subscribes to terminal job events.
func (n *Notifier) Attach(bus event.Bus) (unsubscribe func()) {
	return bus.SubscribeMany([]event.EventType{
		event.EventJobCompleted,
		event.EventJobFailed,
		event.EventJobCancelled,
	}, n.handle)
}

// Wait blocks until queued messages are sent.
func (n *Notifier) Wait() { n.wg.Wait() }

func (n *Notifier) handle(_ context.Context, ev event.Event) error {
	je, ok := ev.Payload.(event.JobEvent)
	if !ok || je.Source != string(job.SourceCommand) || je.Owner == "" {
		return nil
	}
	// Bus handlers must not block on the chat API.
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.send(ev.Type, je.JobID)
	}()
	return nil
}

func (n *Notifier) send(t event.EventType, id string) {
	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()

	j, err := n.jobs.Get(ctx, id)
	if err != nil {
		log.Warn().Err(err).Str("job_id", id).Msg("notify: load job")
		return
	}
	text := Message(t, j)
	if text == "" {
		return
	}
	if err := n.chat.Send(ctx, j.Owner, text); err != nil {
		log.Warn().Err(err).Str("job_id", id).Str("owner", j.Owner).Msg("notify: send failed")
	}
}

// Message renders the operator-facing text for a finished job.
func Message(t event.EventType, j *job.Job) string {
	label := string(j.Kind)
	if j.Name != "" {
		label += " " + j.Name
	}
	switch t {
	case event.EventJobCompleted:
		var b strings.Builder
		fmt.Fprintf(&b, "Done: %s [%s]", label, j.ID)
		if j.Result != "" {
			b.WriteString("\n" + j.Result)
		}
		return b.String()
	case event.EventJobFailed:
		return fmt.Sprintf("Failed: %s [%s]\nReason: %s%s", label, j.ID, j.Error, hint(j))
	case event.EventJobCancelled:
		return fmt.Sprintf("Cancelled: %s [%s]", label, j.ID)
	}
	return ""
}

func hint(j *job.Job) string {
	switch {
	case strings.Contains(j.Error, "not configured"):
		return "\nConfigure the " + string(j.Backend) + " backend and send the link again."
	case strings.Contains(j.Error, "orphaned on restart"):
		return "\nThe bot restarted while this job ran; send the link again to restart it."
	case strings.Contains(j.Error, "time limit exceeded"):
		return "\nRaise fetcher.time_limit or pick a shorter video."
	case strings.Contains(j.Error, "archive too large"):
		return "\nRaise packager.max_archive_size or upload to the cloud mirror instead."
	}
	return ""
}
