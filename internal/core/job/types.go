package job

import "time"

type Kind string

const (
	KindCacheDownload   Kind = "cache-download"
	KindSeedboxDownload Kind = "seedbox-download"
	KindFetcherRun      Kind = "fetcher-run"
	KindUpload          Kind = "upload"
	KindCompression     Kind = "compression"
	KindStream          Kind = "stream"
)

func (k Kind) Valid() bool {
	switch k {
	case KindCacheDownload, KindSeedboxDownload, KindFetcherRun, KindUpload, KindCompression, KindStream:
		return true
	}
	return false
}

type Backend string

const (
	BackendCacheProvider Backend = "cache-provider"
	BackendSeedbox       Backend = "seedbox"
	BackendLocalFetcher  Backend = "local-fetcher"
	BackendCloudMirror   Backend = "cloud-mirror"
	BackendTelegram      Backend = "telegram"
)

func (b Backend) Valid() bool {
	switch b {
	case BackendCacheProvider, BackendSeedbox, BackendLocalFetcher, BackendCloudMirror, BackendTelegram:
		return true
	}
	return false
}

type State string

const (
	StatePending    State = "pending"
	StateRunning    State = "running"
	StatePaused     State = "paused"
	StateCancelling State = "cancelling"
	StateCancelled  State = "cancelled"
	StateFailed     State = "failed"
	StateCompleted  State = "completed"
)

// Terminal states never transition out.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

func (s State) Valid() bool {
	switch s {
	case StatePending, StateRunning, StatePaused, StateCancelling, StateCancelled, StateFailed, StateCompleted:
		return true
	}
	return false
}

// Source records who asked for the job. Failures of feed jobs are only
// shown in the status view; command jobs report back to the operator.
type Source string

const (
	SourceCommand Source = "command"
	SourceFeed    Source = "feed"
)

// Progress is bytes or items; it never decreases while running.
type Progress struct {
	Current int64
	Total   int64
}

func (p Progress) Fraction() float64 {
	if p.Total <= 0 {
		return 0
	}
	f := float64(p.Current) / float64(p.Total)
	if f > 1 {
		return 1
	}
	return f
}

type Job struct {
	ID      string
	Kind    Kind
	Backend Backend
	State   State
	Owner   string
	Source  Source

	URL         string
	Name        string
	Destination string
	ParentID    string
	FeedID      string
	ItemID      string
	// BackendRef is the provider torrent id, seedbox handle or local path.
	BackendRef string
	// Runner is the executor instance that last took the job to running.
	Runner string
	// Result is what the operator gets back: a direct link, a local path
	// or a cloud link.
	Result string
	Error  string

	Progress        Progress
	CancelRequested bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// FromFeed reports whether the job was scheduled by the feed poller.
func (j *Job) FromFeed() bool { return j.Source == SourceFeed }

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Owner   string
	Kind    Kind
	Backend Backend
	States  []State
	// Active keeps only non-terminal jobs.
	Active bool
}

func (f Filter) match(j *Job) bool {
	if f.Owner != "" && j.Owner != f.Owner {
		return false
	}
	if f.Kind != "" && j.Kind != f.Kind {
		return false
	}
	if f.Backend != "" && j.Backend != f.Backend {
		return false
	}
	if f.Active && j.State.Terminal() {
		return false
	}
	if len(f.States) > 0 {
		for _, s := range f.States {
			if j.State == s {
				return true
			}
		}
		return false
	}
	return true
}
