package job

import (
	"fmt"
	"strconv"
	"time"

	"github.com/viperadnan-git/relaybot/internal/core/store"
)

func toRecord(j *Job) store.Record {
	rec := store.Record{
		"id":               j.ID,
		"kind":             string(j.Kind),
		"backend":          string(j.Backend),
		"state":            string(j.State),
		"owner":            j.Owner,
		"source":           string(j.Source),
		"progress_current": strconv.FormatInt(j.Progress.Current, 10),
		"progress_total":   strconv.FormatInt(j.Progress.Total, 10),
		"cancel_requested": strconv.FormatBool(j.CancelRequested),
		"created_at":       j.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":       j.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	optional := map[string]string{
		"url":         j.URL,
		"name":        j.Name,
		"destination": j.Destination,
		"parent_id":   j.ParentID,
		"feed_id":     j.FeedID,
		"item_id":     j.ItemID,
		"backend_ref": j.BackendRef,
		"runner":      j.Runner,
		"result":      j.Result,
		"error":       j.Error,
	}
	for k, v := range optional {
		if v != "" {
			rec[k] = v
		}
	}
	return rec
}

func fromRecord(rec store.Record) (*Job, error) {
	j := &Job{
		ID:          rec["id"],
		Kind:        Kind(rec["kind"]),
		Backend:     Backend(rec["backend"]),
		State:       State(rec["state"]),
		Owner:       rec["owner"],
		Source:      Source(rec["source"]),
		URL:         rec["url"],
		Name:        rec["name"],
		Destination: rec["destination"],
		ParentID:    rec["parent_id"],
		FeedID:      rec["feed_id"],
		ItemID:      rec["item_id"],
		BackendRef:  rec["backend_ref"],
		Runner:      rec["runner"],
		Result:      rec["result"],
		Error:       rec["error"],
	}
	if j.ID == "" || !j.State.Valid() || !j.Kind.Valid() {
		return nil, fmt.Errorf("%w: job %q has id/kind/state %q/%q", store.ErrCorrupt, j.ID, j.Kind, j.State)
	}

	var err error
	if j.Progress.Current, err = parseInt(rec, "progress_current"); err != nil {
		return nil, err
	}
	if j.Progress.Total, err = parseInt(rec, "progress_total"); err != nil {
		return nil, err
	}
	if j.CancelRequested, err = strconv.ParseBool(rec["cancel_requested"]); err != nil {
		return nil, fmt.Errorf("%w: job %s cancel_requested: %v", store.ErrCorrupt, j.ID, err)
	}
	if j.CreatedAt, err = time.Parse(time.RFC3339Nano, rec["created_at"]); err != nil {
		return nil, fmt.Errorf("%w: job %s created_at: %v", store.ErrCorrupt, j.ID, err)
	}
	if j.UpdatedAt, err = time.Parse(time.RFC3339Nano, rec["updated_at"]); err != nil {
		return nil, fmt.Errorf("%w: job %s updated_at: %v", store.ErrCorrupt, j.ID, err)
	}
	return j, nil
}

func parseInt(rec store.Record, field string) (int64, error) {
	v, ok := rec[field]
	if !ok || v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: job %s %s: %v", store.ErrCorrupt, rec["id"], field, err)
	}
	return n, nil
}
