// Package feed subscribes operators to RSS/Atom feeds and turns new torrent
// items into routed jobs.
package feed

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/viperadnan-git/relaybot/internal/core/route"
	"github.com/viperadnan-git/relaybot/internal/core/store"
	"github.com/viperadnan-git/relaybot/internal/core/util"
)

var (
	ErrNotFound = errors.New("feed not found")
	ErrExists   = errors.New("feed already subscribed")
)

// Feed is a subscription. Items published at or before AddedAt never
// produce jobs. Undated items present at the first successful poll are
// recorded as seen; undated items that show up later are scheduled.
type Feed struct {
	ID               string
	URL              string
	Owner            string
	AddedAt          time.Time
	TargetChannel    string
	CloudDestination string
	Preference       route.Preference
	Private          bool

	LastPolledAt time.Time
	LastError    string
	// BaselineAt is when the first successful poll recorded the undated
	// items already in the feed. Zero until then.
	BaselineAt time.Time
}

func toRecord(f *Feed) store.Record {
	rec := store.Record{
		"id":                f.ID,
		"url":               f.URL,
		"owner":             f.Owner,
		"added_timestamp":   f.AddedAt.UTC().Format(time.RFC3339Nano),
		"engine_preference": string(f.Preference),
		"private":           strconv.FormatBool(f.Private),
	}
	optional := map[string]string{
		"target_channel":    f.TargetChannel,
		"cloud_destination": f.CloudDestination,
		"last_error":        f.LastError,
	}
	if !f.LastPolledAt.IsZero() {
		optional["last_polled_at"] = f.LastPolledAt.UTC().Format(time.RFC3339Nano)
	}
	if !f.BaselineAt.IsZero() {
		optional["baseline_at"] = f.BaselineAt.UTC().Format(time.RFC3339Nano)
	}
	for k, v := range optional {
		if v != "" {
			rec[k] = v
		}
	}
	return rec
}

func fromRecord(rec store.Record) (*Feed, error) {
	f := &Feed{
		ID:               rec["id"],
		URL:              rec["url"],
		Owner:            rec["owner"],
		TargetChannel:    rec["target_channel"],
		CloudDestination: rec["cloud_destination"],
		Preference:       route.Preference(rec["engine_preference"]),
		LastError:        rec["last_error"],
	}
	if f.ID == "" || f.URL == "" {
		return nil, fmt.Errorf("%w: feed record missing id or url", store.ErrCorrupt)
	}
	if !f.Preference.Valid() {
		return nil, fmt.Errorf("%w: feed %s preference %q", store.ErrCorrupt, f.ID, f.Preference)
	}
	var err error
	if f.AddedAt, err = time.Parse(time.RFC3339Nano, rec["added_timestamp"]); err != nil {
		return nil, fmt.Errorf("%w: feed %s added_timestamp: %v", store.ErrCorrupt, f.ID, err)
	}
	if f.Private, err = strconv.ParseBool(rec["private"]); err != nil {
		return nil, fmt.Errorf("%w: feed %s private: %v", store.ErrCorrupt, f.ID, err)
	}
	if v := rec["last_polled_at"]; v != "" {
		if f.LastPolledAt, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return nil, fmt.Errorf("%w: feed %s last_polled_at: %v", store.ErrCorrupt, f.ID, err)
		}
	}
	if v := rec["baseline_at"]; v != "" {
		if f.BaselineAt, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return nil, fmt.Errorf("%w: feed %s baseline_at: %v", store.ErrCorrupt, f.ID, err)
		}
	}
	return f, nil
}

// TorrentLink extracts the magnet or .torrent link of an item: the item
// link first, then bittorrent enclosures, then any other link.
func TorrentLink(it *gofeed.Item) string {
	if isTorrent(it.Link) {
		return it.Link
	}
	for _, enc := range it.Enclosures {
		if enc == nil {
			continue
		}
		if enc.Type == "application/x-bittorrent" || isTorrent(enc.URL) {
			return enc.URL
		}
	}
	for _, l := range it.Links {
		if isTorrent(l) {
			return l
		}
	}
	return ""
}

func isTorrent(link string) bool {
	return util.IsMagnet(link) || util.IsTorrentURL(link)
}

// ItemID is the dedup id of an item: the md5 of its guid, falling back to
// its link and then the torrent link.
func ItemID(it *gofeed.Item, torrent string) string {
	key := it.GUID
	if key == "" {
		key = it.Link
	}
	if key == "" {
		key = torrent
	}
	sum := md5.Sum([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// publishTime prefers the published date and falls back to the updated one.
func publishTime(it *gofeed.Item) (time.Time, bool) {
	if it.PublishedParsed != nil {
		return *it.PublishedParsed, true
	}
	if it.UpdatedParsed != nil {
		return *it.UpdatedParsed, true
	}
	return time.Time{}, false
}
