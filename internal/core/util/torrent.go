package util

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
)

const maxTorrentSize = 10 << 20 // 10 MB

var magnetHashRe = regexp.MustCompile(`btih:([a-fA-F0-9]{40})`)

// IsMagnet reports whether link is a magnet URI.
func IsMagnet(link string) bool {
	return strings.HasPrefix(strings.ToLower(link), "magnet:")
}

// IsTorrentURL reports whether link points at a .torrent file.
func IsTorrentURL(link string) bool {
	u, err := url.Parse(link)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	return strings.EqualFold(path.Ext(u.Path), ".torrent")
}

// MagnetHash returns the lower-case hex info hash of a magnet URI.
func MagnetHash(magnet string) (string, error) {
	m := magnetHashRe.FindStringSubmatch(magnet)
	if m == nil {
		return "", fmt.Errorf("no btih hash in magnet")
	}
	return strings.ToLower(m[1]), nil
}

// MagnetName returns the dn parameter of a magnet URI, if any.
func MagnetName(magnet string) string {
	i := strings.IndexByte(magnet, '?')
	if i < 0 {
		return ""
	}
	q, err := url.ParseQuery(magnet[i+1:])
	if err != nil {
		return ""
	}
	return q.Get("dn")
}

// TorrentInfoHash is the SHA1 of the bencoded "info" dictionary value.
func TorrentInfoHash(data []byte) (string, error) {
	meta, err := scanTorrent(data)
	if err != nil {
		return "", err
	}
	return meta.infoHash, nil
}

// TorrentToMagnet builds a magnet URI carrying the info hash, display
// name and announce tracker of a .torrent file.
func TorrentToMagnet(data []byte) (string, error) {
	meta, err := scanTorrent(data)
	if err != nil {
		return "", err
	}
	magnet := "magnet:?xt=urn:btih:" + meta.infoHash
	if meta.name != "" {
		magnet += "&dn=" + url.QueryEscape(meta.name)
	}
	if meta.announce != "" {
		magnet += "&tr=" + url.QueryEscape(meta.announce)
	}
	return magnet, nil
}

type torrentMeta struct {
	infoHash string
	name     string
	announce string
}

func scanTorrent(data []byte) (torrentMeta, error) {
	var meta torrentMeta
	if len(data) == 0 || data[0] != 'd' {
		return meta, fmt.Errorf("not a bencoded dict")
	}

	pos := 1
	for pos < len(data) && data[pos] != 'e' {
		key, next, err := bdecodeString(data, pos)
		if err != nil {
			return meta, err
		}
		valueStart := next
		end, err := bdecodeSkip(data, valueStart)
		if err != nil {
			return meta, err
		}

		switch key {
		case "info":
			h := sha1.Sum(data[valueStart:end])
			meta.infoHash = hex.EncodeToString(h[:])
			meta.name = dictString(data[valueStart:end], "name")
		case "announce":
			meta.announce, _, _ = bdecodeString(data, valueStart)
		}
		pos = end
	}

	if meta.infoHash == "" {
		return meta, fmt.Errorf("info key not found in torrent")
	}
	return meta, nil
}

// dictString returns the string value of key in a bencoded dict.
func dictString(dict []byte, key string) string {
	if len(dict) == 0 || dict[0] != 'd' {
		return ""
	}
	pos := 1
	for pos < len(dict) && dict[pos] != 'e' {
		k, next, err := bdecodeString(dict, pos)
		if err != nil {
			return ""
		}
		if k == key {
			v, _, err := bdecodeString(dict, next)
			if err != nil {
				return ""
			}
			return v
		}
		if pos, err = bdecodeSkip(dict, next); err != nil {
			return ""
		}
	}
	return ""
}

// bdecodeString reads <length>:<data> at pos.
func bdecodeString(data []byte, pos int) (string, int, error) {
	end := pos
	for end < len(data) && data[end] != ':' {
		if data[end] < '0' || data[end] > '9' {
			return "", 0, fmt.Errorf("invalid string length at %d", pos)
		}
		end++
	}
	if end >= len(data) {
		return "", 0, fmt.Errorf("unterminated string at %d", pos)
	}

	length := 0
	for i := pos; i < end; i++ {
		length = length*10 + int(data[i]-'0')
	}
	start := end + 1
	if start+length > len(data) {
		return "", 0, fmt.Errorf("string overflow at %d", pos)
	}
	return string(data[start : start+length]), start + length, nil
}

// bdecodeSkip returns the offset just past the value at pos.
func bdecodeSkip(data []byte, pos int) (int, error) {
	if pos >= len(data) {
		return 0, fmt.Errorf("unexpected end at %d", pos)
	}

	switch data[pos] {
	case 'i':
		pos++
		for pos < len(data) && data[pos] != 'e' {
			pos++
		}
		if pos >= len(data) {
			return 0, fmt.Errorf("unterminated integer")
		}
		return pos + 1, nil
	case 'l', 'd':
		pos++
		for pos < len(data) && data[pos] != 'e' {
			next, err := bdecodeSkip(data, pos)
			if err != nil {
				return 0, err
			}
			pos = next
		}
		if pos >= len(data) {
			return 0, fmt.Errorf("unterminated list/dict")
		}
		return pos + 1, nil
	default:
		_, next, err := bdecodeString(data, pos)
		return next, err
	}
}

// FetchTorrent downloads a .torrent file, capped at 10 MB.
func FetchTorrent(ctx context.Context, client *http.Client, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch torrent: HTTP %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxTorrentSize))
}
