package util

import (
	"crypto/sha1"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleInfo = "d6:lengthi42e4:name8:file.bin12:piece lengthi16384ee"

func sampleTorrent() []byte {
	return []byte("d8:announce20:http://tracker/a/ann4:info" + sampleInfo + "e")
}

func TestTorrentInfoHash(t *testing.T) {
	sum := sha1.Sum([]byte(sampleInfo))
	want := hex.EncodeToString(sum[:])

	got, err := TorrentInfoHash(sampleTorrent())
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = TorrentInfoHash([]byte("not bencode"))
	assert.Error(t, err)
	_, err = TorrentInfoHash([]byte("d8:announce3:abce"))
	assert.Error(t, err)
}

func TestTorrentToMagnet(t *testing.T) {
	magnet, err := TorrentToMagnet(sampleTorrent())
	require.NoError(t, err)
	assert.Contains(t, magnet, "magnet:?xt=urn:btih:")
	assert.Contains(t, magnet, "&dn=file.bin")
	assert.Contains(t, magnet, "&tr=http%3A%2F%2Ftracker%2Fa%2Fann")

	hash, err := MagnetHash(magnet)
	require.NoError(t, err)
	direct, _ := TorrentInfoHash(sampleTorrent())
	assert.Equal(t, direct, hash)
	assert.Equal(t, "file.bin", MagnetName(magnet))
}

func TestMagnetHash(t *testing.T) {
	h, err := MagnetHash("magnet:?xt=urn:btih:ABCDEF0123456789ABCDEF0123456789ABCDEF01&dn=x")
	require.NoError(t, err)
	assert.Equal(t, "abcdef0123456789abcdef0123456789abcdef01", h)

	_, err = MagnetHash("magnet:?xt=urn:btih:short")
	assert.Error(t, err)
}

func TestLinkKinds(t *testing.T) {
	assert.True(t, IsMagnet("magnet:?xt=urn:btih:x"))
	assert.False(t, IsMagnet("https://example.com/a.torrent"))
	assert.True(t, IsTorrentURL("https://example.com/dl/a.torrent?key=1"))
	assert.False(t, IsTorrentURL("https://example.com/page"))
	assert.False(t, IsTorrentURL("ftp://example.com/a.torrent"))
}
