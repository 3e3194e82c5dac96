package fileserver

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidToken = errors.New("invalid download token")
	ErrExpired      = errors.New("download link expired")
)

// Claims is what a download token grants: one file of one job, to the
// operator who owns it, until Expires.
type Claims struct {
	JobID    string
	Path     string
	Operator string
	Expires  time.Time
}

// Signer generates and validates stateless download tokens.
type Signer struct {
	secret []byte
	now    func() time.Time
}

func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret), now: time.Now}
}

func (s *Signer) mac(payload []byte) string {
	m := hmac.New(sha256.New, s.secret)
	m.Write(payload)
	return base64.RawURLEncoding.EncodeToString(m.Sum(nil))
}

func (s *Signer) Sign(c Claims) string {
	payload := []byte(strings.Join([]string{c.JobID, c.Path, c.Operator, strconv.FormatInt(c.Expires.Unix(), 10)}, "|"))
	return base64.RawURLEncoding.EncodeToString(payload) + "." + s.mac(payload)
}

func (s *Signer) Verify(token string) (Claims, error) {
	encoded, sig, ok := strings.Cut(token, ".")
	if !ok {
		return Claims{}, ErrInvalidToken
	}
	payload, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	if !hmac.Equal([]byte(sig), []byte(s.mac(payload))) {
		return Claims{}, fmt.Errorf("%w: bad signature", ErrInvalidToken)
	}

	// The path may itself contain "|", so split from both ends.
	fields := strings.SplitN(string(payload), "|", 2)
	if len(fields) != 2 {
		return Claims{}, ErrInvalidToken
	}
	rest := fields[1]
	last := strings.LastIndex(rest, "|")
	if last < 0 {
		return Claims{}, ErrInvalidToken
	}
	expiry, err := strconv.ParseInt(rest[last+1:], 10, 64)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	rest = rest[:last]
	mid := strings.LastIndex(rest, "|")
	if mid < 0 {
		return Claims{}, ErrInvalidToken
	}

	c := Claims{
		JobID:    fields[0],
		Path:     rest[:mid],
		Operator: rest[mid+1:],
		Expires:  time.Unix(expiry, 0),
	}
	if s.now().After(c.Expires) {
		return Claims{}, ErrExpired
	}
	return c, nil
}
