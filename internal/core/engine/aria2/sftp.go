package aria2

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"github.com/viperadnan-git/relaybot/internal/core/engine"
	"golang.org/x/crypto/ssh"
)

// SFTPConfig reaches the seedbox host's filesystem.
type SFTPConfig struct {
	Addr     string
	User     string
	Password string
	KeyFile  string
	// HostKey is the server key in authorized_keys format. Empty disables
	// host key checking.
	HostKey string
	Timeout time.Duration
}

func (c *SFTPConfig) clientConfig() (*ssh.ClientConfig, error) {
	var auths []ssh.AuthMethod
	if c.KeyFile != "" {
		pem, err := os.ReadFile(c.KeyFile)
		if err != nil {
			return nil, engine.Fatal("read ssh key: %v", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, engine.Fatal("parse ssh key: %v", err)
		}
		auths = append(auths, ssh.PublicKeys(signer))
	}
	if c.Password != "" {
		auths = append(auths, ssh.Password(c.Password))
	}
	if len(auths) == 0 {
		return nil, fmt.Errorf("%w: sftp needs a password or key file", engine.ErrNotConfigured)
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if c.HostKey != "" {
		pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(c.HostKey))
		if err != nil {
			return nil, engine.Fatal("parse host key: %v", err)
		}
		hostKey = ssh.FixedHostKey(pub)
	} else {
		log.Warn().Str("addr", c.Addr).Msg("sftp host key not pinned")
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auths,
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}, nil
}

// fetch copies files (absolute remote paths below remoteDir) into destDir,
// keeping their layout relative to remoteDir.
func (c *SFTPConfig) fetch(ctx context.Context, remoteDir string, files []string, destDir string) error {
	cfg, err := c.clientConfig()
	if err != nil {
		return err
	}
	conn, err := ssh.Dial("tcp", c.Addr, cfg)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) {
			return engine.Transient("ssh dial %s: %v", c.Addr, err)
		}
		return engine.Fatal("ssh dial %s: %v", c.Addr, err)
	}
	defer conn.Close()

	// Closing the connection aborts an in-flight copy when ctx ends.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	client, err := sftp.NewClient(conn)
	if err != nil {
		return engine.Transient("sftp session: %v", err)
	}
	defer client.Close()

	for _, remote := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		rel := strings.TrimPrefix(path.Clean(remote), path.Clean(remoteDir)+"/")
		if rel == remote || strings.HasPrefix(rel, "..") {
			return engine.Fatal("file %s is outside %s", remote, remoteDir)
		}
		if err := copyRemote(client, remote, filepath.Join(destDir, filepath.FromSlash(rel))); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return engine.Transient("sftp copy %s: %v", rel, err)
		}
		log.Debug().Str("file", rel).Msg("fetched from seedbox")
	}
	return nil
}

func copyRemote(client *sftp.Client, remote, local string) error {
	src, err := client.Open(remote)
	if err != nil {
		return err
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return err
	}
	dst, err := os.Create(local)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return err
	}
	return dst.Close()
}
