package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ErrNoCredentials means neither a private key nor a password was configured.
var ErrNoCredentials = errors.New("sftp requires a private key or a password")

type SFTPConfig struct {
	Host           string
	Port           int
	Username       string
	Password       string
	PrivateKeyPath string
	KnownHostsPath string
	Directory      string
	DialTimeout    time.Duration
}

// SFTPUploader opens one SSH session per upload.
type SFTPUploader struct {
	cfg    SFTPConfig
	client *ssh.ClientConfig
}

func NewSFTPUploader(cfg SFTPConfig) (*SFTPUploader, error) {
	if cfg.Host == "" || cfg.Username == "" {
		return nil, fmt.Errorf("sftp host and username must be set")
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 30 * time.Second
	}

	auth, method, err := AuthMethods(cfg)
	if err != nil {
		return nil, err
	}
	hostKeys, err := hostKeyCallback(cfg.KnownHostsPath)
	if err != nil {
		return nil, err
	}
	slog.Info("SFTP uploader configured.", "host", cfg.Host, "port", cfg.Port, "auth", method, "directory", cfg.Directory)

	return &SFTPUploader{
		cfg: cfg,
		client: &ssh.ClientConfig{
			User:            cfg.Username,
			Auth:            auth,
			HostKeyCallback: hostKeys,
			Timeout:         cfg.DialTimeout,
		},
	}, nil
}

// AuthMethods picks the SSH authentication. A private key wins over a password.
func AuthMethods(cfg SFTPConfig) ([]ssh.AuthMethod, string, error) {
	if cfg.PrivateKeyPath != "" {
		pem, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, "", fmt.Errorf("failed to read private key %s: %w", cfg.PrivateKeyPath, err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, "", fmt.Errorf("failed to parse private key %s: %w", cfg.PrivateKeyPath, err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, "publickey", nil
	}
	if cfg.Password != "" {
		slog.Warn("SFTP is using password authentication; configure a private key instead.")
		return []ssh.AuthMethod{ssh.Password(cfg.Password)}, "password", nil
	}
	return nil, "", ErrNoCredentials
}

func hostKeyCallback(knownHostsPath string) (ssh.HostKeyCallback, error) {
	if knownHostsPath == "" {
		slog.Warn("SFTP host key checking is disabled; set SFTP_KNOWN_HOSTS to enable it.")
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load known hosts %s: %w", knownHostsPath, err)
	}
	return cb, nil
}

func (u *SFTPUploader) Target() string { return "sftp" }

func (u *SFTPUploader) Upload(ctx context.Context, name string, r io.Reader, size int64) error {
	addr := net.JoinHostPort(u.cfg.Host, strconv.Itoa(u.cfg.Port))
	dialer := net.Dialer{Timeout: u.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, u.client)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to open SSH session to %s: %w", addr, err)
	}
	sshClient := ssh.NewClient(sshConn, chans, reqs)
	defer sshClient.Close()

	// Closing the SSH client unblocks any in-flight write when ctx ends.
	stop := context.AfterFunc(ctx, func() { _ = sshClient.Close() })
	defer stop()

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		return fmt.Errorf("failed to start SFTP subsystem: %w", err)
	}
	defer client.Close()

	if u.cfg.Directory != "" {
		if err := client.MkdirAll(u.cfg.Directory); err != nil {
			return fmt.Errorf("failed to create remote directory %s: %w", u.cfg.Directory, err)
		}
	}
	remotePath := path.Join(u.cfg.Directory, name)

	f, err := client.Create(remotePath)
	if err != nil {
		return fmt.Errorf("failed to create remote file %s: %w", remotePath, err)
	}
	written, err := io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil && size >= 0 && written != size {
		err = fmt.Errorf("wrote %d of %d bytes", written, size)
	}
	if err != nil {
		_ = client.Remove(remotePath)
		return fmt.Errorf("failed to upload %s: %w", remotePath, err)
	}
	return nil
}

func (u *SFTPUploader) Close() error { return nil }
