// Package remote runs the shutdown command on hosts over SSH.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"ups_failsafe/internal/failsafe"
	"ups_failsafe/internal/logger"
	"ups_failsafe/internal/models"
)

const (
	DefaultPort           = 22
	DefaultConnectTimeout = 10 * time.Second
)

var (
	ErrAuth = errors.New("ssh authentication failed")
	ErrExec = errors.New("remote command failed")
)

// Config controls host key checking and dial timeouts.
type Config struct {
	KnownHostsFile string // empty disables host key checking
	ConnectTimeout time.Duration
}

// SSHExecutor opens SSH sessions using key auth when the host has a private
// key, otherwise password auth with a keyboard-interactive fallback.
type SSHExecutor struct {
	cfg     Config
	hostKey ssh.HostKeyCallback
	log     *logger.Logger
}

var _ failsafe.Executor = (*SSHExecutor)(nil)

func NewSSHExecutor(cfg Config, log *logger.Logger) (*SSHExecutor, error) {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	e := &SSHExecutor{cfg: cfg, log: log}
	if cfg.KnownHostsFile == "" {
		log.Warnw("ssh_host_key_check_disabled", "msg", "set ssh.known_hosts to verify host keys")
		e.hostKey = ssh.InsecureIgnoreHostKey()
		return e, nil
	}
	cb, err := knownhosts.New(cfg.KnownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts %s: %w", cfg.KnownHostsFile, err)
	}
	e.hostKey = cb
	return e, nil
}

func (e *SSHExecutor) clientConfig(h models.Host) (*ssh.ClientConfig, error) {
	cfg := &ssh.ClientConfig{
		User:            h.Username,
		HostKeyCallback: e.hostKey,
		Timeout:         e.cfg.ConnectTimeout,
	}
	if h.UsesKey() {
		signer, err := loadSigner(h.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("%w: host %s: %v", ErrAuth, h.Name, err)
		}
		cfg.Auth = []ssh.AuthMethod{ssh.PublicKeys(signer)}
		return cfg, nil
	}
	password := h.Password
	cfg.Auth = []ssh.AuthMethod{
		ssh.Password(password),
		ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = password
			}
			return answers, nil
		}),
	}
	return cfg, nil
}

// loadSigner accepts PEM content or a path to a key file.
func loadSigner(key string) (ssh.Signer, error) {
	pemBytes := []byte(key)
	if !strings.Contains(key, "-----BEGIN") {
		b, err := os.ReadFile(key)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		pemBytes = b
	}
	return ssh.ParsePrivateKey(pemBytes)
}

func hostAddr(h models.Host) string {
	port := h.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(h.IPAddress, strconv.Itoa(port))
}

// Connect dials and authenticates. Authentication failures wrap ErrAuth,
// network failures wrap failsafe.ErrTransport.
func (e *SSHExecutor) Connect(ctx context.Context, h models.Host) (failsafe.Session, error) {
	cfg, err := e.clientConfig(h)
	if err != nil {
		return nil, err
	}
	addr := hostAddr(h)

	d := net.Dialer{Timeout: e.cfg.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w: %v", addr, failsafe.ErrTransport, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(e.cfg.ConnectTimeout))
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, fmt.Errorf("%w: %s@%s: %v", ErrAuth, h.Username, addr, err)
		}
		return nil, fmt.Errorf("handshake %s: %w: %v", addr, failsafe.ErrTransport, err)
	}
	_ = conn.SetDeadline(time.Time{})

	e.log.Debugw("ssh_connected", "host", h.Name, "address", addr, "key_auth", h.UsesKey())
	return &sshSession{client: ssh.NewClient(c, chans, reqs), host: h.Name}, nil
}

type sshSession struct {
	client *ssh.Client
	host   string
}

// Exec runs command and returns its combined stdout and stderr. A session
// closed without an exit status counts as success since poweroff tears the
// connection down.
func (s *sshSession) Exec(ctx context.Context, command string) ([]byte, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("%w: open session on %s: %v", ErrExec, s.host, err)
	}
	defer func() { _ = sess.Close() }()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := sess.CombinedOutput(command)
		done <- result{out, err}
	}()

	select {
	case <-ctx.Done():
		_ = sess.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrExec, s.host, ctx.Err())
	case r := <-done:
		var missing *ssh.ExitMissingError
		if r.err == nil || errors.As(r.err, &missing) {
			return r.out, nil
		}
		return r.out, fmt.Errorf("%w: %s: %v", ErrExec, s.host, r.err)
	}
}

func (s *sshSession) Close() error {
	return s.client.Close()
}
