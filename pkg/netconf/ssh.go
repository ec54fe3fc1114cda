package netconf

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

var (
	// ErrAuth wraps SSH authentication rejections.
	ErrAuth = errors.New("netconf: authentication rejected")
	// ErrUnreachable wraps TCP dial failures.
	ErrUnreachable = errors.New("netconf: host unreachable")
)

// Auth carries the credentials for one SSH login.
type Auth struct {
	Username   string
	Password   string
	PrivateKey []byte
}

// SSHDialer opens NETCONF sessions over the SSH "netconf" subsystem.
type SSHDialer struct {
	// KnownHostsFile enables host key verification; empty accepts any host key.
	KnownHostsFile string
}

// Dial connects to addr (host:port), authenticates and completes the hello
// exchange. ctx bounds the whole sequence.
func (d SSHDialer) Dial(ctx context.Context, addr string, auth Auth) (*Client, error) {
	cfg, err := d.clientConfig(auth)
	if err != nil {
		return nil, err
	}
	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	sc, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, fmt.Errorf("%w: %v", ErrAuth, err)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: ssh: %v", ErrHandshake, err)
	}
	client := ssh.NewClient(sc, chans, reqs)
	sess, err := client.NewSession()
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: ssh session: %v", ErrHandshake, err)
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	if err := sess.RequestSubsystem("netconf"); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: netconf subsystem: %v", ErrHandshake, err)
	}
	rwc := &sshStream{Reader: stdout, in: stdin, sess: sess, client: client}
	nc, err := Open(ctx, rwc)
	if err != nil {
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return nc, nil
}

func (d SSHDialer) clientConfig(auth Auth) (*ssh.ClientConfig, error) {
	var methods []ssh.AuthMethod
	if len(auth.PrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(auth.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("%w: parse private key: %v", ErrAuth, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if auth.Password != "" {
		pw := auth.Password
		methods = append(methods, ssh.Password(pw), ssh.KeyboardInteractive(
			func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = pw
				}
				return answers, nil
			}))
	}
	hostKey := ssh.InsecureIgnoreHostKey()
	if d.KnownHostsFile != "" {
		cb, err := knownhosts.New(d.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("netconf: known_hosts: %w", err)
		}
		hostKey = cb
	}
	return &ssh.ClientConfig{
		User:            auth.Username,
		Auth:            methods,
		HostKeyCallback: hostKey,
	}, nil
}

// sshStream adapts an SSH session's pipes to io.ReadWriteCloser.
type sshStream struct {
	io.Reader
	in     io.WriteCloser
	sess   *ssh.Session
	client *ssh.Client
}

func (s *sshStream) Write(p []byte) (int, error) { return s.in.Write(p) }

func (s *sshStream) Close() error {
	_ = s.in.Close()
	_ = s.sess.Close()
	return s.client.Close()
}
