package device

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"

	"github.com/wilhg/netorch/pkg/netconf"
)

// DefaultPort is the IANA NETCONF-over-SSH port.
const DefaultPort = 830

// Credentials authenticate a management session.
type Credentials struct {
	Username   string
	Password   string
	PrivateKey []byte
}

// fingerprint identifies a credential set without retaining the secret.
func (c Credentials) fingerprint() string {
	h := sha256.New()
	h.Write([]byte(c.Username))
	h.Write([]byte{0})
	h.Write([]byte(c.Password))
	h.Write([]byte{0})
	h.Write(c.PrivateKey)
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Target addresses a device and the credentials used to reach it.
type Target struct {
	Host        string
	Port        int
	Credentials Credentials
}

// Addr returns host:port, defaulting the port.
func (t Target) Addr() string {
	port := t.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(port))
}

// Key returns the session key of the target.
func (t Target) Key() Key {
	port := t.Port
	if port == 0 {
		port = DefaultPort
	}
	return Key{Host: t.Host, Port: port, Credential: t.Credentials.fingerprint()}
}

// Key identifies one session slot: at most one live session exists per key.
type Key struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Credential string `json:"credential"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s@%s", k.Credential[:min(8, len(k.Credential))], net.JoinHostPort(k.Host, strconv.Itoa(k.Port)))
}

// Conn is an established protocol session with a device.
type Conn interface {
	Do(ctx context.Context, body []byte) (*netconf.Reply, error)
	Capabilities() []string
	Close() error
}

// Dialer opens protocol sessions.
type Dialer interface {
	Dial(ctx context.Context, t Target) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, t Target) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, t Target) (Conn, error) { return f(ctx, t) }

// SSHDialer dials NETCONF over SSH.
type SSHDialer struct {
	SSH netconf.SSHDialer
}

func (d SSHDialer) Dial(ctx context.Context, t Target) (Conn, error) {
	c, err := d.SSH.Dial(ctx, t.Addr(), netconf.Auth{
		Username:   t.Credentials.Username,
		Password:   t.Credentials.Password,
		PrivateKey: t.Credentials.PrivateKey,
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}
