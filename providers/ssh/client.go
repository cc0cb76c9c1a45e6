package ssh

import (
	"context"
	"net"
	"os"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	gossh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const dialTimeout = 30 * time.Second

// Client runs commands on remote hosts over SSH
type Client struct {
	config   *gossh.ClientConfig
	attempts uint
	delay    time.Duration
}

// NewClient creates a client that authenticates with a private key, a
// password, or both. Host keys are verified against knownHostsFile when set.
func NewClient(user string, privateKey []byte, password, knownHostsFile string) (*Client, error) {
	var auth []gossh.AuthMethod
	if len(privateKey) > 0 {
		signer, err := gossh.ParsePrivateKey(privateKey)
		if err != nil {
			return nil, errors.Wrap(err, "failed to parse private key")
		}
		auth = append(auth, gossh.PublicKeys(signer))
	}
	if password != "" {
		auth = append(auth, gossh.Password(password))
	}
	if len(auth) == 0 {
		return nil, errors.New("no ssh credentials configured")
	}

	hostKeys := gossh.InsecureIgnoreHostKey()
	if knownHostsFile != "" {
		cb, err := knownhosts.New(knownHostsFile)
		if err != nil {
			return nil, errors.Wrap(err, "failed to load known hosts")
		}
		hostKeys = cb
	}
	return &Client{
		config: &gossh.ClientConfig{
			User:            user,
			Auth:            auth,
			HostKeyCallback: hostKeys,
			Timeout:         dialTimeout,
		},
		attempts: 3,
		delay:    2 * time.Second,
	}, nil
}

// NewClientFromFile reads the private key from keyFile
func NewClientFromFile(user, keyFile, password, knownHostsFile string) (*Client, error) {
	var key []byte
	if keyFile != "" {
		var err error
		if key, err = os.ReadFile(keyFile); err != nil {
			return nil, errors.Wrap(err, "failed to read private key")
		}
	}
	return NewClient(user, key, password, knownHostsFile)
}

// dial connects to addr, retrying transient network failures.
// Authentication failures are returned at once.
func (c *Client) dial(ctx context.Context, addr string) (*gossh.Client, error) {
	var client *gossh.Client
	err := retry.Do(
		func() error {
			d := net.Dialer{Timeout: c.config.Timeout}
			conn, err := d.DialContext(ctx, "tcp", addr)
			if err != nil {
				return err
			}
			sc, chans, reqs, err := gossh.NewClientConn(conn, addr, c.config)
			if err != nil {
				conn.Close()
				return err
			}
			client = gossh.NewClient(sc, chans, reqs)
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return !isAuthFailure(err) }),
	)
	return client, err
}

// Run executes command on addr and returns its combined output. A non-zero
// exit status is returned as *ssh.ExitError.
func (c *Client) Run(ctx context.Context, addr, command string) (string, error) {
	client, err := c.dial(ctx, addr)
	if err != nil {
		return "", err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", errors.Wrap(err, "failed to open session")
	}
	defer session.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			client.Close()
		case <-done:
		}
	}()

	out, err := session.CombinedOutput(command)
	if ctx.Err() != nil {
		return string(out), ctx.Err()
	}
	return string(out), err
}

// TestConnection checks that addr accepts the configured credentials
func (c *Client) TestConnection(ctx context.Context, addr string) error {
	_, err := c.Run(ctx, addr, "true")
	return err
}

func isAuthFailure(err error) bool {
	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "unable to authenticate")
}
