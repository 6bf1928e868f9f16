// Package client is the typed front end to the corral controller and node agents used by corralctl and
// other tools.
package client

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/avast/retry-go"
	log "github.com/sirupsen/logrus"

	"github.com/armadaproject/corral/internal/common/corralerrors"
	"github.com/armadaproject/corral/internal/common/slurmconf"
	"github.com/armadaproject/corral/pkg/wire"
)

const (
	defaultAttempts = 3
	defaultDelay    = time.Second
	// Response timeout of requests that wait for a pending job to start
	pendingWait = 365 * 24 * time.Hour
)

// Client sends requests to the controller. Requests that cannot connect, or that reach a controller
// which is shutting down, are retried with exponential backoff, alternating with the backup controller if
// one is configured.
type Client struct {
	dialer *wire.Dialer
	// Controller addresses in the order they are tried
	addrs    []string
	attempts uint
	delay    time.Duration
}

type Option func(*Client)

// WithRetries sets the number of attempts per request and the delay before the first retry.
func WithRetries(attempts uint, delay time.Duration) Option {
	return func(c *Client) {
		c.attempts = attempts
		c.delay = delay
	}
}

// New returns a client for the cluster described by config, authenticating as the current user.
func New(config *slurmconf.Config, opts ...Option) (*Client, error) {
	auth, err := wire.NewAuthenticator(config.AuthType, config.AuthKey, config.MessageTimeout+config.MaxClockSkew)
	if err != nil {
		return nil, err
	}
	addrs := []string{config.ControllerAddress()}
	if config.BackupController != "" {
		addrs = append(addrs, net.JoinHostPort(config.BackupController, strconv.Itoa(int(config.SlurmctldPort))))
	}
	return NewWithDialer(wire.NewDialer(auth, config.MessageTimeout), addrs, opts...), nil
}

// NewWithDialer returns a client that sends requests to addrs with dialer.
func NewWithDialer(dialer *wire.Dialer, addrs []string, opts ...Option) *Client {
	c := &Client{
		dialer:   dialer,
		addrs:    addrs,
		attempts: defaultAttempts,
		delay:    defaultDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Identity is the user requests are sent as.
func (c *Client) Identity() wire.Identity {
	return c.dialer.Identity
}

// withTimeout returns a copy of c that waits up to timeout for each response.
func (c *Client) withTimeout(timeout time.Duration) *Client {
	dialer := *c.dialer
	dialer.Timeout = timeout
	copied := *c
	copied.dialer = &dialer
	return &copied
}

// retryable reports whether a request may be sent again. A timed out request may have been applied, so only
// failures to connect and refusals from a controller that is shutting down are retried.
func retryable(err error) bool {
	return corralerrors.IsCode(err, corralerrors.CodeConnectionError) ||
		corralerrors.IsCode(err, corralerrors.CodeShuttingDown)
}

// call sends req to the controller and checks the response has type T.
func call[T wire.Message](ctx context.Context, c *Client, req wire.Message) (T, error) {
	var resp T
	attempt := 0
	err := retry.Do(
		func() error {
			addr := c.addrs[attempt%len(c.addrs)]
			attempt++
			var err error
			resp, err = wire.CallExpect[T](ctx, c.dialer, addr, req)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryable),
		retry.OnRetry(func(n uint, err error) {
			log.WithError(err).Debugf("Attempt %d of %s failed", n+1, req.Kind())
		}),
	)
	return resp, err
}

// acknowledge sends a request whose only response is a return code.
func (c *Client) acknowledge(ctx context.Context, req wire.Message) error {
	_, err := call[*wire.ReturnCode](ctx, c, req)
	return err
}
