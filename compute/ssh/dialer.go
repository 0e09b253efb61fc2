package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ohsu-comp-bio/gfac/config"
	"github.com/ohsu-comp-bio/gfac/logger"
	"github.com/sony/gobreaker"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// HostKeyCallback verifies host keys against conf.KnownHostsFile. With no
// file configured every host key is accepted, and a warning is logged.
func HostKeyCallback(conf config.SSH, log *logger.Logger) (ssh.HostKeyCallback, error) {
	if conf.KnownHostsFile == "" {
		log.Warn("no known hosts file configured, host keys will not be verified")
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(conf.KnownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("loading known hosts: %w", err)
	}
	return cb, nil
}

// Dialer opens ssh connections, tripping a per-host circuit breaker
// after repeated failures so that a dead host fails fast.
type Dialer struct {
	Timeout time.Duration

	failures uint32
	reset    time.Duration
	log      *logger.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewDialer returns a Dialer configured from conf.
func NewDialer(conf config.SSH, log *logger.Logger) *Dialer {
	failures := conf.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	return &Dialer{
		Timeout:  conf.DialTimeout.Or(10 * time.Second),
		failures: failures,
		reset:    conf.BreakerTimeout.Or(30 * time.Second),
		log:      log,
		breakers: map[string]*gobreaker.CircuitBreaker{},
	}
}

func (d *Dialer) breaker(addr string) *gobreaker.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cb, ok := d.breakers[addr]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        addr,
		MaxRequests: 1,
		Timeout:     d.reset,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= d.failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.log.Warn("ssh circuit breaker changed state", "host", name, "from", from, "to", to)
		},
		// A cancelled dial says nothing about the host.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	d.breakers[addr] = cb
	return cb
}

// Dial connects and authenticates to addr.
func (d *Dialer) Dial(ctx context.Context, addr string, conf *ssh.ClientConfig) (*ssh.Client, error) {
	res, err := d.breaker(addr).Execute(func() (interface{}, error) {
		return d.dial(ctx, addr, conf)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	if err != nil {
		return nil, err
	}
	return res.(*ssh.Client), nil
}

func (d *Dialer) dial(ctx context.Context, addr string, conf *ssh.ClientConfig) (*ssh.Client, error) {
	nd := net.Dialer{Timeout: d.Timeout}
	nc, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	// Bound the handshake as well as the connect.
	if d.Timeout > 0 {
		nc.SetDeadline(time.Now().Add(d.Timeout))
	}
	stop := context.AfterFunc(ctx, func() { nc.Close() })
	defer stop()

	c, chans, reqs, err := ssh.NewClientConn(nc, addr, conf)
	if err != nil {
		nc.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	nc.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}
