package scanning

import (
	"context"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"
	"unicode"

	"github.com/anstrom/portsweep/internal/errors"
)

// Prober performs exactly one bounded connection attempt against one port.
// Implementations never fail: every network error is folded into a Status.
type Prober interface {
	Probe(ctx context.Context, target string, port int, timeout time.Duration) ProbeOutcome
}

// DialFunc matches net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// ProberConfig controls banner capture on open ports.
type ProberConfig struct {
	// GrabBanner enables sending Greeting and reading a reply.
	GrabBanner bool
	// Greeting is written right after the connection is established.
	Greeting string
	// BannerSize caps the number of bytes read.
	BannerSize int
	// BannerTimeout bounds the greeting write and the read.
	// Zero reuses the probe timeout.
	BannerTimeout time.Duration
}

// DefaultProberConfig returns banner capture enabled with the standard greeting.
func DefaultProberConfig() ProberConfig {
	return ProberConfig{
		GrabBanner: true,
		Greeting:   DefaultGreeting,
		BannerSize: DefaultBannerSize,
	}
}

// TCPProber classifies ports with a full TCP connect.
type TCPProber struct {
	config ProberConfig
	dial   DialFunc
}

// NewTCPProber creates a prober using net.Dialer.
func NewTCPProber(config ProberConfig) *TCPProber {
	if config.BannerSize <= 0 {
		config.BannerSize = DefaultBannerSize
	}
	return &TCPProber{config: config}
}

// WithDialer replaces the dialer, mainly for tests.
func (p *TCPProber) WithDialer(dial DialFunc) *TCPProber {
	p.dial = dial
	return p
}

// Probe connects to target:port within timeout. A successful connect is
// OPEN, a timeout is FILTERED and every other failure is CLOSED.
func (p *TCPProber) Probe(ctx context.Context, target string, port int, timeout time.Duration) ProbeOutcome {
	outcome := ProbeOutcome{Port: port}
	address := net.JoinHostPort(target, strconv.Itoa(port))

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	conn, err := p.dialContext(dialCtx, timeout, address)
	outcome.Latency = time.Since(start)
	if err != nil {
		outcome.Status = ClassifyDialError(err)
		return outcome
	}
	defer conn.Close()

	outcome.Status = StatusOpen
	if p.config.GrabBanner {
		bannerTimeout := p.config.BannerTimeout
		if bannerTimeout <= 0 {
			bannerTimeout = timeout
		}
		outcome.Banner = readBanner(conn, p.config.Greeting, p.config.BannerSize, bannerTimeout)
	}
	return outcome
}

func (p *TCPProber) dialContext(ctx context.Context, timeout time.Duration, address string) (net.Conn, error) {
	if p.dial != nil {
		return p.dial(ctx, "tcp", address)
	}
	d := net.Dialer{Timeout: timeout}
	return d.DialContext(ctx, "tcp", address)
}

// readBanner sends the greeting and returns whatever text comes back.
// Any failure yields an empty banner.
func readBanner(conn net.Conn, greeting string, size int, timeout time.Duration) string {
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return ""
	}
	if greeting != "" {
		if _, err := conn.Write([]byte(greeting)); err != nil {
			return ""
		}
	}

	buf := make([]byte, size)
	n, _ := conn.Read(buf)
	if n <= 0 {
		return ""
	}
	return CleanBanner(buf[:n])
}

// CleanBanner decodes raw banner bytes as UTF-8, dropping invalid sequences
// and control characters other than tab, CR and LF, and trims surrounding
// whitespace. The result is safe to store in a TEXT column and to print.
func CleanBanner(raw []byte) string {
	text := strings.Map(func(r rune) rune {
		switch {
		case r == '\t', r == '\n', r == '\r':
			return r
		case unicode.IsControl(r):
			return -1
		}
		return r
	}, strings.ToValidUTF8(string(raw), ""))
	return strings.TrimSpace(text)
}

// ClassifyDialError maps a failed connection attempt to a port status.
// Timeouts and context expiry mean no answer was seen, so the port is
// FILTERED. Refusals and any other error are CLOSED.
func ClassifyDialError(err error) Status {
	if err == nil {
		return StatusOpen
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, os.ErrDeadlineExceeded) {
		return StatusFiltered
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return StatusFiltered
	}
	if errors.Is(err, syscall.ETIMEDOUT) {
		return StatusFiltered
	}
	return StatusClosed
}

// FuncProber adapts a function into a Prober.
type FuncProber func(ctx context.Context, target string, port int, timeout time.Duration) ProbeOutcome

// Probe implements Prober.
func (f FuncProber) Probe(ctx context.Context, target string, port int, timeout time.Duration) ProbeOutcome {
	return f(ctx, target, port, timeout)
}
