package verifier

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/MailerSuite/Final-sub004/internal/models"
	"github.com/MailerSuite/Final-sub004/internal/proxy"
)

// Sentinel outcomes from protocol sessions. errAuthRejected is the only
// path to an Invalid classification; everything else stays inconclusive.
var (
	errAuthRejected   = errors.New("credentials rejected by server")
	errTLSUnavailable = errors.New("server does not offer STARTTLS")
)

// Resolver abstracts MX lookup so tests can point records at local servers.
type Resolver interface {
	LookupMX(ctx context.Context, host string) ([]*net.MX, error)
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Params carries everything one verification attempt needs. Verify holds no
// shared mutable state; a single Params value is used per call.
type Params struct {
	Record     models.CredentialRecord
	JobID      string
	Dial       proxy.DialFunc
	Resolver   Resolver
	Timeout    time.Duration
	Protocol   string
	Port       int // 0 selects the protocol default
	InboxTest  bool
	RequireTLS bool
	SkipMX     bool // connect to Record.Host directly, used for host overrides
}

// Verify runs the staged check for one credential: resolve, connect,
// handshake, authenticate and optionally probe the inbox. It always returns
// a classified result and never panics the worker.
func Verify(ctx context.Context, p Params) models.CheckResult {
	start := time.Now()
	res := models.CheckResult{
		JobID:         p.JobID,
		SequenceIndex: p.Record.SequenceIndex,
		Email:         p.Record.Email,
	}
	finish := func() models.CheckResult {
		res.LatencyMs = time.Since(start).Milliseconds()
		res.Timestamp = time.Now().UTC()
		return res
	}
	fail := func(kind, detail string) models.CheckResult {
		res.Classification = models.ClassError
		res.ErrorKind = &kind
		res.Detail = detail
		return finish()
	}

	if p.Timeout <= 0 {
		p.Timeout = 30 * time.Second
	}
	deadline := start.Add(p.Timeout)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	if p.Resolver == nil {
		p.Resolver = stdResolver{}
	}
	if p.Dial == nil {
		nd := &net.Dialer{}
		p.Dial = nd.DialContext
	}

	// Stage 1: resolve.
	hosts, err := resolveHosts(ctx, p)
	if err != nil {
		return fail(errKindFor(ctx, err, models.ErrKindDNSFailure), err.Error())
	}
	res.StageReached = models.StageResolved
	if ctx.Err() != nil {
		return fail(errKindFor(ctx, ctx.Err(), models.ErrKindConnectFailure), "aborted before connect")
	}

	// Stage 2: connect. MX hosts are tried in priority order until one
	// accepts the TCP connection.
	port := p.Port
	if port == 0 {
		port = defaultPort(p.Protocol)
	}
	var conn net.Conn
	var connErr error
	for _, h := range hosts {
		conn, connErr = p.Dial(ctx, "tcp", net.JoinHostPort(h, strconv.Itoa(port)))
		if connErr == nil {
			break
		}
	}
	if connErr != nil {
		return fail(errKindFor(ctx, connErr, models.ErrKindConnectFailure), connErr.Error())
	}
	res.StageReached = models.StageConnected
	defer conn.Close()
	_ = conn.SetDeadline(deadline)

	// A cancelled job must not leave the worker blocked in a read; closing
	// the conn forces any in-flight I/O to return.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-watchDone:
		}
	}()

	sess := newSession(p.Protocol, conn, implicitTLSPort(port), p.Record.Host)
	defer sess.close()

	// Stage 3: TLS/STARTTLS handshake.
	if err := sess.handshake(p.RequireTLS); err != nil {
		if errors.Is(err, errTLSUnavailable) {
			return fail(models.ErrKindTLSDowngradeRejected, err.Error())
		}
		return fail(errKindFor(ctx, err, models.ErrKindConnectFailure), err.Error())
	}
	res.StageReached = models.StageHandshaked
	if ctx.Err() != nil {
		return fail(errKindFor(ctx, ctx.Err(), models.ErrKindAuthInconclusive), "aborted before auth")
	}

	// Stage 4: authenticate. An explicit protocol-level rejection is the
	// only way a credential is classified Invalid.
	if err := sess.authenticate(p.Record.Email, p.Record.Password); err != nil {
		if errors.Is(err, errAuthRejected) {
			res.Classification = models.ClassInvalid
			res.Detail = err.Error()
			return finish()
		}
		return fail(errKindFor(ctx, err, models.ErrKindAuthInconclusive), err.Error())
	}
	res.StageReached = models.StageAuthenticated

	// Stage 5: optional inbox probe. A probe failure downgrades the result
	// to Error but does not overturn the successful authentication stage.
	if p.InboxTest {
		if err := sess.probeInbox(); err != nil {
			return fail(errKindFor(ctx, err, models.ErrKindInboxProbeFailed), err.Error())
		}
		res.StageReached = models.StageInboxProbed
	}

	res.Classification = models.ClassValid
	return finish()
}

// session is the protocol-specific half of the state machine.
type session interface {
	handshake(requireTLS bool) error
	authenticate(email, password string) error
	probeInbox() error
	close()
}

func newSession(protocol string, conn net.Conn, implicitTLS bool, serverName string) session {
	if protocol == models.ProtocolIMAP {
		return newIMAPSession(conn, implicitTLS, serverName)
	}
	return newSMTPSession(conn, implicitTLS, serverName)
}

func defaultPort(protocol string) int {
	if protocol == models.ProtocolIMAP {
		return 993
	}
	return 587
}

// implicitTLSPort reports whether the port implies TLS from the first byte
// rather than a STARTTLS upgrade.
func implicitTLSPort(port int) bool {
	return port == 465 || port == 993
}

// resolveHosts returns candidate server hosts for the record, MX records
// first, falling back to the bare A record when the domain has no MX.
func resolveHosts(ctx context.Context, p Params) ([]string, error) {
	if p.SkipMX {
		return []string{p.Record.Host}, nil
	}
	mxs, err := p.Resolver.LookupMX(ctx, p.Record.Host)
	if err == nil && len(mxs) > 0 {
		sort.Slice(mxs, func(i, j int) bool { return mxs[i].Pref < mxs[j].Pref })
		hosts := make([]string, 0, len(mxs))
		for _, mx := range mxs {
			hosts = append(hosts, trimDot(mx.Host))
		}
		if len(hosts) > 3 {
			hosts = hosts[:3]
		}
		return hosts, nil
	}
	if addrs, aErr := p.Resolver.LookupHost(ctx, p.Record.Host); aErr == nil && len(addrs) > 0 {
		return []string{p.Record.Host}, nil
	}
	if err == nil {
		err = errors.New("no MX or A records for domain")
	}
	return nil, err
}

func trimDot(host string) string {
	if n := len(host); n > 0 && host[n-1] == '.' {
		return host[:n-1]
	}
	return host
}

// errKindFor maps a low-level failure onto the error taxonomy, preferring
// cancellation and timeout over the stage's default kind.
func errKindFor(ctx context.Context, err error, def string) string {
	if errors.Is(ctx.Err(), context.Canceled) || errors.Is(err, context.Canceled) {
		return models.ErrKindCancelled
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return models.ErrKindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return models.ErrKindTimeout
	}
	return def
}

type stdResolver struct{}

func (stdResolver) LookupMX(ctx context.Context, host string) ([]*net.MX, error) {
	return net.DefaultResolver.LookupMX(ctx, host)
}

func (stdResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	return net.DefaultResolver.LookupHost(ctx, host)
}
