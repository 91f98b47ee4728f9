package verifier

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/MailerSuite/Final-sub004/internal/models"
)

// fakeSMTP is a scripted plaintext SMTP server. password selects which
// credential is accepted with 235; everything else gets 535.
type fakeSMTP struct {
	ln       net.Listener
	password string
	silent   bool // accept the connection but never speak
}

func startFakeSMTP(t *testing.T, password string, silent bool) *fakeSMTP {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakeSMTP{ln: ln, password: password, silent: silent}
	go f.serve()
	t.Cleanup(func() { ln.Close() })
	return f
}

func (f *fakeSMTP) port() int {
	return f.ln.Addr().(*net.TCPAddr).Port
}

func (f *fakeSMTP) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		go f.handle(conn)
	}
}

func (f *fakeSMTP) handle(conn net.Conn) {
	defer conn.Close()
	if f.silent {
		time.Sleep(5 * time.Second)
		return
	}
	w := func(s string) { _, _ = conn.Write([]byte(s + "\r\n")) }
	w("220 fake.test ESMTP")
	r := bufio.NewReader(conn)
	authed := false
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case strings.HasPrefix(line, "EHLO"):
			w("250-fake.test")
			w("250 AUTH PLAIN LOGIN")
		case strings.HasPrefix(line, "AUTH PLAIN"):
			if strings.Contains(decodePlain(line), "\x00"+f.password) {
				authed = true
				w("235 2.7.0 accepted")
			} else {
				w("535 5.7.8 authentication failed")
			}
		case strings.HasPrefix(line, "MAIL FROM"):
			if authed {
				w("250 ok")
			} else {
				w("530 auth required")
			}
		case line == "RSET":
			w("250 ok")
		case line == "QUIT":
			w("221 bye")
			return
		default:
			w("502 unimplemented")
		}
	}
}

// decodePlain extracts the raw AUTH PLAIN payload for comparison; the fake
// only needs a substring match on the decoded password.
func decodePlain(line string) string {
	parts := strings.Fields(line)
	if len(parts) < 3 {
		return ""
	}
	decoded, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return ""
	}
	return string(decoded)
}

func smtpParams(port int, password string) Params {
	return Params{
		Record: models.CredentialRecord{
			SequenceIndex: 0,
			Email:         "user@fake.test",
			Password:      password,
			Host:          "127.0.0.1",
		},
		JobID:    "job-1",
		Timeout:  5 * time.Second,
		Protocol: models.ProtocolSMTP,
		Port:     port,
		SkipMX:   true,
	}
}

func TestVerifySMTPValid(t *testing.T) {
	srv := startFakeSMTP(t, "secret", false)
	res := Verify(context.Background(), smtpParams(srv.port(), "secret"))
	if res.Classification != models.ClassValid {
		t.Fatalf("expected valid, got %s (%s)", res.Classification, res.Detail)
	}
	if res.StageReached != models.StageAuthenticated {
		t.Fatalf("expected stage authenticated, got %s", res.StageReached)
	}
	if res.ErrorKind != nil {
		t.Fatalf("expected no error kind, got %s", *res.ErrorKind)
	}
}

func TestVerifySMTPInvalidPassword(t *testing.T) {
	srv := startFakeSMTP(t, "secret", false)
	res := Verify(context.Background(), smtpParams(srv.port(), "wrong"))
	if res.Classification != models.ClassInvalid {
		t.Fatalf("expected invalid, got %s (%s)", res.Classification, res.Detail)
	}
	if res.StageReached != models.StageHandshaked {
		t.Fatalf("expected stage handshaked, got %s", res.StageReached)
	}
}

func TestVerifySMTPInboxProbe(t *testing.T) {
	srv := startFakeSMTP(t, "secret", false)
	p := smtpParams(srv.port(), "secret")
	p.InboxTest = true
	res := Verify(context.Background(), p)
	if res.Classification != models.ClassValid {
		t.Fatalf("expected valid, got %s (%s)", res.Classification, res.Detail)
	}
	if res.StageReached != models.StageInboxProbed {
		t.Fatalf("expected stage inbox_probed, got %s", res.StageReached)
	}
}

func TestVerifyTLSDowngradeRejected(t *testing.T) {
	srv := startFakeSMTP(t, "secret", false)
	p := smtpParams(srv.port(), "secret")
	p.RequireTLS = true
	res := Verify(context.Background(), p)
	if res.Classification != models.ClassError {
		t.Fatalf("expected error, got %s", res.Classification)
	}
	if res.ErrorKind == nil || *res.ErrorKind != models.ErrKindTLSDowngradeRejected {
		t.Fatalf("expected tls_downgrade_rejected, got %+v", res.ErrorKind)
	}
}

func TestVerifyTimeout(t *testing.T) {
	srv := startFakeSMTP(t, "secret", true)
	p := smtpParams(srv.port(), "secret")
	p.Timeout = 200 * time.Millisecond
	res := Verify(context.Background(), p)
	if res.Classification != models.ClassError {
		t.Fatalf("expected error, got %s", res.Classification)
	}
	if res.ErrorKind == nil || *res.ErrorKind != models.ErrKindTimeout {
		t.Fatalf("expected timeout, got %+v", res.ErrorKind)
	}
	if res.StageReached != models.StageConnected {
		t.Fatalf("expected stage connected, got %s", res.StageReached)
	}
}

func TestVerifyCancelled(t *testing.T) {
	srv := startFakeSMTP(t, "secret", true)
	p := smtpParams(srv.port(), "secret")
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	res := Verify(ctx, p)
	if res.ErrorKind == nil || *res.ErrorKind != models.ErrKindCancelled {
		t.Fatalf("expected cancelled, got %+v", res.ErrorKind)
	}
}

type fakeDNS struct {
	mxHost string
	err    error
}

func (f fakeDNS) LookupMX(_ context.Context, _ string) ([]*net.MX, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []*net.MX{{Host: f.mxHost, Pref: 10}}, nil
}

func (f fakeDNS) LookupHost(_ context.Context, _ string) ([]string, error) {
	return nil, f.err
}

func TestVerifyDNSFailure(t *testing.T) {
	p := smtpParams(0, "secret")
	p.SkipMX = false
	p.Record.Host = "nxdomain.test"
	p.Resolver = fakeDNS{err: errors.New("no such host")}
	res := Verify(context.Background(), p)
	if res.Classification != models.ClassError {
		t.Fatalf("expected error, got %s", res.Classification)
	}
	if res.ErrorKind == nil || *res.ErrorKind != models.ErrKindDNSFailure {
		t.Fatalf("expected dns_failure, got %+v", res.ErrorKind)
	}
	if res.StageReached != "" {
		t.Fatalf("expected no stage reached, got %s", res.StageReached)
	}
}

func TestVerifyConnectFailure(t *testing.T) {
	// Grab a port that is guaranteed closed.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	p := smtpParams(port, "secret")
	p.SkipMX = false
	p.Record.Host = "mail.test"
	p.Resolver = fakeDNS{mxHost: "127.0.0.1"}
	res := Verify(context.Background(), p)
	if res.ErrorKind == nil || *res.ErrorKind != models.ErrKindConnectFailure {
		t.Fatalf("expected connect_failure, got %+v", res.ErrorKind)
	}
	if res.StageReached != models.StageResolved {
		t.Fatalf("expected stage resolved, got %s", res.StageReached)
	}
}

// fakeIMAP accepts LOGIN with the configured password and supports
// EXAMINE INBOX.
type fakeIMAP struct {
	ln       net.Listener
	password string
}

func startFakeIMAP(t *testing.T, password string) *fakeIMAP {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakeIMAP{ln: ln, password: password}
	go f.serve()
	t.Cleanup(func() { ln.Close() })
	return f
}

func (f *fakeIMAP) port() int {
	return f.ln.Addr().(*net.TCPAddr).Port
}

func (f *fakeIMAP) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		go f.handle(conn)
	}
}

func (f *fakeIMAP) handle(conn net.Conn) {
	defer conn.Close()
	w := func(s string) { _, _ = conn.Write([]byte(s + "\r\n")) }
	w("* OK fake imap ready")
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		fields := strings.Fields(strings.TrimRight(line, "\r\n"))
		if len(fields) < 2 {
			continue
		}
		tag, cmd := fields[0], strings.ToUpper(fields[1])
		switch cmd {
		case "CAPABILITY":
			w("* CAPABILITY IMAP4rev1")
			w(tag + " OK done")
		case "LOGIN":
			if len(fields) >= 4 && strings.Trim(fields[3], `"`) == f.password {
				w(tag + " OK logged in")
			} else {
				w(tag + " NO [AUTHENTICATIONFAILED] invalid credentials")
			}
		case "EXAMINE":
			w("* 0 EXISTS")
			w(tag + " OK [READ-ONLY] done")
		case "LOGOUT":
			w("* BYE")
			w(tag + " OK bye")
			return
		default:
			w(tag + " BAD unknown")
		}
	}
}

func TestVerifyIMAP(t *testing.T) {
	srv := startFakeIMAP(t, "secret")
	p := smtpParams(srv.port(), "secret")
	p.Protocol = models.ProtocolIMAP
	p.InboxTest = true
	res := Verify(context.Background(), p)
	if res.Classification != models.ClassValid {
		t.Fatalf("expected valid, got %s (%s)", res.Classification, res.Detail)
	}
	if res.StageReached != models.StageInboxProbed {
		t.Fatalf("expected stage inbox_probed, got %s", res.StageReached)
	}

	p.Record.Password = "wrong"
	res = Verify(context.Background(), p)
	if res.Classification != models.ClassInvalid {
		t.Fatalf("expected invalid, got %s (%s)", res.Classification, res.Detail)
	}
}

func TestDefaultPorts(t *testing.T) {
	if got := defaultPort(models.ProtocolSMTP); got != 587 {
		t.Fatalf("smtp default port = %d", got)
	}
	if got := defaultPort(models.ProtocolIMAP); got != 993 {
		t.Fatalf("imap default port = %d", got)
	}
	if !implicitTLSPort(465) || !implicitTLSPort(993) || implicitTLSPort(587) {
		t.Fatal("implicit TLS port detection wrong")
	}
}
