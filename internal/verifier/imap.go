package verifier

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// imapSession drives one IMAP connection: greeting, optional STARTTLS,
// LOGIN, and an EXAMINE INBOX probe. Commands use incrementing a1, a2, ...
// tags and responses are read until the matching tagged line.
type imapSession struct {
	conn        net.Conn
	r           *bufio.Reader
	implicitTLS bool
	serverName  string
	tagSeq      int
	caps        string
}

func newIMAPSession(conn net.Conn, implicitTLS bool, serverName string) *imapSession {
	return &imapSession{conn: conn, implicitTLS: implicitTLS, serverName: serverName}
}

func (s *imapSession) handshake(requireTLS bool) error {
	if s.implicitTLS {
		tlsConn := tls.Client(s.conn, &tls.Config{ServerName: s.serverName})
		if err := tlsConn.Handshake(); err != nil {
			return fmt.Errorf("tls handshake: %w", err)
		}
		s.conn = tlsConn
	}
	s.r = bufio.NewReader(s.conn)

	greeting, err := s.r.ReadString('\n')
	if err != nil {
		return fmt.Errorf("server greeting: %w", err)
	}
	if !strings.HasPrefix(greeting, "* OK") && !strings.HasPrefix(greeting, "* PREAUTH") {
		return fmt.Errorf("unexpected greeting %q", strings.TrimSpace(greeting))
	}

	status, detail, err := s.cmd("CAPABILITY")
	if err != nil {
		return fmt.Errorf("capability: %w", err)
	}
	if status != "OK" {
		return fmt.Errorf("capability rejected: %s", detail)
	}
	if s.implicitTLS {
		return nil
	}

	if !strings.Contains(s.caps, "STARTTLS") {
		if requireTLS {
			return errTLSUnavailable
		}
		return nil
	}
	status, detail, err = s.cmd("STARTTLS")
	if err != nil {
		return fmt.Errorf("starttls: %w", err)
	}
	if status != "OK" {
		return fmt.Errorf("starttls rejected: %s", detail)
	}
	tlsConn := tls.Client(s.conn, &tls.Config{ServerName: s.serverName})
	if err := tlsConn.Handshake(); err != nil {
		return fmt.Errorf("tls handshake: %w", err)
	}
	s.conn = tlsConn
	s.r = bufio.NewReader(s.conn)
	return nil
}

func (s *imapSession) authenticate(email, password string) error {
	status, detail, err := s.cmd("LOGIN %s %s", imapQuote(email), imapQuote(password))
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	switch status {
	case "OK":
		return nil
	case "NO":
		return fmt.Errorf("%w: %s", errAuthRejected, detail)
	default:
		return fmt.Errorf("login: unexpected status %s %s", status, detail)
	}
}

// probeInbox opens INBOX read-only, confirming the account grants real
// mailbox access and not just a successful login.
func (s *imapSession) probeInbox() error {
	status, detail, err := s.cmd("EXAMINE INBOX")
	if err != nil {
		return fmt.Errorf("examine inbox: %w", err)
	}
	if status != "OK" {
		return fmt.Errorf("examine inbox: %s %s", status, detail)
	}
	return nil
}

func (s *imapSession) close() {
	if s.r != nil {
		_, _, _ = s.cmd("LOGOUT")
	}
}

// cmd sends one tagged command and reads lines until the tagged response,
// collecting untagged CAPABILITY data along the way.
func (s *imapSession) cmd(format string, args ...any) (status, detail string, err error) {
	s.tagSeq++
	tag := "a" + strconv.Itoa(s.tagSeq)
	if _, err := fmt.Fprintf(s.conn, tag+" "+format+"\r\n", args...); err != nil {
		return "", "", err
	}
	for {
		line, err := s.r.ReadString('\n')
		if err != nil {
			return "", "", err
		}
		line = strings.TrimRight(line, "\r\n")
		if strings.HasPrefix(line, "* CAPABILITY") {
			s.caps = line
			continue
		}
		if strings.HasPrefix(line, "*") {
			continue
		}
		if strings.HasPrefix(line, tag+" ") {
			rest := strings.TrimPrefix(line, tag+" ")
			st, det, _ := strings.Cut(rest, " ")
			return strings.ToUpper(st), det, nil
		}
	}
}

// imapQuote wraps a value in an IMAP quoted string.
func imapQuote(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `"`, `\"`)
	return `"` + v + `"`
}
