package verifier

import (
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/textproto"
	"strings"
)

const smtpHeloName = "checker.local"

// smtpSession drives one SMTP connection through greeting, EHLO, TLS
// negotiation, AUTH, and the post-auth probe.
type smtpSession struct {
	conn        net.Conn
	text        *textproto.Conn
	implicitTLS bool
	serverName  string
	extensions  map[string]string
}

func newSMTPSession(conn net.Conn, implicitTLS bool, serverName string) *smtpSession {
	return &smtpSession{conn: conn, implicitTLS: implicitTLS, serverName: serverName}
}

func (s *smtpSession) handshake(requireTLS bool) error {
	if s.implicitTLS {
		tlsConn := tls.Client(s.conn, &tls.Config{ServerName: s.serverName})
		if err := tlsConn.Handshake(); err != nil {
			return fmt.Errorf("tls handshake: %w", err)
		}
		s.conn = tlsConn
	}
	s.text = textproto.NewConn(s.conn)

	if _, _, err := s.text.ReadResponse(220); err != nil {
		return fmt.Errorf("server greeting: %w", err)
	}
	if err := s.ehlo(); err != nil {
		return err
	}
	if s.implicitTLS {
		return nil
	}

	if _, ok := s.extensions["STARTTLS"]; !ok {
		if requireTLS {
			return errTLSUnavailable
		}
		// Downgrade permitted: continue in plaintext.
		return nil
	}
	if err := s.cmd(220, "STARTTLS"); err != nil {
		return fmt.Errorf("starttls: %w", err)
	}
	tlsConn := tls.Client(s.conn, &tls.Config{ServerName: s.serverName})
	if err := tlsConn.Handshake(); err != nil {
		return fmt.Errorf("tls handshake: %w", err)
	}
	s.conn = tlsConn
	s.text = textproto.NewConn(s.conn)
	// Capabilities must be re-read on the encrypted channel.
	return s.ehlo()
}

func (s *smtpSession) ehlo() error {
	id, err := s.text.Cmd("EHLO %s", smtpHeloName)
	if err != nil {
		return fmt.Errorf("ehlo: %w", err)
	}
	s.text.StartResponse(id)
	defer s.text.EndResponse(id)
	_, msg, err := s.text.ReadResponse(250)
	if err != nil {
		return fmt.Errorf("ehlo: %w", err)
	}
	s.extensions = make(map[string]string)
	for _, line := range strings.Split(msg, "\n")[1:] {
		name, arg, _ := strings.Cut(line, " ")
		s.extensions[strings.ToUpper(name)] = arg
	}
	return nil
}

func (s *smtpSession) authenticate(email, password string) error {
	mechanisms := s.extensions["AUTH"]
	if strings.Contains(mechanisms, "PLAIN") || mechanisms == "" {
		ident := base64.StdEncoding.EncodeToString([]byte("\x00" + email + "\x00" + password))
		return s.authResult(s.cmdCode("AUTH PLAIN %s", ident))
	}

	// LOGIN fallback for servers that only advertise it.
	code, _, err := s.cmdCode("AUTH LOGIN")
	if err != nil || code != 334 {
		return s.authResult(code, "", err)
	}
	code, _, err = s.cmdCode("%s", base64.StdEncoding.EncodeToString([]byte(email)))
	if err != nil || code != 334 {
		return s.authResult(code, "", err)
	}
	return s.authResult(s.cmdCode("%s", base64.StdEncoding.EncodeToString([]byte(password))))
}

// authResult translates an AUTH reply into the classification sentinels.
// 535 (and the other 5xx credential rejections) is the definitive Invalid
// signal; anything else stays inconclusive.
func (s *smtpSession) authResult(code int, msg string, err error) error {
	if code == 235 {
		return nil
	}
	switch code {
	case 535, 534, 530:
		return fmt.Errorf("%w: %d %s", errAuthRejected, code, msg)
	}
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	return fmt.Errorf("auth: unexpected reply %d %s", code, msg)
}

// probeInbox confirms the authenticated session can open a mail
// transaction: MAIL FROM using the checked address, then RSET to abandon it.
func (s *smtpSession) probeInbox() error {
	if err := s.cmd(250, "MAIL FROM:<%s>", s.serverNameAddr()); err != nil {
		return fmt.Errorf("mail from probe: %w", err)
	}
	if err := s.cmd(250, "RSET"); err != nil {
		return fmt.Errorf("rset: %w", err)
	}
	return nil
}

func (s *smtpSession) serverNameAddr() string {
	return "probe@" + s.serverName
}

func (s *smtpSession) close() {
	if s.text != nil {
		_ = s.cmd(221, "QUIT")
		_ = s.text.Close()
	}
}

func (s *smtpSession) cmd(expectCode int, format string, args ...any) error {
	code, msg, err := s.cmdCode(format, args...)
	if err != nil {
		return err
	}
	if code != expectCode {
		return fmt.Errorf("unexpected reply %d %s", code, msg)
	}
	return nil
}

func (s *smtpSession) cmdCode(format string, args ...any) (int, string, error) {
	id, err := s.text.Cmd(format, args...)
	if err != nil {
		return 0, "", err
	}
	s.text.StartResponse(id)
	defer s.text.EndResponse(id)
	code, msg, err := s.text.ReadResponse(-1)
	if err != nil {
		if code > 0 {
			// ReadResponse reports non-matching codes as errors; the code
			// itself is still meaningful for classification.
			return code, msg, nil
		}
		return 0, "", err
	}
	return code, msg, nil
}
