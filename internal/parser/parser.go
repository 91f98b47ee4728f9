package parser

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"

	"github.com/MailerSuite/Final-sub004/internal/models"
)

// ErrBatchTooLarge is returned when the credential list exceeds the
// configured record cap. The whole parse fails; no partial job is created.
type ErrBatchTooLarge struct {
	Count int
	Limit int
}

func (e ErrBatchTooLarge) Error() string {
	return fmt.Sprintf("credential batch of %d records exceeds limit of %d", e.Count, e.Limit)
}

// Parser turns raw credential text into deduplicated CredentialRecords.
type Parser struct {
	maxRecords int
}

// New constructs a parser with an upper bound on accepted records.
func New(maxRecords int) *Parser {
	if maxRecords <= 0 {
		maxRecords = 100000
	}
	return &Parser{maxRecords: maxRecords}
}

// Parse accepts one credential per line as email:password or email,password,
// with an optional trailing :host override. Malformed lines are reported in
// rejected, not fatal. First-seen order is preserved and defines each
// record's SequenceIndex.
func (p *Parser) Parse(raw []byte) ([]models.CredentialRecord, []models.RejectedLine, error) {
	var (
		records  []models.CredentialRecord
		rejected []models.RejectedLine
		seen     = make(map[string]struct{})
	)

	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		email, password, host, reason := splitLine(line)
		if reason != "" {
			rejected = append(rejected, models.RejectedLine{Line: lineNo, Raw: line, Reason: reason})
			continue
		}

		key := email + "\x00" + password
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		if host == "" {
			host = email[strings.LastIndexByte(email, '@')+1:]
		}
		records = append(records, models.CredentialRecord{
			SequenceIndex: len(records),
			Email:         email,
			Password:      password,
			Host:          strings.ToLower(host),
		})
		if len(records) > p.maxRecords {
			return nil, nil, ErrBatchTooLarge{Count: len(records), Limit: p.maxRecords}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("scan credential input: %w", err)
	}
	return records, rejected, nil
}

// splitLine breaks a line into email/password and an optional host override.
// Returns a non-empty reason when the line is unusable.
func splitLine(line string) (email, password, host, reason string) {
	sep := ":"
	if !strings.Contains(line, ":") {
		if !strings.Contains(line, ",") {
			return "", "", "", "no separator"
		}
		sep = ","
	}
	parts := strings.SplitN(line, sep, 3)

	email = strings.TrimSpace(parts[0])
	if email == "" {
		return "", "", "", "empty email"
	}
	at := strings.LastIndexByte(email, '@')
	if at <= 0 || at == len(email)-1 {
		return "", "", "", "malformed email"
	}

	if len(parts) < 2 {
		return "", "", "", "missing password"
	}
	password = parts[1]
	if len(parts) == 3 {
		// A third field is a host override only when it looks like one;
		// otherwise assume the separator was part of the password.
		tail := strings.TrimSpace(parts[2])
		if strings.Contains(tail, ".") && !strings.ContainsAny(tail, "@ ") {
			host = tail
		} else {
			password = parts[1] + sep + parts[2]
		}
	}
	if strings.TrimSpace(password) == "" {
		return "", "", "", "empty password"
	}
	return email, password, host, ""
}
