package logger

import (
	"io"
	"regexp"
)

const redacted = "[REDACTED]"

type redactionRule struct {
	pattern *regexp.Regexp
	// replacement may reference capture groups.
	replacement string
}

// Redactor masks credentials before log lines reach disk. Model prompts and
// provider errors can echo keys back, so every writer is wrapped.
type Redactor struct {
	rules []redactionRule
}

// NewRedactor masks provider keys, bearer tokens and credential-like JSON
// fields.
func NewRedactor() *Redactor {
	return &Redactor{
		rules: []redactionRule{
			{regexp.MustCompile(`sk-(?:ant-)?[A-Za-z0-9_-]{20,}`), redacted},
			{regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9._~+/-]+=*`), "${1}" + redacted},
			{regexp.MustCompile(`(?i)("(?:api_key|apikey|token|access_token|password|secret)"\s*:\s*")[^"]*(")`), "${1}" + redacted + "${2}"},
			{regexp.MustCompile(`(?i)\b((?:api_key|token|password|secret)=)[^\s&"]+`), "${1}" + redacted},
		},
	}
}

// AddPattern masks every match of pattern.
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.rules = append(r.rules, redactionRule{pattern: re, replacement: redacted})
	return nil
}

// Redact applies every rule to s.
func (r *Redactor) Redact(s string) string {
	for _, rule := range r.rules {
		s = rule.pattern.ReplaceAllString(s, rule.replacement)
	}
	return s
}

// Wrap returns a writer that redacts before writing to w.
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{writer: w, redactor: r}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success since redaction changes the byte count.
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := io.WriteString(w.writer, w.redactor.Redact(string(p))); err != nil {
		return 0, err
	}
	return len(p), nil
}
