package extract

import (
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/eml-intake/internal/mailmsg"
	"github.com/sells-group/eml-intake/internal/model"
)

// Failure reasons reported in Result.Reason.
const (
	ReasonEmptyBody        = "message body is empty"
	ReasonNoContactDetails = "no contact information found (email or phone required)"
)

// ExtractFields runs fe against msg and validates the combined result. It is
// the shared skeleton behind every built-in strategy.
func ExtractFields(fe FieldExtractor, msg *mailmsg.Message) (Result, error) {
	if msg == nil {
		return Result{}, eris.New("extract: nil message")
	}

	fields := model.Fields{}
	fields.Set(model.FieldSubject, strings.TrimSpace(msg.Subject))
	fields.Set(model.FieldSender, msg.Sender())

	if strings.TrimSpace(msg.Body()) == "" {
		return Result{Fields: fields, Reason: ReasonEmptyBody}, nil
	}

	fields.Set(model.FieldName, NormalizeName(fe.ExtractName(msg)))
	fields.Set(model.FieldEmail, strings.TrimSpace(fe.ExtractEmail(msg)))
	fields.Set(model.FieldPhone, fe.ExtractPhone(msg))
	fields.Set(model.FieldProductCode, fe.ExtractProductCode(msg))

	return Result{Fields: fields, Reason: Validate(fields)}, nil
}

// Validate enforces the contact rule: at least one of email or phone. It
// returns the failure reason, or "" when fields are acceptable.
func Validate(fields model.Fields) string {
	if strings.TrimSpace(fields.Get(model.FieldEmail)) == "" &&
		strings.TrimSpace(fields.Get(model.FieldPhone)) == "" {
		return ReasonNoContactDetails
	}
	return ""
}

// NormalizeName trims, collapses inner whitespace and applies Unicode NFC so
// composed and decomposed accents compare equal.
func NormalizeName(s string) string {
	return norm.NFC.String(strings.Join(strings.Fields(s), " "))
}

// Digits keeps only ASCII digits.
func Digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// firstMatch returns the trimmed first capture group of re in s.
func firstMatch(re *regexp.Regexp, s string) string {
	m := re.FindStringSubmatch(s)
	if len(m) < 2 {
		return ""
	}
	return strings.TrimSpace(m[1])
}

var (
	emailRe = regexp.MustCompile(`(?i)E-?mail:[ \t]*([^\s@]+@[^\s]+)`)
	phoneRe = regexp.MustCompile(`(?im)Telefone:[ \t]*([^\r\n]*)`)
)

// trimAddress drops punctuation that commonly trails an address in prose.
func trimAddress(s string) string {
	return strings.TrimRight(s, ".,;:>)]")
}

func extractPhone(body string) string {
	return Digits(firstMatch(phoneRe, body))
}
