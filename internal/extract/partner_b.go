package extract

import (
	"regexp"
	"strings"

	"github.com/sells-group/eml-intake/internal/mailmsg"
)

// PartnerBName is the registry name of the Partner-B strategy.
const PartnerBName = "partner_b"

var (
	partnerBNameRe = regexp.MustCompile(
		`(?im)^[ \t]*(?:Nome[ \t]+completo|Nome[ \t]+do[ \t]+cliente|Cliente|Nome):[ \t]*([^\r\n]+)`)
	partnerBEmailRe = regexp.MustCompile(
		`(?i)E-?mail(?:[ \t]+de[ \t]+contato)?:[ \t]*([^\s@]+@[^\s]+)`)
	partnerBProductRe = regexp.MustCompile(
		`(?i)(?:Produto(?:[ \t]+de[ \t]+interesse)?|C[óo]digo[ \t]+do[ \t]+produto):[ \t]*([A-Z0-9\-]+)`)
	partnerBSubjectProductRe = regexp.MustCompile(`(?i)(PROD-\d{3})`)
)

// PartnerB handles lead notifications from the Partner-B network, including
// its regional subdomains.
type PartnerB struct {
	matcher DomainMatcher
}

// NewPartnerB binds the strategy to a sender domain.
func NewPartnerB(domain string) *PartnerB {
	return &PartnerB{matcher: DomainMatcher{Domain: domain}}
}

func (p *PartnerB) Name() string { return PartnerBName }

func (p *PartnerB) CanHandle(sender string) bool { return p.matcher.Match(sender) }

func (p *PartnerB) Extract(msg *mailmsg.Message) (Result, error) {
	return ExtractFields(p, msg)
}

func (p *PartnerB) ExtractName(msg *mailmsg.Message) string {
	return firstMatch(partnerBNameRe, msg.Body())
}

func (p *PartnerB) ExtractEmail(msg *mailmsg.Message) string {
	return trimAddress(firstMatch(partnerBEmailRe, msg.Body()))
}

func (p *PartnerB) ExtractPhone(msg *mailmsg.Message) string {
	return extractPhone(msg.Body())
}

// ExtractProductCode reads the body label first and falls back to a
// PROD-nnn code in the subject.
func (p *PartnerB) ExtractProductCode(msg *mailmsg.Message) string {
	if code := firstMatch(partnerBProductRe, msg.Body()); code != "" {
		return strings.ToUpper(code)
	}
	return strings.ToUpper(firstMatch(partnerBSubjectProductRe, msg.Subject))
}
