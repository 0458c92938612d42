package extract

import (
	"regexp"
	"strings"

	"github.com/sells-group/eml-intake/internal/mailmsg"
)

// SupplierAName is the registry name of the Supplier-A strategy.
const SupplierAName = "supplier_a"

var (
	supplierANameRe    = regexp.MustCompile(`(?i)Nome(?:[ \t]+do[ \t]+cliente)?:[ \t]*([^\r\n]+)`)
	supplierAProductRe = regexp.MustCompile(`(?i)([A-Z]{3}\d{3})`)
)

// SupplierA handles order notifications from the Supplier-A storefront.
// The product code comes from the subject line.
type SupplierA struct {
	matcher DomainMatcher
}

// NewSupplierA binds the strategy to a sender domain.
func NewSupplierA(domain string) *SupplierA {
	return &SupplierA{matcher: DomainMatcher{Domain: domain}}
}

func (s *SupplierA) Name() string { return SupplierAName }

func (s *SupplierA) CanHandle(sender string) bool { return s.matcher.Match(sender) }

func (s *SupplierA) Extract(msg *mailmsg.Message) (Result, error) {
	return ExtractFields(s, msg)
}

func (s *SupplierA) ExtractName(msg *mailmsg.Message) string {
	return firstMatch(supplierANameRe, msg.Body())
}

func (s *SupplierA) ExtractEmail(msg *mailmsg.Message) string {
	return trimAddress(firstMatch(emailRe, msg.Body()))
}

func (s *SupplierA) ExtractPhone(msg *mailmsg.Message) string {
	return extractPhone(msg.Body())
}

func (s *SupplierA) ExtractProductCode(msg *mailmsg.Message) string {
	return strings.ToUpper(firstMatch(supplierAProductRe, msg.Subject))
}
