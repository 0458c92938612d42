// Package extract turns decoded messages into structured contact fields.
//
// Each upstream sender has a Strategy. Strategies are registered in a
// Registry and selected by the sender address of the message.
package extract

import (
	"strings"

	"github.com/sells-group/eml-intake/internal/mailmsg"
	"github.com/sells-group/eml-intake/internal/model"
)

// Strategy extracts fields from messages sent by one upstream source.
type Strategy interface {
	// Name identifies the strategy. Registration is idempotent by name.
	Name() string
	// CanHandle reports whether the strategy accepts messages from sender.
	CanHandle(sender string) bool
	// Extract runs the strategy against msg. Business failures are reported
	// in Result.Reason; the error is reserved for exceptional conditions.
	Extract(msg *mailmsg.Message) (Result, error)
}

// FieldExtractor pulls individual fields out of a message. Each method
// returns "" when the field is absent.
type FieldExtractor interface {
	ExtractName(msg *mailmsg.Message) string
	ExtractEmail(msg *mailmsg.Message) string
	ExtractPhone(msg *mailmsg.Message) string
	ExtractProductCode(msg *mailmsg.Message) string
}

// Result is the outcome of one extraction. Fields holds whatever was found
// even when Reason reports a failure.
type Result struct {
	Fields model.Fields
	Reason string
}

// OK reports whether the extraction succeeded.
func (r Result) OK() bool {
	return r.Reason == ""
}

// DomainMatcher matches sender addresses whose domain equals Domain or is a
// subdomain of it. Comparison is case-insensitive.
type DomainMatcher struct {
	Domain string
}

// Match reports whether sender belongs to the domain.
func (d DomainMatcher) Match(sender string) bool {
	domain := strings.ToLower(strings.TrimSpace(d.Domain))
	if domain == "" {
		return false
	}
	addr := strings.ToLower(strings.TrimSpace(sender))
	at := strings.LastIndex(addr, "@")
	if at < 0 || at == len(addr)-1 {
		return false
	}
	host := strings.TrimSuffix(addr[at+1:], ">")
	return host == domain || strings.HasSuffix(host, "."+domain)
}
