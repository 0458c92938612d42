package extract

import "github.com/sells-group/eml-intake/internal/config"

// NewDefaultRegistry registers the built-in strategies in priority order.
func NewDefaultRegistry(cfg config.ExtractConfig) *Registry {
	r := NewRegistry()
	r.Register(NewSupplierA(cfg.SupplierADomain))
	r.Register(NewPartnerB(cfg.PartnerBDomain))
	return r
}
