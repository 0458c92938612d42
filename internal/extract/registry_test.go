package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/eml-intake/internal/config"
	"github.com/sells-group/eml-intake/internal/mailmsg"
)

type stubStrategy struct {
	name   string
	accept func(string) bool
}

func (s *stubStrategy) Name() string                 { return s.name }
func (s *stubStrategy) CanHandle(sender string) bool { return s.accept(sender) }
func (s *stubStrategy) Extract(*mailmsg.Message) (Result, error) {
	return Result{}, nil
}

func acceptAll(string) bool { return true }

func defaultRegistry() *Registry {
	return NewDefaultRegistry(config.ExtractConfig{
		SupplierADomain: "fornecedora.com",
		PartnerBDomain:  "parceirob.com",
	})
}

func TestRegistry_Resolve(t *testing.T) {
	r := defaultRegistry()

	tests := []struct {
		sender string
		want   string
	}{
		{"loja@fornecedora.com", SupplierAName},
		{"LOJA@FORNECEDORA.COM", SupplierAName},
		{"contato@parceirob.com", PartnerBName},
		{"contato@shop.parceirob.com", PartnerBName},
		{"Contato@ParceiroB.Com", PartnerBName},
		{"unknown@example.com", ""},
		{"contato@parceirob.com.br", ""},
		{"contato@parceiroc.com", ""},
		{"contato@notparceirob.com", ""},
		{"", ""},
		{"no-at-sign", ""},
	}

	for _, tt := range tests {
		t.Run(tt.sender, func(t *testing.T) {
			s, ok := r.Resolve(tt.sender)
			if tt.want == "" {
				assert.False(t, ok)
				assert.Nil(t, s)
				return
			}
			require.True(t, ok)
			assert.Equal(t, tt.want, s.Name())
		})
	}
}

func TestRegistry_FirstMatchWins(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubStrategy{name: "first", accept: acceptAll})
	r.Register(&stubStrategy{name: "second", accept: acceptAll})

	s, ok := r.Resolve("anyone@example.com")
	require.True(t, ok)
	assert.Equal(t, "first", s.Name())
}

func TestRegistry_RegisterIdempotent(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubStrategy{name: "a", accept: acceptAll})
	r.Register(&stubStrategy{name: "b", accept: acceptAll})
	r.Register(&stubStrategy{name: "a", accept: func(string) bool { return false }})

	assert.Equal(t, []string{"a", "b"}, r.Names())
	assert.Len(t, r.All(), 2)

	// The original registration is kept.
	s, ok := r.Resolve("x@y.com")
	require.True(t, ok)
	assert.Equal(t, "a", s.Name())
}

func TestRegistry_Reset(t *testing.T) {
	r := defaultRegistry()
	require.Len(t, r.All(), 2)

	r.Reset()
	assert.Empty(t, r.Names())
	_, ok := r.Resolve("loja@fornecedora.com")
	assert.False(t, ok)

	r.Register(&stubStrategy{name: "again", accept: acceptAll})
	assert.Equal(t, []string{"again"}, r.Names())
}

func TestRegistry_BuiltinOrder(t *testing.T) {
	assert.Equal(t, []string{SupplierAName, PartnerBName}, defaultRegistry().Names())
}

func TestDomainMatcher(t *testing.T) {
	t.Parallel()

	m := DomainMatcher{Domain: "ParceiroB.com"}
	assert.True(t, m.Match("a@parceirob.com"))
	assert.True(t, m.Match("a@x.y.parceirob.com"))
	assert.True(t, m.Match(" a@parceirob.com "))
	assert.False(t, m.Match("a@parceirob.com.br"))
	assert.False(t, m.Match("parceirob.com"))
	assert.False(t, m.Match("a@"))

	assert.False(t, DomainMatcher{}.Match("a@parceirob.com"))
}
