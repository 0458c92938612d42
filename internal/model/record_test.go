package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status Status
		want   string
	}{
		{StatusPending, "pending"},
		{StatusProcessing, "processing"},
		{StatusSuccess, "success"},
		{StatusFailed, "failed"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, string(tt.status))
			assert.True(t, tt.status.Valid())
		})
	}
	assert.False(t, Status("archived").Valid())
}

func TestStatusCanTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusProcessing, true},
		{StatusPending, StatusSuccess, false},
		{StatusPending, StatusFailed, false},
		{StatusProcessing, StatusSuccess, true},
		{StatusProcessing, StatusFailed, true},
		{StatusProcessing, StatusPending, false},
		{StatusSuccess, StatusFailed, false},
		{StatusSuccess, StatusPending, false},
		{StatusFailed, StatusSuccess, false},
		{StatusFailed, StatusProcessing, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.from.CanTransition(tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestStatusTerminal(t *testing.T) {
	t.Parallel()
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusProcessing.Terminal())
	assert.True(t, StatusSuccess.Terminal())
	assert.True(t, StatusFailed.Terminal())
}

func TestFieldsSetSkipsEmpty(t *testing.T) {
	t.Parallel()

	f := Fields{}
	f.Set(FieldName, "Maria")
	f.Set(FieldEmail, "")
	assert.Equal(t, Fields{FieldName: "Maria"}, f)
	assert.Equal(t, "", f.Get(FieldEmail))

	var nilFields Fields
	assert.Equal(t, "", nilFields.Get(FieldName))
}

func TestFieldsJSONNeverNull(t *testing.T) {
	t.Parallel()

	r := Record{ID: "r1", Status: StatusPending}
	b, err := json.Marshal(r)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"fields":{}`)
}

func TestFieldsScan(t *testing.T) {
	t.Parallel()

	var f Fields
	require.NoError(t, f.Scan(`{"name":"Ana","phone":"11999990000"}`))
	assert.Equal(t, "Ana", f.Get(FieldName))
	assert.Equal(t, "11999990000", f.Get(FieldPhone))

	require.NoError(t, f.Scan([]byte(`{}`)))
	assert.Empty(t, f)
	assert.NotNil(t, f)

	require.NoError(t, f.Scan(nil))
	assert.NotNil(t, f)

	assert.Error(t, f.Scan(42))
	assert.Error(t, f.Scan("not json"))
}

func TestFieldsValue(t *testing.T) {
	t.Parallel()

	v, err := Fields(nil).Value()
	require.NoError(t, err)
	assert.Equal(t, "{}", v)

	v, err = Fields{FieldEmail: "a@b.com"}.Value()
	require.NoError(t, err)
	assert.JSONEq(t, `{"email":"a@b.com"}`, v.(string))
}

func TestCustomerContactKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		c    Customer
		want string
	}{
		{"email wins", Customer{Email: " Joao@Example.com ", Phone: "11912345678"}, "email:joao@example.com"},
		{"phone fallback", Customer{Phone: "11912345678"}, "phone:11912345678"},
		{"none", Customer{Name: "x"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.c.ContactKey())
		})
	}
}
