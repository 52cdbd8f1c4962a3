package whatsapp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNativeToAlias(t *testing.T) {
	tests := []struct {
		name   string
		native string
		want   string
	}{
		{"contact", "15551234567@s.whatsapp.net", "15551234567@whatsapp"},
		{"contact with device suffix", "15551234567:12@s.whatsapp.net", "15551234567@whatsapp"},
		{"contact with agent and device", "15551234567.0:3@s.whatsapp.net", "15551234567@whatsapp"},
		{"group passes through", "120363025246125888@g.us", "120363025246125888@g.us"},
		{"broadcast passes through", "status@broadcast", "status@broadcast"},
		{"lid passes through", "123456789@lid", "123456789@lid"},
		{"empty", "", UnknownAlias},
		{"no digits", "abc@s.whatsapp.net", UnknownAlias},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NativeToAlias(tt.native))
		})
	}
}

func TestToNative(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"alias", "15551234567@whatsapp", "15551234567@s.whatsapp.net"},
		{"formatted phone", "+1 (555) 123-4567", "15551234567@s.whatsapp.net"},
		{"native contact", "15551234567@s.whatsapp.net", "15551234567@s.whatsapp.net"},
		{"group", "120363025246125888@g.us", "120363025246125888@g.us"},
		{"broadcast", "status@broadcast", "status@broadcast"},
		{"trims whitespace", "  15551234567@s.whatsapp.net \n", "15551234567@s.whatsapp.net"},
		{"unknown server keeps digits", "15551234567@lid", "15551234567@s.whatsapp.net"},
		{"unknown server without digits", "someone@example.com", "someone@example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ToNative(tt.input))
		})
	}
}

func TestAliasRoundTrip(t *testing.T) {
	for _, digits := range []string{"1", "15551234567", "4915123456789"} {
		native := digits + "@s.whatsapp.net"
		assert.Equal(t, native, ToNative(NativeToAlias(native)))
	}
}

func TestToNativeIsIdempotent(t *testing.T) {
	inputs := []string{
		"15551234567@whatsapp",
		"+1 555 123 4567",
		"120363025246125888@g.us",
		"status@broadcast",
		"someone@example.com",
	}
	for _, input := range inputs {
		once := ToNative(input)
		assert.Equal(t, once, ToNative(once), input)
	}
}

func TestParseTarget(t *testing.T) {
	t.Run("alias parses into contact jid", func(t *testing.T) {
		jid, err := ParseTarget("15551234567@whatsapp")
		require.NoError(t, err)
		assert.Equal(t, "15551234567", jid.User)
		assert.Equal(t, "s.whatsapp.net", jid.Server)
	})

	t.Run("group parses", func(t *testing.T) {
		jid, err := ParseTarget("120363025246125888@g.us")
		require.NoError(t, err)
		assert.Equal(t, "g.us", jid.Server)
	})

	t.Run("input without digits is rejected", func(t *testing.T) {
		_, err := ParseTarget("not a number")
		assert.ErrorIs(t, err, ErrInvalidTarget)
	})
}

func TestAddressKinds(t *testing.T) {
	assert.True(t, IsGroup("1203630@g.us"))
	assert.False(t, IsGroup("15551234567@s.whatsapp.net"))
	assert.True(t, IsContact("15551234567@s.whatsapp.net"))
	assert.False(t, IsContact("status@broadcast"))
}
