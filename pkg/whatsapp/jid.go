package whatsapp

import (
	"errors"
	"strings"

	"go.mau.fi/whatsmeow/types"
)

const (
	AliasServer  = "whatsapp"
	UnknownAlias = "unknown@" + AliasServer

	userSuffix      = "@" + types.DefaultUserServer
	groupSuffix     = "@" + types.GroupServer
	broadcastSuffix = "@" + types.BroadcastServer
	aliasSuffix     = "@" + AliasServer
)

var ErrInvalidTarget = errors.New("WhatsApp target address is not valid")

// NativeToAlias rewrites a direct-message address into the backend alias form.
// Group, broadcast and any other non-contact address is returned unchanged.
func NativeToAlias(native string) string {
	native = strings.TrimSpace(native)
	if native == "" {
		return UnknownAlias
	}
	if !strings.HasSuffix(native, userSuffix) {
		return native
	}
	digits := digitsOnly(stripDevice(localPart(native)))
	if digits == "" {
		return UnknownAlias
	}
	return digits + aliasSuffix
}

// ToNative accepts an alias, a bare phone number or a native address and returns
// the native address. Unrecognised "@" inputs keep only the digits of their local part.
func ToNative(input string) string {
	trimmed := strings.TrimSpace(input)

	if strings.HasSuffix(trimmed, aliasSuffix) {
		return digitsOnly(localPart(trimmed)) + userSuffix
	}
	if strings.HasSuffix(trimmed, userSuffix) ||
		strings.HasSuffix(trimmed, groupSuffix) ||
		strings.HasSuffix(trimmed, broadcastSuffix) {
		return trimmed
	}
	if strings.Contains(trimmed, "@") {
		digits := digitsOnly(localPart(trimmed))
		if digits == "" {
			return trimmed
		}
		return digits + userSuffix
	}
	return digitsOnly(trimmed) + userSuffix
}

// ParseTarget normalizes operator input and parses it into a sendable JID.
func ParseTarget(input string) (types.JID, error) {
	native := ToNative(input)
	jid, err := types.ParseJID(native)
	if err != nil || jid.User == "" {
		return types.EmptyJID, ErrInvalidTarget
	}
	return jid, nil
}

// IsGroup reports whether a native address points at a group thread.
func IsGroup(native string) bool {
	return strings.HasSuffix(native, groupSuffix)
}

// IsContact reports whether a native address points at a direct-message contact.
func IsContact(native string) bool {
	return strings.HasSuffix(native, userSuffix)
}

func localPart(address string) string {
	user, _, _ := strings.Cut(address, "@")
	return user
}

// stripDevice drops the ".agent:device" part of a multi-device user.
func stripDevice(user string) string {
	if i := strings.IndexAny(user, ".:"); i >= 0 {
		return user[:i]
	}
	return user
}

func digitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
