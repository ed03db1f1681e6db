package messaging

import "strings"

const defaultCountryCode = "55"

func sanitizePhone(value string) string {
	var b strings.Builder
	for _, r := range value {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizeNumber formats a phone number the way WhatsApp expects: digits
// only, prefixed with the Brazilian country code when the bare national
// form (10 or 11 digits) was given.
func NormalizeNumber(value string) string {
	digits := sanitizePhone(value)
	if digits == "" {
		return ""
	}
	if !strings.HasPrefix(digits, defaultCountryCode) && len(digits) >= 10 && len(digits) <= 11 {
		digits = defaultCountryCode + digits
	}
	return digits
}

// NumberFromJID extracts the bare number from a WhatsApp JID such as
// "5511999999999@s.whatsapp.net". Group JIDs pass through unchanged.
func NumberFromJID(jid string) string {
	if i := strings.IndexByte(jid, '@'); i >= 0 {
		return jid[:i]
	}
	return jid
}

// JIDFromNumber builds the individual-chat JID for a normalized number.
func JIDFromNumber(number string) string {
	number = NormalizeNumber(number)
	if number == "" {
		return ""
	}
	return number + "@s.whatsapp.net"
}

// IsGroupJID reports whether a JID addresses a group chat.
func IsGroupJID(jid string) bool {
	return strings.HasSuffix(jid, "@g.us")
}
