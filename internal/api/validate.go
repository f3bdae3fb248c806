package api

import (
	"net"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// maxExtensionLen bounds extension identifiers, which include external
// numbers such as 004912341234.
const maxExtensionLen = 40

// maxContextNameLen bounds context protocol names.
const maxContextNameLen = 80

// maxContextsPerRule bounds the context list of one request.
const maxContextsPerRule = 64

// validateStringLen checks that a string does not exceed maxLen runes.
// Returns an error message if invalid, empty string if OK.
func validateStringLen(field, value string, maxLen int) string {
	if utf8.RuneCountInString(value) > maxLen {
		return field + " exceeds maximum length"
	}
	return ""
}

// validateExtensionID checks an extension identifier. Emptiness is left to
// the store so the API and the store report it the same way.
func validateExtensionID(field, value string) string {
	if msg := validateStringLen(field, value, maxExtensionLen); msg != "" {
		return msg
	}
	if strings.IndexFunc(value, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsControl(r) || r == '"' || r == '\\'
	}) >= 0 {
		return field + " contains invalid characters"
	}
	return ""
}

// validateForwardRequest checks the shape of a create or update body.
func validateForwardRequest(req forwardRequest) string {
	if msg := validateExtensionID("from", req.From); msg != "" {
		return msg
	}
	if msg := validateExtensionID("to", req.To); msg != "" {
		return msg
	}
	if len(req.Contexts) > maxContextsPerRule {
		return "contexts must not list more than " + strconv.Itoa(maxContextsPerRule) + " entries"
	}
	for i, name := range req.Contexts {
		if msg := validateStringLen("contexts["+strconv.Itoa(i)+"]", name, maxContextNameLen); msg != "" {
			return msg
		}
	}
	return ""
}

// validateIP checks that a string is a valid IPv4 or IPv6 address.
func validateIP(field, value string) string {
	if net.ParseIP(value) == nil {
		return field + " is not a valid IP address"
	}
	return ""
}
