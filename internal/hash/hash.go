// Package hash computes the stable broker-level identity of upstream tools.
package hash

import (
	"crypto/md5" //nolint:gosec // identity fingerprint, not a credential
	"encoding/hex"
	"strings"
)

// DisplayNameSeparator joins a server name and an upstream tool name into the
// broker-level identifier, e.g. "github__create_issue".
const DisplayNameSeparator = "__"

// DisplayName builds the public identifier for a tool of an upstream server.
func DisplayName(serverName, toolName string) string {
	return serverName + DisplayNameSeparator + toolName
}

// SplitDisplayName returns the server and tool components of a display name.
// The second return is false when the name carries no separator.
func SplitDisplayName(displayName string) (server, tool string, ok bool) {
	parts := strings.SplitN(displayName, DisplayNameSeparator, 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// HasServerPrefix reports whether a display name belongs to the given server.
// The full "{server}__" prefix is required so server "a" does not match "aa__x".
func HasServerPrefix(displayName, serverName string) bool {
	return strings.HasPrefix(displayName, serverName+DisplayNameSeparator)
}

// ToolMD5 computes the hex MD5 of display_name concatenated with description.
// Surrounding whitespace is trimmed from each part so upstreams that pad
// descriptions do not produce a new identity.
func ToolMD5(displayName, description string) string {
	combined := strings.TrimSpace(displayName) + strings.TrimSpace(description)
	sum := md5.Sum([]byte(combined)) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

// EmbeddingText renders the string that is embedded for a tool: display name
// and description joined by a single space, trimmed.
func EmbeddingText(displayName, description string) string {
	return strings.TrimSpace(strings.TrimSpace(displayName) + " " + strings.TrimSpace(description))
}
