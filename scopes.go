package centralauth

import (
	"strings"
)

// ParseScopes splits a scope string on spaces or commas, dropping duplicates
// and keeping the first-seen order
func ParseScopes(scopeString string) []string {
	fields := strings.FieldsFunc(scopeString, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
	if len(fields) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(fields))
	result := make([]string, 0, len(fields))
	for _, s := range fields {
		if !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}
	return result
}

// NormalizeScopes flattens a list whose entries may themselves hold several scopes
func NormalizeScopes(scopes []string) []string {
	return ParseScopes(strings.Join(scopes, " "))
}

// JoinScopes joins scopes into the space separated form token endpoints take
func JoinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

// MissingScopes returns the requested scopes absent from granted, in request order
func MissingScopes(granted, requested []string) []string {
	grantedSet := make(map[string]bool, len(granted))
	for _, s := range granted {
		grantedSet[s] = true
	}
	var missing []string
	for _, s := range requested {
		if !grantedSet[s] {
			missing = append(missing, s)
		}
	}
	return missing
}
