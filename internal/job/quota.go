package job

import "strings"

// QuotaKey derives the identity that rate limits, cooldowns and job
// uniqueness are enforced against. Callers sharing an organization identity
// (e.g. a CRM account domain) collaborate on one quota; the identity is
// normalized so spelling variants map to the same key. A caller without an
// organization identity gets a key of its own.
func QuotaKey(orgIdentity, callerID string) string {
	key := strings.ToLower(strings.TrimSpace(orgIdentity))
	key = strings.TrimPrefix(key, "https://")
	key = strings.TrimPrefix(key, "http://")
	key = strings.TrimPrefix(key, "www.")
	key = strings.TrimSuffix(key, "/")
	if key == "" {
		return strings.ToLower(strings.TrimSpace(callerID))
	}
	return key
}
