package identity

import "strings"

// Email and username uniqueness is case-insensitive: the stores index the
// normalized form and every lookup normalizes before comparing. Trim plus
// lower-case only; unicode confusable folding would need a versioned policy
// so rows indexed under the old rule stay reachable.

func NormalizeEmail(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func NormalizeUsername(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
