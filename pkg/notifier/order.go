package notifier

import "strings"

// CompareIDs orders item identifiers. Decimal IDs (tweet and post IDs)
// compare numerically regardless of length; a decimal ID sorts before a
// non-decimal one; anything else compares byte-wise.
func CompareIDs(a, b string) int {
	an, bn := isDecimal(a), isDecimal(b)
	switch {
	case an && bn:
		a, b = trimZeros(a), trimZeros(b)
		if len(a) != len(b) {
			if len(a) < len(b) {
				return -1
			}
			return 1
		}
		return strings.Compare(a, b)
	case an:
		return -1
	case bn:
		return 1
	default:
		return strings.Compare(a, b)
	}
}

func isDecimal(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func trimZeros(s string) string {
	t := strings.TrimLeft(s, "0")
	if t == "" {
		return "0"
	}
	return t
}
