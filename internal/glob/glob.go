// Package glob implements Redis-compatible pattern matching for channel
// names: `*` matches any run of bytes (possibly empty), `?` matches one
// byte, `[set]` matches one byte from a set with `^` negation and `a-z`
// ranges, and `\c` matches c literally.
package glob

// Match reports whether name matches pattern. Matching is byte-wise; no
// encoding is assumed. A malformed set (unterminated `[`, truncated range)
// never matches.
func Match(pattern, name []byte) bool {
	for len(pattern) > 0 && len(name) > 0 {
		switch pattern[0] {
		case '*':
			// Collapse star runs, then try every tail position.
			for len(pattern) > 0 && pattern[0] == '*' {
				pattern = pattern[1:]
			}
			if len(pattern) == 0 {
				return true
			}
			for len(name) > 0 {
				if Match(pattern, name) {
					return true
				}
				name = name[1:]
			}
			return false
		case '[':
			pattern = pattern[1:]
			want := true
			if len(pattern) > 0 && pattern[0] == '^' {
				want = false
				pattern = pattern[1:]
			}
			matched := false
			for len(pattern) > 0 && pattern[0] != ']' && !matched {
				if pattern[0] == '\\' {
					pattern = pattern[1:]
				}
				if len(pattern) < 2 {
					return false
				}
				if pattern[1] == '-' {
					if len(pattern) < 4 {
						return false
					}
					start := pattern[0]
					pattern = pattern[2:]
					if pattern[0] == '\\' {
						pattern = pattern[1:]
					}
					end := pattern[0]
					if start > end {
						start, end = end, start
					}
					if name[0] >= start && name[0] <= end {
						matched = true
					}
				} else if pattern[0] == name[0] {
					matched = true
				}
				pattern = pattern[1:]
			}
			// Skip the rest of the set if matching cut the scan short.
			for len(pattern) > 0 && pattern[0] != ']' {
				pattern = pattern[1:]
			}
			if matched != want {
				return false
			}
			if len(pattern) == 0 {
				return false
			}
			pattern = pattern[1:]
			name = name[1:]
			continue
		case '\\':
			if len(pattern) > 1 {
				pattern = pattern[1:]
			}
			if pattern[0] != name[0] {
				return false
			}
			pattern = pattern[1:]
			name = name[1:]
		case '?':
			pattern = pattern[1:]
			name = name[1:]
		default:
			if pattern[0] != name[0] {
				return false
			}
			pattern = pattern[1:]
			name = name[1:]
		}
	}
	if len(name) == 0 {
		for len(pattern) > 0 && pattern[0] == '*' {
			pattern = pattern[1:]
		}
	}
	return len(name) == 0 && len(pattern) == 0
}

// MatchString is Match over strings, avoiding caller-side conversions.
func MatchString(pattern, name string) bool {
	return Match([]byte(pattern), []byte(name))
}

// IsPattern reports whether s contains any glob metacharacter. Subscriptions
// to a plain channel name can skip the pattern index entirely.
func IsPattern(s string) bool {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '*', '?', '[', '\\':
			return true
		}
	}
	return false
}
