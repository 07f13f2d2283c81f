package store

// MatchGlob reports whether name matches a shell-style glob pattern
// supporting '*' (any run, including empty) and '?' (any single byte).
// An empty pattern matches everything, so a bare LIST_ACCOUNTS lists all.
func MatchGlob(pattern, name string) bool {
	if pattern == "" {
		return true
	}
	return matchGlob(pattern, name)
}

func matchGlob(pattern, name string) bool {
	// Iterative two-pointer match with backtracking on the last '*'.
	var pi, ni int
	star, starNi := -1, 0
	for ni < len(name) {
		switch {
		case pi < len(pattern) && (pattern[pi] == '?' || pattern[pi] == name[ni]):
			pi++
			ni++
		case pi < len(pattern) && pattern[pi] == '*':
			star, starNi = pi, ni
			pi++
		case star >= 0:
			starNi++
			pi, ni = star+1, starNi
		default:
			return false
		}
	}
	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}
	return pi == len(pattern)
}
