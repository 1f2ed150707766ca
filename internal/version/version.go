// Package version holds the controller's release version and semantic
// version comparison used when announcing updates to the fleet.
package version

import (
	"regexp"
	"strconv"
	"strings"
)

// Current is the controller release version, stamped at build time via
// -ldflags when packaged.
var Current = "1.0.0"

var leadingDigits = regexp.MustCompile(`^\d+`)

// Compare compares two semantic versions.
// Returns -1 if v1 < v2, 0 if equal, 1 if v1 > v2.
func Compare(v1, v2 string) int {
	a := parse(normalize(v1))
	b := parse(normalize(v2))

	for i := 0; i < 3; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}

	// A stable release outranks any prerelease of the same triple.
	switch {
	case a[3] == 0 && b[3] != 0:
		return 1
	case a[3] != 0 && b[3] == 0:
		return -1
	case a[3] < b[3]:
		return -1
	case a[3] > b[3]:
		return 1
	}
	return 0
}

// IsNewer reports whether candidate is a newer release than current.
func IsNewer(current, candidate string) bool {
	return Compare(current, candidate) < 0
}

func normalize(v string) string {
	v = strings.TrimSpace(v)
	v = strings.TrimPrefix(v, "v")
	return strings.TrimPrefix(v, "V")
}

// parse extracts [major, minor, patch, prerelease weight]. Prerelease
// weight 0 means a stable release.
func parse(v string) [4]int {
	var out [4]int

	if idx := strings.Index(v, "-"); idx != -1 {
		pre := strings.ToLower(v[idx+1:])
		v = v[:idx]

		n := 0
		if m := regexp.MustCompile(`(\d+)`).FindStringSubmatch(pre); len(m) > 1 {
			n, _ = strconv.Atoi(m[1])
		}
		switch {
		case strings.HasPrefix(pre, "alpha"):
			out[3] = 1000 + n
		case strings.HasPrefix(pre, "beta"):
			out[3] = 2000 + n
		case strings.HasPrefix(pre, "rc"):
			out[3] = 3000 + n
		default:
			out[3] = 500 + n
		}
	}

	parts := strings.Split(v, ".")
	for i := 0; i < len(parts) && i < 3; i++ {
		if num, err := strconv.Atoi(leadingDigits.FindString(parts[i])); err == nil {
			out[i] = num
		}
	}
	return out
}
