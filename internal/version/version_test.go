package version

import "testing"

func TestCompare(t *testing.T) {
	cases := []struct {
		v1, v2 string
		want   int
	}{
		{"1.0.0", "1.0.0", 0},
		{"1.0.0", "1.0.1", -1},
		{"1.2.0", "1.1.9", 1},
		{"v1.0.0", "1.0.0", 0},
		{"2.0.0", "1.9.9", 1},
		{"1.0.0-rc.1", "1.0.0", -1},
		{"1.0.0-alpha.1", "1.0.0-beta.1", -1},
		{"1.0.0-rc.2", "1.0.0-rc.1", 1},
	}
	for _, c := range cases {
		if got := Compare(c.v1, c.v2); got != c.want {
			t.Errorf("Compare(%q, %q) = %d, want %d", c.v1, c.v2, got, c.want)
		}
	}
}

func TestIsNewer(t *testing.T) {
	if !IsNewer("1.0.0", "1.1.0") {
		t.Error("1.1.0 should be newer than 1.0.0")
	}
	if IsNewer("1.1.0", "1.1.0") {
		t.Error("Equal versions are not newer")
	}
	if IsNewer("1.1.0", "1.1.0-rc.1") {
		t.Error("A prerelease is not newer than its stable release")
	}
}
