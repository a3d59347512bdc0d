package version

import "testing"

func TestString(t *testing.T) {
	saved := []string{Version, GitSHA, BuildTime}
	t.Cleanup(func() { Version, GitSHA, BuildTime = saved[0], saved[1], saved[2] })

	if got, want := String("gbl-toyfit"), "gbl-toyfit dev (unknown, built unknown)"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}

	Version, GitSHA, BuildTime = "v0.3.0", "abc1234", "2026-10-01T12:00:00Z"
	if got, want := String("gbl-constraints"), "gbl-constraints v0.3.0 (abc1234, built 2026-10-01T12:00:00Z)"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
