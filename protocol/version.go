package protocol

import "strings"

// Known protocol revisions.
const (
	Version20241105 = "2024-11-05"
	Version20250326 = "2025-03-26"
)

// SupportedVersions lists the revisions this module speaks, newest first.
var SupportedVersions = []string{
	Version20250326,
	Version20241105,
}

// LatestVersion is the preferred revision offered during the handshake.
func LatestVersion() string { return SupportedVersions[0] }

// NormalizeVersion normalizes a version string for comparison.
func NormalizeVersion(version string) string {
	version = strings.ToLower(strings.TrimSpace(version))
	version = strings.TrimPrefix(version, "v")
	if version == "latest" || version == "current" {
		return SupportedVersions[0]
	}
	return version
}

// IsSupported reports whether version names a supported revision.
func IsSupported(version string) bool {
	normalized := NormalizeVersion(version)
	for _, v := range SupportedVersions {
		if v == normalized {
			return true
		}
	}
	return false
}

// Negotiate picks the revision to use for a peer's requested version. An
// unknown revision falls back to the latest supported one; recognized is
// false in that case so the caller can log it.
func Negotiate(requested string) (version string, recognized bool) {
	normalized := NormalizeVersion(requested)
	for _, v := range SupportedVersions {
		if v == normalized {
			return v, true
		}
	}
	return LatestVersion(), false
}
