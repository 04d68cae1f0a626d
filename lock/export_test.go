package lock

// ReleaseHash exposes the release script digest to the mock expectations.
func ReleaseHash() string { return releaseScript.Hash() }
