package version

var (
	// Set through -ldflags "-X github.com/AvaProtocol/userop-sponsor/version.semver=..." when tagging a release
	semver   = "0.1.0"
	revision = "unknown"
)

// Get return the version
func Get() string {
	return semver
}

// GetRevision returns the git revision the binary was built from
func GetRevision() string {
	return revision
}
