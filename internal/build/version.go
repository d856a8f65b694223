package build

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
	BuiltBy = "unknown"
)

func IsDev() bool {
	return Version == "dev"
}

// BinaryName returns the name of the jit binary, prefixed with 'd' for development builds
// so that a local build does not shadow an installed release.
func BinaryName() string {
	if IsDev() {
		return "djit"
	}
	return "jit"
}

// ConfigFolderName is the folder under the user's home directory holding jit configuration.
const ConfigFolderName = ".jit"
