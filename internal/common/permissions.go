package common

// File permission constants shared by repository provisioning and key handling
const (
	// FilePermissionSecure is used for private material (SSH host keys, stack files with credentials)
	FilePermissionSecure = 0600

	// FilePermissionNormal is used for repository metadata written by the server
	FilePermissionNormal = 0644

	// DirPermissionSecure is used for directories holding private keys
	DirPermissionSecure = 0700

	// DirPermissionNormal is used for the repository root and its namespaces
	DirPermissionNormal = 0755
)
