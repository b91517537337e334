package protocol

// Directory and naming constants used throughout tandem.
const (
	// WorktreesDir is the directory, relative to the repository root, where
	// session worktrees are created unless configured otherwise.
	WorktreesDir = ".worktrees"

	// HomeDir is the user-level state directory (e.g., ~/.tandem).
	HomeDir = ".tandem"

	// BranchPrefix is the git branch prefix for session branches.
	BranchPrefix = "tandem/"

	// DefaultBaseBranch is used when a session is created without a base.
	DefaultBaseBranch = "main"

	// MaxSlugLen caps the slug derived from a session name.
	MaxSlugLen = 48

	// MaxOutputBytes caps the agent/validation output kept on an iteration row.
	MaxOutputBytes = 64 * 1024
)
