package git

// Status represents the porcelain status of a repository.
type Status struct {
	// Modified files (staged or unstaged)
	Modified []string

	// Untracked files
	Untracked []string

	// Deleted files
	Deleted []string

	// Added files (staged)
	Added []string

	// Renamed files
	Renamed []string

	// HasChanges is true if any changes exist
	HasChanges bool
}

// CommitOptions configures a git commit operation.
type CommitOptions struct {
	// Message is the commit message
	Message string

	// Author specifies the author (optional, uses git config if empty)
	Author string

	// AddAll stages all changes before committing (git add -A)
	AddAll bool

	// AllowEmpty allows creating an empty commit
	AllowEmpty bool
}

// RebaseResult contains the outcome of a rebase attempt.
type RebaseResult struct {
	// Success indicates whether the rebase completed cleanly
	Success bool

	// HasConflicts indicates the rebase stopped on merge conflicts
	HasConflicts bool

	// ConflictedFiles lists files with merge conflicts
	ConflictedFiles []string

	// CurrentBranch is the branch that was being rebased
	CurrentBranch string

	// BaseBranch is the branch being rebased onto
	BaseBranch string

	// ErrorMessage carries the raw git output when the rebase did not succeed
	ErrorMessage string
}

// CommitMessageRequest carries the story context the message generator
// works from.
type CommitMessageRequest struct {
	// StoryID is the story being integrated
	StoryID string

	// Title is the story title
	Title string

	// AcceptanceCriteria lists what the story had to satisfy
	AcceptanceCriteria []string

	// Branch is the story branch being squash-merged
	Branch string

	// DiffStat is the git diff --stat output for the story's changes
	DiffStat string
}
