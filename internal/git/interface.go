package git

import "context"

// GitClient is an interface for interacting with Git.
type GitClient interface {
	Clone(ctx context.Context, repoURL, directory string) error
	RepoExists(directory string) bool
	IsClean(directory string) (bool, error)
	Config(directory, key, value string) error
	CurrentBranch(directory string) (string, error)
	LocalBranchExists(directory, branch string) (bool, error)
	RemoteBranchExists(directory, remote, branch string) (bool, error)
	Fetch(directory, remote, branch string) error
	Checkout(directory, branch string) error
	CheckoutNewBranch(directory, branch string) error
	Push(directory, branch string) error
	Pull(directory, remote, branch string) error
}
