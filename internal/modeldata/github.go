package modeldata

import (
	"strings"

	"modelref/internal/core"
)

const githubRawBase = "https://raw.githubusercontent.com"

// GitHubSource locates the legacy reference files published on GitHub.
type GitHubSource struct {
	Owner     string
	ImageRepo string
	TextRepo  string
	Branch    string
	// ProxyURL is prepended to the raw URL when set.
	ProxyURL string
	// RawBase overrides the raw content host, e.g. for mirrors.
	RawBase string
}

// DefaultGitHubSource returns the upstream Haidra-Org repositories.
func DefaultGitHubSource() GitHubSource {
	return GitHubSource{
		Owner:     "Haidra-Org",
		ImageRepo: "AI-Horde-image-model-reference",
		TextRepo:  "AI-Horde-text-model-reference",
		Branch:    "main",
	}
}

// RepoFor returns the repository holding the category's legacy file.
func (s GitHubSource) RepoFor(c core.Category) string {
	if c.IsText() {
		return s.TextRepo
	}
	return s.ImageRepo
}

// LegacyURL is the raw download URL of the category's legacy file.
func (s GitHubSource) LegacyURL(c core.Category) string {
	base := githubRawBase
	if s.RawBase != "" {
		base = strings.TrimRight(s.RawBase, "/")
	}
	url := strings.Join([]string{base, s.Owner, s.RepoFor(c), s.Branch, c.LegacyFileName()}, "/")
	if s.ProxyURL == "" {
		return url
	}
	return strings.TrimRight(s.ProxyURL, "/") + "/" + url
}
