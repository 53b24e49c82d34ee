package changerequest

import (
	"fmt"
	"strings"
)

// BranchPrefix starts every change request branch.
const BranchPrefix = "ford/issue-"

// DefaultSlugLength bounds the slug part of a branch name.
const DefaultSlugLength = 40

// Slug lower-cases title, collapses every run of non-alphanumeric characters into one hyphen,
// trims hyphens at both ends and truncates to maxLen without leaving a trailing hyphen.
func Slug(title string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = DefaultSlugLength
	}
	var b strings.Builder
	pendingHyphen := false
	for _, r := range strings.ToLower(title) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pendingHyphen && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingHyphen = false
			b.WriteRune(r)
			continue
		}
		pendingHyphen = true
	}
	slug := b.String()
	if len(slug) > maxLen {
		slug = strings.TrimRight(slug[:maxLen], "-")
	}
	if slug == "" {
		slug = "change"
	}
	return slug
}

// BranchName returns ford/issue-{number}-{slug}.
func BranchName(issue int, title string, slugLen int) string {
	return fmt.Sprintf("%s%d-%s", BranchPrefix, issue, Slug(title, slugLen))
}
