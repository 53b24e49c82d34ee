package forge

import (
	"context"
	"fmt"
	"strings"

	"ford/pkg/capability"
)

// CommentNotifier notifies feedback authors by commenting on the merged pull request.
type CommentNotifier struct {
	forge *GitHub
}

// NewCommentNotifier creates a notifier posting through g.
func NewCommentNotifier(g *GitHub) *CommentNotifier {
	return &CommentNotifier{forge: g}
}

// Notify posts one comment per notification.
func (n *CommentNotifier) Notify(ctx context.Context, note capability.Notification) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Resolved feedback %s", note.FeedbackID)
	if note.Author != "" {
		fmt.Fprintf(&b, " from %s", note.Author)
	}
	if note.SourceURL != "" {
		fmt.Fprintf(&b, " (%s)", note.SourceURL)
	}
	if note.Summary != "" {
		fmt.Fprintf(&b, ": %s", note.Summary)
	}
	return n.forge.Comment(ctx, note.PRNumber, b.String())
}
