package mailer

import (
	"context"
	"fmt"

	"ForumPulse/internal/models"
)

// Message is one outbound notification handed to the send capability.
type Message struct {
	To      string
	ToName  string
	Subject string
	Text    string
	HTML    string
	ReplyTo string
	Headers map[string]string
}

// Sender is the injected delivery transport. Failures are reported, never
// retried here.
type Sender interface {
	Send(ctx context.Context, m *Message) error
}

// messageID derives the RFC 5322 identifier for (post, recipient). It is a
// pure function of its inputs so re-running the pipeline computes the same
// thread identifiers.
func messageID(postID, userID int64, host string) string {
	return fmt.Sprintf("<forumpost-%d-%d@%s>", postID, userID, host)
}

// headers builds the transport headers for one recipient. Replies thread
// under the parent post's identifier for the same recipient.
func headers(p *models.Post, d *models.Discussion, userID int64, host string) map[string]string {
	h := map[string]string{
		"Message-ID":               messageID(p.ID, userID, host),
		"X-Forum-Post":             fmt.Sprintf("%d", p.ID),
		"X-Forum-Discussion":       fmt.Sprintf("%d", d.ID),
		"List-Id":                  fmt.Sprintf("<discussion-%d.%s>", d.ID, host),
		"Precedence":               "bulk",
		"Auto-Submitted":           "auto-generated",
		"X-Auto-Response-Suppress": "All",
	}

	if !p.Root() {
		parent := messageID(p.ParentID, userID, host)
		h["In-Reply-To"] = parent
		h["References"] = parent
	}

	return h
}

// replyAddress is the per-(post, recipient) reply target used when
// reply-to is enabled; like messageID it is deterministic.
func replyAddress(postID, userID int64, host string) string {
	return fmt.Sprintf("reply-%d-%d@%s", postID, userID, host)
}
