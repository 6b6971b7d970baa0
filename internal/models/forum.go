package models

import "time"

type MailState string

const (
	MailPending MailState = "pending"
	MailSuccess MailState = "success"
	MailError   MailState = "error"
)

// DigestMode is a per-(user, forum) delivery preference.
type DigestMode int

const (
	DigestDefault  DigestMode = -1 // fall back to the account-level default
	DigestOff      DigestMode = 0  // send each post immediately
	DigestFull     DigestMode = 1  // one daily mail with complete posts
	DigestSubjects DigestMode = 2  // one daily mail with subject lines only
)

type ForumType string

const (
	ForumGeneral  ForumType = "general"
	ForumSingle   ForumType = "single"
	ForumEachUser ForumType = "eachuser"
	ForumQAndA    ForumType = "qanda"
	ForumNews     ForumType = "news"
	ForumBlog     ForumType = "blog"
	ForumSocial   ForumType = "social"
	ForumTeacher  ForumType = "teacher"
)

type SubscriptionMode int

const (
	SubscriptionOptional SubscriptionMode = iota
	SubscriptionForced
	SubscriptionAuto
	SubscriptionDisallowed
)

type TrackingMode int

const (
	TrackingOff TrackingMode = iota
	TrackingOptional
	TrackingForced
)

// GroupAll marks a discussion visible to every group.
const GroupAll int64 = -1

type Forum struct {
	ID            int64
	CourseID      int64
	Type          ForumType
	Name          string
	Subscription  SubscriptionMode
	HideAuthor    bool
	Tracking      TrackingMode
	DefaultDigest DigestMode

	// SeparateGroups restricts group-bound discussions to their members.
	SeparateGroups bool
}

type Discussion struct {
	ID      int64
	ForumID int64
	GroupID int64 // GroupAll when not bound to a group
	Name    string
	UserID  int64
	Pinned  bool
	Locked  bool

	// Zero means no bound on that side of the visibility window.
	TimeStart time.Time
	TimeEnd   time.Time
}

// VisibleAt reports whether the timed-release window lets the user see the
// discussion at the given instant. The discussion's own author sees it
// regardless of the window.
func (d *Discussion) VisibleAt(userID int64, now time.Time) bool {
	if userID == d.UserID {
		return true
	}
	if !d.TimeStart.IsZero() && now.Before(d.TimeStart) {
		return false
	}
	if !d.TimeEnd.IsZero() && now.After(d.TimeEnd) {
		return false
	}
	return true
}

type Post struct {
	ID           int64
	DiscussionID int64
	ParentID     int64 // 0 for the discussion-starting post
	UserID       int64
	Subject      string
	Message      string
	MessageHTML  string
	Created      time.Time
	Modified     time.Time
	Mailed       MailState
	MailNow      bool
}

// Root reports whether the post starts its discussion.
func (p *Post) Root() bool { return p.ParentID == 0 }

type Course struct {
	ID        int64
	ShortName string
	Visible   bool
}

type User struct {
	ID    int64
	Email string
	Name  string

	// MailDigest is the account-level default used when no per-forum
	// preference is set.
	MailDigest DigestMode

	// Stub is set on cache entries kept past the full-profile ceiling;
	// a stubbed record carries only the ID.
	Stub bool
}

// DiscussionSubscription is a per-discussion override of the forum-wide
// subscription, meaningful only for optionally-subscribable forums.
type DiscussionSubscription struct {
	UserID       int64
	DiscussionID int64
	Subscribed   bool
	Since        time.Time
}

// QueueEntry holds one post awaiting digest aggregation for one user.
type QueueEntry struct {
	ID           int64
	UserID       int64
	DiscussionID int64
	PostID       int64
	Queued       time.Time
}
