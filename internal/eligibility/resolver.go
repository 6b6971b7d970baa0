package eligibility

import (
	"context"
	"time"

	"ForumPulse/internal/models"
)

// Policy is the capability oracle the pipeline consults. It owns
// subscription state, group membership and the view-post rules; the
// resolver never talks to a permission engine directly. *db.Store
// satisfies it.
type Policy interface {
	IsSubscribed(ctx context.Context, userID int64, f *models.Forum) (bool, error)
	DiscussionSubscription(ctx context.Context, userID, discussionID int64) (*models.DiscussionSubscription, error)
	HasPosted(ctx context.Context, userID, discussionID int64) (bool, error)
	IsGroupMember(ctx context.Context, userID, groupID int64) (bool, error)
	AccessAllGroups(ctx context.Context, userID, courseID int64) (bool, error)
	CanViewPost(ctx context.Context, userID int64, f *models.Forum, d *models.Discussion, p *models.Post, now time.Time) (bool, error)
}

// Resolver decides whether a user may receive a post. It is pure: a false
// result has no side effect, and an error means a lookup failed, not that
// the user is ineligible.
type Resolver struct {
	policy Policy
}

func NewResolver(policy Policy) *Resolver {
	return &Resolver{policy: policy}
}

// Eligible runs the checks cheapest and most exclusionary first, stopping
// at the first failure:
//
//  1. the owning course must be visible
//  2. the user must be in the forum's effective subscriber set
//  3. an explicit per-discussion subscription must not exclude the post
//  4. Q&A forums withhold replies until the user has posted
//  5. group-bound discussions under separated groups need membership
//  6. the view-post policy shared with the rendering layer must pass
func (r *Resolver) Eligible(ctx context.Context, userID int64, course *models.Course, f *models.Forum, d *models.Discussion, p *models.Post, now time.Time) (bool, error) {
	if !course.Visible {
		return false, nil
	}

	subscribed, err := r.policy.IsSubscribed(ctx, userID, f)
	if err != nil {
		return false, err
	}
	if !subscribed {
		return false, nil
	}

	ds, err := r.policy.DiscussionSubscription(ctx, userID, d.ID)
	if err != nil {
		return false, err
	}
	if ds != nil {
		if !ds.Subscribed {
			return false, nil
		}
		// An explicit discussion subscribe covers posts written after
		// it, not the backlog.
		if ds.Since.After(p.Created) {
			return false, nil
		}
	}

	if f.Type == models.ForumQAndA && !p.Root() {
		posted, err := r.policy.HasPosted(ctx, userID, d.ID)
		if err != nil {
			return false, err
		}
		if !posted {
			return false, nil
		}
	}

	if d.GroupID != models.GroupAll && f.SeparateGroups {
		member, err := r.policy.IsGroupMember(ctx, userID, d.GroupID)
		if err != nil {
			return false, err
		}
		if !member {
			access, err := r.policy.AccessAllGroups(ctx, userID, f.CourseID)
			if err != nil {
				return false, err
			}
			if !access {
				return false, nil
			}
		}
	}

	return r.policy.CanViewPost(ctx, userID, f, d, p, now)
}

// CanView exposes the render-time visibility portion alone. Digest
// rendering re-checks queued posts through it; the queue does not bypass
// visibility.
func (r *Resolver) CanView(ctx context.Context, userID int64, f *models.Forum, d *models.Discussion, p *models.Post, now time.Time) (bool, error) {
	return r.policy.CanViewPost(ctx, userID, f, d, p, now)
}
