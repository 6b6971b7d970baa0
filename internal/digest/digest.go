// Package digest is the daily aggregation pass: drain the queue, build one
// mail per user grouped by discussion, send, purge.
package digest

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"ForumPulse/internal/eligibility"
	"ForumPulse/internal/mailer"
	"ForumPulse/internal/metrics"
	"ForumPulse/internal/models"
)

// retention is the hard lifetime of a queue entry; older rows are purged
// on every aggregation regardless of state, as a safety net against stalls.
const retention = 7 * 24 * time.Hour

// Store is the persistence the aggregator drives. *db.Store satisfies it.
type Store interface {
	LastDigestRun(ctx context.Context) (time.Time, error)
	SetLastDigestRun(ctx context.Context, t time.Time) error
	PurgeQueueBefore(ctx context.Context, cutoff time.Time) (int64, error)
	QueueBefore(ctx context.Context, cutoff time.Time) ([]*models.QueueEntry, error)
	DeleteQueueForUser(ctx context.Context, userID int64, cutoff time.Time) error
	DigestPreference(ctx context.Context, userID, forumID int64) (models.DigestMode, error)
	Post(ctx context.Context, id int64) (*models.Post, error)
	MarkPostRead(ctx context.Context, userID, postID int64) error
}

// Renderer produces the digest fragments. *render.Renderer satisfies it.
type Renderer interface {
	Author(f *models.Forum, u *models.User) string
	DigestSubject(day time.Time) string
	DigestHeaderText(c *models.Course, f *models.Forum, d *models.Discussion) (string, error)
	DigestHeaderHTML(c *models.Course, f *models.Forum, d *models.Discussion) (string, error)
	PostText(c *models.Course, f *models.Forum, d *models.Discussion, p *models.Post, author string) (string, error)
	PostHTML(c *models.Course, f *models.Forum, d *models.Discussion, p *models.Post, author string) (string, error)
	SubjectLineText(p *models.Post, author string) (string, error)
	SubjectLineHTML(p *models.Post, author string) (string, error)
}

type Options struct {
	// Hour is the local hour of day the daily cutoff falls on.
	Hour int

	Ceiling           int
	ManualReadMarking bool
}

type Aggregator struct {
	store    Store
	loader   eligibility.Loader
	resolver *eligibility.Resolver
	renderer Renderer
	sender   mailer.Sender
	limiter  *rate.Limiter
	log      *zap.Logger
	opts     Options

	// ExtendBudget, when set, is called once per user. Advisory only.
	ExtendBudget func(time.Duration)
}

func New(store Store, loader eligibility.Loader, resolver *eligibility.Resolver, renderer Renderer, sender mailer.Sender, limiter *rate.Limiter, log *zap.Logger, opts Options) *Aggregator {
	return &Aggregator{
		store:    store,
		loader:   loader,
		resolver: resolver,
		renderer: renderer,
		sender:   sender,
		limiter:  limiter,
		log:      log,
		opts:     opts,
	}
}

// discussionGroup keeps one discussion's queued entries in enqueue order.
type discussionGroup struct {
	discussionID int64
	entries      []*models.QueueEntry
}

type userGroup struct {
	userID      int64
	discussions []*discussionGroup
}

// groupEntries splits the user-sorted queue rows into per-user,
// per-discussion groups without disturbing post order.
func groupEntries(entries []*models.QueueEntry) []*userGroup {
	var groups []*userGroup

	for _, e := range entries {
		if len(groups) == 0 || groups[len(groups)-1].userID != e.UserID {
			groups = append(groups, &userGroup{userID: e.UserID})
		}
		ug := groups[len(groups)-1]

		if len(ug.discussions) == 0 || ug.discussions[len(ug.discussions)-1].discussionID != e.DiscussionID {
			ug.discussions = append(ug.discussions, &discussionGroup{discussionID: e.DiscussionID})
		}
		dg := ug.discussions[len(ug.discussions)-1]
		dg.entries = append(dg.entries, e)
	}

	return groups
}

// Run executes the daily aggregation if it is due. It returns false only
// on infrastructure failure (state lookup, queue load, last-run
// persistence); a day with nothing due returns true without side effects.
func (a *Aggregator) Run(ctx context.Context, now time.Time) bool {
	cutoff := time.Date(now.Year(), now.Month(), now.Day(), a.opts.Hour, 0, 0, 0, now.Location())
	if !now.After(cutoff) {
		return true
	}

	last, err := a.store.LastDigestRun(ctx)
	if err != nil {
		a.log.Error("digest last-run lookup failed", zap.Error(err))
		return false
	}
	if !last.Before(cutoff) {
		// Already aggregated today.
		return true
	}

	purged, err := a.store.PurgeQueueBefore(ctx, now.Add(-retention))
	if err != nil {
		a.log.Error("queue age purge failed", zap.Error(err))
	} else if purged > 0 {
		metrics.QueuePurged.Add(float64(purged))
		a.log.Info("purged stale queue entries", zap.Int64("count", purged))
	}

	entries, err := a.store.QueueBefore(ctx, cutoff)
	if err != nil {
		a.log.Error("queue load failed", zap.Error(err))
		return false
	}

	rs := eligibility.NewRunState(a.loader, a.opts.Ceiling)
	users := groupEntries(entries)

	a.log.Info("digest aggregation starting",
		zap.Time("cutoff", cutoff),
		zap.Int("entries", len(entries)),
		zap.Int("users", len(users)),
	)

	for _, ug := range users {
		if a.ExtendBudget != nil {
			a.ExtendBudget(2 * time.Minute)
		}
		a.sendDigest(ctx, rs, ug, cutoff, now)
	}

	if err := a.store.SetLastDigestRun(ctx, now); err != nil {
		a.log.Error("digest last-run persistence failed", zap.Error(err))
		return false
	}

	return true
}

// sendDigest builds and sends one user's digest. Failures are isolated to
// this user; the queue rows were already claimed by deletion, so a failed
// digest is lost rather than duplicated.
func (a *Aggregator) sendDigest(ctx context.Context, rs *eligibility.RunState, ug *userGroup, cutoff, now time.Time) {
	log := a.log.With(zap.Int64("user_id", ug.userID))

	if err := a.store.DeleteQueueForUser(ctx, ug.userID, cutoff); err != nil {
		log.Error("queue claim failed, skipping user", zap.Error(err))
		return
	}

	user, err := rs.User(ctx, ug.userID)
	if err != nil {
		log.Warn("user lookup failed, skipping digest", zap.Error(err))
		return
	}

	a.orderPinnedFirst(ctx, rs, ug)

	var text, html strings.Builder
	var rendered []int64

	for _, dg := range ug.discussions {
		a.renderDiscussion(ctx, rs, user, dg, now, &text, &html, &rendered, log)
	}

	if len(rendered) == 0 {
		log.Info("nothing visible to digest for user")
		return
	}

	msg := &mailer.Message{
		To:      user.Email,
		ToName:  user.Name,
		Subject: a.renderer.DigestSubject(now),
		Text:    text.String(),
		HTML:    html.String(),
	}

	if err := a.limiter.Wait(ctx); err != nil {
		log.Warn("rate limiter stopped by context", zap.Error(err))
		metrics.DigestFailures.Inc()
		return
	}

	if err := a.sender.Send(ctx, msg); err != nil {
		log.Error("digest send failed", zap.Error(err))
		metrics.DigestFailures.Inc()
		return
	}

	metrics.DigestsSent.Inc()
	log.Info("digest sent", zap.Int("posts", len(rendered)))

	if !a.opts.ManualReadMarking {
		for _, postID := range rendered {
			if err := a.store.MarkPostRead(ctx, ug.userID, postID); err != nil {
				log.Warn("read marking failed", zap.Int64("post_id", postID), zap.Error(err))
			}
		}
	}
}

// orderPinnedFirst moves pinned discussions to the front of a user's
// digest, keeping the original order otherwise.
func (a *Aggregator) orderPinnedFirst(ctx context.Context, rs *eligibility.RunState, ug *userGroup) {
	sort.SliceStable(ug.discussions, func(i, j int) bool {
		di, erri := rs.Discussion(ctx, ug.discussions[i].discussionID)
		dj, errj := rs.Discussion(ctx, ug.discussions[j].discussionID)
		if erri != nil || errj != nil {
			return false
		}
		return di.Pinned && !dj.Pinned
	})
}

// renderDiscussion appends one discussion's header and its queued posts to
// the digest bodies. The digest mode is resolved against this discussion's
// own forum; every post is re-checked for visibility at render time.
func (a *Aggregator) renderDiscussion(ctx context.Context, rs *eligibility.RunState, user *models.User, dg *discussionGroup, now time.Time, text, html *strings.Builder, rendered *[]int64, log *zap.Logger) {
	discussion, err := rs.Discussion(ctx, dg.discussionID)
	if err != nil {
		log.Warn("discussion lookup failed, skipping", zap.Int64("discussion_id", dg.discussionID), zap.Error(err))
		return
	}

	forum, err := rs.Forum(ctx, discussion.ForumID)
	if err != nil {
		log.Warn("forum lookup failed, skipping discussion", zap.Int64("discussion_id", dg.discussionID), zap.Error(err))
		return
	}

	course, err := rs.Course(ctx, forum.CourseID)
	if err != nil {
		log.Warn("course lookup failed, skipping discussion", zap.Int64("discussion_id", dg.discussionID), zap.Error(err))
		return
	}

	mode, err := a.store.DigestPreference(ctx, user.ID, forum.ID)
	if err != nil {
		log.Warn("digest preference lookup failed, skipping discussion", zap.Error(err))
		return
	}
	if mode == models.DigestDefault {
		mode = user.MailDigest
	}
	subjectsOnly := mode == models.DigestSubjects

	headerWritten := false

	for _, entry := range dg.entries {
		post, err := a.store.Post(ctx, entry.PostID)
		if err != nil {
			log.Warn("post lookup failed, skipping entry", zap.Int64("post_id", entry.PostID), zap.Error(err))
			continue
		}

		visible, err := a.resolver.CanView(ctx, user.ID, forum, discussion, post, now)
		if err != nil {
			log.Warn("visibility check failed, skipping entry", zap.Int64("post_id", post.ID), zap.Error(err))
			continue
		}
		if !visible {
			continue
		}

		author, err := rs.User(ctx, post.UserID)
		if err != nil {
			log.Warn("author lookup failed, skipping entry", zap.Int64("post_id", post.ID), zap.Error(err))
			continue
		}
		display := a.renderer.Author(forum, author)

		if !headerWritten {
			ht, err := a.renderer.DigestHeaderText(course, forum, discussion)
			if err != nil {
				log.Error("header render failed, skipping discussion", zap.Error(err))
				return
			}
			hh, err := a.renderer.DigestHeaderHTML(course, forum, discussion)
			if err != nil {
				log.Error("header render failed, skipping discussion", zap.Error(err))
				return
			}
			text.WriteString(ht)
			html.WriteString(hh)
			headerWritten = true
		}

		var pt, ph string
		if subjectsOnly {
			pt, err = a.renderer.SubjectLineText(post, display)
			if err == nil {
				ph, err = a.renderer.SubjectLineHTML(post, display)
			}
		} else {
			pt, err = a.renderer.PostText(course, forum, discussion, post, display)
			if err == nil {
				ph, err = a.renderer.PostHTML(course, forum, discussion, post, display)
			}
		}
		if err != nil {
			log.Error("post render failed, skipping entry", zap.Int64("post_id", post.ID), zap.Error(err))
			continue
		}

		text.WriteString(pt)
		html.WriteString(ph)
		*rendered = append(*rendered, post.ID)
	}
}
