// Package mailer is the immediate notification pass: claim pending posts,
// fan out over cached recipients, and send now or queue for the daily
// digest.
package mailer

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"ForumPulse/internal/eligibility"
	"ForumPulse/internal/metrics"
	"ForumPulse/internal/models"
)

// Store is the persistence the dispatcher mutates. *db.Store satisfies it.
type Store interface {
	ClaimPending(ctx context.Context, start, end, now time.Time) ([]*models.Post, error)
	MarkMailedError(ctx context.Context, postIDs []int64) error
	EnqueueDigest(ctx context.Context, userID, discussionID, postID int64, queued time.Time) error
	DigestPreference(ctx context.Context, userID, forumID int64) (models.DigestMode, error)
	MarkPostRead(ctx context.Context, userID, postID int64) error
}

// Renderer produces notification content for one post.
type Renderer interface {
	Author(f *models.Forum, u *models.User) string
	Subject(c *models.Course, f *models.Forum, p *models.Post) string
	PostText(c *models.Course, f *models.Forum, d *models.Discussion, p *models.Post, author string) (string, error)
	PostHTML(c *models.Course, f *models.Forum, d *models.Discussion, p *models.Post, author string) (string, error)
}

type Options struct {
	// Window is how far back pending posts are claimed; Grace holds back
	// posts still inside the author's editing window.
	Window time.Duration
	Grace  time.Duration

	// Ceiling bounds full profile records cached per run.
	Ceiling int

	SiteHost          string
	ReplyToEnabled    bool
	ManualReadMarking bool
}

type Mailer struct {
	store    Store
	loader   eligibility.Loader
	resolver *eligibility.Resolver
	renderer Renderer
	sender   Sender
	limiter  *rate.Limiter
	log      *zap.Logger
	opts     Options

	// ExtendBudget, when set, is called once per claimed post so a host
	// scheduler watching the job sees forward progress. Advisory only.
	ExtendBudget func(time.Duration)

	// Now is stubbed in tests.
	Now func() time.Time
}

func New(store Store, loader eligibility.Loader, resolver *eligibility.Resolver, renderer Renderer, sender Sender, limiter *rate.Limiter, log *zap.Logger, opts Options) *Mailer {
	return &Mailer{
		store:    store,
		loader:   loader,
		resolver: resolver,
		renderer: renderer,
		sender:   sender,
		limiter:  limiter,
		log:      log,
		opts:     opts,
		Now:      time.Now,
	}
}

// Run executes one immediate pass. It reports false only when the claim
// step fails: the run then aborts before any send so posts stay pending
// for the next invocation. Everything after a successful claim degrades
// per post or per recipient, never for the whole batch.
func (m *Mailer) Run(ctx context.Context) bool {
	now := m.Now()
	end := now.Add(-m.opts.Grace)
	start := end.Add(-m.opts.Window)

	posts, err := m.store.ClaimPending(ctx, start, end, now)
	if err != nil {
		m.log.Error("claim step failed, aborting run", zap.Error(err))
		return false
	}

	if len(posts) == 0 {
		m.log.Debug("no pending posts in window")
		return true
	}

	metrics.PostsClaimed.Add(float64(len(posts)))
	m.log.Info("claimed posts for delivery",
		zap.Int("count", len(posts)),
		zap.Time("window_start", start),
		zap.Time("window_end", end),
	)

	rs := eligibility.NewRunState(m.loader, m.opts.Ceiling)
	sent := make(map[int64]int)
	failed := make(map[int64]int)

	for _, post := range posts {
		if m.ExtendBudget != nil {
			m.ExtendBudget(2 * time.Minute)
		}
		m.dispatchPost(ctx, rs, post, now, sent, failed)
	}

	var errored []int64
	for id, n := range failed {
		if n > 0 && sent[id] == 0 {
			errored = append(errored, id)
		}
	}
	if err := m.store.MarkMailedError(ctx, errored); err != nil {
		m.log.Error("failed to record errored posts", zap.Error(err))
	}

	totalSent, totalFailed := 0, 0
	for _, n := range sent {
		totalSent += n
	}
	for _, n := range failed {
		totalFailed += n
	}
	m.log.Info("immediate pass complete",
		zap.Int("posts", len(posts)),
		zap.Int("sent", totalSent),
		zap.Int("failed", totalFailed),
		zap.Int("posts_errored", len(errored)),
	)

	return true
}

// dispatchPost fans one claimed post out to the forum's subscribers.
// Lookup misses skip the post; per-recipient problems skip the recipient.
func (m *Mailer) dispatchPost(ctx context.Context, rs *eligibility.RunState, post *models.Post, now time.Time, sent, failed map[int64]int) {
	log := m.log.With(zap.Int64("post_id", post.ID))

	discussion, err := rs.Discussion(ctx, post.DiscussionID)
	if err != nil {
		log.Warn("discussion lookup failed, skipping post", zap.Error(err))
		return
	}

	forum, err := rs.Forum(ctx, discussion.ForumID)
	if err != nil {
		log.Warn("forum lookup failed, skipping post", zap.Error(err))
		return
	}

	course, err := rs.Course(ctx, forum.CourseID)
	if err != nil {
		log.Warn("course lookup failed, skipping post", zap.Error(err))
		return
	}

	author, err := rs.User(ctx, post.UserID)
	if err != nil {
		log.Warn("author lookup failed, skipping post", zap.Error(err))
		return
	}

	recipients, err := rs.Subscribers(ctx, forum)
	if err != nil {
		log.Warn("subscriber fetch failed, skipping post", zap.Error(err))
		return
	}

	for _, userID := range recipients {
		if !rs.IsSubscriber(forum.ID, userID) {
			continue
		}

		ok, err := m.resolver.Eligible(ctx, userID, course, forum, discussion, post, now)
		if err != nil {
			log.Warn("eligibility check failed, skipping recipient",
				zap.Int64("user_id", userID), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}

		mode, err := m.effectiveDigest(ctx, rs, userID, forum.ID)
		if err != nil {
			log.Warn("digest preference lookup failed, skipping recipient",
				zap.Int64("user_id", userID), zap.Error(err))
			continue
		}

		if mode != models.DigestOff {
			if err := m.store.EnqueueDigest(ctx, userID, discussion.ID, post.ID, now); err != nil {
				log.Error("digest enqueue failed",
					zap.Int64("user_id", userID), zap.Error(err))
				continue
			}
			metrics.DigestQueued.Inc()
			continue
		}

		if m.sendOne(ctx, rs, course, forum, discussion, post, author, userID, log) {
			sent[post.ID]++
		} else {
			failed[post.ID]++
		}
	}
}

// effectiveDigest resolves the per-(user, forum) preference, falling back
// to the account default when unset.
func (m *Mailer) effectiveDigest(ctx context.Context, rs *eligibility.RunState, userID, forumID int64) (models.DigestMode, error) {
	mode, err := m.store.DigestPreference(ctx, userID, forumID)
	if err != nil {
		return models.DigestOff, err
	}

	if mode == models.DigestDefault {
		u, err := rs.User(ctx, userID)
		if err != nil {
			return models.DigestOff, err
		}
		mode = u.MailDigest
	}

	if mode == models.DigestDefault {
		mode = models.DigestOff
	}

	return mode, nil
}

func (m *Mailer) sendOne(ctx context.Context, rs *eligibility.RunState, course *models.Course, forum *models.Forum, discussion *models.Discussion, post *models.Post, author *models.User, userID int64, log *zap.Logger) bool {
	recipient, err := rs.User(ctx, userID)
	if err != nil {
		log.Warn("recipient lookup failed", zap.Int64("user_id", userID), zap.Error(err))
		metrics.NotificationFailures.Inc()
		return false
	}

	display := m.renderer.Author(forum, author)

	text, err := m.renderer.PostText(course, forum, discussion, post, display)
	if err != nil {
		log.Error("text render failed", zap.Int64("user_id", userID), zap.Error(err))
		metrics.NotificationFailures.Inc()
		return false
	}

	html, err := m.renderer.PostHTML(course, forum, discussion, post, display)
	if err != nil {
		log.Error("html render failed", zap.Int64("user_id", userID), zap.Error(err))
		metrics.NotificationFailures.Inc()
		return false
	}

	msg := &Message{
		To:      recipient.Email,
		ToName:  recipient.Name,
		Subject: m.renderer.Subject(course, forum, post),
		Text:    text,
		HTML:    html,
		Headers: headers(post, discussion, userID, m.opts.SiteHost),
	}
	if m.opts.ReplyToEnabled {
		msg.ReplyTo = replyAddress(post.ID, userID, m.opts.SiteHost)
	}

	if err := m.limiter.Wait(ctx); err != nil {
		log.Warn("rate limiter stopped by context", zap.Error(err))
		metrics.NotificationFailures.Inc()
		return false
	}

	if err := m.sender.Send(ctx, msg); err != nil {
		log.Error("notification send failed",
			zap.Int64("user_id", userID),
			zap.String("to", recipient.Email),
			zap.Error(err),
		)
		metrics.NotificationFailures.Inc()
		return false
	}

	metrics.NotificationsSent.Inc()

	if !m.opts.ManualReadMarking {
		if err := m.store.MarkPostRead(ctx, userID, post.ID); err != nil {
			log.Warn("read marking failed", zap.Int64("user_id", userID), zap.Error(err))
		}
	}

	return true
}
