package db

import (
	"context"
	"errors"
	"time"

	"ForumPulse/internal/models"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("record not found")

type Store struct {
	Pool *pgxpool.Pool
}

// New opens a pool and verifies connectivity. The ping is retried with
// exponential backoff so a briefly unavailable database does not kill the
// job at startup.
func New(ctx context.Context, conn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, conn)
	if err != nil {
		return nil, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 30 * time.Second

	if err := backoff.Retry(func() error {
		return pool.Ping(ctx)
	}, backoff.WithContext(b, ctx)); err != nil {
		pool.Close()
		return nil, err
	}

	return &Store{Pool: pool}, nil
}

func (s *Store) Close() {
	s.Pool.Close()
}

const postColumns = `id, discussion_id, parent_id, user_id, subject,
		message, message_html, created, modified, mailed, mail_now`

func scanPost(row pgx.Row) (*models.Post, error) {
	var p models.Post
	err := row.Scan(
		&p.ID, &p.DiscussionID, &p.ParentID, &p.UserID, &p.Subject,
		&p.Message, &p.MessageHTML, &p.Created, &p.Modified, &p.Mailed, &p.MailNow,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ClaimPending atomically marks every deliverable pending post as claimed
// and returns exactly the rows this call transitioned. Deliverable means:
// created inside [start, end) or flagged mail-now, and not held back by the
// owning discussion's timed release. The mailed='pending' guard makes two
// overlapping runs claim disjoint sets.
func (s *Store) ClaimPending(ctx context.Context, start, end, now time.Time) ([]*models.Post, error) {
	rows, err := s.Pool.Query(ctx,
		`UPDATE forum_posts AS p
		 SET mailed = $1, mail_now = FALSE
		 FROM forum_discussions d
		 WHERE p.discussion_id = d.id
		   AND p.mailed = $2
		   AND ((p.created >= $3 AND p.created < $4) OR p.mail_now)
		   AND (d.time_start IS NULL OR d.time_start <= $5)
		 RETURNING p.id, p.discussion_id, p.parent_id, p.user_id, p.subject,
		           p.message, p.message_html, p.created, p.modified, p.mailed, p.mail_now`,
		models.MailSuccess,
		models.MailPending,
		start,
		end,
		now,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var posts []*models.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, p)
	}

	return posts, rows.Err()
}

// MarkMailedError corrects the optimistic claim on posts whose delivery
// failed for every attempted recipient.
func (s *Store) MarkMailedError(ctx context.Context, postIDs []int64) error {
	if len(postIDs) == 0 {
		return nil
	}

	_, err := s.Pool.Exec(ctx,
		`UPDATE forum_posts
		 SET mailed = $1
		 WHERE id = ANY($2)`,
		models.MailError,
		postIDs,
	)

	return err
}

func (s *Store) Post(ctx context.Context, id int64) (*models.Post, error) {
	p, err := scanPost(s.Pool.QueryRow(ctx,
		`SELECT `+postColumns+`
		 FROM forum_posts
		 WHERE id = $1`,
		id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func (s *Store) Discussion(ctx context.Context, id int64) (*models.Discussion, error) {
	var d models.Discussion
	var timeStart, timeEnd *time.Time

	err := s.Pool.QueryRow(ctx,
		`SELECT id, forum_id, group_id, name, user_id, pinned, locked,
		        time_start, time_end
		 FROM forum_discussions
		 WHERE id = $1`,
		id,
	).Scan(&d.ID, &d.ForumID, &d.GroupID, &d.Name, &d.UserID, &d.Pinned,
		&d.Locked, &timeStart, &timeEnd)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if timeStart != nil {
		d.TimeStart = *timeStart
	}
	if timeEnd != nil {
		d.TimeEnd = *timeEnd
	}

	return &d, nil
}

func (s *Store) Forum(ctx context.Context, id int64) (*models.Forum, error) {
	var f models.Forum

	err := s.Pool.QueryRow(ctx,
		`SELECT id, course_id, type, name, subscription_mode, hide_author,
		        tracking_mode, default_digest, separate_groups
		 FROM forums
		 WHERE id = $1`,
		id,
	).Scan(&f.ID, &f.CourseID, &f.Type, &f.Name, &f.Subscription,
		&f.HideAuthor, &f.Tracking, &f.DefaultDigest, &f.SeparateGroups)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return &f, nil
}

func (s *Store) Course(ctx context.Context, id int64) (*models.Course, error) {
	var c models.Course

	err := s.Pool.QueryRow(ctx,
		`SELECT id, short_name, visible
		 FROM courses
		 WHERE id = $1`,
		id,
	).Scan(&c.ID, &c.ShortName, &c.Visible)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return &c, nil
}

func (s *Store) User(ctx context.Context, id int64) (*models.User, error) {
	var u models.User

	err := s.Pool.QueryRow(ctx,
		`SELECT id, email, name, mail_digest
		 FROM users
		 WHERE id = $1`,
		id,
	).Scan(&u.ID, &u.Email, &u.Name, &u.MailDigest)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return &u, nil
}

// Subscribers returns the forum's effective subscriber set: everyone
// enrolled for forced and auto-subscribe forums (minus explicit opt-outs on
// the latter), explicit opt-ins for optional forums, nobody for disallowed.
func (s *Store) Subscribers(ctx context.Context, f *models.Forum) ([]*models.User, error) {
	var query string

	switch f.Subscription {
	case models.SubscriptionDisallowed:
		return nil, nil
	case models.SubscriptionForced:
		query = `SELECT u.id, u.email, u.name, u.mail_digest
			 FROM users u
			 JOIN enrolments e ON e.user_id = u.id
			 JOIN forums f ON f.course_id = e.course_id
			 WHERE f.id = $1
			 ORDER BY u.id`
	case models.SubscriptionAuto:
		query = `SELECT u.id, u.email, u.name, u.mail_digest
			 FROM users u
			 JOIN enrolments e ON e.user_id = u.id
			 JOIN forums f ON f.course_id = e.course_id
			 WHERE f.id = $1
			   AND NOT EXISTS (
			       SELECT 1 FROM forum_subscriptions fs
			       WHERE fs.forum_id = f.id
			         AND fs.user_id = u.id
			         AND NOT fs.subscribed)
			 ORDER BY u.id`
	default:
		query = `SELECT u.id, u.email, u.name, u.mail_digest
			 FROM users u
			 JOIN forum_subscriptions fs ON fs.user_id = u.id
			 WHERE fs.forum_id = $1 AND fs.subscribed
			 ORDER BY u.id`
	}

	rows, err := s.Pool.Query(ctx, query, f.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Email, &u.Name, &u.MailDigest); err != nil {
			return nil, err
		}
		users = append(users, &u)
	}

	return users, rows.Err()
}

// IsSubscribed reports forum-level membership for a single user, matching
// the set Subscribers would return.
func (s *Store) IsSubscribed(ctx context.Context, userID int64, f *models.Forum) (bool, error) {
	var query string

	switch f.Subscription {
	case models.SubscriptionDisallowed:
		return false, nil
	case models.SubscriptionForced:
		query = `SELECT EXISTS (
			 SELECT 1 FROM enrolments e
			 JOIN forums f ON f.course_id = e.course_id
			 WHERE f.id = $1 AND e.user_id = $2)`
	case models.SubscriptionAuto:
		query = `SELECT EXISTS (
			 SELECT 1 FROM enrolments e
			 JOIN forums f ON f.course_id = e.course_id
			 WHERE f.id = $1 AND e.user_id = $2
			   AND NOT EXISTS (
			       SELECT 1 FROM forum_subscriptions fs
			       WHERE fs.forum_id = f.id
			         AND fs.user_id = e.user_id
			         AND NOT fs.subscribed))`
	default:
		query = `SELECT EXISTS (
			 SELECT 1 FROM forum_subscriptions fs
			 WHERE fs.forum_id = $1 AND fs.user_id = $2 AND fs.subscribed)`
	}

	var subscribed bool
	err := s.Pool.QueryRow(ctx, query, f.ID, userID).Scan(&subscribed)
	return subscribed, err
}

// DiscussionSubscription returns the user's per-discussion override, or
// nil when the user never touched this discussion's subscription.
func (s *Store) DiscussionSubscription(ctx context.Context, userID, discussionID int64) (*models.DiscussionSubscription, error) {
	var ds models.DiscussionSubscription

	err := s.Pool.QueryRow(ctx,
		`SELECT user_id, discussion_id, subscribed, since
		 FROM forum_discussion_subs
		 WHERE user_id = $1 AND discussion_id = $2`,
		userID, discussionID,
	).Scan(&ds.UserID, &ds.DiscussionID, &ds.Subscribed, &ds.Since)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &ds, nil
}

// HasPosted reports whether the user has authored any post in the
// discussion. Q&A forums gate replies on this.
func (s *Store) HasPosted(ctx context.Context, userID, discussionID int64) (bool, error) {
	var posted bool
	err := s.Pool.QueryRow(ctx,
		`SELECT EXISTS (
		 SELECT 1 FROM forum_posts
		 WHERE discussion_id = $1 AND user_id = $2)`,
		discussionID, userID,
	).Scan(&posted)
	return posted, err
}

func (s *Store) IsGroupMember(ctx context.Context, userID, groupID int64) (bool, error) {
	var member bool
	err := s.Pool.QueryRow(ctx,
		`SELECT EXISTS (
		 SELECT 1 FROM group_members
		 WHERE group_id = $1 AND user_id = $2)`,
		groupID, userID,
	).Scan(&member)
	return member, err
}

func (s *Store) AccessAllGroups(ctx context.Context, userID, courseID int64) (bool, error) {
	var access bool
	err := s.Pool.QueryRow(ctx,
		`SELECT EXISTS (
		 SELECT 1 FROM group_overrides
		 WHERE course_id = $1 AND user_id = $2)`,
		courseID, userID,
	).Scan(&access)
	return access, err
}

// CanViewPost is the same view policy the rendering layer applies: the
// forum's course module must be visible, and a timed discussion is visible
// outside its window only to its own author.
func (s *Store) CanViewPost(ctx context.Context, userID int64, f *models.Forum, d *models.Discussion, p *models.Post, now time.Time) (bool, error) {
	var visible bool
	err := s.Pool.QueryRow(ctx,
		`SELECT visible
		 FROM course_modules
		 WHERE forum_id = $1`,
		f.ID,
	).Scan(&visible)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	if !visible {
		return false, nil
	}

	return d.VisibleAt(userID, now), nil
}

// DigestPreference returns the per-(user, forum) digest mode, or
// DigestDefault when no row exists.
func (s *Store) DigestPreference(ctx context.Context, userID, forumID int64) (models.DigestMode, error) {
	var mode models.DigestMode

	err := s.Pool.QueryRow(ctx,
		`SELECT mode
		 FROM forum_digest_prefs
		 WHERE user_id = $1 AND forum_id = $2`,
		userID, forumID,
	).Scan(&mode)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.DigestDefault, nil
	}

	return mode, err
}

func (s *Store) EnqueueDigest(ctx context.Context, userID, discussionID, postID int64, queued time.Time) error {
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO forum_queue (user_id, discussion_id, post_id, queued)
		 VALUES ($1, $2, $3, $4)`,
		userID, discussionID, postID, queued,
	)

	return err
}

// PurgeQueueBefore drops every queue entry older than the cutoff,
// regardless of whether its user or discussion still exists.
func (s *Store) PurgeQueueBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.Pool.Exec(ctx,
		`DELETE FROM forum_queue
		 WHERE queued < $1`,
		cutoff,
	)
	if err != nil {
		return 0, err
	}

	return tag.RowsAffected(), nil
}

// QueueBefore loads entries awaiting aggregation, ordered so the caller
// sees each user's entries together with post order preserved inside a
// discussion.
func (s *Store) QueueBefore(ctx context.Context, cutoff time.Time) ([]*models.QueueEntry, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT id, user_id, discussion_id, post_id, queued
		 FROM forum_queue
		 WHERE queued < $1
		 ORDER BY user_id, discussion_id, id`,
		cutoff,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.QueueEntry
	for rows.Next() {
		var e models.QueueEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.DiscussionID, &e.PostID, &e.Queued); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}

	return entries, rows.Err()
}

func (s *Store) DeleteQueueForUser(ctx context.Context, userID int64, cutoff time.Time) error {
	_, err := s.Pool.Exec(ctx,
		`DELETE FROM forum_queue
		 WHERE user_id = $1 AND queued < $2`,
		userID, cutoff,
	)

	return err
}

// LastDigestRun returns the zero time when no aggregation has ever run.
func (s *Store) LastDigestRun(ctx context.Context) (time.Time, error) {
	var last time.Time

	err := s.Pool.QueryRow(ctx,
		`SELECT last_run FROM forum_digest_runs WHERE id = 1`,
	).Scan(&last)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}

	return last, err
}

func (s *Store) SetLastDigestRun(ctx context.Context, t time.Time) error {
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO forum_digest_runs (id, last_run)
		 VALUES (1, $1)
		 ON CONFLICT (id) DO UPDATE SET last_run = EXCLUDED.last_run`,
		t,
	)

	return err
}

func (s *Store) MarkPostRead(ctx context.Context, userID, postID int64) error {
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO forum_read (user_id, post_id, first_read, last_read)
		 VALUES ($1, $2, NOW(), NOW())
		 ON CONFLICT (user_id, post_id) DO UPDATE SET last_read = NOW()`,
		userID, postID,
	)

	return err
}
