package mailer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"ForumPulse/internal/eligibility"
	"ForumPulse/internal/models"
	"ForumPulse/internal/render"
)

type enqueued struct {
	userID       int64
	discussionID int64
	postID       int64
}

type readMark struct {
	userID int64
	postID int64
}

type fakeStore struct {
	batches  [][]*models.Post
	claimErr error

	claimCalls         int
	lastStart, lastEnd time.Time

	queued  []enqueued
	prefs   map[[2]int64]models.DigestMode
	read    []readMark
	errored []int64
}

func (s *fakeStore) ClaimPending(_ context.Context, start, end, _ time.Time) ([]*models.Post, error) {
	s.claimCalls++
	if s.claimErr != nil {
		return nil, s.claimErr
	}
	s.lastStart, s.lastEnd = start, end
	if len(s.batches) == 0 {
		return nil, nil
	}
	batch := s.batches[0]
	s.batches = s.batches[1:]
	return batch, nil
}

func (s *fakeStore) MarkMailedError(_ context.Context, postIDs []int64) error {
	s.errored = append(s.errored, postIDs...)
	return nil
}

func (s *fakeStore) EnqueueDigest(_ context.Context, userID, discussionID, postID int64, _ time.Time) error {
	s.queued = append(s.queued, enqueued{userID, discussionID, postID})
	return nil
}

func (s *fakeStore) DigestPreference(_ context.Context, userID, forumID int64) (models.DigestMode, error) {
	if mode, ok := s.prefs[[2]int64{userID, forumID}]; ok {
		return mode, nil
	}
	return models.DigestDefault, nil
}

func (s *fakeStore) MarkPostRead(_ context.Context, userID, postID int64) error {
	s.read = append(s.read, readMark{userID, postID})
	return nil
}

type fakeLoader struct {
	forums      map[int64]*models.Forum
	discussions map[int64]*models.Discussion
	courses     map[int64]*models.Course
	users       map[int64]*models.User
	subscribers map[int64][]*models.User
}

func (l *fakeLoader) Forum(_ context.Context, id int64) (*models.Forum, error) {
	if f, ok := l.forums[id]; ok {
		return f, nil
	}
	return nil, fmt.Errorf("forum %d: not found", id)
}

func (l *fakeLoader) Discussion(_ context.Context, id int64) (*models.Discussion, error) {
	if d, ok := l.discussions[id]; ok {
		return d, nil
	}
	return nil, fmt.Errorf("discussion %d: not found", id)
}

func (l *fakeLoader) Course(_ context.Context, id int64) (*models.Course, error) {
	if c, ok := l.courses[id]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("course %d: not found", id)
}

func (l *fakeLoader) User(_ context.Context, id int64) (*models.User, error) {
	if u, ok := l.users[id]; ok {
		return u, nil
	}
	return nil, fmt.Errorf("user %d: not found", id)
}

func (l *fakeLoader) Subscribers(_ context.Context, f *models.Forum) ([]*models.User, error) {
	return l.subscribers[f.ID], nil
}

// allowPolicy passes every eligibility check.
type allowPolicy struct{}

func (allowPolicy) IsSubscribed(_ context.Context, _ int64, _ *models.Forum) (bool, error) {
	return true, nil
}

func (allowPolicy) DiscussionSubscription(_ context.Context, _, _ int64) (*models.DiscussionSubscription, error) {
	return nil, nil
}

func (allowPolicy) HasPosted(_ context.Context, _, _ int64) (bool, error)     { return true, nil }
func (allowPolicy) IsGroupMember(_ context.Context, _, _ int64) (bool, error) { return true, nil }
func (allowPolicy) AccessAllGroups(_ context.Context, _, _ int64) (bool, error) {
	return true, nil
}

func (allowPolicy) CanViewPost(_ context.Context, _ int64, _ *models.Forum, _ *models.Discussion, _ *models.Post, _ time.Time) (bool, error) {
	return true, nil
}

type fakeSender struct {
	messages []*Message
	fail     func(m *Message) bool
}

func (s *fakeSender) Send(_ context.Context, m *Message) error {
	if s.fail != nil && s.fail(m) {
		return errors.New("smtp unavailable")
	}
	s.messages = append(s.messages, m)
	return nil
}

var t0 = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

// newFixture builds the reference setup: forum 10 (general, forced) in
// visible course 1, discussion 100 with root post 1000 and reply 1001,
// subscriber 1 on immediate delivery and subscriber 2 on full digest.
func newFixture(t *testing.T) (*Mailer, *fakeStore, *fakeSender, *fakeLoader) {
	t.Helper()

	userA := &models.User{ID: 1, Email: "a@example.org", Name: "Ada", MailDigest: models.DigestOff}
	userB := &models.User{ID: 2, Email: "b@example.org", Name: "Ben", MailDigest: models.DigestFull}
	author := &models.User{ID: 3, Email: "c@example.org", Name: "Cyn", MailDigest: models.DigestOff}

	loader := &fakeLoader{
		forums: map[int64]*models.Forum{
			10: {ID: 10, CourseID: 1, Type: models.ForumGeneral, Name: "Announcements", Subscription: models.SubscriptionForced},
		},
		discussions: map[int64]*models.Discussion{
			100: {ID: 100, ForumID: 10, GroupID: models.GroupAll, Name: "Week 1", UserID: 3},
		},
		courses: map[int64]*models.Course{
			1: {ID: 1, ShortName: "GO101", Visible: true},
		},
		users:       map[int64]*models.User{1: userA, 2: userB, 3: author},
		subscribers: map[int64][]*models.User{10: {userA, userB}},
	}

	store := &fakeStore{
		batches: [][]*models.Post{{
			{ID: 1000, DiscussionID: 100, ParentID: 0, UserID: 3, Subject: "Welcome", Message: "hello", Created: t0, Mailed: models.MailSuccess},
			{ID: 1001, DiscussionID: 100, ParentID: 1000, UserID: 3, Subject: "Re: Welcome", Message: "again", Created: t0.Add(10 * time.Second), Mailed: models.MailSuccess},
		}},
	}

	sender := &fakeSender{}
	renderer, err := render.New()
	if err != nil {
		t.Fatalf("render.New: %v", err)
	}

	m := New(store, loader, eligibility.NewResolver(allowPolicy{}), renderer, sender,
		rate.NewLimiter(rate.Inf, 1), zap.NewNop(), Options{
			Window:   48 * time.Hour,
			Grace:    30 * time.Minute,
			Ceiling:  100,
			SiteHost: "forum.example.org",
		})
	m.Now = func() time.Time { return t0.Add(time.Hour) }

	return m, store, sender, loader
}

func TestRunSendsImmediateAndQueuesDigest(t *testing.T) {
	m, store, sender, _ := newFixture(t)

	if !m.Run(context.Background()) {
		t.Fatal("Run = false, want true")
	}

	// Exactly one send per post to the immediate subscriber.
	if len(sender.messages) != 2 {
		t.Fatalf("got %d sends, want 2", len(sender.messages))
	}
	for _, msg := range sender.messages {
		if msg.To != "a@example.org" {
			t.Errorf("sent to %s, want a@example.org", msg.To)
		}
		if !strings.HasPrefix(msg.Subject, "GO101:") {
			t.Errorf("subject %q missing course prefix", msg.Subject)
		}
	}
	if !strings.Contains(sender.messages[0].Text, "hello") {
		t.Error("first message missing post body")
	}

	// Exactly one queue entry per post for the digest subscriber.
	want := []enqueued{{2, 100, 1000}, {2, 100, 1001}}
	if len(store.queued) != len(want) {
		t.Fatalf("got %d queue entries, want %d", len(store.queued), len(want))
	}
	for i, q := range store.queued {
		if q != want[i] {
			t.Errorf("queue entry %d = %+v, want %+v", i, q, want[i])
		}
	}

	// Delivered posts are marked read for the immediate recipient.
	wantRead := []readMark{{1, 1000}, {1, 1001}}
	if len(store.read) != len(wantRead) {
		t.Fatalf("got %d read marks, want %d", len(store.read), len(wantRead))
	}

	if len(store.errored) != 0 {
		t.Errorf("posts marked errored: %v, want none", store.errored)
	}
}

func TestClaimWindowRespectsGrace(t *testing.T) {
	m, store, _, _ := newFixture(t)
	m.Run(context.Background())

	now := t0.Add(time.Hour)
	if !store.lastEnd.Equal(now.Add(-30 * time.Minute)) {
		t.Errorf("window end = %v, want now minus grace", store.lastEnd)
	}
	if !store.lastStart.Equal(store.lastEnd.Add(-48 * time.Hour)) {
		t.Errorf("window start = %v, want end minus lookback", store.lastStart)
	}
}

func TestSecondRunClaimsNothing(t *testing.T) {
	m, store, sender, _ := newFixture(t)

	m.Run(context.Background())
	first := len(sender.messages)

	if !m.Run(context.Background()) {
		t.Fatal("second Run = false, want true")
	}
	if len(sender.messages) != first {
		t.Errorf("second run sent %d more messages, want 0", len(sender.messages)-first)
	}
	if store.claimCalls != 2 {
		t.Errorf("claim called %d times, want 2", store.claimCalls)
	}
}

func TestClaimFailureAbortsBeforeAnySend(t *testing.T) {
	m, store, sender, _ := newFixture(t)
	store.claimErr = errors.New("deadlock detected")

	if m.Run(context.Background()) {
		t.Fatal("Run = true after claim failure, want false")
	}
	if len(sender.messages) != 0 {
		t.Errorf("%d messages sent after failed claim, want 0", len(sender.messages))
	}
	if len(store.queued) != 0 {
		t.Errorf("%d queue entries after failed claim, want 0", len(store.queued))
	}
}

func TestAllRecipientFailuresMarkPostErrored(t *testing.T) {
	m, store, sender, loader := newFixture(t)
	// Both subscribers on immediate delivery, every send fails.
	loader.users[2].MailDigest = models.DigestOff
	sender.fail = func(*Message) bool { return true }

	if !m.Run(context.Background()) {
		t.Fatal("Run = false, want true (send failures are not fatal)")
	}

	if len(store.errored) != 2 {
		t.Fatalf("errored posts = %v, want both posts", store.errored)
	}
	if len(store.read) != 0 {
		t.Errorf("read marks recorded for failed sends: %v", store.read)
	}
}

func TestPartialFailureLeavesPostSuccessful(t *testing.T) {
	m, store, sender, loader := newFixture(t)
	loader.users[2].MailDigest = models.DigestOff
	sender.fail = func(msg *Message) bool { return msg.To == "b@example.org" }

	m.Run(context.Background())

	if len(store.errored) != 0 {
		t.Errorf("errored posts = %v, want none on partial failure", store.errored)
	}
}

func TestPerForumPreferenceOverridesAccountDefault(t *testing.T) {
	m, store, sender, _ := newFixture(t)
	// Subscriber 1 is immediate by account default, subject-only digest
	// for this forum.
	store.prefs = map[[2]int64]models.DigestMode{{1, 10}: models.DigestSubjects}

	m.Run(context.Background())

	if len(sender.messages) != 0 {
		t.Errorf("got %d sends, want 0 when forum preference is a digest mode", len(sender.messages))
	}
	if len(store.queued) != 4 {
		t.Errorf("got %d queue entries, want 4 (both posts for both users)", len(store.queued))
	}
}

func TestManualReadMarkingSkipsReadSink(t *testing.T) {
	m, store, _, _ := newFixture(t)
	m.opts.ManualReadMarking = true

	m.Run(context.Background())

	if len(store.read) != 0 {
		t.Errorf("read marks recorded despite manual read marking: %v", store.read)
	}
}

func TestThreadHeaders(t *testing.T) {
	m, _, sender, _ := newFixture(t)
	m.opts.ReplyToEnabled = true

	m.Run(context.Background())
	if len(sender.messages) != 2 {
		t.Fatalf("got %d sends, want 2", len(sender.messages))
	}

	root, reply := sender.messages[0], sender.messages[1]

	wantID := messageID(1000, 1, "forum.example.org")
	if root.Headers["Message-ID"] != wantID {
		t.Errorf("root Message-ID = %q, want %q", root.Headers["Message-ID"], wantID)
	}
	if _, ok := root.Headers["In-Reply-To"]; ok {
		t.Error("root post carries In-Reply-To")
	}
	if reply.Headers["In-Reply-To"] != wantID {
		t.Errorf("reply In-Reply-To = %q, want parent id %q", reply.Headers["In-Reply-To"], wantID)
	}
	if root.ReplyTo == "" {
		t.Error("Reply-To empty with reply-to enabled")
	}

	// Recomputing the identifier gives the same value.
	if messageID(1000, 1, "forum.example.org") != wantID {
		t.Error("messageID is not deterministic")
	}
}

func TestLookupMissSkipsPostWithoutAborting(t *testing.T) {
	m, store, sender, loader := newFixture(t)
	delete(loader.discussions, 100)

	if !m.Run(context.Background()) {
		t.Fatal("Run = false, want true (lookup misses are not fatal)")
	}
	if len(sender.messages) != 0 || len(store.queued) != 0 {
		t.Error("posts with a missing discussion were dispatched")
	}
	if len(store.errored) != 0 {
		t.Errorf("skipped posts marked errored: %v", store.errored)
	}
}

func TestReplyToDisabled(t *testing.T) {
	m, _, sender, _ := newFixture(t)
	// ReplyToEnabled defaults to false in the fixture options.
	m.Run(context.Background())

	for _, msg := range sender.messages {
		if msg.ReplyTo != "" {
			t.Errorf("Reply-To = %q, want empty when disabled", msg.ReplyTo)
		}
	}
}
