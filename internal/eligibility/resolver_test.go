package eligibility

import (
	"context"
	"testing"
	"time"

	"ForumPulse/internal/models"
)

// fakePolicy answers every oracle question from fixed fields.
type fakePolicy struct {
	subscribed bool
	discSub    *models.DiscussionSubscription
	posted     bool
	member     bool
	accessAll  bool
	canView    bool
}

func (p *fakePolicy) IsSubscribed(_ context.Context, _ int64, _ *models.Forum) (bool, error) {
	return p.subscribed, nil
}

func (p *fakePolicy) DiscussionSubscription(_ context.Context, _, _ int64) (*models.DiscussionSubscription, error) {
	return p.discSub, nil
}

func (p *fakePolicy) HasPosted(_ context.Context, _, _ int64) (bool, error) {
	return p.posted, nil
}

func (p *fakePolicy) IsGroupMember(_ context.Context, _, _ int64) (bool, error) {
	return p.member, nil
}

func (p *fakePolicy) AccessAllGroups(_ context.Context, _, _ int64) (bool, error) {
	return p.accessAll, nil
}

func (p *fakePolicy) CanViewPost(_ context.Context, _ int64, _ *models.Forum, _ *models.Discussion, _ *models.Post, _ time.Time) (bool, error) {
	return p.canView, nil
}

func allowAll() *fakePolicy {
	return &fakePolicy{subscribed: true, canView: true}
}

func TestEligible(t *testing.T) {
	t0 := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	now := t0.Add(2 * time.Hour)

	baseCourse := &models.Course{ID: 1, Visible: true}
	baseForum := &models.Forum{ID: 10, CourseID: 1, Type: models.ForumGeneral, Subscription: models.SubscriptionForced}
	baseDiscussion := &models.Discussion{ID: 100, ForumID: 10, GroupID: models.GroupAll, UserID: 7}
	rootPost := &models.Post{ID: 1000, DiscussionID: 100, ParentID: 0, UserID: 7, Created: t0}
	replyPost := &models.Post{ID: 1001, DiscussionID: 100, ParentID: 1000, UserID: 8, Created: t0.Add(10 * time.Second)}

	tests := []struct {
		name       string
		policy     *fakePolicy
		course     *models.Course
		forum      *models.Forum
		discussion *models.Discussion
		post       *models.Post
		want       bool
	}{
		{
			name:   "all checks pass",
			policy: allowAll(),
			want:   true,
		},
		{
			name:   "hidden course excludes",
			policy: allowAll(),
			course: &models.Course{ID: 1, Visible: false},
			want:   false,
		},
		{
			name:   "not forum subscribed excludes",
			policy: &fakePolicy{subscribed: false, canView: true},
			want:   false,
		},
		{
			name: "explicit discussion unsubscribe excludes",
			policy: &fakePolicy{subscribed: true, canView: true,
				discSub: &models.DiscussionSubscription{UserID: 5, DiscussionID: 100, Subscribed: false, Since: t0}},
			want: false,
		},
		{
			name: "discussion subscribe after post creation excludes the backlog",
			policy: &fakePolicy{subscribed: true, canView: true,
				discSub: &models.DiscussionSubscription{UserID: 5, DiscussionID: 100, Subscribed: true, Since: t0.Add(time.Hour)}},
			want: false,
		},
		{
			name: "discussion subscribe before post creation includes",
			policy: &fakePolicy{subscribed: true, canView: true,
				discSub: &models.DiscussionSubscription{UserID: 5, DiscussionID: 100, Subscribed: true, Since: t0.Add(-time.Hour)}},
			want: true,
		},
		{
			name:   "qanda withholds reply until user has posted",
			policy: allowAll(),
			forum:  &models.Forum{ID: 10, CourseID: 1, Type: models.ForumQAndA, Subscription: models.SubscriptionForced},
			post:   replyPost,
			want:   false,
		},
		{
			name:   "qanda root post always eligible",
			policy: allowAll(),
			forum:  &models.Forum{ID: 10, CourseID: 1, Type: models.ForumQAndA, Subscription: models.SubscriptionForced},
			post:   rootPost,
			want:   true,
		},
		{
			name:   "qanda reply eligible once user posted",
			policy: &fakePolicy{subscribed: true, canView: true, posted: true},
			forum:  &models.Forum{ID: 10, CourseID: 1, Type: models.ForumQAndA, Subscription: models.SubscriptionForced},
			post:   replyPost,
			want:   true,
		},
		{
			name:       "separated group without membership excludes",
			policy:     allowAll(),
			forum:      &models.Forum{ID: 10, CourseID: 1, Type: models.ForumGeneral, SeparateGroups: true},
			discussion: &models.Discussion{ID: 100, ForumID: 10, GroupID: 42, UserID: 7},
			want:       false,
		},
		{
			name:       "separated group with membership includes",
			policy:     &fakePolicy{subscribed: true, canView: true, member: true},
			forum:      &models.Forum{ID: 10, CourseID: 1, Type: models.ForumGeneral, SeparateGroups: true},
			discussion: &models.Discussion{ID: 100, ForumID: 10, GroupID: 42, UserID: 7},
			want:       true,
		},
		{
			name:       "access-all-groups override includes",
			policy:     &fakePolicy{subscribed: true, canView: true, accessAll: true},
			forum:      &models.Forum{ID: 10, CourseID: 1, Type: models.ForumGeneral, SeparateGroups: true},
			discussion: &models.Discussion{ID: 100, ForumID: 10, GroupID: 42, UserID: 7},
			want:       true,
		},
		{
			name:       "group-bound discussion without separated groups includes",
			policy:     allowAll(),
			discussion: &models.Discussion{ID: 100, ForumID: 10, GroupID: 42, UserID: 7},
			want:       true,
		},
		{
			name:   "view policy failure excludes",
			policy: &fakePolicy{subscribed: true, canView: false},
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			course := tt.course
			if course == nil {
				course = baseCourse
			}
			forum := tt.forum
			if forum == nil {
				forum = baseForum
			}
			discussion := tt.discussion
			if discussion == nil {
				discussion = baseDiscussion
			}
			post := tt.post
			if post == nil {
				post = rootPost
			}

			r := NewResolver(tt.policy)
			got, err := r.Eligible(context.Background(), 5, course, forum, discussion, post, now)
			if err != nil {
				t.Fatalf("Eligible returned error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Eligible = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEligibleHasNoSideEffects(t *testing.T) {
	// A failed check must not consult later, more expensive oracles.
	policy := &fakePolicy{subscribed: false, canView: true}
	r := NewResolver(policy)

	course := &models.Course{ID: 1, Visible: true}
	forum := &models.Forum{ID: 10, CourseID: 1, Type: models.ForumQAndA}
	discussion := &models.Discussion{ID: 100, ForumID: 10, GroupID: models.GroupAll}
	post := &models.Post{ID: 1, DiscussionID: 100, ParentID: 5}

	got, err := r.Eligible(context.Background(), 5, course, forum, discussion, post, time.Now())
	if err != nil {
		t.Fatalf("Eligible returned error: %v", err)
	}
	if got {
		t.Error("unsubscribed user reported eligible")
	}
}
