package eligibility

import (
	"context"

	"ForumPulse/internal/models"
)

// Loader fetches the records one run needs. *db.Store satisfies it.
type Loader interface {
	Forum(ctx context.Context, id int64) (*models.Forum, error)
	Discussion(ctx context.Context, id int64) (*models.Discussion, error)
	Course(ctx context.Context, id int64) (*models.Course, error)
	User(ctx context.Context, id int64) (*models.User, error)
	Subscribers(ctx context.Context, f *models.Forum) ([]*models.User, error)
}

// RunState carries one invocation's caches. It is created at run start and
// dropped at run end; nothing in it survives across runs.
//
// User records are memory-bounded: below the ceiling full profiles are kept,
// past it only id stubs are recorded and the full row is re-fetched on every
// lookup. That bounds memory on very large enrollments at the cost of extra
// per-post queries.
type RunState struct {
	loader  Loader
	ceiling int

	forums      map[int64]*models.Forum
	discussions map[int64]*models.Discussion
	courses     map[int64]*models.Course
	users       map[int64]*models.User
	subscribers map[int64][]int64
	subscribed  map[int64]map[int64]struct{}
}

func NewRunState(loader Loader, ceiling int) *RunState {
	return &RunState{
		loader:      loader,
		ceiling:     ceiling,
		forums:      make(map[int64]*models.Forum),
		discussions: make(map[int64]*models.Discussion),
		courses:     make(map[int64]*models.Course),
		users:       make(map[int64]*models.User),
		subscribers: make(map[int64][]int64),
		subscribed:  make(map[int64]map[int64]struct{}),
	}
}

func (rs *RunState) Forum(ctx context.Context, id int64) (*models.Forum, error) {
	if f, ok := rs.forums[id]; ok {
		return f, nil
	}

	f, err := rs.loader.Forum(ctx, id)
	if err != nil {
		return nil, err
	}

	rs.forums[id] = f
	return f, nil
}

func (rs *RunState) Discussion(ctx context.Context, id int64) (*models.Discussion, error) {
	if d, ok := rs.discussions[id]; ok {
		return d, nil
	}

	d, err := rs.loader.Discussion(ctx, id)
	if err != nil {
		return nil, err
	}

	rs.discussions[id] = d
	return d, nil
}

func (rs *RunState) Course(ctx context.Context, id int64) (*models.Course, error) {
	if c, ok := rs.courses[id]; ok {
		return c, nil
	}

	c, err := rs.loader.Course(ctx, id)
	if err != nil {
		return nil, err
	}

	rs.courses[id] = c
	return c, nil
}

// User returns a full profile record. Stubbed entries (cached past the
// ceiling) are re-fetched on every call and stay stubbed.
func (rs *RunState) User(ctx context.Context, id int64) (*models.User, error) {
	if u, ok := rs.users[id]; ok && !u.Stub {
		return u, nil
	}

	u, err := rs.loader.User(ctx, id)
	if err != nil {
		return nil, err
	}

	rs.cacheUser(u)
	return u, nil
}

func (rs *RunState) cacheUser(u *models.User) {
	if _, ok := rs.users[u.ID]; ok {
		return
	}

	if len(rs.users) < rs.ceiling {
		rs.users[u.ID] = u
		return
	}

	rs.users[u.ID] = &models.User{ID: u.ID, Stub: true}
}

// Subscribers fetches a forum's effective subscriber list once per run and
// returns the cached id list; profile records flow through the ceiling.
func (rs *RunState) Subscribers(ctx context.Context, f *models.Forum) ([]int64, error) {
	if ids, ok := rs.subscribers[f.ID]; ok {
		return ids, nil
	}

	users, err := rs.loader.Subscribers(ctx, f)
	if err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(users))
	set := make(map[int64]struct{}, len(users))
	for _, u := range users {
		ids = append(ids, u.ID)
		set[u.ID] = struct{}{}
		rs.cacheUser(u)
	}

	rs.subscribers[f.ID] = ids
	rs.subscribed[f.ID] = set

	return ids, nil
}

// IsSubscriber is the dispatcher's cheap first-stage filter: membership in
// the already-fetched subscriber set, no queries.
func (rs *RunState) IsSubscriber(forumID, userID int64) bool {
	set, ok := rs.subscribed[forumID]
	if !ok {
		return false
	}
	_, ok = set[userID]
	return ok
}
