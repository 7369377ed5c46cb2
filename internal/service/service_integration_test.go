package service_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greenatom/review-coordinator/internal/domain"
	"github.com/greenatom/review-coordinator/internal/migrations"
	"github.com/greenatom/review-coordinator/internal/repository"
	"github.com/greenatom/review-coordinator/internal/service"
)

var testPool *pgxpool.Pool

// Integration tests need a real Postgres; set TEST_DATABASE_URL to run
// them.
func TestMain(m *testing.M) {
	ctx := context.Background()

	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		fmt.Println("TEST_DATABASE_URL not set, skipping integration tests")
		os.Exit(0)
	}

	var err error
	testPool, err = pgxpool.New(ctx, dbURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect to database: %v\n", err)
		os.Exit(1)
	}

	if err := testPool.Ping(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "ping database: %v\n", err)
		testPool.Close()
		os.Exit(1)
	}

	if err := migrations.Run(ctx, dbURL, nil); err != nil {
		fmt.Fprintf(os.Stderr, "apply migrations: %v\n", err)
		testPool.Close()
		os.Exit(1)
	}

	code := m.Run()

	testPool.Close()
	os.Exit(code)
}

func setupTest(t *testing.T) *service.Service {
	t.Helper()

	_, err := testPool.Exec(context.Background(), `
		TRUNCATE TABLE pull_requests, team_members, users, teams CASCADE
	`)
	require.NoError(t, err, "truncate tables")

	return service.New(repository.New(testPool))
}

func addTeam(t *testing.T, svc *service.Service, name string, userIDs ...string) {
	t.Helper()

	members := make([]domain.TeamMember, 0, len(userIDs))
	for _, id := range userIDs {
		members = append(members, domain.TeamMember{
			UserID:   id,
			Username: "user " + id,
			IsActive: true,
		})
	}

	_, err := svc.CreateTeam(context.Background(), name, members)
	require.NoError(t, err)
}

func TestTeamLifecycle(t *testing.T) {
	svc := setupTest(t)
	ctx := context.Background()

	addTeam(t, svc, "backend", "u1", "u2", "u3")

	t.Run("duplicate team rejected", func(t *testing.T) {
		_, err := svc.CreateTeam(ctx, "backend", nil)
		assert.ErrorIs(t, err, service.ErrTeamExists)
	})

	t.Run("unknown team", func(t *testing.T) {
		_, err := svc.GetTeam(ctx, "ghost")
		assert.ErrorIs(t, err, service.ErrTeamNotFound)
	})

	t.Run("roster in declared order", func(t *testing.T) {
		team, err := svc.GetTeam(ctx, "backend")
		require.NoError(t, err)
		require.Len(t, team.Members, 3)
		assert.Equal(t, "u1", team.Members[0].UserID)
		assert.Equal(t, "u2", team.Members[1].UserID)
		assert.Equal(t, "u3", team.Members[2].UserID)
	})

	t.Run("activity flag is a live join", func(t *testing.T) {
		user, err := svc.SetUserActivity(ctx, "u2", false)
		require.NoError(t, err)
		assert.False(t, user.IsActive)
		require.NotNil(t, user.TeamName)
		assert.Equal(t, "backend", *user.TeamName)

		team, err := svc.GetTeam(ctx, "backend")
		require.NoError(t, err)
		assert.False(t, team.Members[1].IsActive)
	})

	t.Run("unknown user", func(t *testing.T) {
		_, err := svc.SetUserActivity(ctx, "ghost", true)
		assert.ErrorIs(t, err, service.ErrUserNotFound)
	})
}

func TestReviewerAssignmentBalancing(t *testing.T) {
	svc := setupTest(t)
	ctx := context.Background()

	addTeam(t, svc, "backend", "u1", "u2", "u3", "u4")

	// u4 authors three sequential pull requests: each goes to the
	// least-loaded remaining member, so no one gets a second review
	// before everyone has one.
	var reviewers []string
	for i := 1; i <= 3; i++ {
		pr, err := svc.CreatePullRequest(ctx, fmt.Sprintf("pr-%d", i), fmt.Sprintf("change %d", i), "u4")
		require.NoError(t, err)
		require.NotNil(t, pr.ReviewerID)
		assert.NotEqual(t, "u4", *pr.ReviewerID)
		reviewers = append(reviewers, *pr.ReviewerID)
	}

	assert.Equal(t, []string{"u1", "u2", "u3"}, reviewers)
}

func TestCreateWithoutTeam(t *testing.T) {
	svc := setupTest(t)
	ctx := context.Background()

	pr, err := svc.CreatePullRequest(ctx, "pr-1", "orphan change", "nobody")
	require.NoError(t, err)
	assert.Nil(t, pr.ReviewerID)
	assert.Equal(t, domain.PullRequestStatusOpen, pr.Status)
}

func TestInactiveMembersExcluded(t *testing.T) {
	svc := setupTest(t)
	ctx := context.Background()

	addTeam(t, svc, "backend", "author", "b", "c")

	_, err := svc.SetUserActivity(ctx, "b", false)
	require.NoError(t, err)

	pr, err := svc.CreatePullRequest(ctx, "pr-1", "first", "author")
	require.NoError(t, err)
	require.NotNil(t, pr.ReviewerID)
	assert.Equal(t, "c", *pr.ReviewerID)

	_, err = svc.SetUserActivity(ctx, "c", false)
	require.NoError(t, err)

	pr, err = svc.CreatePullRequest(ctx, "pr-2", "second", "author")
	require.NoError(t, err)
	assert.Nil(t, pr.ReviewerID)

	// already-assigned review survives the deactivation
	prs, err := svc.ListReviewerPullRequests(ctx, "c")
	require.NoError(t, err)
	require.Len(t, prs, 1)
	assert.Equal(t, "pr-1", prs[0].ID)
}

func TestMergeTerminality(t *testing.T) {
	svc := setupTest(t)
	ctx := context.Background()

	addTeam(t, svc, "backend", "author", "u1")

	created, err := svc.CreatePullRequest(ctx, "pr-1", "change", "author")
	require.NoError(t, err)
	require.NotNil(t, created.ReviewerID)

	merged, err := svc.MergePullRequest(ctx, "pr-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PullRequestStatusMerged, merged.Status)
	assert.Nil(t, merged.ReviewerID)
	assert.NotNil(t, merged.MergedAt)

	_, err = svc.MergePullRequest(ctx, "pr-1")
	assert.ErrorIs(t, err, service.ErrPullRequestMerged)

	_, _, err = svc.ReassignReviewer(ctx, "pr-1", "u1")
	assert.ErrorIs(t, err, service.ErrPullRequestMerged)

	_, err = svc.MergePullRequest(ctx, "ghost")
	assert.ErrorIs(t, err, service.ErrPullRequestNotFound)

	prs, err := svc.ListReviewerPullRequests(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, prs)
}

func TestStaleReassignRejected(t *testing.T) {
	svc := setupTest(t)
	ctx := context.Background()

	addTeam(t, svc, "backend", "author", "u1", "u2")

	created, err := svc.CreatePullRequest(ctx, "pr-1", "change", "author")
	require.NoError(t, err)
	require.NotNil(t, created.ReviewerID)
	require.Equal(t, "u1", *created.ReviewerID)

	_, _, err = svc.ReassignReviewer(ctx, "pr-1", "u2")
	assert.ErrorIs(t, err, service.ErrReviewerNotCurrent)

	pr, replacedBy, err := svc.ReassignReviewer(ctx, "pr-1", "u1")
	require.NoError(t, err)
	require.NotNil(t, replacedBy)
	assert.Equal(t, "u2", *replacedBy)
	require.NotNil(t, pr.ReviewerID)
	assert.Equal(t, "u2", *pr.ReviewerID)

	_, _, err = svc.ReassignReviewer(ctx, "pr-1", "u1")
	assert.ErrorIs(t, err, service.ErrReviewerNotCurrent)

	_, _, err = svc.ReassignReviewer(ctx, "ghost", "u1")
	assert.ErrorIs(t, err, service.ErrPullRequestNotFound)
}

func TestReassignWithoutAlternative(t *testing.T) {
	svc := setupTest(t)
	ctx := context.Background()

	addTeam(t, svc, "backend", "author", "u1")

	created, err := svc.CreatePullRequest(ctx, "pr-1", "change", "author")
	require.NoError(t, err)
	require.NotNil(t, created.ReviewerID)

	// no other active member: the slot is released, not a conflict
	pr, replacedBy, err := svc.ReassignReviewer(ctx, "pr-1", "u1")
	require.NoError(t, err)
	assert.Nil(t, replacedBy)
	assert.Nil(t, pr.ReviewerID)

	_, _, err = svc.ReassignReviewer(ctx, "pr-1", "u1")
	assert.ErrorIs(t, err, service.ErrReviewerNotCurrent)
}

func TestGetReviewOrdering(t *testing.T) {
	svc := setupTest(t)
	ctx := context.Background()

	addTeam(t, svc, "backend", "author", "u1")

	for i := 1; i <= 3; i++ {
		_, err := svc.CreatePullRequest(ctx, fmt.Sprintf("pr-%d", i), fmt.Sprintf("change %d", i), "author")
		require.NoError(t, err)
	}

	prs, err := svc.ListReviewerPullRequests(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, prs, 3)
	assert.Equal(t, "pr-1", prs[0].ID)
	assert.Equal(t, "pr-2", prs[1].ID)
	assert.Equal(t, "pr-3", prs[2].ID)

	_, err = svc.MergePullRequest(ctx, "pr-2")
	require.NoError(t, err)

	prs, err = svc.ListReviewerPullRequests(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, prs, 2)
	assert.Equal(t, "pr-1", prs[0].ID)
	assert.Equal(t, "pr-3", prs[1].ID)

	_, err = svc.ListReviewerPullRequests(ctx, "ghost")
	assert.ErrorIs(t, err, service.ErrUserNotFound)
}

func TestConcurrentCreateSameID(t *testing.T) {
	svc := setupTest(t)
	ctx := context.Background()

	addTeam(t, svc, "backend", "author", "u1", "u2")

	const callers = 20
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.CreatePullRequest(ctx, "pr-1", "change", "author")
		}(i)
	}
	wg.Wait()

	var successes, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, service.ErrPullRequestExists):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	assert.Equal(t, 1, successes)
	assert.Equal(t, callers-1, conflicts)
}

func TestConcurrentMerge(t *testing.T) {
	svc := setupTest(t)
	ctx := context.Background()

	addTeam(t, svc, "backend", "author", "u1")

	_, err := svc.CreatePullRequest(ctx, "pr-1", "change", "author")
	require.NoError(t, err)

	const callers = 20
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.MergePullRequest(ctx, "pr-1")
		}(i)
	}
	wg.Wait()

	var successes, alreadyMerged int
	for _, err := range errs {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, service.ErrPullRequestMerged):
			alreadyMerged++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	assert.Equal(t, 1, successes)
	assert.Equal(t, callers-1, alreadyMerged)
}

func TestConcurrentReassign(t *testing.T) {
	svc := setupTest(t)
	ctx := context.Background()

	addTeam(t, svc, "backend", "author", "u1", "u2", "u3", "u4")

	created, err := svc.CreatePullRequest(ctx, "pr-1", "change", "author")
	require.NoError(t, err)
	require.NotNil(t, created.ReviewerID)
	current := *created.ReviewerID

	const callers = 50
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = svc.ReassignReviewer(ctx, "pr-1", current)
		}(i)
	}
	wg.Wait()

	var successes, stale int
	for _, err := range errs {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, service.ErrReviewerNotCurrent):
			stale++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	assert.Equal(t, 1, successes)
	assert.Equal(t, callers-1, stale)

	pr, err := svc.MergePullRequest(ctx, "pr-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PullRequestStatusMerged, pr.Status)
}

func TestStats(t *testing.T) {
	svc := setupTest(t)
	ctx := context.Background()

	addTeam(t, svc, "backend", "author", "u1")

	for i := 1; i <= 3; i++ {
		_, err := svc.CreatePullRequest(ctx, fmt.Sprintf("pr-%d", i), fmt.Sprintf("change %d", i), "author")
		require.NoError(t, err)
	}
	_, err := svc.MergePullRequest(ctx, "pr-3")
	require.NoError(t, err)

	stats, err := svc.GetStats(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, stats.PullRequests.Open)
	assert.Equal(t, 1, stats.PullRequests.Merged)
	assert.Equal(t, 3, stats.PullRequests.Total)
	require.Len(t, stats.Reviewers, 1)
	assert.Equal(t, "u1", stats.Reviewers[0].ReviewerID)
	assert.Equal(t, 2, stats.Reviewers[0].OpenReviews)
}
