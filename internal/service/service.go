package service

import (
	"context"
	"errors"
	"time"

	"github.com/greenatom/review-coordinator/internal/domain"
	"github.com/greenatom/review-coordinator/internal/repository"
	"github.com/jackc/pgx/v5"
)

var (
	ErrTeamExists          = errors.New("team already exists")
	ErrTeamNotFound        = errors.New("team not found")
	ErrUserNotFound        = errors.New("user not found")
	ErrPullRequestExists   = errors.New("pull request already exists")
	ErrPullRequestNotFound = errors.New("pull request not found")
	ErrPullRequestMerged   = errors.New("pull request already merged")
	ErrReviewerNotCurrent  = errors.New("reviewer is not current for pull request")
)

type Service struct {
	repo *repository.Repository
	now  func() time.Time
}

func New(repo *repository.Repository) *Service {
	return &Service{
		repo: repo,
		now:  time.Now,
	}
}

// CreateTeam stores the roster and upserts every listed member into the
// user registry. Roster positions are recorded in declaration order;
// they break ties in reviewer selection.
func (s *Service) CreateTeam(ctx context.Context, teamName string, members []domain.TeamMember) (domain.Team, error) {
	err := s.repo.RunInTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		teamID, err := s.repo.InsertTeam(ctx, tx, teamName)
		if err != nil {
			if errors.Is(err, repository.ErrTeamExists) {
				return ErrTeamExists
			}
			return err
		}

		for i, member := range members {
			user := domain.User{
				ID:       member.UserID,
				Username: member.Username,
				IsActive: member.IsActive,
			}
			if _, err := s.repo.UpsertUser(ctx, tx, user); err != nil {
				return err
			}
			if err := s.repo.UpsertMembership(ctx, tx, teamID, member.UserID, i); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return domain.Team{}, err
	}

	team, err := s.repo.GetTeamByName(ctx, teamName)
	if err != nil {
		if errors.Is(err, repository.ErrTeamNotFound) {
			return domain.Team{}, ErrTeamNotFound
		}
		return domain.Team{}, err
	}

	return team, nil
}

func (s *Service) GetTeam(ctx context.Context, teamName string) (domain.Team, error) {
	team, err := s.repo.GetTeamByName(ctx, teamName)
	if err != nil {
		if errors.Is(err, repository.ErrTeamNotFound) {
			return domain.Team{}, ErrTeamNotFound
		}
		return domain.Team{}, err
	}
	return team, nil
}

// SetUserActivity flips the activity flag. It only affects future
// candidate sets; reviews already assigned to the user stay assigned.
func (s *Service) SetUserActivity(ctx context.Context, userID string, isActive bool) (domain.User, error) {
	user, err := s.repo.SetUserActive(ctx, userID, isActive)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return domain.User{}, ErrUserNotFound
		}
		return domain.User{}, err
	}
	return user, nil
}

// CreatePullRequest registers the pull request and assigns the initial
// reviewer: the least-loaded active member of the author's team,
// excluding the author. An author with no team (or one never registered
// through a team) gets the pull request created with no reviewer.
func (s *Service) CreatePullRequest(ctx context.Context, prID, prName, authorID string) (domain.PullRequest, error) {
	var teamID *int64
	author, err := s.repo.GetUser(ctx, authorID)
	switch {
	case err == nil:
		teamID = author.TeamID
	case errors.Is(err, repository.ErrUserNotFound):
		// no registration means no team to pick from
	default:
		return domain.PullRequest{}, err
	}

	err = s.repo.RunInTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, err := s.repo.InsertPullRequest(ctx, tx, domain.PullRequest{
			ID:       prID,
			Name:     prName,
			AuthorID: authorID,
			Status:   domain.PullRequestStatusOpen,
		})
		if err != nil {
			if errors.Is(err, repository.ErrPullRequestExists) {
				return ErrPullRequestExists
			}
			return err
		}

		if teamID == nil {
			return nil
		}

		candidates, err := s.repo.ListReviewerCandidates(ctx, tx, *teamID, []string{authorID})
		if err != nil {
			return err
		}

		reviewerID, ok := domain.PickReviewer(candidates)
		if !ok {
			return nil
		}

		return s.repo.SetReviewer(ctx, tx, prID, reviewerID)
	})
	if err != nil {
		return domain.PullRequest{}, err
	}

	pr, err := s.repo.GetPullRequest(ctx, prID)
	if err != nil {
		if errors.Is(err, repository.ErrPullRequestNotFound) {
			return domain.PullRequest{}, ErrPullRequestNotFound
		}
		return domain.PullRequest{}, err
	}

	return pr, nil
}

// ReassignReviewer swaps the current reviewer for the next best
// candidate from the author's team, excluding the author and the
// outgoing reviewer. The swap is conditional on oldReviewerID still
// being current, so a caller acting on stale information is rejected
// instead of overriding a concurrent reassignment. When no alternative
// candidate exists the reviewer slot is released.
func (s *Service) ReassignReviewer(ctx context.Context, prID, oldReviewerID string) (domain.PullRequest, *string, error) {
	pr, err := s.repo.GetPullRequest(ctx, prID)
	if err != nil {
		if errors.Is(err, repository.ErrPullRequestNotFound) {
			return domain.PullRequest{}, nil, ErrPullRequestNotFound
		}
		return domain.PullRequest{}, nil, err
	}
	if pr.Status == domain.PullRequestStatusMerged {
		return domain.PullRequest{}, nil, ErrPullRequestMerged
	}
	if pr.ReviewerID == nil || *pr.ReviewerID != oldReviewerID {
		return domain.PullRequest{}, nil, ErrReviewerNotCurrent
	}

	var teamID *int64
	author, err := s.repo.GetUser(ctx, pr.AuthorID)
	switch {
	case err == nil:
		teamID = author.TeamID
	case errors.Is(err, repository.ErrUserNotFound):
	default:
		return domain.PullRequest{}, nil, err
	}

	var replacement *string
	err = s.repo.RunInTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if teamID != nil {
			candidates, err := s.repo.ListReviewerCandidates(ctx, tx, *teamID, []string{pr.AuthorID, oldReviewerID})
			if err != nil {
				return err
			}
			if reviewerID, ok := domain.PickReviewer(candidates); ok {
				replacement = &reviewerID
			}
		}

		if err := s.repo.SwapReviewer(ctx, tx, prID, oldReviewerID, replacement); err != nil {
			if errors.Is(err, repository.ErrReviewerNotCurrent) {
				return ErrReviewerNotCurrent
			}
			return err
		}
		return nil
	})
	if err != nil {
		return domain.PullRequest{}, nil, err
	}

	updated, err := s.repo.GetPullRequest(ctx, prID)
	if err != nil {
		return domain.PullRequest{}, nil, err
	}

	return updated, replacement, nil
}

// MergePullRequest transitions the pull request to its terminal state
// and releases the reviewer slot. Unknown ids and repeated merges are
// distinct errors internally even though both surface as 404.
func (s *Service) MergePullRequest(ctx context.Context, prID string) (domain.PullRequest, error) {
	err := s.repo.MarkPullRequestMerged(ctx, prID, s.now().UTC())
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrPullRequestNotFound):
			return domain.PullRequest{}, ErrPullRequestNotFound
		case errors.Is(err, repository.ErrPullRequestMerged):
			return domain.PullRequest{}, ErrPullRequestMerged
		default:
			return domain.PullRequest{}, err
		}
	}

	return s.repo.GetPullRequest(ctx, prID)
}

// ListReviewerPullRequests answers what the user should review: their
// open assignments in creation order. A user never registered through a
// team is unknown.
func (s *Service) ListReviewerPullRequests(ctx context.Context, userID string) ([]domain.PullRequestShort, error) {
	if _, err := s.repo.GetUser(ctx, userID); err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	return s.repo.ListOpenPullRequestsForReviewer(ctx, userID)
}

func (s *Service) GetStats(ctx context.Context) (domain.Stats, error) {
	reviewers, err := s.repo.GetReviewerStats(ctx)
	if err != nil {
		return domain.Stats{}, err
	}

	counts, err := s.repo.GetPullRequestCounts(ctx)
	if err != nil {
		return domain.Stats{}, err
	}

	return domain.Stats{
		Reviewers:    reviewers,
		PullRequests: counts,
	}, nil
}
