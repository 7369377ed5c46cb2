package domain

import "time"

type Team struct {
	ID      int64
	Name    string
	Members []TeamMember
}

type TeamMember struct {
	UserID   string
	Username string
	IsActive bool
}

type User struct {
	ID       string
	Username string
	IsActive bool
	TeamID   *int64
	TeamName *string
}

type PullRequestStatus string

const (
	PullRequestStatusOpen   PullRequestStatus = "OPEN"
	PullRequestStatusMerged PullRequestStatus = "MERGED"
)

type PullRequest struct {
	ID         string
	Name       string
	AuthorID   string
	ReviewerID *string
	Status     PullRequestStatus
	CreatedAt  time.Time
	MergedAt   *time.Time
}

type PullRequestShort struct {
	ID       string
	Name     string
	AuthorID string
	Status   PullRequestStatus
}

// ReviewerCandidate is an active team member eligible to take a review,
// carrying the inputs of the selection rule: the member's position in
// the roster as declared at team creation and the number of open pull
// requests currently assigned to them.
type ReviewerCandidate struct {
	UserID      string
	Position    int
	OpenReviews int
}

// PickReviewer selects the candidate with the fewest open reviews,
// breaking ties by the earliest roster position. Returns false when the
// candidate set is empty.
func PickReviewer(candidates []ReviewerCandidate) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.OpenReviews < best.OpenReviews ||
			(c.OpenReviews == best.OpenReviews && c.Position < best.Position) {
			best = c
		}
	}

	return best.UserID, true
}

type ReviewerStat struct {
	ReviewerID  string
	OpenReviews int
}

type PullRequestCounts struct {
	Open   int
	Merged int
	Total  int
}

type Stats struct {
	Reviewers    []ReviewerStat
	PullRequests PullRequestCounts
}
