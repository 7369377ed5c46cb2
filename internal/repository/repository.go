package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/greenatom/review-coordinator/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrTeamExists          = errors.New("team already exists")
	ErrTeamNotFound        = errors.New("team not found")
	ErrUserNotFound        = errors.New("user not found")
	ErrPullRequestExists   = errors.New("pull request already exists")
	ErrPullRequestNotFound = errors.New("pull request not found")
	ErrPullRequestMerged   = errors.New("pull request already merged")
	ErrReviewerNotCurrent  = errors.New("reviewer is not current for pull request")

	errTxRequired = errors.New("transaction is required")
)

type Repository struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) RunInTx(ctx context.Context, fn func(context.Context, pgx.Tx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("rollback tx: %v (original err: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

func (r *Repository) InsertTeam(ctx context.Context, tx pgx.Tx, teamName string) (int64, error) {
	if tx == nil {
		return 0, errTxRequired
	}

	var id int64
	err := tx.QueryRow(ctx, `INSERT INTO teams (team_name) VALUES ($1) RETURNING team_id`, teamName).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrTeamExists
		}
		return 0, fmt.Errorf("insert team: %w", err)
	}

	return id, nil
}

func (r *Repository) GetTeamByName(ctx context.Context, teamName string) (domain.Team, error) {
	var team domain.Team
	err := r.pool.QueryRow(ctx, `SELECT team_id, team_name FROM teams WHERE team_name = $1`, teamName).
		Scan(&team.ID, &team.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Team{}, ErrTeamNotFound
	}
	if err != nil {
		return domain.Team{}, fmt.Errorf("select team: %w", err)
	}

	members, err := r.listTeamMembersByTeamID(ctx, team.ID)
	if err != nil {
		return domain.Team{}, err
	}
	team.Members = members

	return team, nil
}

// listTeamMembersByTeamID returns the roster in the order it was
// declared at team creation, with each member's current activity flag.
func (r *Repository) listTeamMembersByTeamID(ctx context.Context, teamID int64) ([]domain.TeamMember, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT u.user_id, u.username, u.is_active
		FROM team_members tm
		JOIN users u ON u.user_id = tm.user_id
		WHERE tm.team_id = $1
		ORDER BY tm.position
	`, teamID)
	if err != nil {
		return nil, fmt.Errorf("select team members: %w", err)
	}
	defer rows.Close()

	var members []domain.TeamMember
	for rows.Next() {
		var m domain.TeamMember
		if err := rows.Scan(&m.UserID, &m.Username, &m.IsActive); err != nil {
			return nil, fmt.Errorf("scan team member: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate team members: %w", err)
	}

	return members, nil
}

func (r *Repository) UpsertUser(ctx context.Context, tx pgx.Tx, user domain.User) (domain.User, error) {
	if tx == nil {
		return domain.User{}, errTxRequired
	}

	var stored domain.User
	if err := tx.QueryRow(ctx, `
		INSERT INTO users (user_id, username, is_active)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id)
		DO UPDATE SET username = EXCLUDED.username,
		              is_active = EXCLUDED.is_active,
		              updated_at = NOW()
		RETURNING user_id, username, is_active
	`, user.ID, user.Username, user.IsActive).Scan(&stored.ID, &stored.Username, &stored.IsActive); err != nil {
		return domain.User{}, fmt.Errorf("upsert user: %w", err)
	}

	return stored, nil
}

func (r *Repository) UpsertMembership(ctx context.Context, tx pgx.Tx, teamID int64, userID string, position int) error {
	if tx == nil {
		return errTxRequired
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO team_members (team_id, user_id, position)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id)
		DO UPDATE SET team_id = EXCLUDED.team_id,
		              position = EXCLUDED.position,
		              joined_at = NOW()
	`, teamID, userID, position); err != nil {
		return fmt.Errorf("upsert membership: %w", err)
	}

	return nil
}

func (r *Repository) GetUser(ctx context.Context, userID string) (domain.User, error) {
	var user domain.User
	var teamID sql.NullInt64
	var teamName sql.NullString

	err := r.pool.QueryRow(ctx, `
		SELECT u.user_id, u.username, u.is_active, tm.team_id, t.team_name
		FROM users u
		LEFT JOIN team_members tm ON tm.user_id = u.user_id
		LEFT JOIN teams t ON t.team_id = tm.team_id
		WHERE u.user_id = $1
	`, userID).Scan(&user.ID, &user.Username, &user.IsActive, &teamID, &teamName)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.User{}, ErrUserNotFound
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("select user: %w", err)
	}

	if teamID.Valid {
		id := teamID.Int64
		user.TeamID = &id
	}
	if teamName.Valid {
		name := teamName.String
		user.TeamName = &name
	}

	return user, nil
}

func (r *Repository) SetUserActive(ctx context.Context, userID string, isActive bool) (domain.User, error) {
	var user domain.User
	var teamID sql.NullInt64
	var teamName sql.NullString

	err := r.pool.QueryRow(ctx, `
		WITH updated AS (
			UPDATE users
			SET is_active = $2,
			    updated_at = NOW()
			WHERE user_id = $1
			RETURNING user_id, username, is_active
		)
		SELECT u.user_id, u.username, u.is_active, tm.team_id, t.team_name
		FROM updated u
		LEFT JOIN team_members tm ON tm.user_id = u.user_id
		LEFT JOIN teams t ON t.team_id = tm.team_id
	`, userID, isActive).Scan(&user.ID, &user.Username, &user.IsActive, &teamID, &teamName)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.User{}, ErrUserNotFound
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("update user activity: %w", err)
	}

	if teamID.Valid {
		id := teamID.Int64
		user.TeamID = &id
	}
	if teamName.Valid {
		name := teamName.String
		user.TeamName = &name
	}

	return user, nil
}

func (r *Repository) InsertPullRequest(ctx context.Context, tx pgx.Tx, pr domain.PullRequest) (domain.PullRequest, error) {
	if tx == nil {
		return domain.PullRequest{}, errTxRequired
	}

	var createdAt time.Time
	if err := tx.QueryRow(ctx, `
		INSERT INTO pull_requests (pull_request_id, pull_request_name, author_id, status)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, pr.ID, pr.Name, pr.AuthorID, string(pr.Status)).Scan(&createdAt); err != nil {
		if isUniqueViolation(err) {
			return domain.PullRequest{}, ErrPullRequestExists
		}
		return domain.PullRequest{}, fmt.Errorf("insert pull request: %w", err)
	}

	pr.CreatedAt = createdAt
	return pr, nil
}

func (r *Repository) GetPullRequest(ctx context.Context, prID string) (domain.PullRequest, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT pull_request_id, pull_request_name, author_id, reviewer_id, status, created_at, merged_at
		FROM pull_requests
		WHERE pull_request_id = $1
	`, prID)

	var pr domain.PullRequest
	var status string
	var reviewerID sql.NullString
	var mergedAt sql.NullTime
	if err := row.Scan(&pr.ID, &pr.Name, &pr.AuthorID, &reviewerID, &status, &pr.CreatedAt, &mergedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PullRequest{}, ErrPullRequestNotFound
		}
		return domain.PullRequest{}, fmt.Errorf("select pull request: %w", err)
	}
	pr.Status = domain.PullRequestStatus(status)

	if reviewerID.Valid {
		id := reviewerID.String
		pr.ReviewerID = &id
	}
	if mergedAt.Valid {
		t := mergedAt.Time
		pr.MergedAt = &t
	}

	return pr, nil
}

// ListReviewerCandidates returns the active members of a team, except
// the excluded user ids, each with their roster position and current
// count of open assigned reviews. The count is read in the caller's
// transaction so it is consistent with the assignment that follows it.
func (r *Repository) ListReviewerCandidates(ctx context.Context, tx pgx.Tx, teamID int64, exclude []string) ([]domain.ReviewerCandidate, error) {
	if tx == nil {
		return nil, errTxRequired
	}
	if exclude == nil {
		exclude = []string{}
	}

	rows, err := tx.Query(ctx, `
		SELECT u.user_id, tm.position, COUNT(pr.pull_request_id) AS open_reviews
		FROM team_members tm
		JOIN users u ON u.user_id = tm.user_id
		LEFT JOIN pull_requests pr ON pr.reviewer_id = u.user_id AND pr.status = 'OPEN'
		WHERE tm.team_id = $1
		  AND u.is_active = TRUE
		  AND u.user_id <> ALL($2::text[])
		GROUP BY u.user_id, tm.position
		ORDER BY tm.position
	`, teamID, exclude)
	if err != nil {
		return nil, fmt.Errorf("select reviewer candidates: %w", err)
	}
	defer rows.Close()

	var candidates []domain.ReviewerCandidate
	for rows.Next() {
		var c domain.ReviewerCandidate
		if err := rows.Scan(&c.UserID, &c.Position, &c.OpenReviews); err != nil {
			return nil, fmt.Errorf("scan reviewer candidate: %w", err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reviewer candidates: %w", err)
	}

	return candidates, nil
}

func (r *Repository) SetReviewer(ctx context.Context, tx pgx.Tx, prID, reviewerID string) error {
	if tx == nil {
		return errTxRequired
	}

	tag, err := tx.Exec(ctx, `
		UPDATE pull_requests
		SET reviewer_id = $2
		WHERE pull_request_id = $1
	`, prID, reviewerID)
	if err != nil {
		return fmt.Errorf("set reviewer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPullRequestNotFound
	}

	return nil
}

// SwapReviewer replaces the current reviewer with newReviewerID (or
// releases the slot when newReviewerID is nil), but only if
// oldReviewerID still holds it and the pull request is still open. The
// conditional UPDATE is the optimistic check: of any number of
// concurrent callers quoting the same old reviewer, exactly one
// succeeds and the rest get ErrReviewerNotCurrent.
func (r *Repository) SwapReviewer(ctx context.Context, tx pgx.Tx, prID, oldReviewerID string, newReviewerID *string) error {
	if tx == nil {
		return errTxRequired
	}

	tag, err := tx.Exec(ctx, `
		UPDATE pull_requests
		SET reviewer_id = $3
		WHERE pull_request_id = $1
		  AND reviewer_id = $2
		  AND status = 'OPEN'
	`, prID, oldReviewerID, newReviewerID)
	if err != nil {
		return fmt.Errorf("swap reviewer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrReviewerNotCurrent
	}

	return nil
}

// MarkPullRequestMerged transitions an open pull request to MERGED and
// releases its reviewer slot in one conditional UPDATE, so a concurrent
// merge/merge race has exactly one winner. The loser (and any unknown
// id) is classified by a follow-up status read.
func (r *Repository) MarkPullRequestMerged(ctx context.Context, prID string, mergedAt time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE pull_requests
		SET status = $2,
		    merged_at = $3,
		    reviewer_id = NULL
		WHERE pull_request_id = $1
		  AND status = $4
	`, prID, string(domain.PullRequestStatusMerged), mergedAt, string(domain.PullRequestStatusOpen))
	if err != nil {
		return fmt.Errorf("update pull request status: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var status string
	err = r.pool.QueryRow(ctx, `SELECT status FROM pull_requests WHERE pull_request_id = $1`, prID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrPullRequestNotFound
	}
	if err != nil {
		return fmt.Errorf("select pull request status: %w", err)
	}
	if status == string(domain.PullRequestStatusMerged) {
		return ErrPullRequestMerged
	}

	return ErrPullRequestNotFound
}

func (r *Repository) ListOpenPullRequestsForReviewer(ctx context.Context, userID string) ([]domain.PullRequestShort, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT pull_request_id, pull_request_name, author_id, status
		FROM pull_requests
		WHERE reviewer_id = $1
		  AND status = 'OPEN'
		ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("select reviewer pull requests: %w", err)
	}
	defer rows.Close()

	var result []domain.PullRequestShort
	for rows.Next() {
		var pr domain.PullRequestShort
		var status string
		if err := rows.Scan(&pr.ID, &pr.Name, &pr.AuthorID, &status); err != nil {
			return nil, fmt.Errorf("scan pull request short: %w", err)
		}
		pr.Status = domain.PullRequestStatus(status)
		result = append(result, pr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pull requests short: %w", err)
	}

	return result, nil
}

func (r *Repository) GetReviewerStats(ctx context.Context) ([]domain.ReviewerStat, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT reviewer_id, COUNT(*) AS open_reviews
		FROM pull_requests
		WHERE reviewer_id IS NOT NULL
		  AND status = 'OPEN'
		GROUP BY reviewer_id
		ORDER BY open_reviews DESC, reviewer_id
	`)
	if err != nil {
		return nil, fmt.Errorf("select reviewer stats: %w", err)
	}
	defer rows.Close()

	var stats []domain.ReviewerStat
	for rows.Next() {
		var s domain.ReviewerStat
		if err := rows.Scan(&s.ReviewerID, &s.OpenReviews); err != nil {
			return nil, fmt.Errorf("scan reviewer stat: %w", err)
		}
		stats = append(stats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reviewer stats: %w", err)
	}

	return stats, nil
}

func (r *Repository) GetPullRequestCounts(ctx context.Context) (domain.PullRequestCounts, error) {
	var counts domain.PullRequestCounts
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE status = 'OPEN'),
		       COUNT(*) FILTER (WHERE status = 'MERGED'),
		       COUNT(*)
		FROM pull_requests
	`).Scan(&counts.Open, &counts.Merged, &counts.Total)
	if err != nil {
		return domain.PullRequestCounts{}, fmt.Errorf("select pull request counts: %w", err)
	}

	return counts, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
