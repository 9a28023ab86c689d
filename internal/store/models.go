package store

import "time"

const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusDenied   = "denied"
)

const (
	ContributionApproved = "theory_approved"
	ContributionVote     = "theory_vote"
)

type User struct {
	ID        string
	SubjectID string
	Email     string
	Name      string
	Username  string
	Roles     []string
	CreatedAt time.Time
}

// DisplayName prefers the claimed username, then the provider name,
// then the e-mail address.
func (u User) DisplayName() string {
	if u.Username != "" {
		return u.Username
	}
	if u.Name != "" {
		return u.Name
	}
	return u.Email
}

type Role struct {
	ID   string
	Name string
}

type Tag struct {
	ID   string
	Name string
}

type Theory struct {
	ID           string
	AuthorID     string
	Author       string
	Title        string
	Content      string
	Status       string
	DenialReason string
	ModeratedBy  string
	ModeratedAt  *time.Time
	CreatedAt    time.Time
	Tags         []Tag
}

// RankedTheory carries the vote aggregates alongside the theory. The
// score is always recomputed from the vote rows, never stored.
type RankedTheory struct {
	Theory
	Upvotes    int
	Downvotes  int
	Score      int
	CallerVote int
}

type VoteTally struct {
	Score     int
	Upvotes   int
	Downvotes int
	UserVote  int
}

type Contribution struct {
	UserID    string
	TheoryID  string
	Kind      string
	CreatedAt time.Time
}

type ContributorTotals struct {
	UserID    string
	Username  string
	Name      string
	Email     string
	Total     int
	Approvals int
	Votes     int
}

type ModerateInput struct {
	TheoryID     string
	ModeratorID  string
	Status       string
	Title        string
	TagIDs       []string
	DenialReason string
}

type SplitPart struct {
	Title   string
	Content string
	TagIDs  []string
}
