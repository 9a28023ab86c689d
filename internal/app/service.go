package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"theoryboard/api/internal/auth"
	"theoryboard/api/internal/config"
	"theoryboard/api/internal/rbac"
	"theoryboard/api/internal/search"
	"theoryboard/api/internal/store"
	"theoryboard/api/internal/util"
)

const (
	titleMinLen      = 3
	titleMaxLen      = 140
	contentMaxLen    = 5000
	denialReasonMax  = 500
	tagNameMaxLen    = 50
	leaderboardLimit = 50
	defaultPageSize  = 20
	maxPageSize      = 100
	minSplitParts    = 2
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]{3,20}$`)

// Session is the resolved caller of a request.
type Session struct {
	User store.User
}

type dataStore interface {
	Ping(ctx context.Context) error

	GetUserByID(ctx context.Context, id string) (store.User, error)
	ListUsers(ctx context.Context) ([]store.User, error)
	ListRoles(ctx context.Context) ([]store.Role, error)
	GrantRole(ctx context.Context, userID, roleName string) error
	RevokeRole(ctx context.Context, userID, roleName string) error
	ClaimUsername(ctx context.Context, userID, username string) error

	EnsureTag(ctx context.Context, name string) (store.Tag, error)
	ListTags(ctx context.Context) ([]store.Tag, error)
	DeleteTag(ctx context.Context, tagID string) error

	InsertTheory(ctx context.Context, id, authorID, content string) error
	GetTheory(ctx context.Context, id string) (store.Theory, error)
	ListPending(ctx context.Context) ([]store.Theory, error)
	ListMissingTitle(ctx context.Context) ([]store.Theory, error)
	SearchApproved(ctx context.Context, q string, limit, offset int) ([]store.Theory, int, error)
	SetTitle(ctx context.Context, theoryID, title string, tagIDs []string, replaceTags bool) (store.Theory, error)
	SetContent(ctx context.Context, theoryID, content string) (store.Theory, error)
	Moderate(ctx context.Context, in store.ModerateInput) (store.Theory, bool, error)
	Split(ctx context.Context, theoryID string, parts []store.SplitPart) ([]store.Theory, error)
	CastVote(ctx context.Context, theoryID, voterID string, value int) (store.VoteTally, error)
	TopTheories(ctx context.Context, tagName, callerID string) ([]store.RankedTheory, error)

	LeaderboardTotals(ctx context.Context) ([]store.ContributorTotals, error)
	ContributionStats(ctx context.Context) (int, int, error)
	BackfillContributions(ctx context.Context) (int64, int64, error)

	ListAllTheories(ctx context.Context) ([]store.Theory, error)
	ListContributions(ctx context.Context) ([]store.Contribution, error)
}

type identityResolver interface {
	Resolve(ctx context.Context, subjectID, email string) (store.User, error)
	Invalidate(ctx context.Context, subjectID string)
}

type archiver interface {
	Export(ctx context.Context) (string, error)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	verifier *auth.Verifier
	ids      identityResolver
	search   *search.Service
	archive  archiver
}

func New(cfg config.Config, st dataStore, ids identityResolver, searchService *search.Service, archiveService archiver) *Service {
	return &Service{
		cfg:      cfg,
		store:    st,
		verifier: auth.NewVerifier(cfg.TokenSecret),
		ids:      ids,
		search:   searchService,
		archive:  archiveService,
	}
}

// Bootstrap runs startup work that may rely on external services.
func (s *Service) Bootstrap(ctx context.Context) error {
	if s.search != nil {
		s.search.ReindexAllFromPG(ctx)
	}
	return nil
}

func (s *Service) Ready(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Authenticate turns a bearer token into a session, creating the user on
// first sight.
func (s *Service) Authenticate(ctx context.Context, token string) (*Session, error) {
	ident, err := s.verifier.Parse(token)
	if err != nil {
		return nil, err
	}
	user, err := s.ids.Resolve(ctx, ident.Subject, ident.Email)
	if err != nil {
		return nil, err
	}
	return &Session{User: user}, nil
}

// --- auth ---

func (s *Service) Me(session *Session) map[string]any {
	return map[string]any{"user": userPayload(session.User)}
}

// ClaimUsername sets the caller's username exactly once. Names are
// folded to lower case before the uniqueness check.
func (s *Service) ClaimUsername(ctx context.Context, session *Session, username string) (map[string]any, error) {
	username = strings.TrimSpace(username)
	if !usernamePattern.MatchString(username) {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR",
			"username must be 3-20 characters of letters, digits or underscore", nil)
	}
	username = strings.ToLower(username)

	err := s.store.ClaimUsername(ctx, session.User.ID, username)
	switch {
	case errors.Is(err, store.ErrUsernameTaken):
		return nil, domainError(http.StatusConflict, "CONFLICT", "username is already taken", nil)
	case errors.Is(err, store.ErrUsernameClaimed):
		return nil, domainError(http.StatusConflict, "CONFLICT", "username has already been claimed", nil)
	case err != nil:
		return nil, err
	}

	s.ids.Invalidate(ctx, session.User.SubjectID)
	session.User.Username = username
	return map[string]any{"user": userPayload(session.User)}, nil
}

// --- theories ---

func (s *Service) SubmitTheory(ctx context.Context, session *Session, content string) (map[string]any, error) {
	if err := requireUser(session); err != nil {
		return nil, err
	}
	if session.User.Username == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR",
			"claim a username before submitting theories", nil)
	}
	content = strings.TrimSpace(content)
	if content == "" || utf8.RuneCountInString(content) > contentMaxLen {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR",
			"content must be between 1 and 5000 characters", nil)
	}

	id := util.NewID("thy")
	if err := s.store.InsertTheory(ctx, id, session.User.ID, content); err != nil {
		return nil, err
	}
	theory, err := s.store.GetTheory(ctx, id)
	if err != nil {
		return nil, err
	}
	return map[string]any{"theory": theoryPayload(theory)}, nil
}

// TopTheories returns publicly visible theories with their recomputed
// scores. mode "top" orders by score then recency, "new" by recency.
func (s *Service) TopTheories(ctx context.Context, session *Session, mode, tag string) (map[string]any, error) {
	if mode == "" {
		mode = "top"
	}
	if mode != "top" && mode != "new" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR",
			"mode must be top or new", nil)
	}

	callerID := ""
	if session != nil {
		callerID = session.User.ID
	}
	ranked, err := s.store.TopTheories(ctx, strings.TrimSpace(tag), callerID)
	if err != nil {
		return nil, err
	}

	if mode == "top" {
		sort.SliceStable(ranked, func(i, j int) bool {
			if ranked[i].Score != ranked[j].Score {
				return ranked[i].Score > ranked[j].Score
			}
			return ranked[i].CreatedAt.After(ranked[j].CreatedAt)
		})
	} else {
		sort.SliceStable(ranked, func(i, j int) bool {
			return ranked[i].CreatedAt.After(ranked[j].CreatedAt)
		})
	}

	payloads := make([]map[string]any, 0, len(ranked))
	for _, r := range ranked {
		payloads = append(payloads, rankedPayload(r))
	}
	return map[string]any{"theories": payloads, "mode": mode}, nil
}

func (s *Service) SearchTheories(q string, limit, offset int) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q}
	}
	if limit <= 0 || limit > maxPageSize {
		limit = defaultPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return s.search.Search(search.Query{Text: strings.TrimSpace(q), Limit: limit, Offset: offset})
}

// Vote casts or changes the caller's vote on an approved theory. A
// repeat vote with the same value is a no-op upsert, and the vote
// contribution is credited at most once per theory.
func (s *Service) Vote(ctx context.Context, session *Session, theoryID string, value int) (map[string]any, error) {
	if err := requireUser(session); err != nil {
		return nil, err
	}
	if session.User.Username == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR",
			"claim a username before voting", nil)
	}
	if value != 1 && value != -1 {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR",
			"value must be 1 or -1", nil)
	}

	tally, err := s.store.CastVote(ctx, theoryID, session.User.ID, value)
	if errors.Is(err, store.ErrNotApproved) || errors.Is(err, sql.ErrNoRows) {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "theory not found", nil)
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"score":     tally.Score,
		"upvotes":   tally.Upvotes,
		"downvotes": tally.Downvotes,
		"userVote":  tally.UserVote,
	}, nil
}

// --- moderation ---

func (s *Service) ListPending(ctx context.Context, session *Session) (map[string]any, error) {
	if err := requireModerator(session); err != nil {
		return nil, err
	}
	theories, err := s.store.ListPending(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"theories": theoryPayloads(theories)}, nil
}

func (s *Service) ListMissingTitle(ctx context.Context, session *Session) (map[string]any, error) {
	if err := requireModerator(session); err != nil {
		return nil, err
	}
	theories, err := s.store.ListMissingTitle(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"theories": theoryPayloads(theories)}, nil
}

func (s *Service) ListApproved(ctx context.Context, session *Session, q string, page, pageSize int) (map[string]any, error) {
	if err := requireModerator(session); err != nil {
		return nil, err
	}
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	theories, total, err := s.store.SearchApproved(ctx, strings.TrimSpace(q), pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"theories": theoryPayloads(theories),
		"total":    total,
		"page":     page,
		"pageSize": pageSize,
	}, nil
}

type ModerateTheoryInput struct {
	Status       string   `json:"status"`
	Title        string   `json:"title"`
	TagIDs       []string `json:"tagIds"`
	DenialReason string   `json:"denialReason"`
}

// Moderate approves or denies a pending (or re-moderates a decided)
// theory. Approval requires a title, replaces the tag set, and credits
// the author exactly once across the theory's lifetime.
func (s *Service) Moderate(ctx context.Context, session *Session, theoryID string, in ModerateTheoryInput) (map[string]any, error) {
	if err := requireModerator(session); err != nil {
		return nil, err
	}
	if in.Status != store.StatusApproved && in.Status != store.StatusDenied {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR",
			"status must be approved or denied", nil)
	}
	title := strings.TrimSpace(in.Title)
	if title != "" {
		if err := validateTitle(title); err != nil {
			return nil, err
		}
	}
	reason := strings.TrimSpace(in.DenialReason)
	if utf8.RuneCountInString(reason) > denialReasonMax {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR",
			"denial reason must be at most 500 characters", nil)
	}

	theory, credited, err := s.store.Moderate(ctx, store.ModerateInput{
		TheoryID:     theoryID,
		ModeratorID:  session.User.ID,
		Status:       in.Status,
		Title:        title,
		TagIDs:       in.TagIDs,
		DenialReason: reason,
	})
	switch {
	case errors.Is(err, store.ErrTitleRequired):
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR",
			"a title is required to approve a theory", nil)
	case errors.Is(err, store.ErrUnknownTag):
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "unknown tag", nil)
	case err != nil:
		return nil, err
	}

	if theory.Status == store.StatusApproved {
		s.indexTheory(theory)
	} else {
		s.deindexTheory(theory.ID)
	}
	return map[string]any{"theory": theoryPayload(theory), "credited": credited}, nil
}

type SplitPartInput struct {
	Title   string   `json:"title"`
	Content string   `json:"content"`
	TagIDs  []string `json:"tagIds"`
}

// Split replaces a pending theory with two or more pending parts
// attributed to the original author.
func (s *Service) Split(ctx context.Context, session *Session, theoryID string, parts []SplitPartInput) (map[string]any, error) {
	if err := requireModerator(session); err != nil {
		return nil, err
	}
	if len(parts) < minSplitParts {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR",
			"a split needs at least 2 parts", nil)
	}

	storeParts := make([]store.SplitPart, 0, len(parts))
	for i, part := range parts {
		title := strings.TrimSpace(part.Title)
		if err := validateTitle(title); err != nil {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR",
				"every part needs a title of 3-140 characters", map[string]any{"part": i})
		}
		content := strings.TrimSpace(part.Content)
		if content == "" || utf8.RuneCountInString(content) > contentMaxLen {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR",
				"every part needs content between 1 and 5000 characters", map[string]any{"part": i})
		}
		storeParts = append(storeParts, store.SplitPart{Title: title, Content: content, TagIDs: part.TagIDs})
	}

	theories, err := s.store.Split(ctx, theoryID, storeParts)
	switch {
	case errors.Is(err, store.ErrNotPending):
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "no pending theory to split", nil)
	case errors.Is(err, store.ErrUnknownTag):
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "unknown tag", nil)
	case err != nil:
		return nil, err
	}
	return map[string]any{"theories": theoryPayloads(theories)}, nil
}

type SetTitleInput struct {
	Title  string   `json:"title"`
	TagIDs []string `json:"tagIds"`
}

func (s *Service) SetTitle(ctx context.Context, session *Session, theoryID string, in SetTitleInput) (map[string]any, error) {
	if err := requireModerator(session); err != nil {
		return nil, err
	}
	title := strings.TrimSpace(in.Title)
	if err := validateTitle(title); err != nil {
		return nil, err
	}

	theory, err := s.store.SetTitle(ctx, theoryID, title, in.TagIDs, in.TagIDs != nil)
	if errors.Is(err, store.ErrUnknownTag) {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "unknown tag", nil)
	}
	if err != nil {
		return nil, err
	}

	if theory.Status == store.StatusApproved {
		s.indexTheory(theory)
	}
	return map[string]any{"theory": theoryPayload(theory)}, nil
}

func (s *Service) SetContent(ctx context.Context, session *Session, theoryID, content string) (map[string]any, error) {
	if err := requireModerator(session); err != nil {
		return nil, err
	}
	content = strings.TrimSpace(content)
	if content == "" || utf8.RuneCountInString(content) > contentMaxLen {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR",
			"content must be between 1 and 5000 characters", nil)
	}

	theory, err := s.store.SetContent(ctx, theoryID, content)
	if err != nil {
		return nil, err
	}

	if theory.Status == store.StatusApproved {
		s.indexTheory(theory)
	}
	return map[string]any{"theory": theoryPayload(theory)}, nil
}

// --- tags ---

func (s *Service) ListTags(ctx context.Context, session *Session) (map[string]any, error) {
	if err := requireModerator(session); err != nil {
		return nil, err
	}
	tags, err := s.store.ListTags(ctx)
	if err != nil {
		return nil, err
	}
	payloads := make([]map[string]any, 0, len(tags))
	for _, tag := range tags {
		payloads = append(payloads, map[string]any{"id": tag.ID, "name": tag.Name})
	}
	return map[string]any{"tags": payloads}, nil
}

// CreateTag is an upsert keyed on the lower-cased trimmed name.
func (s *Service) CreateTag(ctx context.Context, session *Session, name string) (map[string]any, error) {
	if err := requireModerator(session); err != nil {
		return nil, err
	}
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || utf8.RuneCountInString(name) > tagNameMaxLen {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR",
			"tag name must be between 1 and 50 characters", nil)
	}

	tag, err := s.store.EnsureTag(ctx, name)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tag": map[string]any{"id": tag.ID, "name": tag.Name}}, nil
}

func (s *Service) DeleteTag(ctx context.Context, session *Session, tagID string) (map[string]any, error) {
	if err := requireModerator(session); err != nil {
		return nil, err
	}
	if err := s.store.DeleteTag(ctx, tagID); err != nil {
		return nil, err
	}
	return map[string]any{"deleted": tagID}, nil
}

// --- contributions ---

// Leaderboard ranks contributors by total credits, then approvals, then
// display name. Ranks are distinct successive integers. The caller gets
// their own row even when outside the top 50.
func (s *Service) Leaderboard(ctx context.Context, session *Session) (map[string]any, error) {
	totals, err := s.store.LeaderboardTotals(ctx)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(totals, func(i, j int) bool {
		if totals[i].Total != totals[j].Total {
			return totals[i].Total > totals[j].Total
		}
		if totals[i].Approvals != totals[j].Approvals {
			return totals[i].Approvals > totals[j].Approvals
		}
		return strings.ToLower(displayName(totals[i])) < strings.ToLower(displayName(totals[j]))
	})

	totalContributions := 0
	for _, t := range totals {
		totalContributions += t.Total
	}

	rows := make([]map[string]any, 0, leaderboardLimit)
	for i, t := range totals {
		if i >= leaderboardLimit {
			break
		}
		rows = append(rows, leaderboardRow(i+1, t))
	}

	payload := map[string]any{
		"leaderboard":        rows,
		"totalContributions": totalContributions,
		"totalContributors":  len(totals),
	}

	if session != nil {
		var current map[string]any
		for i, t := range totals {
			if t.UserID == session.User.ID {
				current = leaderboardRow(i+1, t)
				break
			}
		}
		if current == nil {
			current = map[string]any{
				"rank":          nil,
				"userId":        session.User.ID,
				"displayName":   session.User.DisplayName(),
				"contributions": 0,
				"approvals":     0,
				"votes":         0,
			}
		}
		payload["currentUser"] = current
	}
	return payload, nil
}

func (s *Service) Stats(ctx context.Context) (map[string]any, error) {
	total, contributors, err := s.store.ContributionStats(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"totalContributions": total,
		"totalContributors":  contributors,
	}, nil
}

// --- admin ---

func (s *Service) ListUsers(ctx context.Context, session *Session) (map[string]any, error) {
	if err := requireModerator(session); err != nil {
		return nil, err
	}
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	payloads := make([]map[string]any, 0, len(users))
	for _, user := range users {
		payloads = append(payloads, userPayload(user))
	}
	return map[string]any{"users": payloads}, nil
}

func (s *Service) ListRoles(ctx context.Context, session *Session) (map[string]any, error) {
	if err := requireModerator(session); err != nil {
		return nil, err
	}
	roles, err := s.store.ListRoles(ctx)
	if err != nil {
		return nil, err
	}
	payloads := make([]map[string]any, 0, len(roles))
	for _, role := range roles {
		payloads = append(payloads, map[string]any{"id": role.ID, "name": role.Name})
	}
	return map[string]any{"roles": payloads}, nil
}

// AssignRole grants a role to a user, idempotently. The user's cached
// identity snapshot is dropped so the grant applies immediately.
func (s *Service) AssignRole(ctx context.Context, session *Session, userID, roleName string) (map[string]any, error) {
	if err := requireModerator(session); err != nil {
		return nil, err
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := s.store.GrantRole(ctx, userID, roleName); err != nil {
		return nil, err
	}
	s.ids.Invalidate(ctx, user.SubjectID)

	user, err = s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"user": userPayload(user)}, nil
}

func (s *Service) RemoveRole(ctx context.Context, session *Session, userID, roleName string) (map[string]any, error) {
	if err := requireModerator(session); err != nil {
		return nil, err
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := s.store.RevokeRole(ctx, userID, roleName); err != nil {
		return nil, err
	}
	s.ids.Invalidate(ctx, user.SubjectID)

	user, err = s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"user": userPayload(user)}, nil
}

func (s *Service) ExportArchive(ctx context.Context, session *Session) (map[string]any, error) {
	if err := requireModerator(session); err != nil {
		return nil, err
	}
	if s.archive == nil {
		return nil, domainError(http.StatusServiceUnavailable, "UNAVAILABLE",
			"archive storage is not configured", nil)
	}
	key, err := s.archive.Export(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"key": key}, nil
}

func (s *Service) BackfillContributions(ctx context.Context, session *Session) (map[string]any, error) {
	if err := requireModerator(session); err != nil {
		return nil, err
	}
	approvals, votes, err := s.store.BackfillContributions(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"approvalsCredited": approvals,
		"votesCredited":     votes,
	}, nil
}

// --- helpers ---

func requireUser(session *Session) error {
	if session == nil {
		return domainError(http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
	}
	return nil
}

func requireModerator(session *Session) error {
	if session == nil {
		return domainError(http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
	}
	if !rbac.Allowed(session.User.Roles, rbac.ActionModerate) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "insufficient permissions", nil)
	}
	return nil
}

func validateTitle(title string) error {
	n := utf8.RuneCountInString(title)
	if n < titleMinLen || n > titleMaxLen {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR",
			"title must be between 3 and 140 characters", nil)
	}
	return nil
}

func (s *Service) indexTheory(t store.Theory) {
	if s.search == nil || t.Status != store.StatusApproved || t.Title == "" {
		return
	}
	tags := make([]string, 0, len(t.Tags))
	for _, tag := range t.Tags {
		tags = append(tags, tag.Name)
	}
	s.search.IndexTheory(search.TheoryRecord{
		ID:        t.ID,
		Title:     t.Title,
		Content:   t.Content,
		Author:    t.Author,
		Tags:      tags,
		CreatedAt: t.CreatedAt.Unix(),
	})
}

func (s *Service) deindexTheory(id string) {
	if s.search == nil {
		return
	}
	s.search.DeleteTheory(id)
}

func displayName(t store.ContributorTotals) string {
	if t.Username != "" {
		return t.Username
	}
	if t.Name != "" {
		return t.Name
	}
	return t.Email
}

func leaderboardRow(rank int, t store.ContributorTotals) map[string]any {
	return map[string]any{
		"rank":          rank,
		"userId":        t.UserID,
		"displayName":   displayName(t),
		"contributions": t.Total,
		"approvals":     t.Approvals,
		"votes":         t.Votes,
	}
}

func userPayload(u store.User) map[string]any {
	roles := u.Roles
	if roles == nil {
		roles = []string{}
	}
	payload := map[string]any{
		"id":        u.ID,
		"subjectId": u.SubjectID,
		"email":     u.Email,
		"name":      u.Name,
		"roles":     roles,
		"createdAt": u.CreatedAt,
	}
	if u.Username != "" {
		payload["username"] = u.Username
	}
	return payload
}

func theoryPayload(t store.Theory) map[string]any {
	tags := make([]map[string]any, 0, len(t.Tags))
	for _, tag := range t.Tags {
		tags = append(tags, map[string]any{"id": tag.ID, "name": tag.Name})
	}
	payload := map[string]any{
		"id":        t.ID,
		"authorId":  t.AuthorID,
		"author":    t.Author,
		"content":   t.Content,
		"status":    t.Status,
		"createdAt": t.CreatedAt,
		"tags":      tags,
	}
	if t.Title != "" {
		payload["title"] = t.Title
	}
	if t.DenialReason != "" {
		payload["denialReason"] = t.DenialReason
	}
	if t.ModeratedBy != "" {
		payload["moderatedBy"] = t.ModeratedBy
	}
	if t.ModeratedAt != nil {
		payload["moderatedAt"] = t.ModeratedAt
	}
	return payload
}

func theoryPayloads(theories []store.Theory) []map[string]any {
	payloads := make([]map[string]any, 0, len(theories))
	for _, t := range theories {
		payloads = append(payloads, theoryPayload(t))
	}
	return payloads
}

func rankedPayload(r store.RankedTheory) map[string]any {
	payload := theoryPayload(r.Theory)
	payload["upvotes"] = r.Upvotes
	payload["downvotes"] = r.Downvotes
	payload["score"] = r.Score
	// A zero caller vote means no vote row; clients see null, never 0.
	if r.CallerVote != 0 {
		payload["userVote"] = r.CallerVote
	} else {
		payload["userVote"] = nil
	}
	return payload
}
