// Package archive exports moderation snapshots to S3-compatible object
// storage so the moderation trail survives outside the database.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"theoryboard/api/internal/store"
)

type TheoryRecord struct {
	ID           string     `json:"id"`
	AuthorID     string     `json:"authorId"`
	Author       string     `json:"author"`
	Title        string     `json:"title,omitempty"`
	Content      string     `json:"content"`
	Status       string     `json:"status"`
	DenialReason string     `json:"denialReason,omitempty"`
	ModeratedBy  string     `json:"moderatedBy,omitempty"`
	ModeratedAt  *time.Time `json:"moderatedAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	Tags         []string   `json:"tags,omitempty"`
}

type ContributionRecord struct {
	UserID    string    `json:"userId"`
	TheoryID  string    `json:"theoryId"`
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"createdAt"`
}

type Snapshot struct {
	TakenAt       time.Time            `json:"takenAt"`
	Theories      []TheoryRecord       `json:"theories"`
	Contributions []ContributionRecord `json:"contributions"`
}

// Source is the slice of the datastore a snapshot reads.
type Source interface {
	ListAllTheories(ctx context.Context) ([]store.Theory, error)
	ListContributions(ctx context.Context) ([]store.Contribution, error)
}

// Uploader writes a snapshot object. Tests fake it.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) error
}

type Service struct {
	source   Source
	uploader Uploader
	now      func() time.Time
}

func New(source Source, uploader Uploader) *Service {
	return &Service{source: source, uploader: uploader, now: time.Now}
}

// Export snapshots all theories and contributions into one JSON object
// and returns its key.
func (s *Service) Export(ctx context.Context) (string, error) {
	theories, err := s.source.ListAllTheories(ctx)
	if err != nil {
		return "", fmt.Errorf("load theories: %w", err)
	}
	contributions, err := s.source.ListContributions(ctx)
	if err != nil {
		return "", fmt.Errorf("load contributions: %w", err)
	}

	takenAt := s.now().UTC()
	snapshot := Snapshot{
		TakenAt:       takenAt,
		Theories:      make([]TheoryRecord, 0, len(theories)),
		Contributions: make([]ContributionRecord, 0, len(contributions)),
	}
	for _, t := range theories {
		rec := TheoryRecord{
			ID:           t.ID,
			AuthorID:     t.AuthorID,
			Author:       t.Author,
			Title:        t.Title,
			Content:      t.Content,
			Status:       t.Status,
			DenialReason: t.DenialReason,
			ModeratedBy:  t.ModeratedBy,
			ModeratedAt:  t.ModeratedAt,
			CreatedAt:    t.CreatedAt,
		}
		for _, tag := range t.Tags {
			rec.Tags = append(rec.Tags, tag.Name)
		}
		snapshot.Theories = append(snapshot.Theories, rec)
	}
	for _, c := range contributions {
		snapshot.Contributions = append(snapshot.Contributions, ContributionRecord{
			UserID:    c.UserID,
			TheoryID:  c.TheoryID,
			Kind:      c.Kind,
			CreatedAt: c.CreatedAt,
		})
	}

	body, err := json.Marshal(snapshot)
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}

	key := fmt.Sprintf("moderation/%s.json", takenAt.Format("2006-01-02T15-04-05Z"))
	if err := s.uploader.Upload(ctx, key, body, "application/json"); err != nil {
		return "", fmt.Errorf("upload snapshot: %w", err)
	}
	return key, nil
}
