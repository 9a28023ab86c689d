package archive

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"theoryboard/api/internal/store"
)

type fakeSource struct {
	theories      []store.Theory
	contributions []store.Contribution
	theoriesErr   error
}

func (f *fakeSource) ListAllTheories(ctx context.Context) ([]store.Theory, error) {
	return f.theories, f.theoriesErr
}

func (f *fakeSource) ListContributions(ctx context.Context) ([]store.Contribution, error) {
	return f.contributions, nil
}

type fakeUploader struct {
	key         string
	body        []byte
	contentType string
	err         error
}

func (f *fakeUploader) Upload(ctx context.Context, key string, body []byte, contentType string) error {
	f.key, f.body, f.contentType = key, body, contentType
	return f.err
}

func TestExportWritesSnapshot(t *testing.T) {
	createdAt := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	source := &fakeSource{
		theories: []store.Theory{{
			ID:        "thy_1",
			AuthorID:  "usr_1",
			Author:    "fan_one",
			Title:     "The Numbers",
			Content:   "4 8 15 16 23 42",
			Status:    store.StatusApproved,
			CreatedAt: createdAt,
			Tags:      []store.Tag{{ID: "tag_1", Name: "numbers"}},
		}},
		contributions: []store.Contribution{{
			UserID:    "usr_1",
			TheoryID:  "thy_1",
			Kind:      store.ContributionApproved,
			CreatedAt: createdAt,
		}},
	}
	uploader := &fakeUploader{}

	svc := New(source, uploader)
	svc.now = func() time.Time {
		return time.Date(2026, 8, 28, 12, 30, 45, 0, time.UTC)
	}

	key, err := svc.Export(context.Background())
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if key != "moderation/2026-08-28T12-30-45Z.json" {
		t.Errorf("unexpected key %q", key)
	}
	if uploader.key != key {
		t.Errorf("uploader got key %q", uploader.key)
	}
	if uploader.contentType != "application/json" {
		t.Errorf("unexpected content type %q", uploader.contentType)
	}

	var snapshot Snapshot
	if err := json.Unmarshal(uploader.body, &snapshot); err != nil {
		t.Fatalf("snapshot is not valid JSON: %v", err)
	}
	if len(snapshot.Theories) != 1 || snapshot.Theories[0].ID != "thy_1" {
		t.Errorf("unexpected theories: %+v", snapshot.Theories)
	}
	if snapshot.Theories[0].Tags[0] != "numbers" {
		t.Errorf("expected tag names, got %v", snapshot.Theories[0].Tags)
	}
	if len(snapshot.Contributions) != 1 || snapshot.Contributions[0].Kind != store.ContributionApproved {
		t.Errorf("unexpected contributions: %+v", snapshot.Contributions)
	}
}

func TestExportPropagatesSourceError(t *testing.T) {
	boom := errors.New("db down")
	svc := New(&fakeSource{theoriesErr: boom}, &fakeUploader{})

	if _, err := svc.Export(context.Background()); !errors.Is(err, boom) {
		t.Errorf("expected wrapped source error, got %v", err)
	}
}

func TestExportPropagatesUploadError(t *testing.T) {
	boom := errors.New("bucket missing")
	svc := New(&fakeSource{}, &fakeUploader{err: boom})

	if _, err := svc.Export(context.Background()); !errors.Is(err, boom) {
		t.Errorf("expected wrapped upload error, got %v", err)
	}
}
