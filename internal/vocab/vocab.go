// Package vocab exposes the status vocabulary: label lookup, the usability
// classification, and severity ranks used by the escalation gate.
package vocab

import (
	"context"

	"shoptrack/internal/config"
	"shoptrack/internal/domain"
	"shoptrack/internal/repo"
)

type Service struct {
	Repo   repo.Repo
	Config *config.Config
}

// Lookup finds a status term by its label. An unknown label returns
// repo.ErrNotFound; callers treat that as "no escalation possible", not as a
// failure.
func (s Service) Lookup(ctx context.Context, label string) (domain.StatusTerm, error) {
	t, err := s.Repo.GetStatusTermByLabel(ctx, label)
	if err != nil {
		return t, err
	}
	t.Usable = s.IsUsable(t)
	return t, nil
}

// Get finds a status term by id, decorated with its usability flag.
func (s Service) Get(ctx context.Context, id int64) (domain.StatusTerm, error) {
	t, err := s.Repo.GetStatusTerm(ctx, id)
	if err != nil {
		return t, err
	}
	t.Usable = s.IsUsable(t)
	return t, nil
}

// IsUsable reports whether an asset in this status is operable by members.
func (s Service) IsUsable(term domain.StatusTerm) bool {
	if s.Config == nil {
		return false
	}
	for _, label := range s.Config.Vocabulary.UsableStatuses {
		if label == term.Label {
			return true
		}
	}
	return false
}

// Rank returns the severity rank for a label. The second return is false for
// unknown or unranked labels.
func (s Service) Rank(ctx context.Context, label string) (int, bool) {
	t, err := s.Repo.GetStatusTermByLabel(ctx, label)
	if err != nil || t.Rank == nil {
		return 0, false
	}
	return *t.Rank, true
}

// List returns all vocabulary terms with usability flags resolved.
func (s Service) List(ctx context.Context) ([]domain.StatusTerm, error) {
	terms, err := s.Repo.ListStatusTerms(ctx)
	if err != nil {
		return nil, err
	}
	for i := range terms {
		terms[i].Usable = s.IsUsable(terms[i])
	}
	return terms, nil
}

// Seed inserts the configured vocabulary terms, skipping ones that already
// exist. Existing rows are never reranked here; the vocabulary is treated as
// an immutable lookup table during operations.
func (s Service) Seed(ctx context.Context, createdAt string) error {
	if s.Config == nil {
		return nil
	}
	for _, t := range s.Config.Vocabulary.Terms {
		if err := s.Repo.EnsureStatusTerm(ctx, t.Label, t.Rank, createdAt); err != nil {
			return err
		}
	}
	return nil
}
