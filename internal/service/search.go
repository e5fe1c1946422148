package service

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"roomcast/internal/model"
)

const snippetLen = 160

// SearchService scans message bodies and attachment names visible to the
// caller.
type SearchService struct {
	Deps
}

func NewSearchService(deps Deps) *SearchService {
	return &SearchService{Deps: deps}
}

// Search returns up to limit hits, newest first. A blank query yields no
// hits; naming a conversation the caller is not in is Forbidden.
func (s *SearchService) Search(ctx context.Context, caller model.Caller, query, conversationID string, limit int) ([]model.SearchHit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []model.SearchHit{}, nil
	}
	limit = ClampLimit(limit)

	if conversationID != "" {
		if err := s.requireMember(ctx, conversationID, caller.UserID); err != nil {
			return nil, err
		}
	}

	bodies, err := s.Repo.SearchMessages(ctx, caller.UserID, conversationID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	files, err := s.Repo.SearchAttachments(ctx, caller.UserID, conversationID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search attachments: %w", err)
	}

	hits := make([]model.SearchHit, 0, len(bodies)+len(files))
	for _, h := range bodies {
		h.Snippet = Snippet(h.Snippet)
		hits = append(hits, h)
	}
	hits = append(hits, files...)

	sort.SliceStable(hits, func(i, j int) bool {
		if !hits[i].CreatedAt.Equal(hits[j].CreatedAt) {
			return hits[i].CreatedAt.After(hits[j].CreatedAt)
		}
		return hits[i].MessageID > hits[j].MessageID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Snippet truncates body to at most snippetLen characters.
func Snippet(body string) string {
	runes := []rune(body)
	if len(runes) <= snippetLen {
		return body
	}
	return string(runes[:snippetLen])
}
