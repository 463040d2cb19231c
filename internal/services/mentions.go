package services

import (
	"cmp"
	"context"
	"regexp"
	"slices"
	"strings"

	"messenger-service/internal/models"
	"messenger-service/internal/repositories"
)

// @"Display Name", @handle or @someone@example.com
var mentionPattern = regexp.MustCompile(`@"([^"\n]{1,64})"|@([\p{L}\p{N}_.+\-]+(?:@[\p{L}\p{N}.\-]+)?)`)

// ExtractMentionTokens returns the distinct mention tokens in content, in order of appearance.
func ExtractMentionTokens(content string) []string {
	var tokens []string
	for _, m := range mentionPattern.FindAllStringSubmatch(content, -1) {
		token := m[1]
		if token == "" {
			token = strings.TrimRight(m[2], ".-")
		}
		token = strings.TrimSpace(token)
		if token != "" && !slices.Contains(tokens, token) {
			tokens = append(tokens, token)
		}
	}
	return tokens
}

// MentionResolver maps tokens to user ids.
type MentionResolver struct {
	users repositories.UserRepository
}

func NewMentionResolver(users repositories.UserRepository) *MentionResolver {
	return &MentionResolver{users: users}
}

// Resolve returns the ids for tokens found in content plus the explicit list.
// Unmatched tokens are dropped from ids and reported separately.
func (r *MentionResolver) Resolve(ctx context.Context, content string, explicit []string) ([]int64, []string, error) {
	tokens := ExtractMentionTokens(content)
	for _, t := range explicit {
		t = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(t), "@"))
		if t != "" && !slices.Contains(tokens, t) {
			tokens = append(tokens, t)
		}
	}

	var ids []int64
	var unresolved []string
	for _, token := range tokens {
		candidates, err := r.users.FindUsersByToken(ctx, token)
		if err != nil {
			return nil, nil, err
		}
		user, ok := pickMention(token, candidates)
		if !ok {
			unresolved = append(unresolved, token)
			continue
		}
		if !slices.Contains(ids, user.ID) {
			ids = append(ids, user.ID)
		}
	}
	return ids, unresolved, nil
}

// pickMention applies exact name or handle, then case-insensitive name or handle, then email.
func pickMention(token string, candidates []models.User) (models.User, bool) {
	slices.SortFunc(candidates, func(a, b models.User) int { return cmp.Compare(a.ID, b.ID) })
	passes := []func(models.User) bool{
		func(u models.User) bool { return u.DisplayName == token || (u.Handle != "" && u.Handle == token) },
		func(u models.User) bool {
			return strings.EqualFold(u.DisplayName, token) || (u.Handle != "" && strings.EqualFold(u.Handle, token))
		},
		func(u models.User) bool { return u.Email != "" && strings.EqualFold(u.Email, token) },
	}
	for _, match := range passes {
		for _, u := range candidates {
			if u.IsActive && match(u) {
				return u, true
			}
		}
	}
	return models.User{}, false
}
