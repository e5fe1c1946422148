// Package mention extracts @tokens from message text and resolves them
// against a conversation roster.
package mention

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var mentionRe = regexp.MustCompile(`@([A-Za-z0-9._\-]{1,64})`)

// Candidate is a roster entry a token may resolve to.
type Candidate struct {
	UserID      string
	DisplayName string
	Email       string
	Disabled    bool
}

// Extract returns the @tokens in body without the prefix, deduplicated
// case-insensitively in order of first appearance. An @ glued to a preceding
// word character (as in an e-mail address) is not a mention.
func Extract(body string) []string {
	matches := mentionRe.FindAllStringSubmatchIndex(body, -1)
	seen := make(map[string]struct{}, len(matches))
	tokens := make([]string, 0, len(matches))

	for _, match := range matches {
		start := match[0]
		if start > 0 {
			prev, _ := utf8.DecodeLastRuneInString(body[:start])
			if isWordRune(prev) {
				continue
			}
		}
		token := body[match[2]:match[3]]
		key := strings.ToLower(token)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		tokens = append(tokens, token)
	}
	return tokens
}

// Resolve maps the mentions in body to user ids of enabled roster members
// whose display name or e-mail local part equals a token, ignoring case.
// Unmatched tokens are ignored. The result has no duplicates.
func Resolve(body string, roster []Candidate) []string {
	tokens := Extract(body)
	if len(tokens) == 0 {
		return []string{}
	}

	wanted := make(map[string]struct{}, len(tokens))
	for _, tok := range tokens {
		wanted[strings.ToLower(tok)] = struct{}{}
	}

	ids := make([]string, 0, len(tokens))
	seen := make(map[string]struct{})
	for _, c := range roster {
		if c.Disabled {
			continue
		}
		if !matches(wanted, c) {
			continue
		}
		if _, dup := seen[c.UserID]; dup {
			continue
		}
		seen[c.UserID] = struct{}{}
		ids = append(ids, c.UserID)
	}
	return ids
}

func matches(wanted map[string]struct{}, c Candidate) bool {
	if c.DisplayName != "" {
		if _, ok := wanted[strings.ToLower(c.DisplayName)]; ok {
			return true
		}
	}
	if local := localPart(c.Email); local != "" {
		if _, ok := wanted[strings.ToLower(local)]; ok {
			return true
		}
	}
	return false
}

func localPart(email string) string {
	at := strings.IndexByte(email, '@')
	if at <= 0 {
		return ""
	}
	return email[:at]
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
