package model

import (
	"slices"
	"sort"
	"time"
)

// Message represents a chat message
type Message struct {
	ID                string       `json:"id"`
	ConversationID    string       `json:"conversation_id"`
	SenderID          string       `json:"sender_id"`
	SenderDisplayName string       `json:"sender_display_name"`
	Body              string       `json:"body"`
	CreatedAt         time.Time    `json:"created_at"`
	EditedAt          *time.Time   `json:"edited_at,omitempty"`
	DeletedAt         *time.Time   `json:"deleted_at,omitempty"`
	MentionUserIDs    []string     `json:"mention_user_ids"`
	Reactions         Reactions    `json:"reactions"`
	Attachments       []Attachment `json:"attachments"`
	Version           int64        `json:"version"`
}

// IsDeleted reports whether the message has been soft-deleted.
func (m *Message) IsDeleted() bool { return m.DeletedAt != nil }

// Reactions maps an emoji to the sorted ids of users who reacted with it.
type Reactions map[string][]string

// Has reports whether userID reacted with emoji.
func (r Reactions) Has(emoji, userID string) bool {
	_, found := slices.BinarySearch(r[emoji], userID)
	return found
}

// Toggle returns a copy of r with userID's emoji reaction flipped. An emoji
// whose user set becomes empty is dropped.
func (r Reactions) Toggle(emoji, userID string) Reactions {
	out := r.Clone()
	users := out[emoji]
	i, found := slices.BinarySearch(users, userID)
	if found {
		users = slices.Delete(users, i, i+1)
	} else {
		users = slices.Insert(users, i, userID)
	}
	if len(users) == 0 {
		delete(out, emoji)
	} else {
		out[emoji] = users
	}
	return out
}

// Clone deep-copies the reaction set.
func (r Reactions) Clone() Reactions {
	out := make(Reactions, len(r))
	for emoji, users := range r {
		out[emoji] = slices.Clone(users)
	}
	return out
}

// Summaries renders the per-viewer reaction view, sorted by emoji.
func (r Reactions) Summaries(viewerID string) []ReactionSummary {
	out := make([]ReactionSummary, 0, len(r))
	for emoji, users := range r {
		out = append(out, ReactionSummary{
			Emoji:       emoji,
			Count:       len(users),
			ReactedByMe: r.Has(emoji, viewerID),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Emoji < out[j].Emoji })
	return out
}

// ReactionSummary is one emoji's aggregate as seen by a particular viewer.
type ReactionSummary struct {
	Emoji       string `json:"emoji"`
	Count       int    `json:"count"`
	ReactedByMe bool   `json:"reacted_by_me"`
}

// MessageView is a Message decorated for the requesting user.
type MessageView struct {
	Message
	ReactionSummaries []ReactionSummary `json:"reaction_summaries"`
}

// ViewFor builds the viewer-specific DTO.
func (m Message) ViewFor(viewerID string) MessageView {
	return MessageView{Message: m, ReactionSummaries: m.Reactions.Summaries(viewerID)}
}

// Provider identifies where an attachment's bytes live.
type Provider string

const (
	ProviderOneDrive    Provider = "onedrive"
	ProviderGoogleDrive Provider = "googledrive"
	ProviderDropbox     Provider = "dropbox"
	ProviderOther       Provider = "other"
)

// Valid reports whether p is a known provider.
func (p Provider) Valid() bool {
	switch p {
	case ProviderOneDrive, ProviderGoogleDrive, ProviderDropbox, ProviderOther:
		return true
	}
	return false
}

// Attachment is a file link owned by a message.
type Attachment struct {
	ID          string    `json:"id"`
	MessageID   string    `json:"message_id"`
	Provider    Provider  `json:"provider"`
	FileID      string    `json:"file_id,omitempty"`
	FileName    string    `json:"file_name"`
	ContentType string    `json:"content_type,omitempty"`
	SizeBytes   *int64    `json:"size_bytes,omitempty"`
	ShareURL    string    `json:"share_url"`
	CreatedAt   time.Time `json:"created_at"`
}

// AttachmentInput is the caller-supplied part of an attachment.
type AttachmentInput struct {
	Provider    Provider `json:"provider"`
	FileID      string   `json:"file_id,omitempty"`
	FileName    string   `json:"file_name"`
	ContentType string   `json:"content_type,omitempty"`
	SizeBytes   *int64   `json:"size_bytes,omitempty"`
	ShareURL    string   `json:"share_url"`
}

// MessageDeletedEvent is the realtime payload for message.deleted.
type MessageDeletedEvent struct {
	MessageID string `json:"message_id"`
	Version   int64  `json:"-"`
}

func (e MessageDeletedEvent) VersionKey() (string, int64) { return e.MessageID, e.Version }

// Page is one page of a cursor-paginated listing.
type Page[T any] struct {
	Items      []T     `json:"items"`
	NextCursor *string `json:"next_cursor,omitempty"`
}

// SearchHitKind distinguishes body matches from attachment name matches.
type SearchHitKind string

const (
	HitMessage    SearchHitKind = "message"
	HitAttachment SearchHitKind = "attachment"
)

// SearchHit is one search result.
type SearchHit struct {
	Kind           SearchHitKind `json:"kind"`
	ConversationID string        `json:"conversation_id"`
	MessageID      string        `json:"message_id"`
	CreatedAt      time.Time     `json:"created_at"`
	Snippet        string        `json:"snippet,omitempty"`
	FileName       string        `json:"file_name,omitempty"`
	ShareURL       string        `json:"share_url,omitempty"`
}

// VersionKey identifies the message row state a payload was derived from.
func (m Message) VersionKey() (string, int64) { return m.ID, m.Version }

func (v MessageView) VersionKey() (string, int64) { return v.ID, v.Version }
