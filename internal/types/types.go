package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RawLanguage selects the untranslated original text.
const RawLanguage = "raw"

// RecallMarker is rendered in place of a recalled message's content.
const RecallMarker = "message recalled"

type ContentType string

const (
	ContentText             ContentType = "text"
	ContentPhoto            ContentType = "photo"
	ContentJoinNotification ContentType = "join_notification"
)

// MessageID identifies a message within a room. The server sends numeric
// ids; synthetic client-side entries (presence notifications) use strings.
type MessageID string

// NoReply is the sentinel for a message that does not reference another one.
const NoReply MessageID = ""

func (id *MessageID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = NoReply
		return nil
	}

	var s string
	if b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("message id: %w", err)
		}
	} else {
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("message id: %w", err)
		}
		s = n.String()
	}

	switch s {
	case "", "0", "-1":
		*id = NoReply
	default:
		*id = MessageID(s)
	}
	return nil
}

func (id MessageID) MarshalJSON() ([]byte, error) {
	if id == NoReply {
		return []byte("null"), nil
	}
	if _, err := strconv.ParseInt(string(id), 10, 64); err == nil {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

// JoinCSV renders ids in the form the on-demand endpoint expects.
func JoinCSV(ids []MessageID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return strings.Join(parts, ",")
}

type Message struct {
	Id               MessageID         `json:"id"`
	ChatroomId       int               `json:"chatroom_id"`
	UserId           int               `json:"user_id"`
	Username         string            `json:"username"`
	AvatarRef        string            `json:"avatar,omitempty"`
	ContentType      ContentType       `json:"content_type"`
	OriginalText     string            `json:"original_text"`
	Translations     map[string]string `json:"translations,omitempty"`
	Timestamp        time.Time         `json:"timestamp"`
	IsRecalled       bool              `json:"is_recalled"`
	RecallUsername   string            `json:"recall_username,omitempty"`
	IsEdited         bool              `json:"is_edited"`
	ReplyToMessageId MessageID         `json:"reply_to_message_id"`
	// IsEditing is local UI state and never sent or received.
	IsEditing bool `json:"-"`
}

func (m *Message) HasReply() bool {
	return m.ReplyToMessageId != NoReply
}

// Text returns the content to render for lang. Recalled messages expose no
// content; a missing translation reports ok=false so callers can fall back.
func (m *Message) Text(lang string) (string, bool) {
	if m.IsRecalled {
		return "", false
	}
	if lang == "" || lang == RawLanguage || m.ContentType == ContentPhoto {
		return m.OriginalText, true
	}
	t, ok := m.Translations[lang]
	return t, ok
}

// Clone returns a deep copy so readers never share the translations map.
func (m Message) Clone() Message {
	if m.Translations != nil {
		tr := make(map[string]string, len(m.Translations))
		for k, v := range m.Translations {
			tr[k] = v
		}
		m.Translations = tr
	}
	return m
}

// Selection is a viewer's display language choice. Single is kept while
// split mode is active so toggling back restores it.
type Selection struct {
	IsSplit bool   `json:"is_split"`
	Single  string `json:"language"`
	First   string `json:"language_first"`
	Second  string `json:"language_second"`
}

func DefaultSelection() Selection {
	return Selection{Single: RawLanguage, First: RawLanguage, Second: RawLanguage}
}

// Keys returns the language keys currently displayed.
func (s Selection) Keys() []string {
	if s.IsSplit {
		return []string{s.First, s.Second}
	}
	return []string{s.Single}
}

// IsRaw reports whether every displayed key is the original text.
func (s Selection) IsRaw() bool {
	for _, k := range s.Keys() {
		if k != RawLanguage {
			return false
		}
	}
	return true
}

// Raw returns the selection that requests untranslated content only,
// preserving the display mode.
func (s Selection) Raw() Selection {
	return Selection{IsSplit: s.IsSplit, Single: RawLanguage, First: RawLanguage, Second: RawLanguage}
}

type Chatroom struct {
	Id   int    `json:"id"`
	Name string `json:"name"`
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
