package store

import "github.com/npezzotti/go-livechat/internal/types"

// Preview is the short rendering of a referenced message.
type Preview struct {
	Id       types.MessageID
	Username string
	Text     string
	Recalled bool
}

// StartReply sets id as the reply target of the next sent message.
func (s *Store) StartReply(id types.MessageID) error {
	s.mu.Lock()
	i, ok := s.index[id]
	if !ok || s.messages[i].ContentType == types.ContentJoinNotification {
		s.mu.Unlock()
		return ErrNotFound
	}
	s.replyTo = id
	s.mu.Unlock()

	s.changed()
	return nil
}

func (s *Store) ClearReply() {
	s.mu.Lock()
	s.replyTo = types.NoReply
	s.mu.Unlock()

	s.changed()
}

func (s *Store) ReplyTarget() types.MessageID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.replyTo
}

// ConsumeReply returns the reply target and clears it.
func (s *Store) ConsumeReply() types.MessageID {
	s.mu.Lock()
	id := s.replyTo
	s.replyTo = types.NoReply
	s.mu.Unlock()

	if id != types.NoReply {
		s.changed()
	}
	return id
}

// ReplyPreview previews the active reply target.
func (s *Store) ReplyPreview() (Preview, bool) {
	return s.PreviewOf(s.ReplyTarget())
}

// PreviewOf renders id in the current display language. A recalled referent
// is rendered as the recall marker.
func (s *Store) PreviewOf(id types.MessageID) (Preview, bool) {
	if id == types.NoReply {
		return Preview{}, false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.index[id]
	if !ok {
		return Preview{}, false
	}

	m := &s.messages[i]
	p := Preview{Id: m.Id, Username: m.Username}
	if m.IsRecalled {
		p.Recalled = true
		p.Text = types.RecallMarker
		return p, true
	}

	lang := s.selection.Single
	if s.selection.IsSplit {
		lang = s.selection.First
	}
	text, ok := m.Text(lang)
	if !ok {
		text = m.OriginalText
	}
	p.Text = text
	return p, true
}
