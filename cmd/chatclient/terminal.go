package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/npezzotti/go-livechat/internal/chat"
	"github.com/npezzotti/go-livechat/internal/stream"
	"github.com/npezzotti/go-livechat/internal/types"
)

const helpText = `commands:
  /join <id>            switch chatroom
  /rooms                list chatrooms
  /lang <code>          display language (raw for originals)
  /split [first second] toggle split display, or set its languages
  /more                 load older messages
  /reply <id>           reply to a message, /noreply to cancel
  /edit <id> <text>     replace the text of a message
  /recall <id>          recall a message
  /talk                 start or stop a voice message
  /quit
anything else is sent as a message`

var errQuit = errors.New("quit")

type command struct {
	name string
	args []string
	// rest is everything after the first argument, for /edit.
	rest string
}

// parseCommand splits a slash command. Plain lines become "say".
func parseCommand(line string) command {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return command{name: "say", rest: line}
	}

	fields := strings.Fields(line[1:])
	if len(fields) == 0 {
		return command{name: "help"}
	}
	c := command{name: strings.ToLower(fields[0]), args: fields[1:]}
	if len(c.args) > 0 {
		after := strings.TrimSpace(strings.TrimPrefix(line[1:], fields[0]))
		c.rest = strings.TrimSpace(strings.TrimPrefix(after, c.args[0]))
	}
	return c
}

// terminal projects the active room onto a line-oriented output.
type terminal struct {
	client *chat.Client
	out    io.Writer
	redraw chan struct{}
}

func (t *terminal) join(ctx context.Context, chatroomId int) error {
	r, err := t.client.JoinRoom(ctx, chatroomId)
	if err != nil {
		return err
	}
	r.OnUpdate(func() {
		select {
		case t.redraw <- struct{}{}:
		default:
		}
	})
	render(t.out, r)
	return nil
}

func (t *terminal) loop(ctx context.Context, lines <-chan string) error {
	fmt.Fprintln(t.out, "type /help for commands")
	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-t.client.Notices():
			fmt.Fprintf(t.out, "! %s\n", n.Message)
		case <-t.redraw:
			if r := t.client.Room(); r != nil {
				render(t.out, r)
			}
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			err := t.exec(ctx, parseCommand(line))
			if errors.Is(err, errQuit) {
				return nil
			}
			if err != nil {
				fmt.Fprintf(t.out, "! %v\n", err)
			}
		}
	}
}

func (t *terminal) exec(ctx context.Context, c command) error {
	switch c.name {
	case "quit", "exit":
		return errQuit
	case "help":
		fmt.Fprintln(t.out, helpText)
		return nil
	case "rooms":
		for _, room := range t.client.Chatrooms() {
			fmt.Fprintf(t.out, "  %d  %s\n", room.Id, room.Name)
		}
		return nil
	case "join":
		if len(c.args) != 1 {
			return errors.New("usage: /join <id>")
		}
		id, err := strconv.Atoi(c.args[0])
		if err != nil {
			return fmt.Errorf("invalid chatroom id %q", c.args[0])
		}
		return t.join(ctx, id)
	}

	r := t.client.Room()
	if r == nil {
		return chat.ErrNoRoom
	}

	switch c.name {
	case "say":
		if c.rest == "" {
			return nil
		}
		return r.SendText(c.rest)
	case "lang":
		if len(c.args) != 1 {
			return errors.New("usage: /lang <code>")
		}
		return r.SetLanguage(ctx, c.args[0])
	case "split":
		switch len(c.args) {
		case 0:
			return r.ToggleSplit(ctx)
		case 2:
			if err := r.SetSplitLanguages(ctx, c.args[0], c.args[1]); err != nil {
				return err
			}
			if !r.Selection().IsSplit {
				return r.ToggleSplit(ctx)
			}
			return nil
		default:
			return errors.New("usage: /split [first second]")
		}
	case "more":
		return r.LoadMore(ctx)
	case "reply":
		if len(c.args) != 1 {
			return errors.New("usage: /reply <id>")
		}
		return r.Reply(types.MessageID(c.args[0]))
	case "noreply":
		r.ClearReply()
		return nil
	case "edit":
		if len(c.args) < 2 {
			return errors.New("usage: /edit <id> <text>")
		}
		return r.Edit(types.MessageID(c.args[0]), c.rest)
	case "recall":
		if len(c.args) != 1 {
			return errors.New("usage: /recall <id>")
		}
		return r.Recall(ctx, types.MessageID(c.args[0]))
	case "talk":
		if r.Speaking() {
			return r.StopSpeaking()
		}
		return r.StartSpeaking(ctx)
	default:
		return fmt.Errorf("unknown command /%s", c.name)
	}
}

func render(w io.Writer, r *chat.Room) {
	sel := r.Selection()
	s := r.Store()

	fmt.Fprintf(w, "--- room %d [%s] ---\n", r.Id(), selectionLabel(sel))
	for _, m := range s.Visible() {
		fmt.Fprintln(w, formatMessage(m, sel))
		if m.HasReply() && !m.IsRecalled {
			if p, ok := s.PreviewOf(m.ReplyToMessageId); ok {
				fmt.Fprintf(w, "      re %s: %s\n", p.Username, p.Text)
			}
		}
	}
	for _, sp := range r.Mirror().Speakers() {
		fmt.Fprintln(w, formatSpeaker(sp, sel))
	}
	if c := r.Caption(); c.Text() != "" {
		fmt.Fprintf(w, "~ you: %s\n", c.Text())
	}
	if p, ok := s.ReplyPreview(); ok {
		fmt.Fprintf(w, "> replying to %s: %s\n", p.Username, p.Text)
	}
}

func selectionLabel(sel types.Selection) string {
	if sel.IsSplit {
		return sel.First + " | " + sel.Second
	}
	return sel.Single
}

func formatMessage(m types.Message, sel types.Selection) string {
	switch {
	case m.ContentType == types.ContentJoinNotification:
		return fmt.Sprintf("* %s joined", m.OriginalText)
	case m.IsRecalled:
		by := m.RecallUsername
		if by == "" {
			by = m.Username
		}
		return fmt.Sprintf("[%s] %s: (%s by %s)", m.Id, m.Username, types.RecallMarker, by)
	}

	var parts []string
	for _, k := range sel.Keys() {
		text, ok := m.Text(k)
		if !ok {
			text = "(translating)"
		}
		parts = append(parts, text)
	}

	line := fmt.Sprintf("[%s] %s: %s", m.Id, m.Username, strings.Join(parts, " | "))
	if m.IsEdited {
		line += " (edited)"
	}
	if m.IsEditing {
		line += " (editing)"
	}
	return line
}

func formatSpeaker(sp stream.Speaker, sel types.Selection) string {
	text := sp.Text()
	var translated []string
	for _, k := range sel.Keys() {
		if t, ok := sp.Translations[k]; ok && t != "" {
			translated = append(translated, t)
		}
	}
	if len(translated) > 0 {
		text += " / " + strings.Join(translated, " | ")
	}
	return fmt.Sprintf("~ %s (%s): %s", sp.Username, sp.State, text)
}

