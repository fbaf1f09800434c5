package channel

import (
	"encoding/json"

	"github.com/npezzotti/go-livechat/internal/types"
)

// Event names are part of the server contract.
type Event string

const (
	// client -> server
	EventJoinRoom           Event = "join_room"
	EventUploadText         Event = "upload_text"
	EventUploadAudio        Event = "upload_audio"
	EventSpeakingStart      Event = "user_speaking_from_client_start"
	EventSpeakingStop       Event = "user_speaking_from_client_stop"
	EventSpeakingTranscript Event = "user_speaking_from_client_content_transcript"
	EventEditText           Event = "edit_existed_text"
	EventRecall             Event = "recall_message"
	EventFetchChatrooms     Event = "fetch_chatrooms"

	// server -> client
	EventNewMessage          Event = "new_message"
	EventTranslatedExisting  Event = "received_translated_existed_single_language"
	EventRecallStatus        Event = "receive_recall_message_status"
	EventEditedMessage       Event = "receive_edited_message"
	EventRemoteSpeakingStart Event = "user_speaking_to_client_start"
	EventRemoteSpeakingStop  Event = "user_speaking_to_client_stop"
	EventRemoteTranscript    Event = "user_speaking_to_client_content_transcript"
	EventUserJoined          Event = "user_joined_chatroom"
	EventChatroomsFetched    Event = "chatrooms_fetched"
	EventTokenNegative       Event = "check_token_status_is_negative"
	EventLeftChatroom        Event = "already_leave_chatroom"
	EventAudioUploadFailed   Event = "audio_upload_failed"
	EventTextUploadFailed    Event = "text_upload_failed"

	eventAck Event = "ack"
)

// Envelope wraps every frame on the wire.
type Envelope struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ack   string          `json:"ack,omitempty"`
}

func NewEnvelope(event Event, data any, ack string) (*Envelope, error) {
	env := &Envelope{Event: event, Ack: ack}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		env.Data = raw
	}
	return env, nil
}

func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

type JoinRoom struct {
	ChatroomId int `json:"chatroom_id"`
	UserId     int `json:"user_id"`
}

type FetchChatrooms struct {
	UserId int `json:"user_id"`
}

type ChatroomsFetched struct {
	Chatrooms []types.Chatroom `json:"chatrooms"`
}

// LanguageFields carries the sender's display selection so the server can
// translate the finalized message for it.
type LanguageFields struct {
	IsSplit        bool   `json:"is_split"`
	Language       string `json:"language"`
	LanguageFirst  string `json:"language_first"`
	LanguageSecond string `json:"language_second"`
}

func NewLanguageFields(sel types.Selection) LanguageFields {
	return LanguageFields{
		IsSplit:        sel.IsSplit,
		Language:       sel.Single,
		LanguageFirst:  sel.First,
		LanguageSecond: sel.Second,
	}
}

type UploadText struct {
	ClientMessageId  string          `json:"client_message_id"`
	ChatroomId       int             `json:"chatroom_id"`
	UserId           int             `json:"user_id"`
	Username         string          `json:"username"`
	Text             string          `json:"text"`
	ReplyToMessageId types.MessageID `json:"reply_to_message_id"`
	LanguageFields
}

type UploadAudio struct {
	ClientMessageId  string          `json:"client_message_id"`
	ChatroomId       int             `json:"chatroom_id"`
	UserId           int             `json:"user_id"`
	Username         string          `json:"username"`
	Audio            string          `json:"audio"`
	SourceLanguage   string          `json:"source_language"`
	ReplyToMessageId types.MessageID `json:"reply_to_message_id"`
	LanguageFields
}

type SpeakingStart struct {
	ChatroomId int    `json:"chatroom_id"`
	UserId     int    `json:"user_id"`
	Username   string `json:"username"`
	// Duration is the auto-stop countdown in seconds.
	Duration int `json:"duration"`
}

type SpeakingStop struct {
	ChatroomId int `json:"chatroom_id"`
	UserId     int `json:"user_id"`
}

type Transcript struct {
	ChatroomId     int    `json:"chatroom_id"`
	UserId         int    `json:"user_id"`
	Username       string `json:"username"`
	Final          string `json:"final"`
	Interim        string `json:"interim"`
	SourceLanguage string `json:"source_language"`
}

type EditText struct {
	ChatroomId int             `json:"chatroom_id"`
	MessageId  types.MessageID `json:"message_id"`
	UserId     int             `json:"user_id"`
	Text       string          `json:"text"`
}

type Recall struct {
	ChatroomId int             `json:"chatroom_id"`
	MessageId  types.MessageID `json:"message_id"`
	UserId     int             `json:"user_id"`
	Username   string          `json:"username"`
}

// MessageEvent carries a full message for new_message, edits and
// single-message translation pushes.
type MessageEvent struct {
	Message types.Message `json:"message"`
}

type RecallStatus struct {
	MessageId      types.MessageID `json:"message_id"`
	RecallUsername string          `json:"recall_username"`
}

type UserJoined struct {
	ChatroomId int    `json:"chatroom_id"`
	UserId     int    `json:"user_id"`
	Username   string `json:"username"`
}

type LeftChatroom struct {
	ChatroomId int `json:"chatroom_id"`
}

type UploadFailed struct {
	ClientMessageId string `json:"client_message_id"`
	Error           string `json:"error"`
}
