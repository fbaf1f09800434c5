package chat

import "fmt"

type NoticeKind string

const (
	NoticeFetchFailed      NoticeKind = "fetch_failed"
	NoticeDevice           NoticeKind = "device"
	NoticeUploadFailed     NoticeKind = "upload_failed"
	NoticeTextUploadFailed NoticeKind = "text_upload_failed"
	NoticeRecognition      NoticeKind = "recognition"
	NoticeTokenExpired     NoticeKind = "token_expired"
	NoticeLeftRoom         NoticeKind = "left_room"
	NoticeDisconnected     NoticeKind = "disconnected"
)

// Notice is a user-visible, non-fatal failure.
type Notice struct {
	Kind       NoticeKind
	ChatroomId int
	Message    string
	Err        error
}

func (n Notice) String() string {
	if n.Err != nil {
		return fmt.Sprintf("%s: %s: %v", n.Kind, n.Message, n.Err)
	}
	return fmt.Sprintf("%s: %s", n.Kind, n.Message)
}
