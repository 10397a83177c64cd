package api

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/brandon/webmail-relay/pkg/types"
)

// UID is a message UID that decodes from either a JSON number or a
// numeric string.
type UID uint32

// UnmarshalJSON accepts 42 and "42". null and "" decode to 0.
func (u *UID) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*u = 0
		return nil
	}
	n, err := parseUID(s)
	if err != nil {
		return err
	}
	*u = n
	return nil
}

func parseUID(s string) (UID, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid uid %q", s)
	}
	return UID(n), nil
}

// AddressList decodes from an array of strings or a comma-separated string.
type AddressList []string

// UnmarshalJSON trims every entry and drops empty ones.
func (l *AddressList) UnmarshalJSON(b []byte) error {
	var list []string
	if err := json.Unmarshal(b, &list); err == nil {
		*l = cleanAddresses(list)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("expected a string or an array of strings")
	}
	*l = cleanAddresses(strings.Split(s, ","))
	return nil
}

func cleanAddresses(in []string) AddressList {
	out := make(AddressList, 0, len(in))
	for _, a := range in {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}

type sessionRef struct {
	SessionID string `json:"sessionId"`
}

type connectRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type messageRequest struct {
	Folder string `json:"folder"`
	UID    UID    `json:"uid"`
}

type starRequest struct {
	Folder  string `json:"folder"`
	UID     UID    `json:"uid"`
	Starred bool   `json:"starred"` // current state, flipped by the relay
}

type moveRequest struct {
	FromFolder string `json:"fromFolder"`
	UID        UID    `json:"uid"`
	ToFolder   string `json:"toFolder"`
}

type attachmentRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Content     string `json:"content"` // base64, optionally as a data URL
}

type sendRequest struct {
	To          AddressList         `json:"to"`
	Cc          AddressList         `json:"cc"`
	Bcc         AddressList         `json:"bcc"`
	Subject     string              `json:"subject"`
	Body        string              `json:"body"`
	Attachments []attachmentRequest `json:"attachments"`
}

func (r *sendRequest) message() (types.OutgoingMessage, error) {
	msg := types.OutgoingMessage{
		To:       r.To,
		Cc:       r.Cc,
		Bcc:      r.Bcc,
		Subject:  r.Subject,
		HTMLBody: r.Body,
	}
	for _, a := range r.Attachments {
		content, err := decodeAttachment(a.Content)
		if err != nil {
			return types.OutgoingMessage{}, fmt.Errorf("attachment %q: %w", a.Filename, err)
		}
		msg.Attachments = append(msg.Attachments, types.OutgoingAttachment{
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Content:     content,
		})
	}
	return msg, nil
}

func decodeAttachment(s string) ([]byte, error) {
	if strings.HasPrefix(s, "data:") {
		if i := strings.Index(s, ";base64,"); i >= 0 {
			s = s[i+len(";base64,"):]
		}
	}
	b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid base64 content")
	}
	return b, nil
}

func folderOrInbox(folder string) string {
	if folder = strings.TrimSpace(folder); folder == "" {
		return "INBOX"
	}
	return folder
}
