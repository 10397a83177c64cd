package email

import (
	"bytes"
	"errors"
	"fmt"
	"html"
	"net/mail"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/jhillyerd/enmime"

	"github.com/brandon/webmail-relay/pkg/types"
)

const (
	noSubject     = "(No Subject)"
	previewLength = 150
	isoTimeLayout = "2006-01-02T15:04:05.000Z07:00"
)

var whitespaceRun = regexp.MustCompile(`\s+`)

// RawMessage is one fetched message: the complete RFC 822 bytes bundled with
// the attributes returned alongside them.
type RawMessage struct {
	SeqNum       uint32
	UID          uint32
	Flags        []string
	InternalDate time.Time
	Body         []byte
}

// parseMessage decodes a raw message into a summary.
func parseMessage(raw RawMessage, folder string, now time.Time) (types.Email, error) {
	if len(raw.Body) == 0 {
		return types.Email{}, &ParseError{UID: raw.UID, Err: errors.New("empty message body")}
	}

	env, err := enmime.ReadEnvelope(bytes.NewReader(raw.Body))
	if err != nil {
		return types.Email{}, &ParseError{UID: raw.UID, Err: err}
	}

	subject := strings.TrimSpace(env.GetHeader("Subject"))
	if subject == "" {
		subject = noSubject
	}

	htmlBody := env.HTML
	if htmlBody == "" && env.Text != "" {
		htmlBody = textToHTML(env.Text)
	}

	email := types.Email{
		ID:          strconv.FormatUint(uint64(raw.UID), 10),
		From:        addressList(env, "From"),
		To:          addressList(env, "To"),
		Cc:          addressList(env, "Cc"),
		Bcc:         addressList(env, "Bcc"),
		Subject:     subject,
		Body:        types.Body{Text: env.Text, HTML: htmlBody},
		Date:        messageDate(env.GetHeader("Date"), raw.InternalDate, now),
		IsRead:      hasFlag(raw.Flags, imap.SeenFlag),
		IsStarred:   hasFlag(raw.Flags, imap.FlaggedFlag),
		Folder:      folder,
		Attachments: attachmentList(env),
		Preview:     makePreview(env.Text),
	}
	return email, nil
}

func addressList(env *enmime.Envelope, header string) []types.Address {
	list, err := env.AddressList(header)
	if err != nil || len(list) == 0 {
		return []types.Address{}
	}
	out := make([]types.Address, 0, len(list))
	for _, addr := range list {
		if addr == nil {
			continue
		}
		out = append(out, types.Address{Name: addr.Name, Address: addr.Address})
	}
	return out
}

func attachmentList(env *enmime.Envelope) []types.Attachment {
	parts := make([]*enmime.Part, 0, len(env.Attachments)+len(env.Inlines))
	parts = append(parts, env.Attachments...)
	parts = append(parts, env.Inlines...)

	out := make([]types.Attachment, 0, len(parts))
	for _, part := range parts {
		out = append(out, types.Attachment{
			Filename:    part.FileName,
			ContentType: part.ContentType,
			Size:        len(part.Content),
		})
	}
	return out
}

// messageDate prefers the Date header, then the server's internal date,
// then the time of the fetch.
func messageDate(header string, internal, now time.Time) string {
	if header != "" {
		if t, err := mail.ParseDate(header); err == nil {
			return t.UTC().Format(isoTimeLayout)
		}
	}
	if !internal.IsZero() {
		return internal.UTC().Format(isoTimeLayout)
	}
	return now.UTC().Format(isoTimeLayout)
}

// makePreview cuts the first 150 characters then collapses whitespace.
func makePreview(text string) string {
	runes := []rune(text)
	if len(runes) > previewLength {
		runes = runes[:previewLength]
	}
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(string(runes), " "))
}

// textToHTML renders a plain-text body as paragraphs with line breaks.
func textToHTML(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var b strings.Builder
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.Trim(para, "\n")
		if strings.TrimSpace(para) == "" {
			continue
		}
		lines := strings.Split(para, "\n")
		for i := range lines {
			lines[i] = html.EscapeString(lines[i])
		}
		fmt.Fprintf(&b, "<p>%s</p>", strings.Join(lines, "<br/>"))
	}
	return b.String()
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, want) {
			return true
		}
	}
	return false
}
