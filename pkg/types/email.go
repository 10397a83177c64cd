package types

// Account holds the credentials a session was opened with. It lives in
// memory only.
type Account struct {
	Address string `json:"email"`
	Secret  string `json:"-"`
}

// Address represents a single mailbox address
type Address struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

// Body holds both renderings of a message body
type Body struct {
	Text string `json:"text"`
	HTML string `json:"html"`
}

// Attachment describes an attachment without its content
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Size        int    `json:"size"`
}

// Email represents a parsed message summary
type Email struct {
	ID          string       `json:"id"`
	From        []Address    `json:"from"`
	To          []Address    `json:"to"`
	Cc          []Address    `json:"cc"`
	Bcc         []Address    `json:"bcc"`
	Subject     string       `json:"subject"`
	Body        Body         `json:"body"`
	Date        string       `json:"date"`
	IsRead      bool         `json:"isRead"`
	IsStarred   bool         `json:"isStarred"`
	Folder      string       `json:"folder"`
	Attachments []Attachment `json:"attachments"`
	Preview     string       `json:"preview"`
}

// Special-use tags assigned to folders by name.
const (
	SpecialUseInbox  = "inbox"
	SpecialUseSent   = "sent"
	SpecialUseDrafts = "drafts"
	SpecialUseTrash  = "trash"
	SpecialUseJunk   = "junk"
)

// Folder represents an email folder/mailbox
type Folder struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Path        string `json:"path"`
	SpecialUse  string `json:"specialUse,omitempty"`
	UnreadCount int    `json:"unreadCount"`
}

// OutgoingAttachment is a file attached to a message being sent
type OutgoingAttachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// OutgoingMessage represents an email to be sent
type OutgoingMessage struct {
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	HTMLBody    string
	Attachments []OutgoingAttachment
}

// Recipients returns every envelope recipient, Bcc included.
func (m *OutgoingMessage) Recipients() []string {
	recipients := make([]string, 0, len(m.To)+len(m.Cc)+len(m.Bcc))
	recipients = append(recipients, m.To...)
	recipients = append(recipients, m.Cc...)
	recipients = append(recipients, m.Bcc...)
	return recipients
}
