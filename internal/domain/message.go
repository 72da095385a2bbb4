package domain

// ChannelDomain is the cognitive domain a message is routed to. Every channel
// declares exactly one default; the router may override it per message.
type ChannelDomain string

const (
	DomainSocial        ChannelDomain = "social"
	DomainProductivity  ChannelDomain = "productivity"
	DomainUtilities     ChannelDomain = "utilities"
	DomainFinance       ChannelDomain = "finance"
	DomainTravel        ChannelDomain = "travel"
	DomainCreativity    ChannelDomain = "creativity"
	DomainInformation   ChannelDomain = "information"
	DomainEntertainment ChannelDomain = "entertainment"
	DomainSystem        ChannelDomain = "system"
)

// Domains lists every valid ChannelDomain, in routing-selector order.
var Domains = []ChannelDomain{
	DomainSocial,
	DomainProductivity,
	DomainUtilities,
	DomainFinance,
	DomainTravel,
	DomainCreativity,
	DomainInformation,
	DomainEntertainment,
	DomainSystem,
}

// ValidDomain reports whether s names a known ChannelDomain.
func ValidDomain(s string) bool {
	for _, d := range Domains {
		if string(d) == s {
			return true
		}
	}
	return false
}

// Attachment is a typed reference to media carried alongside a message.
type Attachment struct {
	URL      string `json:"url"`
	MIMEType string `json:"mimeType,omitempty"`
	Name     string `json:"name,omitempty"`
}

// InboundMessage is the canonical shape every adapter emits. It is treated as
// immutable once published; the router copies it when overriding Domain.
type InboundMessage struct {
	ID          string        `json:"id"`        // network-native message id, unique within the channel
	ChannelID   string        `json:"channelId"` // adapter identity
	Domain      ChannelDomain `json:"domain"`    // adapter default at emission, router may override
	SenderID    string        `json:"senderId"`
	SenderName  string        `json:"senderName,omitempty"`
	ThreadID    string        `json:"threadId,omitempty"`
	GroupID     string        `json:"groupId,omitempty"`
	Text        string        `json:"text"`
	Attachments []Attachment  `json:"attachments,omitempty"`
	Timestamp   int64         `json:"timestamp"` // epoch milliseconds
	IsEncrypted bool          `json:"isEncrypted,omitempty"`
	RawPayload  []byte        `json:"-"` // original network payload, diagnostics only
}

// OutboundMessage is the canonical reply shape. The adapter resolves how
// RecipientID/ThreadID/GroupID map onto its network's addressing.
type OutboundMessage struct {
	ChannelID         string       `json:"channelId"`
	RecipientID       string       `json:"recipientId"`
	ThreadID          string       `json:"threadId,omitempty"`
	GroupID           string       `json:"groupId,omitempty"`
	Text              string       `json:"text"`
	Attachments       []Attachment `json:"attachments,omitempty"`
	RequireEncryption bool         `json:"requireEncryption,omitempty"`
}

// ChatMessage is one entry of a session's bounded history.
type ChatMessage struct {
	Role      string `json:"role"` // "user" | "assistant" | "system"
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"` // epoch milliseconds, stamped by the session manager
}
