package watch

import "encoding/json"

// Endpoint addresses one chat participant: who to write to, as which bot, and
// through which conversation.
//
// Endpoints are compared by full value equality. Two messages from the same user in
// different conversations produce two distinct endpoints.
type Endpoint struct {
	RecipientID    string `json:"to_id"`
	RecipientName  string `json:"to_name"`
	BotID          string `json:"from_id"`
	BotName        string `json:"from_name"`
	ServiceURL     string `json:"service_url"`
	ChannelID      string `json:"channel_id"`
	ConversationID string `json:"conversation_id"`
}

// HasConversation reports whether the endpoint can be reused as-is, without asking
// the transport to open a new direct conversation.
func (e Endpoint) HasConversation() bool {
	return e.ConversationID != "" && e.ChannelID != ""
}

// WithConversation returns a copy bound to conversationID.
func (e Endpoint) WithConversation(conversationID string) Endpoint {
	e.ConversationID = conversationID
	return e
}

// String returns the serialized (JSON) form.
func (e Endpoint) String() string {
	b, err := json.Marshal(e)
	if err != nil {
		return ""
	}
	return string(b)
}

// ParseEndpoint decodes the form produced by String.
func ParseEndpoint(s string) (Endpoint, error) {
	var e Endpoint
	err := json.Unmarshal([]byte(s), &e)
	return e, err
}
