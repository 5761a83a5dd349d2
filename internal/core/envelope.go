package core

const (
	TypeChat       = "chat"
	TypeConnection = "connection"
	TypeBadges     = "badges"
)

// Envelope is the JSON frame sent to display clients.
type Envelope struct {
	Type    string `json:"type"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

func ChatEnvelope(msg ChatMessage) Envelope {
	return Envelope{Type: TypeChat, Data: msg}
}

func ConnectionEnvelope(message string) Envelope {
	return Envelope{Type: TypeConnection, Message: message}
}

func BadgesEnvelope(catalog any) Envelope {
	return Envelope{Type: TypeBadges, Data: catalog}
}

// StatusType is the envelope discriminator for a platform's status feed,
// e.g. "twitch-status".
func StatusType(p Platform) string {
	return string(p) + "-status"
}

func StatusEnvelope(p Platform, st Status) Envelope {
	return Envelope{Type: StatusType(p), Data: st}
}
