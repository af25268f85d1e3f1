// Package channels hosts PAW's external-facing message adapters:
// long-lived providers that poll or listen for inbound messages, hand
// them to the shared inbound handler, and deliver replies.
package channels

import "context"

// InboundEvent is a message arriving on a channel, before the gateway
// normalizes it.
type InboundEvent struct {
	Channel    string
	SessionKey string
	SenderID   string
	PeerID     string
	ThreadID   string
	MessageID  string
	Text       string

	Model     string
	SmartMode bool
	AgentMode bool
}

// InboundHandler processes one inbound message and returns the reply
// text. Wired to the event gateway in main; providers never import the
// gateway directly.
type InboundHandler func(ctx context.Context, event InboundEvent) (string, error)

// Status is a point-in-time snapshot of a provider's runtime state.
type Status struct {
	Channel        string `json:"channel"`
	Mode           string `json:"mode"`
	Enabled        bool   `json:"enabled"`
	Running        bool   `json:"running"`
	LastError      string `json:"last_error,omitempty"`
	LastInboundAt  string `json:"last_inbound_at,omitempty"`
	LastOutboundAt string `json:"last_outbound_at,omitempty"`
}

// Provider is a channel adapter. Start launches its background work
// (polling loops and the like) and returns; Stop shuts it down.
type Provider interface {
	Name() string
	Enabled() bool
	Start(ctx context.Context) error
	Stop()
	Status() Status

	// SendText delivers text to a peer on this channel. An empty
	// peerID targets the most recent inbound peer, letting scheduled
	// output reach the operator without an explicit address.
	SendText(ctx context.Context, peerID, text string) error
}
