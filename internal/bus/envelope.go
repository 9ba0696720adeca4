// Package bus provides the message bus that decouples channel adapters,
// the scheduler, the heartbeat, and the subagent supervisor from the agent
// loop. Envelopes for the same session are processed by at most one handler
// invocation at a time and in publish order; envelopes for different
// sessions are processed concurrently.
package bus

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Direction marks which way an envelope flows through the bus.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// ChannelType identifies the chat front-end an envelope belongs to.
type ChannelType string

const (
	ChannelTypeTelegram ChannelType = "telegram"
	ChannelTypeCLI      ChannelType = "cli"
	ChannelTypeSystem   ChannelType = "system" // scheduler/heartbeat synthetic traffic
)

// Origin tags where an envelope came from.
const (
	OriginHuman     = "human"
	OriginHeartbeat = "heartbeat"
)

// CronOrigin builds the origin tag for an envelope fired by a cron job.
func CronOrigin(jobID string) string {
	return "cron:" + jobID
}

// SubagentOrigin builds the origin tag for an envelope carrying a subagent result.
func SubagentOrigin(id string) string {
	return "subagent:" + id
}

// IsSynthetic reports whether the origin is timer- or subagent-generated
// rather than typed by a human.
func IsSynthetic(origin string) bool {
	return origin != OriginHuman
}

// IsCronOrigin reports whether the origin tag names a cron job, and if so
// returns the job id.
func IsCronOrigin(origin string) (string, bool) {
	if rest, ok := strings.CutPrefix(origin, "cron:"); ok {
		return rest, true
	}
	return "", false
}

// Envelope is the unit that flows through the bus. Envelopes are immutable
// once published; ownership transfers from producer to bus to consumer.
type Envelope struct {
	Direction   Direction   `json:"direction"`
	Channel     ChannelType `json:"channel"`
	Address     string      `json:"address"` // channel-specific routing address (chat id etc.)
	UserID      string      `json:"user_id"`
	SessionID   string      `json:"session_id"`
	Text        string      `json:"text"`
	Attachments []string    `json:"attachments,omitempty"`
	Origin      string      `json:"origin"`
	Timestamp   time.Time   `json:"timestamp"`
}

// SessionID derives the stable session id for a channel identity.
func SessionID(channel ChannelType, userID string) string {
	return fmt.Sprintf("%s:%s", channel, userID)
}

// NewInbound creates an inbound envelope with the current timestamp.
// The session id is derived from the channel identity.
func NewInbound(channel ChannelType, address, userID, text, origin string) Envelope {
	return Envelope{
		Direction: DirectionInbound,
		Channel:   channel,
		Address:   address,
		UserID:    userID,
		SessionID: SessionID(channel, userID),
		Text:      text,
		Origin:    origin,
		Timestamp: time.Now(),
	}
}

// NewOutbound creates an outbound envelope addressed back to a channel.
func NewOutbound(channel ChannelType, address, userID, sessionID, text string) Envelope {
	return Envelope{
		Direction: DirectionOutbound,
		Channel:   channel,
		Address:   address,
		UserID:    userID,
		SessionID: sessionID,
		Text:      text,
		Timestamp: time.Now(),
	}
}

// Reply builds an outbound envelope addressed back to the channel and
// routing address an inbound envelope arrived from.
func Reply(in Envelope, text string) Envelope {
	return NewOutbound(in.Channel, in.Address, in.UserID, in.SessionID, text)
}

type envelopeKey struct{}

// WithEnvelope attaches the envelope being processed to a context, so tools
// executing inside the agent loop can see which conversation invoked them.
func WithEnvelope(ctx context.Context, env Envelope) context.Context {
	return context.WithValue(ctx, envelopeKey{}, env)
}

// EnvelopeFromContext returns the envelope attached by WithEnvelope.
func EnvelopeFromContext(ctx context.Context) (Envelope, bool) {
	env, ok := ctx.Value(envelopeKey{}).(Envelope)
	return env, ok
}
