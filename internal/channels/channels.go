// Package channels defines the contract chat front-ends implement to plug
// into the message bus.
package channels

import (
	"context"

	"github.com/valetrun/valet/internal/bus"
)

// Adapter connects one chat front-end to the runtime. Start begins
// publishing inbound envelopes; Deliver is called by the bus for each
// outbound envelope addressed to this channel.
type Adapter interface {
	Type() bus.ChannelType
	Start(ctx context.Context) error
	Stop() error
	Deliver(ctx context.Context, env bus.Envelope) error
}
