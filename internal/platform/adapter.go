// Package platform holds the per-platform ingress/egress adapters: the
// game proxy, the social platform with its bot personalities, and the
// federated bridge. All three satisfy one contract; the router and the
// progression engine never see platform specifics.
package platform

import (
	"context"

	"github.com/google/uuid"

	"github.com/crosslink-mc/crosslink/internal/chat"
)

// InboundHandler receives one normalized inbound message.
type InboundHandler func(ctx context.Context, msg *chat.Message)

// Adapter is the single contract every platform implements.
type Adapter interface {
	// Name is the router egress identity.
	Name() string
	Platform() chat.Platform

	// Send delivers a routed chat message, rewriting for the platform as
	// needed (markup, length splits).
	Send(ctx context.Context, msg *chat.Message) error

	// Announce posts an out-of-band notification (verification warnings,
	// promotion announcements) to the named channel.
	Announce(ctx context.Context, channel, text string) error

	// SubscribeInbound registers the handler invoked once per inbound
	// message. One handler per adapter; later calls replace it.
	SubscribeInbound(h InboundHandler)

	// SyncRole maps the player's rank coordinate onto the platform's role
	// system. Idempotent; platforms without roles return nil.
	SyncRole(ctx context.Context, playerID uuid.UUID, mainRank, subRank int) error
}
