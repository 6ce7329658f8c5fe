// Package channel contains delivery bridges that mirror conversation
// traffic between the swarm and external chat surfaces. Each bridge
// injects inbound text through the manager's user-message path and
// mirrors outbound conversation_message events whose source matches its
// surface.
package channel

import (
	"context"
	"encoding/json"

	"swarmd/internal/domain"
	"swarmd/internal/usecase/swarm"
)

// Dispatcher routes inbound user text into the swarm. *swarm.Manager
// satisfies it; tests inject a recorder.
type Dispatcher interface {
	HandleUserMessage(ctx context.Context, text string, opts swarm.UserMessageOptions) (domain.SendMessageReceipt, error)
}

// Bridge is one external surface connection.
type Bridge interface {
	Name() string
	// Start connects the bridge and begins relaying in both directions.
	// Non-blocking; background work stops when ctx is cancelled or Stop
	// is called.
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// subscribeOutbound registers a bus handler that forwards assistant
// conversation messages tagged with the given surface. Returns the
// unsubscribe function; a nil bus yields a no-op.
func subscribeOutbound(bus domain.EventBus, surface domain.Surface, send func(ctx context.Context, msg domain.ConversationMessage)) func() {
	if bus == nil {
		return func() {}
	}
	return bus.Subscribe(domain.EventConversationMessage, func(ctx context.Context, ev domain.Event) {
		var msg domain.ConversationMessage
		if err := json.Unmarshal(ev.Payload, &msg); err != nil {
			return
		}
		if msg.Role != domain.RoleAssistant {
			return
		}
		if msg.Source.Surface != surface || msg.Source.ChannelID == "" {
			return
		}
		send(ctx, msg)
	})
}
