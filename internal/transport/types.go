package transport

import "context"

// Topic is one event subscription for one channel.
//
// The presence core only looks at Channel (queue key) and Key (identity);
// Name and AuthToken are carried through to the transport untouched.
type Topic struct {
	Channel   string
	Name      string
	AuthToken string
}

// Key identifies a topic independent of the token it was authorized with.
func (t Topic) Key() string { return t.Channel + "|" + t.Name }

// Chat is the chat side of the transport.
type Chat interface {
	JoinChannels(ctx context.Context, handles []string) error
	SendText(ctx context.Context, destination, text string) error
}

// Events is the event-subscription side of the transport.
type Events interface {
	SubscribeTopics(ctx context.Context, topics []Topic) error
	UnsubscribeTopics(ctx context.Context, topics []Topic) error
}

// ReadyHandler is invoked every time the chat connection (re)authenticates.
type ReadyHandler interface {
	OnReady(ctx context.Context)
}

// ReconnectHandler is invoked when the event connection dropped and was re-established.
// It returns the full topic list the transport should resubscribe in one shot.
type ReconnectHandler interface {
	OnReconnect(ctx context.Context, current []Topic) []Topic
}

// ReadyFunc adapts a function to ReadyHandler.
type ReadyFunc func(ctx context.Context)

func (f ReadyFunc) OnReady(ctx context.Context) { f(ctx) }
