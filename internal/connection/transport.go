package connection

import (
	"context"
	"errors"

	"pricefeed/pkg/ticker"
)

var (
	// ErrResubscribeUnsupported is returned by transports whose channel
	// membership is managed server-side and cannot be re-established from
	// the client after a reconnect.
	ErrResubscribeUnsupported = errors.New("client-side re-subscribe not supported")
)

// Transport is the live feed abstraction consumed by the Manager. It delivers
// decoded tick messages; the wire encoding is the transport's concern.
// pkg/ticker.WSClient is the production implementation.
type Transport interface {
	// Connect performs the handshake. The transport carries its own
	// handshake timeout; no second timeout layer is added on top.
	Connect(ctx context.Context) error

	// Subscribe joins a channel and returns the subscription id. It may
	// return ErrResubscribeUnsupported when membership is server-managed.
	Subscribe(ctx context.Context, topic string) (string, error)

	// Updates delivers decoded price updates across reconnects.
	Updates() <-chan ticker.PriceUpdate

	// Errors reports a mid-session drop. At most one error is delivered
	// per established connection.
	Errors() <-chan error

	IsConnected() bool

	// Close tears the transport down. Idempotent.
	Close() error
}
