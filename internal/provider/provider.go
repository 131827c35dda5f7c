// Package provider defines the interface for outbound mail transports.
package provider

import (
	"context"
)

// Provider is the interface that outbound transports must implement.
// Each provider hands a fully formed MIME message to a delivery service
// (e.g., AWS SES, or stdout during local development).
type Provider interface {
	// SendRaw delivers raw to the single envelope recipient to, regardless
	// of the addresses in the message headers.
	SendRaw(ctx context.Context, to string, raw []byte) error

	// Name returns the human-readable name of this provider.
	Name() string
}
