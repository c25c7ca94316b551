package application

import "context"

type LinkEventKind int

const (
	LinkGotAddress LinkEventKind = iota + 1
	LinkLost
)

func (k LinkEventKind) String() string {
	switch k {
	case LinkGotAddress:
		return "got_address"
	case LinkLost:
		return "lost"
	default:
		return "unknown"
	}
}

type LinkEvent struct {
	Kind    LinkEventKind
	Address string
}

// WifiLink is the station-mode network interface.
type WifiLink interface {
	// Connect associates with the access point and returns once an address has
	// been acquired, or with an error when association fails or ctx expires.
	Connect(ctx context.Context, ssid, password string) error
	// Watch reports address changes until ctx is done.
	Watch(ctx context.Context, notify func(LinkEvent)) error
}
