package application

import (
	"context"
	"io"
)

// FirmwareFetcher streams the image at url into dst and returns the number of
// bytes written.
type FirmwareFetcher interface {
	Fetch(ctx context.Context, url string, dst io.Writer) (int64, error)
}

// FirmwareInstaller commits a verified, staged image so it is booted next.
type FirmwareInstaller interface {
	Install(ctx context.Context, stagedPath string) error
}

type Restarter interface {
	Restart(reason string) error
}

// Actuator drives the physical valve.
type Actuator interface {
	SetValve(ctx context.Context, open bool) error
}

// SafetySource watches for an internal safety condition and reports it
// through raise until ctx is done.
type SafetySource interface {
	Name() string
	Watch(ctx context.Context, raise func(reason string)) error
}
