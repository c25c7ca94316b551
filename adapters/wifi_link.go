package adapters

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"time"

	"valve-controller/application"

	"github.com/rs/zerolog"
)

const (
	WifiModeNmcli = "nmcli"
	WifiModeHost  = "host"

	WifiDefaultPollInterval = 2 * time.Second
)

type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

type WifiLinkParams struct {
	// Mode is WifiModeNmcli to associate through NetworkManager, or
	// WifiModeHost when the network is managed outside the controller and
	// Connect only waits for an address.
	Mode      string
	Interface string

	PollInterval time.Duration

	// Runner and Addresses replace nmcli and interface lookup, for tests.
	Runner    CommandRunner
	Addresses func(iface string) ([]string, error)

	Log zerolog.Logger
}

func (p *WifiLinkParams) EnsureDefaults() {
	if p.Mode == "" {
		p.Mode = WifiModeNmcli
	}
	if p.PollInterval == 0 {
		p.PollInterval = WifiDefaultPollInterval
	}
	if p.Runner == nil {
		p.Runner = runCommand
	}
	if p.Addresses == nil {
		p.Addresses = interfaceAddresses
	}
}

type WifiLink struct {
	params WifiLinkParams
	log    zerolog.Logger
}

func NewWifiLink(params WifiLinkParams) (*WifiLink, error) {
	params.EnsureDefaults()
	if params.Mode != WifiModeNmcli && params.Mode != WifiModeHost {
		return nil, fmt.Errorf("invalid wifi mode %q", params.Mode)
	}
	return &WifiLink{params: params, log: params.Log}, nil
}

func (w *WifiLink) Connect(ctx context.Context, ssid, password string) error {
	if w.params.Mode == WifiModeNmcli {
		args := []string{"--wait", "0", "device", "wifi", "connect", ssid}
		if password != "" {
			args = append(args, "password", password)
		}
		if w.params.Interface != "" {
			args = append(args, "ifname", w.params.Interface)
		}

		out, err := w.params.Runner(ctx, "nmcli", args...)
		if err != nil {
			return fmt.Errorf("nmcli connect %q: %w: %s", ssid, err, strings.TrimSpace(string(out)))
		}
	}

	return w.waitAddress(ctx)
}

func (w *WifiLink) waitAddress(ctx context.Context) error {
	ticker := time.NewTicker(w.params.PollInterval)
	defer ticker.Stop()

	for {
		addr, err := w.address()
		if err != nil {
			w.log.Debug().Err(err).Msg("address lookup failed")
		}
		if addr != "" {
			w.log.Info().Str("address", addr).Msg("link up")
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for address: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Watch polls the interface and reports address gain and loss.
func (w *WifiLink) Watch(ctx context.Context, notify func(application.LinkEvent)) error {
	ticker := time.NewTicker(w.params.PollInterval)
	defer ticker.Stop()

	up := false
	for {
		addr, err := w.address()
		if err != nil {
			w.log.Debug().Err(err).Msg("address lookup failed")
		}

		switch {
		case addr != "" && !up:
			up = true
			notify(application.LinkEvent{Kind: application.LinkGotAddress, Address: addr})
		case addr == "" && up:
			up = false
			w.log.Warn().Msg("link lost")
			notify(application.LinkEvent{Kind: application.LinkLost})
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *WifiLink) address() (string, error) {
	addrs, err := w.params.Addresses(w.params.Interface)
	if err != nil || len(addrs) == 0 {
		return "", err
	}
	return addrs[0], nil
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// interfaceAddresses lists global unicast addresses of iface, or of every
// non-loopback interface when iface is empty.
func interfaceAddresses(iface string) ([]string, error) {
	var ifaces []net.Interface
	if iface != "" {
		i, err := net.InterfaceByName(iface)
		if err != nil {
			return nil, err
		}
		ifaces = []net.Interface{*i}
	} else {
		all, err := net.Interfaces()
		if err != nil {
			return nil, err
		}
		ifaces = all
	}

	var out []string
	for _, i := range ifaces {
		if i.Flags&net.FlagUp == 0 || i.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := i.Addrs()
		if err != nil {
			return nil, err
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if ok && ipnet.IP.IsGlobalUnicast() {
				out = append(out, ipnet.IP.String())
			}
		}
	}
	return out, nil
}

var _ application.WifiLink = &WifiLink{}
