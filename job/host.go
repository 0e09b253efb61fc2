package job

import (
	"errors"
	"net"
	"strconv"
)

// Host describes where to run a job.
type Host struct {
	// Logical host name, used to look up credentials.
	Name string
	// Network address (hostname or IP) of the host.
	Address string
	// Primary connection endpoint, "host:port". Defaults to Address
	// on the backend's port.
	Endpoint string
	// Batch submission contact for grid resources.
	Gatekeeper string
	// Secondary file transfer endpoint, "host:port".
	FileTransfer string
	// Login hint. The credential's user wins if both are set.
	User string
}

// Validate returns an error if the host can't be reached at all.
func (h *Host) Validate() error {
	if h == nil {
		return errors.New("host is nil")
	}
	if h.Name == "" && h.Address == "" && h.Endpoint == "" {
		return errors.New("host has no name or address")
	}
	return nil
}

// Dial returns the endpoint to connect to, falling back to Address, then
// Name, on the given default port.
func (h *Host) Dial(defaultPort int) string {
	switch {
	case h.Endpoint != "":
		return withPort(h.Endpoint, defaultPort)
	case h.Address != "":
		return withPort(h.Address, defaultPort)
	}
	return withPort(h.Name, defaultPort)
}

// Key returns the name used to look up per-host state such as credentials.
func (h *Host) Key() string {
	if h.Name != "" {
		return h.Name
	}
	if h.Address != "" {
		return h.Address
	}
	host, _, err := net.SplitHostPort(h.Endpoint)
	if err != nil {
		return h.Endpoint
	}
	return host
}

func withPort(addr string, port int) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, strconv.Itoa(port))
}
