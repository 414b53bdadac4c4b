package model

import "strings"

// Network identifies a supported chain. The set is configuration-driven;
// these constants cover the networks the platform currently accepts.
type Network string

const (
	NetworkEthereum Network = "ETHEREUM"
	NetworkBase     Network = "BASE"
)

func (n Network) String() string {
	return string(n)
}

// ParseNetwork normalizes user input into a Network. Returns false when the
// value does not name a known network.
func ParseNetwork(s string) (Network, bool) {
	switch Network(strings.ToUpper(strings.TrimSpace(s))) {
	case NetworkEthereum:
		return NetworkEthereum, true
	case NetworkBase:
		return NetworkBase, true
	default:
		return "", false
	}
}
