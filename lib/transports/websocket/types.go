package websocket

// NIP11RelayInfo is the relay information document served to clients
// that ask for application/nostr+json.
type NIP11RelayInfo struct {
	Name          string          `json:"name"`
	Description   string          `json:"description"`
	Pubkey        string          `json:"pubkey"`
	Contact       string          `json:"contact"`
	SupportedNIPs []int           `json:"supported_nips"`
	Software      string          `json:"software"`
	Version       string          `json:"version"`
	Limitation    *NIP11Limits    `json:"limitation,omitempty"`
}

// NIP11Limits advertises the hard limits clients should respect.
type NIP11Limits struct {
	MaxSubscriptions int `json:"max_subscriptions"`
	MaxLimit         int `json:"max_limit"`
	MaxSubidLength   int `json:"max_subid_length"`
}
