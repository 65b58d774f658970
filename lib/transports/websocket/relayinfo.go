package websocket

import (
	"github.com/nostrhive/nostrhive/lib/types"
)

// NIP11RelayInfo is the relay information document served on the relay's
// URL when a client asks for it with Accept: application/nostr+json.
type NIP11RelayInfo struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Description   string `json:"description"`
	Pubkey        string `json:"pubkey"`
	Contact       string `json:"contact"`
	SupportedNIPs []int  `json:"supported_nips"`
	Software      string `json:"software"`
	Version       string `json:"version"`
}

const (
	softwareURL     = "https://github.com/nostrhive/nostrhive"
	softwareVersion = "0.9.0"
)

// supportedNIPs lists the protocol extensions every hosted relay speaks.
var supportedNIPs = []int{1, 9, 11, 15, 20}

func relayInfoDocument(relay *types.Relay) NIP11RelayInfo {
	return NIP11RelayInfo{
		ID:            relay.ID,
		Name:          relay.Name,
		Description:   relay.Description,
		Pubkey:        relay.Pubkey,
		Contact:       relay.Contact,
		SupportedNIPs: supportedNIPs,
		Software:      softwareURL,
		Version:       softwareVersion,
	}
}
