package websocket

import (
	jsoniter "github.com/json-iterator/go"

	"github.com/nostrhive/nostrhive/lib/logging"
	"github.com/nostrhive/nostrhive/lib/nostr"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// BuildResponse marshals one relay-to-client frame: a JSON array whose
// first element is the message label.
func BuildResponse(label string, params ...interface{}) []byte {
	frame := make([]interface{}, 0, len(params)+1)
	frame = append(frame, label)
	frame = append(frame, params...)

	out, err := json.Marshal(frame)
	if err != nil {
		logging.Errorf("Failed to marshal %s frame: %v", label, err)
		return nil
	}
	return out
}

func okResponse(eventID string, accepted bool, message string) []byte {
	return BuildResponse("OK", eventID, accepted, message)
}

func eventResponse(subscriptionID string, ev *nostr.Event) []byte {
	return BuildResponse("EVENT", subscriptionID, ev)
}

func eoseResponse(subscriptionID string) []byte {
	return BuildResponse("EOSE", subscriptionID)
}

func noticeResponse(message string) []byte {
	return BuildResponse("NOTICE", message)
}
