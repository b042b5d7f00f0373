package protocol

import (
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
)

// Peer frames travel over the per-peer data channel. Two logical channels
// are multiplexed over it: "internal" carries ping exchanges and time-sync
// broadcasts, "external" carries application traffic.
const (
	ChannelInternal = "internal"
	ChannelExternal = "external"
)

// Inner frame types.
const (
	FramePingRequest          = "ping-request"
	FramePingResponse         = "ping-response"
	FrameTimeSyncServerUpdate = "time-sync-server-update"
)

// PeerFrame is the outer wrapper of every data-channel message.
type PeerFrame struct {
	Type string     `json:"type"`
	Data InnerFrame `json:"data"`
}

// InnerFrame carries the typed payload of a peer frame.
type InnerFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// PingRequest starts a peer clock sample. RequestSent is the sender's local
// transmission instant, echoed back verbatim in the response.
type PingRequest struct {
	RequestSent time.Time `json:"request_sent"`
}

// PingResponse completes a peer clock sample with the responder's receive
// and transmit instants. The sampler records the fourth instant locally.
type PingResponse struct {
	RequestSent     time.Time `json:"request_sent"`
	RequestReceived time.Time `json:"request_received"`
	ResponseSent    time.Time `json:"response_sent"`
}

// TimeSyncServerUpdate is a peer's broadcast of its own server clock
// estimate, letting other peers derive a transitive offset to the server.
type TimeSyncServerUpdate struct {
	TimeOffset float64 `json:"time_offset"`
	Ping       float64 `json:"ping"`
}

// NewPeerFrame builds a frame on the given logical channel. The payload is
// marshaled immediately so unserializable frames fail at the send site.
func NewPeerFrame(channel, frameType string, payload any) (PeerFrame, error) {
	var raw json.RawMessage
	if payload != nil {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			return PeerFrame{}, fmt.Errorf("marshal peer frame payload: %w", err)
		}
	}
	return PeerFrame{
		Type: channel,
		Data: InnerFrame{Type: frameType, Data: raw},
	}, nil
}

// EncodePeerFrame serializes a frame for the data channel.
func EncodePeerFrame(f PeerFrame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal peer frame: %w", err)
	}
	return data, nil
}

// ParsePeerFrame decodes raw data-channel bytes into a frame, rejecting
// frames without a recognizable channel or inner type.
func ParsePeerFrame(data []byte) (PeerFrame, error) {
	var f PeerFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return PeerFrame{}, fmt.Errorf("unmarshal peer frame: %w", err)
	}
	if f.Type != ChannelInternal && f.Type != ChannelExternal {
		return PeerFrame{}, fmt.Errorf("unknown peer channel %q", f.Type)
	}
	if f.Data.Type == "" {
		return PeerFrame{}, errors.New("peer frame missing inner type")
	}
	return f, nil
}

// DecodeInner unmarshals the inner payload into out.
func (f PeerFrame) DecodeInner(out any) error {
	if len(f.Data.Data) == 0 {
		return errors.New("peer frame payload is empty")
	}
	if err := json.Unmarshal(f.Data.Data, out); err != nil {
		return fmt.Errorf("unmarshal peer frame payload: %w", err)
	}
	return nil
}
