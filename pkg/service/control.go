package service

import (
	"context"

	"github.com/rishiad/uplink-server/pkg/codec"
)

// ControlChannelName is the channel every server registers for discovery.
const ControlChannelName = "control"

type channelListing struct {
	Channels []Manifest `json:"channels"`
}

// Control builds the built-in discovery channel over r: listChannels returns
// every registered channel's manifest, ping answers pong.
func Control(r *Registry) *Channel {
	ch := NewChannel(ControlChannelName)
	ch.Method("listChannels", "listChannels() -> {channels: [{channel, methods, events}]}",
		func(ctx context.Context, _ codec.Value) (codec.Value, error) {
			return codec.MarshalRecord(channelListing{Channels: r.Manifests()})
		})
	ch.Method("ping", `ping() -> "pong"`,
		func(ctx context.Context, _ codec.Value) (codec.Value, error) {
			return codec.Text("pong"), nil
		})
	return ch
}
