package webrtc

import (
	"log/slog"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/rudransh-shrivastava/peerlink/internal/transport"
)

const (
	signalPath           = "/signal"
	defaultSignalTimeout = 10 * time.Second

	labelReliable          = "reliable"
	labelUnreliable        = "unreliable"
	labelUnreliableOrdered = "unreliable-ordered"
)

type Config struct {
	Logger *slog.Logger
	// ICEServers are STUN urls. With none, only host candidates are used,
	// which is enough on a LAN or loopback.
	ICEServers []string
	// SignalTimeout bounds the websocket offer/answer exchange.
	SignalTimeout time.Duration
	// Loopback adds loopback candidates, for tests on a single host.
	Loopback bool
}

func (c Config) peerConnectionConfig() webrtc.Configuration {
	cfg := webrtc.Configuration{ICETransportPolicy: webrtc.ICETransportPolicyAll}
	if len(c.ICEServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: c.ICEServers}}
	}
	return cfg
}

func (c Config) api() *webrtc.API {
	var se webrtc.SettingEngine
	se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	se.SetIncludeLoopbackCandidate(c.Loopback)
	return webrtc.NewAPI(webrtc.WithSettingEngine(se))
}

// channelSpec describes the data channel that carries one kind of send.
type channelSpec struct {
	label string
	flags transport.SendFlags
	init  *webrtc.DataChannelInit
}

func channelSpecs() []channelSpec {
	ordered, unordered := true, false
	var noRetransmits uint16

	return []channelSpec{
		{
			label: labelReliable,
			flags: transport.SendReliable,
			init:  &webrtc.DataChannelInit{Ordered: &ordered},
		},
		{
			label: labelUnreliable,
			flags: transport.SendUnreliable,
			init:  &webrtc.DataChannelInit{Ordered: &unordered, MaxRetransmits: &noRetransmits},
		},
		{
			label: labelUnreliableOrdered,
			flags: transport.SendUnreliableNoDelay,
			init:  &webrtc.DataChannelInit{Ordered: &ordered, MaxRetransmits: &noRetransmits},
		},
	}
}

func labelForFlags(f transport.SendFlags) string {
	switch f {
	case transport.SendUnreliable:
		return labelUnreliable
	case transport.SendUnreliableNoDelay:
		return labelUnreliableOrdered
	default:
		return labelReliable
	}
}

func flagsForLabel(label string) transport.SendFlags {
	for _, ch := range channelSpecs() {
		if ch.label == label {
			return ch.flags
		}
	}
	return transport.SendReliable
}
