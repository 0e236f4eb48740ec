package webrtc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
)

// One websocket carries one exchange: the dialer sends an offer, the
// listener answers once the connection is accepted or rejects it.
const (
	signalOffer  = "offer"
	signalAnswer = "answer"
	signalReject = "reject"
)

var ErrRejected = errors.New("connection rejected")

type signalMessage struct {
	Kind   string                     `json:"kind"`
	SDP    *webrtc.SessionDescription `json:"sdp,omitempty"`
	Reason string                     `json:"reason,omitempty"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func signalURL(addr netip.AddrPort) string {
	return fmt.Sprintf("ws://%s%s", addr.String(), signalPath)
}

// exchangeOffer sends offer to the listener at addr and waits for its reply.
func exchangeOffer(ctx context.Context, addr netip.AddrPort, offer *webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, signalURL(addr), nil)
	if err != nil {
		return nil, fmt.Errorf("dial signal: %w", err)
	}
	defer func() { _ = ws.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = ws.SetReadDeadline(deadline)
		_ = ws.SetWriteDeadline(deadline)
	}

	if err := ws.WriteJSON(signalMessage{Kind: signalOffer, SDP: offer}); err != nil {
		return nil, fmt.Errorf("send offer: %w", err)
	}

	var reply signalMessage
	if err := ws.ReadJSON(&reply); err != nil {
		return nil, fmt.Errorf("read answer: %w", err)
	}

	switch reply.Kind {
	case signalAnswer:
		if reply.SDP == nil {
			return nil, errors.New("answer without session description")
		}
		return reply.SDP, nil
	case signalReject:
		return nil, fmt.Errorf("%w: %s", ErrRejected, reply.Reason)
	default:
		return nil, fmt.Errorf("unexpected signal %q", reply.Kind)
	}
}

// readOffer reads the dialer's offer from a freshly upgraded websocket.
func readOffer(ws *websocket.Conn, timeout time.Duration) (*webrtc.SessionDescription, error) {
	_ = ws.SetReadDeadline(time.Now().Add(timeout))

	var msg signalMessage
	if err := ws.ReadJSON(&msg); err != nil {
		return nil, err
	}
	if msg.Kind != signalOffer || msg.SDP == nil {
		return nil, fmt.Errorf("expected offer, got %q", msg.Kind)
	}
	return msg.SDP, nil
}

func writeSignal(ws *websocket.Conn, msg signalMessage, timeout time.Duration) error {
	_ = ws.SetWriteDeadline(time.Now().Add(timeout))
	return ws.WriteJSON(msg)
}
