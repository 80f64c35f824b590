// Package sm defines the session-management messages exchanged between
// endpoints over the management side channel. SM traffic is strictly
// separate from the datapath: a lost control message never stalls data.
//
// Every message is a self-contained JSON datagram. Requests are retried
// by the sender until the matching response arrives or the retry budget
// is exhausted; receivers detect duplicates by token and replay the
// original response.
package sm

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

//go:generate enumer -type=MsgType

type MsgType int

const (
	ConnectReq MsgType = iota + 1
	ConnectResp
	DisconnectReq
	DisconnectResp
	FaultDropTxRemote
	FaultResetPeerReq
	FaultResetPeerResp
)

func (t MsgType) String() string {
	switch t {
	case ConnectReq:
		return "ConnectReq"
	case ConnectResp:
		return "ConnectResp"
	case DisconnectReq:
		return "DisconnectReq"
	case DisconnectResp:
		return "DisconnectResp"
	case FaultDropTxRemote:
		return "FaultDropTxRemote"
	case FaultResetPeerReq:
		return "FaultResetPeerReq"
	case FaultResetPeerResp:
		return "FaultResetPeerResp"
	default:
		return "unknown"
	}
}

// IsReq reports whether t expects a response.
// FaultDropTxRemote is fire-and-forget: the message set defines no
// response type for it.
func (t MsgType) IsReq() bool {
	switch t {
	case ConnectReq, DisconnectReq, FaultResetPeerReq:
		return true
	default:
		return false
	}
}

// RespType returns the response type matching a request type.
func (t MsgType) RespType() MsgType {
	switch t {
	case ConnectReq:
		return ConnectResp
	case DisconnectReq:
		return DisconnectResp
	case FaultResetPeerReq:
		return FaultResetPeerResp
	default:
		panic("sm: no response type for " + t.String())
	}
}

type ErrCode int

const (
	NoError ErrCode = iota
	ErrInvalidRemoteEndpoint
	ErrOutOfSessions
	ErrNoBufs
	ErrRouteResolution
	ErrPeerReset
)

func (c ErrCode) String() string {
	switch c {
	case NoError:
		return "NoError"
	case ErrInvalidRemoteEndpoint:
		return "InvalidRemoteEndpoint"
	case ErrOutOfSessions:
		return "OutOfSessions"
	case ErrNoBufs:
		return "NoBufs"
	case ErrRouteResolution:
		return "RouteResolution"
	case ErrPeerReset:
		return "PeerReset"
	default:
		return "unknown"
	}
}

const noSession = ^uint16(0)

// NoSession marks an unknown session number field.
func NoSession() uint16 { return noSession }

// Msg is one session-management message. Token ties a request to its
// response and keys duplicate detection.
type Msg struct {
	Token            uuid.UUID `json:"token"`
	Type             MsgType   `json:"type"`
	SenderURI        string    `json:"sender_uri"`
	SenderEndpointID uint8     `json:"sender_endpoint_id"`
	DstEndpointID    uint8     `json:"dst_endpoint_id"`
	ClientSessNum    uint16    `json:"client_sess_num"`
	ServerSessNum    uint16    `json:"server_sess_num"`
	ErrCode          ErrCode   `json:"err_code"`

	// Connect negotiation and route info.
	WindowSize int    `json:"window_size,omitempty"`
	DataAddr   string `json:"data_addr,omitempty"`

	// Fault payload.
	Countdown int `json:"countdown,omitempty"`
}

// NewReq stamps a fresh token onto a request message.
func NewReq(m Msg) *Msg {
	m.Token = uuid.New()
	return &m
}

// Response builds the response skeleton for a request: same token, the
// matching response type, swapped addressing.
func (m *Msg) Response(senderURI string, code ErrCode) *Msg {
	return &Msg{
		Token:            m.Token,
		Type:             m.Type.RespType(),
		SenderURI:        senderURI,
		SenderEndpointID: m.DstEndpointID,
		DstEndpointID:    m.SenderEndpointID,
		ClientSessNum:    m.ClientSessNum,
		ServerSessNum:    m.ServerSessNum,
		ErrCode:          code,
	}
}

func Marshal(m *Msg) ([]byte, error) {
	buf, err := json.Marshal(m)
	return buf, errors.Wrap(err, "marshal sm message")
}

func Unmarshal(buf []byte) (*Msg, error) {
	var m Msg
	if err := json.Unmarshal(buf, &m); err != nil {
		return nil, errors.Wrap(err, "unmarshal sm message")
	}
	if m.Type < ConnectReq || m.Type > FaultResetPeerResp {
		return nil, errors.Errorf("sm message with invalid type %d", int(m.Type))
	}
	return &m, nil
}
