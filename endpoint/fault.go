package endpoint

import (
	"github.com/talonrpc/talonrpc/sm"
)

// faultState holds the endpoint-local fault-injection knobs.
type faultState struct {
	dropTxLocalCountdown int
	resolveServerRinfo   bool
}

// faultCheck gates every fault-injection operation: the feature must be
// compiled in (see the talon_nofault build tag) and the caller must be
// the endpoint's creator goroutine. Violations never mutate state.
func (e *Endpoint) faultCheck() error {
	if !faultInjectionEnabled {
		return ErrFaultInjectionForbidden
	}
	if !e.inCreator() {
		return ErrFaultInjectionForbidden
	}
	return nil
}

// FaultDropTxLocal silently discards the next countdown outgoing
// packets before they reach the transport.
func (e *Endpoint) FaultDropTxLocal(countdown int) error {
	if err := e.faultCheck(); err != nil {
		return err
	}
	e.faults.dropTxLocalCountdown += countdown
	return nil
}

// FaultDropTxRemote instructs the session's peer to drop its next
// countdown outgoing packets.
func (e *Endpoint) FaultDropTxRemote(sessNum int, countdown int) error {
	if err := e.faultCheck(); err != nil {
		return err
	}
	s := e.sessionByNum(sessNum)
	if s == nil || !s.isClient {
		return ErrInvalidSessionNum
	}
	if !s.isConnected() {
		return ErrSessionNotConnected
	}
	m := sm.NewReq(sm.Msg{
		Type:             sm.FaultDropTxRemote,
		SenderURI:        e.nexus.URI(),
		SenderEndpointID: e.id,
		DstEndpointID:    s.remoteEndpointID,
		ClientSessNum:    s.localNum,
		ServerSessNum:    s.remoteSessNum,
		Countdown:        countdown,
	})
	// Fire-and-forget: the message set defines no response type.
	return e.nexus.send(s.remoteURI, m)
}

// FaultResetRemotePeer forces the session's peer to discard its
// datapath state for this session and reconnect.
func (e *Endpoint) FaultResetRemotePeer(sessNum int) error {
	if err := e.faultCheck(); err != nil {
		return err
	}
	s := e.sessionByNum(sessNum)
	if s == nil || !s.isClient {
		return ErrInvalidSessionNum
	}
	if !s.isConnected() {
		return ErrSessionNotConnected
	}
	s.state = StateResetInProgress
	m := sm.NewReq(sm.Msg{
		Type:             sm.FaultResetPeerReq,
		SenderURI:        e.nexus.URI(),
		SenderEndpointID: e.id,
		DstEndpointID:    s.remoteEndpointID,
		ClientSessNum:    s.localNum,
		ServerSessNum:    s.remoteSessNum,
	})
	e.sendSMReq(s, m)
	return nil
}

// FaultResolveServerRinfo forces address resolution on the next
// connect, exercising the slow path.
func (e *Endpoint) FaultResolveServerRinfo() error {
	if err := e.faultCheck(); err != nil {
		return err
	}
	e.faults.resolveServerRinfo = true
	return nil
}
