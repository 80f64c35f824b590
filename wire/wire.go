// Package wire defines the datapath packet header shared by all talon
// transports. The header is a fixed 24-byte big-endian layout carried in
// front of every packet's payload.
package wire

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the marshaled size of PktHeader in bytes.
const HeaderSize = 24

// Magic identifies talon datapath packets. Packets with a different magic
// are dropped at RX.
const Magic uint16 = 0x7a1c

// Packet flag bits. The 4 MSBs are reserved for transport implementations.
const (
	FlagReq uint8 = 1 << iota
	FlagResp
	FlagCreditReturn
	FlagReqForResp
)

// IsPublicFlags reports whether flags uses only bits available to
// consumers of this package.
func IsPublicFlags(flags uint8) bool {
	return (0xf<<4)&flags == 0
}

func assertPublicFlags(flags uint8) {
	if !IsPublicFlags(flags) {
		panic(fmt.Sprintf("wire: flags %#x cannot be used by consumers of this package", flags))
	}
}

// PktHeader is the fixed per-packet header.
//
// DstSession and SrcSession are the session numbers local to the receiver
// and the sender respectively. Seq is the exchange sequence number stamped
// by the client at enqueue time. PktIdx and PktTotal describe the
// position of this packet within the segmented message. Credits carries
// piggybacked credit returns.
type PktHeader struct {
	Magic      uint16
	Flags      uint8
	ReqType    uint8
	DstSession uint16
	SrcSession uint16
	Seq        uint32
	PktIdx     uint16
	PktTotal   uint16
	Credits    uint16
	PayloadLen uint16
	_reserved  uint32
}

// Marshal writes the header into buf, which must be exactly HeaderSize
// bytes long.
func (h *PktHeader) Marshal(buf []byte) {
	if len(buf) != HeaderSize {
		panic("packet header is 24 bytes long")
	}
	assertPublicFlags(h.Flags)
	binary.BigEndian.PutUint16(buf[0:2], h.Magic)
	buf[2] = h.Flags
	buf[3] = h.ReqType
	binary.BigEndian.PutUint16(buf[4:6], h.DstSession)
	binary.BigEndian.PutUint16(buf[6:8], h.SrcSession)
	binary.BigEndian.PutUint32(buf[8:12], h.Seq)
	binary.BigEndian.PutUint16(buf[12:14], h.PktIdx)
	binary.BigEndian.PutUint16(buf[14:16], h.PktTotal)
	binary.BigEndian.PutUint16(buf[16:18], h.Credits)
	binary.BigEndian.PutUint16(buf[18:20], h.PayloadLen)
	binary.BigEndian.PutUint32(buf[20:24], h._reserved)
}

// Unmarshal reads the header from buf, which must be exactly HeaderSize
// bytes long.
func (h *PktHeader) Unmarshal(buf []byte) {
	if len(buf) != HeaderSize {
		panic("packet header is 24 bytes long")
	}
	h.Magic = binary.BigEndian.Uint16(buf[0:2])
	h.Flags = buf[2]
	h.ReqType = buf[3]
	h.DstSession = binary.BigEndian.Uint16(buf[4:6])
	h.SrcSession = binary.BigEndian.Uint16(buf[6:8])
	h.Seq = binary.BigEndian.Uint32(buf[8:12])
	h.PktIdx = binary.BigEndian.Uint16(buf[12:14])
	h.PktTotal = binary.BigEndian.Uint16(buf[14:16])
	h.Credits = binary.BigEndian.Uint16(buf[16:18])
	h.PayloadLen = binary.BigEndian.Uint16(buf[18:20])
	h._reserved = binary.BigEndian.Uint32(buf[20:24])
}

func (h *PktHeader) IsReq() bool          { return h.Flags&FlagReq != 0 }
func (h *PktHeader) IsResp() bool         { return h.Flags&FlagResp != 0 }
func (h *PktHeader) IsCreditReturn() bool { return h.Flags&FlagCreditReturn != 0 }
func (h *PktHeader) IsReqForResp() bool   { return h.Flags&FlagReqForResp != 0 }

func (h *PktHeader) String() string {
	return fmt.Sprintf("pkt{flags=%#x type=%d dst=%d src=%d seq=%d idx=%d/%d credits=%d len=%d}",
		h.Flags, h.ReqType, h.DstSession, h.SrcSession, h.Seq, h.PktIdx, h.PktTotal, h.Credits, h.PayloadLen)
}
