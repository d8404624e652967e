package engine

// PacketKind discriminates the two inbound packet variants.
type PacketKind int

const (
	// KindAudio carries one raw audio frame.
	KindAudio PacketKind = iota
	// KindControl carries a call lifecycle event.
	KindControl
)

// Control event names.
const (
	ControlCallStarted = "call_started"
	ControlCallEnded   = "call_ended"
)

// Packet is one inbound unit from the telephony transport. Audio
// packets carry 8kHz mu-law frames with a per-call sequence number;
// control packets carry a lifecycle event name.
type Packet struct {
	CallID  string
	Kind    PacketKind
	Seq     uint64 // audio only; must be strictly increasing per call
	Audio   []byte
	Control string
}

// AudioPacket builds an audio packet.
func AudioPacket(callID string, seq uint64, data []byte) Packet {
	return Packet{CallID: callID, Kind: KindAudio, Seq: seq, Audio: data}
}

// ControlPacket builds a control packet.
func ControlPacket(callID, event string) Packet {
	return Packet{CallID: callID, Kind: KindControl, Control: event}
}
