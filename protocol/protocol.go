// Package protocol implements the framed serial protocol spoken between the
// bridge firmware and the host: Klipper-style messages carrying VLQ encoded
// commands, protected by CRC16 and delimited by a sync byte.
//
// Frame layout:
//
//	len | seq | payload ... | crc_hi | crc_lo | 0x7E
//
// len counts the whole frame. seq carries MessageDest in the high nibble and
// a 4 bit sequence number in the low nibble.
package protocol

// Version of the wire protocol implementation.
const Version = "0.2.0"

// Frame constants
const (
	MessageHeaderSize  = 2
	MessageTrailerSize = 3
	MessageLengthMin   = MessageHeaderSize + MessageTrailerSize
	MessageLengthMax   = 64
	MessagePositionLen = 0
	MessagePositionSeq = 1
	MessageTrailerCRC  = 3
	MessageTrailerSync = 1
	MessageValueSync   = 0x7E
	MessageDest        = 0x10
	MessageSeqMask     = 0x0F

	// MessagePayloadMax is the largest payload a single frame carries.
	MessagePayloadMax = MessageLengthMax - MessageLengthMin
)

// scratchSize bounds one encoded batch of frames.
const scratchSize = 512

// Message is one decoded frame.
type Message struct {
	Length   uint8
	Sequence uint8
	Payload  []byte // between header and trailer
	CRC      uint16
}

// NextSequence returns the sequence byte that follows seq.
func NextSequence(seq uint8) uint8 {
	return ((seq + 1) & MessageSeqMask) | MessageDest
}

// EncodeFrame appends a complete frame for payload to output.
func EncodeFrame(output OutputBuffer, seq uint8, payload func(OutputBuffer)) {
	start := output.CurPosition()
	output.Output([]byte{0, seq})
	if payload != nil {
		payload(output)
	}

	n := len(output.DataSince(start)) + MessageTrailerSize
	output.Update(start, uint8(n))

	crc := CRC16(output.DataSince(start))
	output.Output([]byte{uint8(crc >> 8), uint8(crc), MessageValueSync})
}
