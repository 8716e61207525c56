package protocol

import "bytes"

type frameStatus int

const (
	frameOK frameStatus = iota
	frameIncomplete
	frameInvalid
)

// decodeFrame checks whether data starts with one complete, valid frame.
// The returned payload aliases data.
func decodeFrame(data []byte) (Message, frameStatus) {
	if len(data) < MessageLengthMin {
		return Message{}, frameIncomplete
	}

	n := int(data[MessagePositionLen])
	if n < MessageLengthMin || n > MessageLengthMax {
		return Message{}, frameInvalid
	}
	seq := data[MessagePositionSeq]
	if seq&^MessageSeqMask != MessageDest {
		return Message{}, frameInvalid
	}
	if len(data) < n {
		return Message{}, frameIncomplete
	}
	if data[n-MessageTrailerSync] != MessageValueSync {
		return Message{}, frameInvalid
	}

	crc := uint16(data[n-MessageTrailerCRC])<<8 | uint16(data[n-MessageTrailerCRC+1])
	if crc != CRC16(data[:n-MessageTrailerSize]) {
		return Message{}, frameInvalid
	}

	return Message{
		Length:   uint8(n),
		Sequence: seq,
		Payload:  data[MessageHeaderSize : n-MessageTrailerSize],
		CRC:      crc,
	}, frameOK
}

// frameScanner splits a byte stream into frames, dropping bytes up to the
// next sync byte whenever a frame fails validation.
type frameScanner struct {
	lost bool

	// onResync runs each time the scanner regains sync.
	onResync func()
}

// next returns the first frame in data and the unconsumed remainder. ok is
// false when no complete frame is available; rest then holds the bytes to
// keep for the next call.
func (s *frameScanner) next(data []byte) (msg Message, rest []byte, ok bool) {
	for len(data) > 0 {
		if s.lost {
			i := bytes.IndexByte(data, MessageValueSync)
			if i < 0 {
				return Message{}, nil, false
			}
			data = data[i+1:]
			s.lost = false
			if s.onResync != nil {
				s.onResync()
			}
			continue
		}

		if data[0] == MessageValueSync {
			data = data[1:]
			continue
		}

		m, status := decodeFrame(data)
		switch status {
		case frameIncomplete:
			return Message{}, data, false
		case frameInvalid:
			s.lost = true
			continue
		}
		return m, data[m.Length:], true
	}
	return Message{}, data, false
}
