package wsproto

import "errors"

// ErrFragmentationProtocol covers the two ways an inbound stream can violate
// the fragmentation rule: a new Text/Binary frame arriving while a message is
// still being accumulated, or a Continuation frame arriving with no message
// in progress. Both are protocol errors.
var ErrFragmentationProtocol = errors.New("wsproto: fragmentation protocol violation")

// defragmenter accumulates a fragmented message: a non-final Text/Binary
// frame followed by zero or more Continuation frames, the last one marked
// fin. Control frames may arrive interleaved mid-message without disturbing
// the accumulator.
type defragmenter struct {
	active  bool
	opcode  OpCode
	payload []byte
}

// feed processes one data-carrying frame (Text, Binary, or Continuation) and
// reports the completed message once the final fragment arrives. ok is false
// while a message is still being accumulated.
func (d *defragmenter) feed(f Frame) (msg Frame, ok bool, err error) {
	switch f.Opcode {
	case OpText, OpBinary:
		if d.active {
			return Frame{}, false, ErrFragmentationProtocol
		}
		if f.Fin {
			return Frame{Fin: true, Opcode: f.Opcode, Payload: f.Payload}, true, nil
		}
		d.active = true
		d.opcode = f.Opcode
		d.payload = append([]byte(nil), f.Payload...)
		return Frame{}, false, nil

	case OpContinuation:
		if !d.active {
			return Frame{}, false, ErrFragmentationProtocol
		}
		d.payload = append(d.payload, f.Payload...)
		if !f.Fin {
			return Frame{}, false, nil
		}
		msg = Frame{Fin: true, Opcode: d.opcode, Payload: d.payload}
		d.reset()
		return msg, true, nil

	default:
		// Control frames pass straight through the caller's normal dispatch;
		// feed is never called with them.
		return Frame{}, false, nil
	}
}

func (d *defragmenter) reset() {
	d.active = false
	d.payload = nil
}
