package modbus

import (
	"encoding/hex"
	"io"
)

// maxASCIIFrameLen is the largest possible ASCII frame: starting colon,
// two hex characters per ADU byte including the checksum, and the
// trailing carriage return and line feed.
const maxASCIIFrameLen = 1 + 2*(1+maxPDULen+1) + 2

// hexDigits is the alphabet for ASCII frame encoding. The protocol
// requires uppercase.
const hexDigits = "0123456789ABCDEF"

// appendASCIIFrame appends the ASCII encoding of the given ADU to dst:
// a colon, then unit identifier, PDU, and LRC as uppercase hex pairs,
// then a carriage return and line feed.
func appendASCIIFrame(dst []byte, unit UnitID, p PDU) []byte {
	raw := make([]byte, 0, 1+p.Length()+1)
	raw = append(raw, byte(unit))
	raw = p.appendTo(raw)
	raw = append(raw, lrcOf(raw))
	dst = append(dst, ':')
	for _, b := range raw {
		dst = append(dst, hexDigits[b>>4], hexDigits[b&0x0F])
	}
	return append(dst, '\r', '\n')
}

// readASCIIFrame reads one ASCII frame from r, skipping line noise before
// the starting colon. ASCII frames are self-delimiting, so requests and
// responses share this reader. The caller is responsible for arming a
// deadline on the underlying link.
func readASCIIFrame(r io.Reader) (UnitID, PDU, error) {
	var (
		frame   []byte
		tmp     [1]byte
		started bool
	)
	for {
		n, err := r.Read(tmp[:])
		if err != nil {
			return 0, PDU{}, mapLinkError("read", err)
		}
		if n == 0 {
			continue
		}
		b := tmp[0]
		if !started {
			if b != ':' {
				continue
			}
			started = true
			continue
		}
		if b == '\n' {
			break
		}
		frame = append(frame, b)
		if len(frame) > maxASCIIFrameLen {
			return 0, PDU{}, &InvalidResponseError{Reason: "frame too long"}
		}
	}
	if len(frame) == 0 || frame[len(frame)-1] != '\r' {
		return 0, PDU{}, &InvalidResponseError{Reason: "missing carriage return"}
	}
	payload := frame[:len(frame)-1]
	// At least unit identifier, function code, and checksum.
	if len(payload) < 6 {
		return 0, PDU{}, &InvalidResponseError{Reason: "frame too short"}
	}
	if len(payload)%2 != 0 {
		return 0, PDU{}, &InvalidResponseError{Reason: "odd hex payload length"}
	}
	raw := make([]byte, len(payload)/2)
	if _, err := hex.Decode(raw, payload); err != nil {
		return 0, PDU{}, &InvalidResponseError{Reason: "bad hex encoding"}
	}
	body, sum := raw[:len(raw)-1], raw[len(raw)-1]
	if want := lrcOf(body); want != sum {
		return 0, PDU{}, &CRCError{Want: uint16(want), Got: uint16(sum)}
	}
	p, err := pduFromBytes(body[1:])
	if err != nil {
		return 0, PDU{}, err
	}
	return UnitID(body[0]), p, nil
}
