package fido2

import (
	"bytes"
	"crypto/rand"
	"fmt"

	"github.com/pkg/errors"

	"github.com/rainzhang05/sk-manager-extension/transport"
)

// CTAPHID command bytes (without the TYPE_INIT flag).
const (
	ctaphidPing      = 0x01
	ctaphidMsg       = 0x03
	ctaphidInit      = 0x06
	ctaphidCBOR      = 0x10
	ctaphidKeepalive = 0x3B
	ctaphidError     = 0x3F

	typeInit = 0x80
)

// Payload capacity: the initialization packet carries 57 octets after the
// 7-byte header, continuation packets 59 after CID and sequence number.
const (
	initPayload = transport.ReportSize - 7
	contPayload = transport.ReportSize - 5
)

var broadcastCID = [4]byte{0xFF, 0xFF, 0xFF, 0xFF}

var (
	ErrInvalidInitReply   = fmt.Errorf("invalid INIT reply")
	ErrInitNonceMismatch  = fmt.Errorf("INIT nonce mismatch")
	ErrCIDMismatch        = fmt.Errorf("channel id mismatch")
	ErrSequenceMismatch   = fmt.Errorf("continuation sequence mismatch")
)

// CtaphidError is a transport-level error frame reported by the
// authenticator.
type CtaphidError struct {
	Code byte
}

func (e *CtaphidError) Error() string {
	return fmt.Sprintf("ctaphid error: 0x%02X", e.Code)
}

// CtapError is an authenticator-reported CTAP2 status other than success.
type CtapError struct {
	Status byte
}

func (e *CtapError) Error() string {
	if desc, ok := ctapStatusNames[e.Status]; ok {
		return fmt.Sprintf("ctap2 error: 0x%02X (%s)", e.Status, desc)
	}
	return fmt.Sprintf("ctap2 error: 0x%02X", e.Status)
}

var ctapStatusNames = map[byte]string{
	0x31: "PIN invalid",
	0x32: "PIN blocked",
	0x33: "PIN auth invalid",
	0x34: "PIN auth blocked",
	0x35: "PIN not set",
	0x36: "PIN required",
}

// Timeouts holds the per-packet read deadlines, in milliseconds. The first
// response packet gets the long deadline to cover touch prompts.
type Timeouts struct {
	FirstMs        int
	ContinuationMs int
}

func DefaultTimeouts() Timeouts {
	return Timeouts{FirstMs: 10000, ContinuationMs: 5000}
}

// AllocateChannel performs the INIT handshake on the broadcast channel and
// returns the per-session channel id the authenticator assigned.
func AllocateChannel(dev transport.HIDDevice) ([4]byte, error) {
	var cid [4]byte

	nonce := make([]byte, 8)
	if _, err := rand.Read(nonce); err != nil {
		return cid, errors.Wrap(err, "init nonce")
	}

	pkt := make([]byte, transport.ReportSize)
	copy(pkt[0:4], broadcastCID[:])
	pkt[4] = ctaphidInit | typeInit
	pkt[5] = 0x00
	pkt[6] = 0x08
	copy(pkt[7:15], nonce)

	if _, err := transport.SendHID(dev, pkt); err != nil {
		return cid, err
	}
	resp, err := transport.ReceiveHID(dev, 1000)
	if err != nil {
		return cid, err
	}
	if len(resp) < 19 {
		return cid, fmt.Errorf("%w: %d bytes", ErrInvalidInitReply, len(resp))
	}
	if resp[4] == ctaphidError|typeInit || resp[4] == ctaphidError {
		return cid, &CtaphidError{Code: resp[7]}
	}
	if !bytes.Equal(resp[7:15], nonce) {
		return cid, ErrInitNonceMismatch
	}
	copy(cid[:], resp[15:19])
	log.Debugf("allocated channel %08x", cid)
	return cid, nil
}

// writeRequest fragments one CTAPHID message across reports: 57 payload
// octets in the initialization packet, 59 per continuation packet with
// sequence numbers from zero.
func writeRequest(dev transport.HIDDevice, cid [4]byte, cmd byte, payload []byte) error {
	if len(payload) > 0xFFFF {
		return fmt.Errorf("ctaphid payload too large: %d bytes", len(payload))
	}

	pkt := make([]byte, transport.ReportSize)
	copy(pkt[0:4], cid[:])
	pkt[4] = cmd | typeInit
	pkt[5] = byte(len(payload) >> 8)
	pkt[6] = byte(len(payload))
	n := copy(pkt[7:], payload)
	if _, err := transport.SendHID(dev, pkt); err != nil {
		return err
	}

	seq := byte(0)
	for n < len(payload) {
		cont := make([]byte, transport.ReportSize)
		copy(cont[0:4], cid[:])
		cont[4] = seq
		n += copy(cont[5:], payload[n:])
		if _, err := transport.SendHID(dev, cont); err != nil {
			return err
		}
		seq++
	}
	return nil
}

// readResponse reassembles one CTAPHID message. Keepalive frames are
// tolerated by re-reading; an ERROR frame surfaces its code.
func readResponse(dev transport.HIDDevice, cid [4]byte, timeouts Timeouts) (byte, []byte, error) {
	var first []byte
	for {
		resp, err := transport.ReceiveHID(dev, timeouts.FirstMs)
		if err != nil {
			return 0, nil, err
		}
		if len(resp) < 7 {
			return 0, nil, fmt.Errorf("ctaphid response too short: %d bytes", len(resp))
		}
		if resp[4]&^typeInit == ctaphidKeepalive {
			log.Debugf("keepalive, waiting")
			continue
		}
		first = resp
		break
	}

	if !bytes.Equal(first[0:4], cid[:]) {
		return 0, nil, ErrCIDMismatch
	}
	cmd := first[4] &^ typeInit
	if cmd == ctaphidError {
		code := byte(0)
		if len(first) > 7 {
			code = first[7]
		}
		return 0, nil, &CtaphidError{Code: code}
	}

	total := int(first[5])<<8 | int(first[6])
	payload := make([]byte, 0, total)
	payload = append(payload, first[7:min(7+total, len(first))]...)

	seq := byte(0)
	for len(payload) < total {
		cont, err := transport.ReceiveHID(dev, timeouts.ContinuationMs)
		if err != nil {
			return 0, nil, err
		}
		if len(cont) < 5 {
			return 0, nil, fmt.Errorf("ctaphid continuation too short: %d bytes", len(cont))
		}
		if !bytes.Equal(cont[0:4], cid[:]) {
			return 0, nil, ErrCIDMismatch
		}
		if cont[4] != seq {
			return 0, nil, fmt.Errorf("%w: got %d, want %d", ErrSequenceMismatch, cont[4], seq)
		}
		remaining := total - len(payload)
		payload = append(payload, cont[5:min(5+remaining, len(cont))]...)
		seq++
	}
	return cmd, payload, nil
}

// exchangeCBOR sends one CTAP2 command and returns the response body with
// the status octet stripped. A non-zero status becomes a CtapError.
func exchangeCBOR(dev transport.HIDDevice, cid [4]byte, ctap2Cmd byte, body []byte, timeouts Timeouts) ([]byte, error) {
	payload := make([]byte, 0, 1+len(body))
	payload = append(payload, ctap2Cmd)
	payload = append(payload, body...)

	if err := writeRequest(dev, cid, ctaphidCBOR, payload); err != nil {
		return nil, err
	}
	_, resp, err := readResponse(dev, cid, timeouts)
	if err != nil {
		return nil, err
	}
	if len(resp) == 0 {
		return nil, fmt.Errorf("empty ctap2 response")
	}
	if resp[0] != 0x00 {
		return nil, &CtapError{Status: resp[0]}
	}
	return resp[1:], nil
}

// ProbeGetInfo issues GET_INFO on an existing channel; the capability probe
// only cares whether the token answers.
func ProbeGetInfo(dev transport.HIDDevice, cid [4]byte, timeouts Timeouts) ([]byte, error) {
	return exchangeCBOR(dev, cid, ctap2GetInfo, nil, timeouts)
}

// ProbePing round-trips arbitrary bytes over CTAPHID_PING.
func ProbePing(dev transport.HIDDevice, cid [4]byte, data []byte, timeouts Timeouts) ([]byte, error) {
	return exchangePing(dev, cid, data, timeouts)
}

// ProbeMsg wraps a legacy U2F APDU in a CTAPHID_MSG frame.
func ProbeMsg(dev transport.HIDDevice, cid [4]byte, apdu []byte, timeouts Timeouts) ([]byte, error) {
	return exchangeMsg(dev, cid, apdu, timeouts)
}

// exchangePing round-trips arbitrary bytes over CTAPHID_PING.
func exchangePing(dev transport.HIDDevice, cid [4]byte, data []byte, timeouts Timeouts) ([]byte, error) {
	if err := writeRequest(dev, cid, ctaphidPing, data); err != nil {
		return nil, err
	}
	_, resp, err := readResponse(dev, cid, timeouts)
	return resp, err
}

// exchangeMsg wraps a legacy U2F APDU in a CTAPHID_MSG frame.
func exchangeMsg(dev transport.HIDDevice, cid [4]byte, apdu []byte, timeouts Timeouts) ([]byte, error) {
	if err := writeRequest(dev, cid, ctaphidMsg, apdu); err != nil {
		return nil, err
	}
	_, resp, err := readResponse(dev, cid, timeouts)
	return resp, err
}
