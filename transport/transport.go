// Package transport moves single frames to and from a token: one 64-byte
// HID report, or one ISO-7816 APDU over PC/SC. It keeps no state and never
// retries.
package transport

import (
	"fmt"

	"github.com/op/go-logging"
	"github.com/pkg/errors"
)

var log = logging.MustGetLogger("transport")

// ReportSize is the fixed CTAPHID report size.
const ReportSize = 64

var (
	ErrPacketTooLarge   = fmt.Errorf("hid packet too large")
	ErrTimeout          = fmt.Errorf("hid read timeout")
	ErrAPDUTooShort     = fmt.Errorf("apdu too short")
	ErrResponseTooShort = fmt.Errorf("apdu response too short")
)

// HIDDevice is the slice of hid.Device the transport needs. Tests substitute
// doubles.
type HIDDevice interface {
	Write(b []byte) (int, error)
	ReadTimeout(b []byte, timeoutMs int) (int, error)
}

// Card is satisfied by *scard.Card.
type Card interface {
	Transmit(apdu []byte) ([]byte, error)
}

// SendHID pads data with zeros to exactly ReportSize octets and writes it as
// a single report.
func SendHID(dev HIDDevice, data []byte) (int, error) {
	if len(data) > ReportSize {
		return 0, fmt.Errorf("%w: %d bytes (max %d)", ErrPacketTooLarge, len(data), ReportSize)
	}

	padded := make([]byte, ReportSize)
	copy(padded, data)

	n, err := dev.Write(padded)
	if err != nil {
		return 0, errors.Wrap(err, "hid write")
	}
	log.Debugf("sent HID packet: %d bytes", n)
	return n, nil
}

// ReceiveHID reads one report with a deadline. A zero-byte read within the
// deadline is a timeout; the result is truncated to what actually arrived.
func ReceiveHID(dev HIDDevice, timeoutMs int) ([]byte, error) {
	buf := make([]byte, ReportSize)
	n, err := dev.ReadTimeout(buf, timeoutMs)
	if err != nil {
		return nil, errors.Wrap(err, "hid read")
	}
	if n == 0 {
		return nil, fmt.Errorf("%w after %dms", ErrTimeout, timeoutMs)
	}
	log.Debugf("received HID packet: %d bytes", n)
	return buf[:n], nil
}

// TransmitAPDU submits one short APDU and returns the raw body followed by
// the two-octet status word. The caller inspects the status word.
func TransmitAPDU(card Card, apdu []byte) ([]byte, error) {
	if len(apdu) < 4 {
		return nil, fmt.Errorf("%w: %d bytes (minimum 4)", ErrAPDUTooShort, len(apdu))
	}

	resp, err := card.Transmit(apdu)
	if err != nil {
		return nil, errors.Wrap(err, "pcsc transmit")
	}
	if len(resp) < 2 {
		return nil, fmt.Errorf("%w: %d bytes (expected at least 2 for SW)", ErrResponseTooShort, len(resp))
	}

	sw1, sw2 := resp[len(resp)-2], resp[len(resp)-1]
	if sw1 != 0x90 || sw2 != 0x00 {
		log.Debugf("APDU returned status %02X %02X", sw1, sw2)
	}
	return resp, nil
}
