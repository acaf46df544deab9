// Package skmd runs the native-host message loop: length-prefixed JSON
// requests on stdin, responses on stdout, one at a time.
package skmd

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/op/go-logging"

	skm "github.com/rainzhang05/sk-manager-extension"
)

var log = logging.MustGetLogger("skmd")

// maxMessageSize bounds one front-end message. Nothing legitimate comes
// close.
const maxMessageSize = 1 << 20

// ReadMessage reads one length-prefixed request. The 4-byte prefix is in
// native byte order, matching the browser's native-messaging framing.
func ReadMessage(r io.Reader) (*skm.Request, error) {
	var lengthBytes [4]byte
	if _, err := io.ReadFull(r, lengthBytes[:]); err != nil {
		return nil, err
	}
	length := binary.NativeEndian.Uint32(lengthBytes[:])
	if length > maxMessageSize {
		return nil, fmt.Errorf("message too large: %d bytes", length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}

	var request skm.Request
	if err := json.Unmarshal(payload, &request); err != nil {
		return nil, fmt.Errorf("malformed request: %v", err)
	}
	return &request, nil
}

// WriteMessage writes one length-prefixed response.
func WriteMessage(w io.Writer, response *skm.Response) error {
	payload, err := json.Marshal(response)
	if err != nil {
		return err
	}
	var lengthBytes [4]byte
	binary.NativeEndian.PutUint32(lengthBytes[:], uint32(len(payload)))
	if _, err := w.Write(lengthBytes[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// Serve runs the request loop until stdin reaches EOF. Operation errors are
// answered, never fatal.
func (d *Dispatcher) Serve(r io.Reader, w io.Writer) error {
	for {
		request, err := ReadMessage(r)
		if err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				log.Notice("stdin closed, exiting")
				return nil
			}
			log.Errorf("read: %v", err)
			resp := skm.ErrorResponse(0, skm.ErrorInvalidRequest, err)
			if werr := WriteMessage(w, resp); werr != nil {
				return werr
			}
			continue
		}

		response := d.Dispatch(request)
		if err := WriteMessage(w, response); err != nil {
			return err
		}
	}
}
