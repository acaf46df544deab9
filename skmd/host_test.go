package skmd

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"testing"

	skm "github.com/rainzhang05/sk-manager-extension"
)

func TestMessageFramingRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	response := skm.SuccessResponse(7, skm.PingResult{Message: "pong"})
	if err := WriteMessage(&buf, response); err != nil {
		t.Fatal(err)
	}

	var length [4]byte
	copy(length[:], buf.Bytes()[:4])
	if int(binary.NativeEndian.Uint32(length[:])) != buf.Len()-4 {
		t.Fatal("length prefix does not match payload size")
	}

	var decoded skm.Response
	if err := json.Unmarshal(buf.Bytes()[4:], &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.ID != 7 || decoded.Status != "ok" {
		t.Fatalf("decoded %+v", decoded)
	}
}

func TestReadMessage(t *testing.T) {
	payload := []byte(`{"id":3,"command":"ping"}`)
	var buf bytes.Buffer
	var length [4]byte
	binary.NativeEndian.PutUint32(length[:], uint32(len(payload)))
	buf.Write(length[:])
	buf.Write(payload)

	request, err := ReadMessage(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if request.ID != 3 || request.Command != "ping" {
		t.Fatalf("decoded %+v", request)
	}
}

func TestReadMessageRejectsOversized(t *testing.T) {
	var buf bytes.Buffer
	var length [4]byte
	binary.NativeEndian.PutUint32(length[:], maxMessageSize+1)
	buf.Write(length[:])

	if _, err := ReadMessage(&buf); err == nil {
		t.Fatal("oversized message accepted")
	}
}

func dispatch(t *testing.T, d *Dispatcher, command string, params interface{}) *skm.Response {
	t.Helper()
	var raw json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			t.Fatal(err)
		}
		raw = encoded
	}
	return d.Dispatch(&skm.Request{ID: 1, Command: command, Params: raw})
}

func TestDispatchPing(t *testing.T) {
	d := NewDispatcher(skm.DefaultConfig())
	defer d.Shutdown()

	resp := dispatch(t, d, "ping", nil)
	if resp.Status != "ok" {
		t.Fatalf("ping failed: %+v", resp.Error)
	}
	if resp.Result.(skm.PingResult).Message != "pong" {
		t.Fatal("no pong")
	}
}

func TestDispatchGetVersion(t *testing.T) {
	d := NewDispatcher(skm.DefaultConfig())
	defer d.Shutdown()

	resp := dispatch(t, d, "getVersion", nil)
	if resp.Status != "ok" {
		t.Fatalf("getVersion failed: %+v", resp.Error)
	}
	result := resp.Result.(skm.VersionResult)
	if result.Version != skm.CURRENT_VERSION.String() || result.Name == "" {
		t.Fatalf("version result %+v", result)
	}
}

func TestDispatchUnknownCommand(t *testing.T) {
	d := NewDispatcher(skm.DefaultConfig())
	defer d.Shutdown()

	resp := dispatch(t, d, "flyToTheMoon", nil)
	if resp.Status != "error" || resp.Error.Code != skm.ErrorUnknownCommand {
		t.Fatalf("expected UNKNOWN_COMMAND, got %+v", resp)
	}
}

func TestDispatchMissingDeviceID(t *testing.T) {
	d := NewDispatcher(skm.DefaultConfig())
	defer d.Shutdown()

	for _, command := range []string{
		"openDevice", "closeDevice", "sendHid", "receiveHid", "transmitApdu",
		"detectProtocols", "fido2GetInfo", "fido2GetPinRetries",
		"fido2ListCredentials", "fido2ResetDevice", "pivGetData", "pivSelect",
	} {
		resp := dispatch(t, d, command, map[string]string{})
		if resp.Status != "error" || resp.Error.Code != skm.ErrorInvalidParams {
			t.Errorf("%s without deviceId: %+v", command, resp)
		}
	}
}

func TestDispatchPinLengthGuard(t *testing.T) {
	d := NewDispatcher(skm.DefaultConfig())
	defer d.Shutdown()

	// Too short and too long PINs must fail parameter validation before any
	// device I/O happens; the device id does not even exist.
	long := bytes.Repeat([]byte{'a'}, 64)
	for _, pin := range []string{"12", string(long)} {
		resp := dispatch(t, d, "fido2SetPin", map[string]string{
			"deviceId": "hid_99",
			"newPin":   pin,
		})
		if resp.Status != "error" || resp.Error.Code != skm.ErrorInvalidParams {
			t.Errorf("pin %q: %+v", pin, resp)
		}
	}
}

func TestDispatchBadOctets(t *testing.T) {
	d := NewDispatcher(skm.DefaultConfig())
	defer d.Shutdown()

	resp := dispatch(t, d, "sendHid", map[string]interface{}{
		"deviceId": "hid_1",
		"data":     []int{0, 128, 300},
	})
	if resp.Status != "error" || resp.Error.Code != skm.ErrorInvalidParams {
		t.Fatalf("out-of-range octet accepted: %+v", resp)
	}
}

func TestDispatchListCredentialsWithoutPin(t *testing.T) {
	d := NewDispatcher(skm.DefaultConfig())
	defer d.Shutdown()

	// No PIN short-circuits before any device access, so even an unknown
	// device id yields an empty list.
	resp := dispatch(t, d, "fido2ListCredentials", map[string]string{"deviceId": "hid_99"})
	if resp.Status != "ok" {
		t.Fatalf("expected ok, got %+v", resp.Error)
	}
	if creds := resp.Result.(skm.Fido2CredentialsResult).Credentials; len(creds) != 0 {
		t.Fatalf("expected empty credential list, got %d", len(creds))
	}
}
