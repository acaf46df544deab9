package piv

import (
	"bytes"
	"testing"
)

type mockCard struct {
	transmitted [][]byte
	replies     [][]byte
}

func (m *mockCard) Transmit(apdu []byte) ([]byte, error) {
	m.transmitted = append(m.transmitted, append([]byte(nil), apdu...))
	next := m.replies[0]
	m.replies = m.replies[1:]
	return next, nil
}

func TestBuildSelectAPDU(t *testing.T) {
	want := []byte{0x00, 0xA4, 0x04, 0x00, 0x05, 0xA0, 0x00, 0x00, 0x03, 0x08}
	if got := buildSelectAPDU(pivAID); !bytes.Equal(got, want) {
		t.Fatalf("got % X", got)
	}
}

func TestBuildGetDataAPDU(t *testing.T) {
	got := buildGetDataAPDU(tagCHUID)
	want := []byte{0x00, 0xCB, 0x3F, 0xFF, 0x05, 0x5C, 0x03, 0x5F, 0xC1, 0x02, 0x00}
	if !bytes.Equal(got, want) {
		t.Fatalf("got % X", got)
	}

	got = buildGetDataAPDU(tagDiscovery)
	want = []byte{0x00, 0xCB, 0x3F, 0xFF, 0x03, 0x5C, 0x01, 0x7E, 0x00}
	if !bytes.Equal(got, want) {
		t.Fatalf("got % X", got)
	}
}

func TestResponseChaining(t *testing.T) {
	chunk := func(n int, fill byte, sw1, sw2 byte) []byte {
		body := bytes.Repeat([]byte{fill}, n)
		return append(body, sw1, sw2)
	}
	card := &mockCard{replies: [][]byte{
		chunk(64, 0xA1, 0x61, 0x40),
		chunk(32, 0xA2, 0x61, 0x20),
		chunk(32, 0xA3, 0x90, 0x00),
	}}

	var activity []APDULog
	body, err := transmitChained(card, buildGetDataAPDU(tagCHUID), "GET DATA (CHUID)", &activity)
	if err != nil {
		t.Fatal(err)
	}
	if len(body) != 128 {
		t.Fatalf("chained body is %d octets, want 128", len(body))
	}
	if len(activity) != 3 {
		t.Fatalf("expected 3 log entries, got %d", len(activity))
	}
	if activity[0].Status != StatusMoreData || activity[1].Status != StatusMoreData || activity[2].Status != StatusOK {
		t.Fatalf("unexpected statuses: %v %v %v", activity[0].Status, activity[1].Status, activity[2].Status)
	}
	// The follow-ups must be GET RESPONSE with the announced lengths.
	if !bytes.Equal(card.transmitted[1], []byte{0x00, 0xC0, 0x00, 0x00, 0x40}) {
		t.Fatalf("first GET RESPONSE: % X", card.transmitted[1])
	}
	if !bytes.Equal(card.transmitted[2], []byte{0x00, 0xC0, 0x00, 0x00, 0x20}) {
		t.Fatalf("second GET RESPONSE: % X", card.transmitted[2])
	}
}

func TestDataObjectNotFoundIsNotAnError(t *testing.T) {
	card := &mockCard{replies: [][]byte{{0x6A, 0x82}}}
	var activity []APDULog
	body, err := transmitChained(card, buildGetDataAPDU(tagCertPivAuth), "GET DATA (Certificate 9A)", &activity)
	if err != nil {
		t.Fatalf("6A 82 must not surface as an error, got %v", err)
	}
	if body != nil {
		t.Fatalf("expected empty body, got % X", body)
	}
	if len(activity) != 1 || activity[0].Status != StatusError {
		t.Fatal("exchange must still be logged")
	}
}

func TestOtherStatusWordsAreErrors(t *testing.T) {
	card := &mockCard{replies: [][]byte{{0x69, 0x82}}}
	var activity []APDULog
	_, err := transmitChained(card, buildSelectAPDU(pivAID), "SELECT PIV Application", &activity)
	swErr, ok := err.(*SWError)
	if !ok || swErr.SW1 != 0x69 || swErr.SW2 != 0x82 {
		t.Fatalf("expected SWError 69 82, got %v", err)
	}
}

func TestParseTLVNestedCertificate(t *testing.T) {
	cert := []byte{0x30, 0x82, 0x01, 0x0A, 0xDE, 0xAD, 0xBE, 0xEF}
	inner := append([]byte{0x70, byte(len(cert))}, cert...)
	inner = append(inner, 0x71, 0x01, 0x00) // certinfo, ignored
	data := append([]byte{0x53, byte(len(inner))}, inner...)

	got := extractCertificate(data)
	if !bytes.Equal(got, cert) {
		t.Fatalf("extracted % X, want % X", got, cert)
	}
}

func TestParseTLVLongLengths(t *testing.T) {
	value := bytes.Repeat([]byte{0x55}, 300)
	data := append([]byte{0x53, 0x82, 0x01, 0x2C}, value...)
	entries := parseTLV(data)
	if len(entries) != 1 || !bytes.Equal(entries[0].value, value) {
		t.Fatal("0x82 length parse failed")
	}

	data = append([]byte{0x53, 0x81, 0x80}, bytes.Repeat([]byte{0x66}, 128)...)
	entries = parseTLV(data)
	if len(entries) != 1 || len(entries[0].value) != 128 {
		t.Fatal("0x81 length parse failed")
	}
}

func TestParseTLVMultiByteTag(t *testing.T) {
	data := []byte{0x5F, 0xC1, 0x02, 0x02, 0xAB, 0xCD}
	entries := parseTLV(data)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if !bytes.Equal(entries[0].tag, []byte{0x5F, 0xC1, 0x02}) {
		t.Fatalf("tag % X", entries[0].tag)
	}
	if !bytes.Equal(entries[0].value, []byte{0xAB, 0xCD}) {
		t.Fatalf("value % X", entries[0].value)
	}
}

func TestParseCHUIDFormatsGUID(t *testing.T) {
	guid := []byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88, 0x99, 0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}
	inner := append([]byte{0x30, 0x02, 0x01, 0x02}, append([]byte{0x34, 0x10}, guid...)...)
	data := append([]byte{0x53, byte(len(inner))}, inner...)

	chuid := parseCHUID(data)
	if chuid == nil || *chuid != "00112233-4455-6677-8899-aabbccddeeff" {
		t.Fatalf("chuid: %v", chuid)
	}
}

func TestStatusWordDescriptionIsTotal(t *testing.T) {
	for sw1 := 0; sw1 <= 0xFF; sw1++ {
		for sw2 := 0; sw2 <= 0xFF; sw2++ {
			if DescribeStatusWord(byte(sw1), byte(sw2)) == "" {
				t.Fatalf("empty description for %02X %02X", sw1, sw2)
			}
		}
	}
}

func TestStatusWordDescriptions(t *testing.T) {
	if got := DescribeStatusWord(0x90, 0x00); got != "Success" {
		t.Fatalf("90 00: %s", got)
	}
	if got := DescribeStatusWord(0x6A, 0x82); got != "File not found / Data object not found" {
		t.Fatalf("6A 82: %s", got)
	}
	if got := DescribeStatusWord(0x63, 0xC3); got != "Verification failed, 3 retries remaining" {
		t.Fatalf("63 C3: %s", got)
	}
}

func TestGetDataDialog(t *testing.T) {
	certBody := func() []byte {
		cert := []byte{0x30, 0x03, 0x01, 0x02, 0x03}
		inner := append([]byte{0x70, byte(len(cert))}, cert...)
		data := append([]byte{0x53, byte(len(inner))}, inner...)
		return append(data, 0x90, 0x00)
	}
	guid := bytes.Repeat([]byte{0x42}, 16)
	chuidInner := append([]byte{0x34, 0x10}, guid...)
	chuidBody := append(append([]byte{0x53, byte(len(chuidInner))}, chuidInner...), 0x90, 0x00)

	discoveryInner := []byte{0x4F, 0x05, 0xA0, 0x00, 0x00, 0x03, 0x08, 0x5F, 0x2F, 0x02, 0x40, 0x00}
	discoveryBody := append(append([]byte{0x7E, byte(len(discoveryInner))}, discoveryInner...), 0x90, 0x00)

	card := &mockCard{replies: [][]byte{
		{0x90, 0x00},  // SELECT
		discoveryBody, // Discovery
		chuidBody,     // CHUID
		certBody(),    // 9A
		{0x6A, 0x82},  // 9E absent
		certBody(),    // 9C
		{0x6A, 0x82},  // 9D absent
	}}

	result := &Result{Info: &Info{Certificates: []Certificate{}}, ActivityLog: []APDULog{}}
	client := &Client{}
	if err := client.getData(card, result); err != nil {
		t.Fatal(err)
	}

	info := result.Info
	if !info.Selected {
		t.Fatal("selected flag not set")
	}
	if info.CHUID == nil || *info.CHUID != "42424242-4242-4242-4242-424242424242" {
		t.Fatalf("chuid: %v", info.CHUID)
	}
	if info.Discovery == nil || info.Discovery.PIVCardApplicationAID == nil ||
		*info.Discovery.PIVCardApplicationAID != "A0 00 00 03 08" {
		t.Fatalf("discovery: %+v", info.Discovery)
	}
	if len(info.Certificates) != 4 {
		t.Fatalf("expected 4 certificate records, got %d", len(info.Certificates))
	}
	if !info.Certificates[0].Present || info.Certificates[1].Present ||
		!info.Certificates[2].Present || info.Certificates[3].Present {
		t.Fatalf("presence flags wrong: %+v", info.Certificates)
	}
	if info.Certificates[0].CertificateData == nil ||
		*info.Certificates[0].CertificateData != "30 03 01 02 03" {
		t.Fatalf("certificate data: %v", info.Certificates[0].CertificateData)
	}
	if len(result.ActivityLog) != 7 {
		t.Fatalf("expected 7 log entries, got %d", len(result.ActivityLog))
	}
}
