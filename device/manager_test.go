package device

import (
	"testing"

	"github.com/karalabe/hid"
)

func TestMouseAndKeyboardInterfacesDropped(t *testing.T) {
	cases := []struct {
		usagePage, usage uint16
		dropped          bool
	}{
		{0x01, 0x02, true},  // mouse
		{0x01, 0x06, true},  // keyboard
		{0x01, 0x05, false}, // game pad
		{0xF1D0, 0x01, false},
		{0xFFFF, 0x00, false}, // vendor-specific kept
		{0x00, 0x00, false},   // unknown kept
	}
	for _, c := range cases {
		if got := mouseOrKeyboard(c.usagePage, c.usage); got != c.dropped {
			t.Errorf("mouseOrKeyboard(%#x, %#x) = %v, want %v", c.usagePage, c.usage, got, c.dropped)
		}
	}
}

func TestHIDEntriesGetUniqueIDs(t *testing.T) {
	infos := []hid.DeviceInfo{
		{VendorID: 0x096E, ProductID: 0x0850, Path: "p1", UsagePage: 0xF1D0, Usage: 0x01},
		{VendorID: 0x096E, ProductID: 0x0852, Path: "p2", UsagePage: 0x01, Usage: 0x06}, // keyboard, dropped
		{VendorID: 0x096E, ProductID: 0x0853, Path: "p3"},
		{VendorID: 0x096E, ProductID: 0x0854, Path: "p4", Product: "ePass FIDO"},
	}
	entries := hidEntriesFromInfos(infos)
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	seen := make(map[string]bool)
	for _, e := range entries {
		if seen[e.ID] {
			t.Fatalf("duplicate id %s", e.ID)
		}
		seen[e.ID] = true
		if e.Type != TypeHID {
			t.Fatalf("entry %s has type %s", e.ID, e.Type)
		}
	}
	if entries[0].ID != "hid_1" || entries[2].ID != "hid_3" {
		t.Fatalf("unexpected id sequence: %s .. %s", entries[0].ID, entries[2].ID)
	}
	if entries[2].ProductName != "ePass FIDO" {
		t.Fatalf("product name not carried: %q", entries[2].ProductName)
	}
}

func TestReaderMatching(t *testing.T) {
	m := &Manager{readerMatches: append(append([]string(nil), builtinReaderMatches...), "acme")}
	cases := []struct {
		reader  string
		matched bool
	}{
		{"Feitian R502 CL Reader 0", true},
		{"FEITIAN ePass2003 00 00", true},
		{"BioPass FIDO2 [CCID]", true},
		{"ACME SecureKey 01", true},
		{"Yubico YubiKey OTP+FIDO+CCID", false},
		{"Generic Smartcard Reader", false},
	}
	for _, c := range cases {
		if got := m.readerMatched(c.reader); got != c.matched {
			t.Errorf("readerMatched(%q) = %v, want %v", c.reader, got, c.matched)
		}
	}
}

func TestOpenUnknownDevice(t *testing.T) {
	m := &Manager{open: make(map[string]*openHandle)}
	if err := m.CloseDevice("hid_1"); err == nil {
		t.Fatal("closing a device that was never opened must fail")
	}
	if err := m.WithHID("hid_1", func(hid.Device) error { return nil }); err == nil {
		t.Fatal("leasing a device that was never opened must fail")
	}
}
