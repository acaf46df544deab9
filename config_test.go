package skm

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "skmd.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeTempConfig(t, `
logging:
  level: DEBUG
timeouts:
  hid_read_ms: 2500
  ctap_first_ms: 15000
readers:
  extra_matches:
    - acme
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Logging.Level != "DEBUG" {
		t.Fatalf("level: %q", cfg.Logging.Level)
	}
	if cfg.HIDReadTimeoutMs() != 2500 {
		t.Fatalf("hid read timeout: %d", cfg.HIDReadTimeoutMs())
	}
	if cfg.CtapFirstTimeoutMs() != 15000 {
		t.Fatalf("ctap first timeout: %d", cfg.CtapFirstTimeoutMs())
	}
	// Unset fields keep their defaults.
	if cfg.CtapContinuationTimeoutMs() != DefaultCtapContinuation {
		t.Fatalf("ctap continuation timeout: %d", cfg.CtapContinuationTimeoutMs())
	}
	if len(cfg.Readers.ExtraMatches) != 1 || cfg.Readers.ExtraMatches[0] != "acme" {
		t.Fatalf("extra matches: %v", cfg.Readers.ExtraMatches)
	}
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HIDReadTimeoutMs() != DefaultHIDReadTimeoutMs {
		t.Fatal("defaults lost")
	}
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	path := writeTempConfig(t, "transport:\n  retries: 3\n")
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("unknown field accepted")
	}
}

func TestOctetConversion(t *testing.T) {
	data, err := OctetsToBytes([]int{0, 1, 127, 255})
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 4 || data[3] != 0xFF {
		t.Fatalf("converted % x", data)
	}

	if _, err := OctetsToBytes([]int{256}); err == nil {
		t.Fatal("256 accepted as octet")
	}
	if _, err := OctetsToBytes([]int{-1}); err == nil {
		t.Fatal("-1 accepted as octet")
	}

	back := BytesToOctets(data)
	if len(back) != 4 || back[2] != 127 {
		t.Fatalf("round trip: %v", back)
	}
}
