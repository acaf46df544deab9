package device

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ebfe/scard"
	"github.com/karalabe/hid"
	"github.com/op/go-logging"
	"github.com/pkg/errors"
)

var log = logging.MustGetLogger("device")

// Feitian Technologies vendor ID.
const feitianVendorID = 0x096E

var builtinReaderMatches = []string{"feitian", "epass", "biopass"}

var (
	ErrDeviceNotFound = fmt.Errorf("device not found")
	ErrAlreadyOpen    = fmt.Errorf("device already open")
	ErrNotOpen        = fmt.Errorf("device not open")
	ErrWrongKind      = fmt.Errorf("wrong device kind")
)

// openHandle is the tagged union for the open-device table: exactly one of
// hid/card is set.
type openHandle struct {
	hid  hid.Device
	card *scard.Card
}

// Manager enumerates devices, maps identifiers, and leases open handles.
// The open table is mutex-guarded; leases hold the lock, so no two
// operations ever share a handle.
type Manager struct {
	mu            sync.Mutex
	open          map[string]*openHandle
	ctx           *scard.Context
	readerMatches []string
}

func NewManager(extraReaderMatches []string) *Manager {
	m := &Manager{
		open:          make(map[string]*openHandle),
		readerMatches: append(append([]string(nil), builtinReaderMatches...), extraReaderMatches...),
	}
	ctx, err := scard.EstablishContext()
	if err != nil {
		log.Warningf("PC/SC context unavailable: %v (CCID enumeration disabled until it returns)", err)
	} else {
		m.ctx = ctx
	}
	return m
}

// Close releases every open handle and the PC/SC context.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, h := range m.open {
		h.release()
		delete(m.open, id)
	}
	if m.ctx != nil {
		m.ctx.Release()
		m.ctx = nil
	}
}

func (h *openHandle) release() {
	if h.hid != nil {
		h.hid.Close()
	}
	if h.card != nil {
		h.card.Disconnect(scard.LeaveCard)
	}
}

// hidEntry keeps the OS-level DeviceInfo next to the public record so Open
// can reach the underlying interface again.
type hidEntry struct {
	Device
	info hid.DeviceInfo
}

// mouseOrKeyboard reports whether a usage page/usage pair belongs to a
// pointing device or keyboard interface. Unknown usage pages are kept.
func mouseOrKeyboard(usagePage, usage uint16) bool {
	return usagePage == 0x01 && (usage == 0x02 || usage == 0x06)
}

func (m *Manager) readerMatched(name string) bool {
	lower := strings.ToLower(name)
	for _, match := range m.readerMatches {
		if strings.Contains(lower, strings.ToLower(match)) {
			return true
		}
	}
	return false
}

func hidEntriesFromInfos(infos []hid.DeviceInfo) []hidEntry {
	var entries []hidEntry
	counter := 0
	for _, info := range infos {
		if mouseOrKeyboard(info.UsagePage, info.Usage) {
			continue
		}
		counter++
		entries = append(entries, hidEntry{
			Device: Device{
				ID:           fmt.Sprintf("hid_%d", counter),
				VendorID:     info.VendorID,
				ProductID:    info.ProductID,
				Type:         TypeHID,
				Manufacturer: info.Manufacturer,
				ProductName:  info.Product,
				SerialNumber: info.Serial,
				Path:         info.Path,
			},
			info: info,
		})
	}
	return entries
}

func (m *Manager) enumerateHID() []hidEntry {
	infos, err := hid.Enumerate(feitianVendorID, 0)
	if err != nil {
		log.Errorf("HID enumeration failed: %v", err)
		return nil
	}
	entries := hidEntriesFromInfos(infos)
	for _, e := range entries {
		log.Infof("found HID device %s: VID 0x%04x PID 0x%04x path %s", e.ID, e.VendorID, e.ProductID, e.Path)
	}
	return entries
}

func (m *Manager) enumerateCCID(seenPaths map[string]bool) []Device {
	if m.ctx == nil {
		ctx, err := scard.EstablishContext()
		if err != nil {
			log.Debugf("PC/SC still unavailable: %v", err)
			return nil
		}
		m.ctx = ctx
	}

	readers, err := m.ctx.ListReaders()
	if err != nil {
		log.Warningf("listing PC/SC readers failed: %v", err)
		return nil
	}

	var devices []Device
	counter := 0
	for _, reader := range readers {
		if !m.readerMatched(reader) {
			log.Debugf("skipping reader %q", reader)
			continue
		}
		// Conservative de-dup for tokens exposed through both stacks.
		if seenPaths[reader] {
			continue
		}
		counter++
		devices = append(devices, Device{
			ID:           fmt.Sprintf("ccid_%d", counter),
			VendorID:     feitianVendorID,
			ProductID:    0,
			Type:         TypeCCID,
			Manufacturer: "Feitian Technologies",
			ProductName:  reader,
			Path:         reader,
		})
		log.Infof("found CCID reader %s: %s", fmt.Sprintf("ccid_%d", counter), reader)
	}
	return devices
}

// ListDevices enumerates both stacks. A failure of one stack never masks
// devices visible on the other.
func (m *Manager) ListDevices() []Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, devices := m.enumerate()
	return devices
}

func (m *Manager) enumerate() ([]hidEntry, []Device) {
	hidEntries := m.enumerateHID()

	seenPaths := make(map[string]bool, len(hidEntries))
	devices := make([]Device, 0, len(hidEntries))
	for _, e := range hidEntries {
		seenPaths[e.Path] = true
		devices = append(devices, e.Device)
	}
	devices = append(devices, m.enumerateCCID(seenPaths)...)

	log.Infof("enumeration complete: %d device(s)", len(devices))
	return hidEntries, devices
}

// OpenDevice re-enumerates, locates the device by id, and inserts a typed
// handle into the open table.
func (m *Manager) OpenDevice(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.open[id]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyOpen, id)
	}

	hidEntries, devices := m.enumerate()

	var target *Device
	for i := range devices {
		if devices[i].ID == id {
			target = &devices[i]
			break
		}
	}
	if target == nil {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}

	switch target.Type {
	case TypeHID:
		dev, err := m.openHID(id, hidEntries, *target)
		if err != nil {
			return err
		}
		m.open[id] = &openHandle{hid: dev}
	case TypeCCID:
		if m.ctx == nil {
			return errors.New("PC/SC context unavailable")
		}
		card, err := m.ctx.Connect(target.Path, scard.ShareShared, scard.ProtocolAny)
		if err != nil {
			return errors.Wrapf(err, "connect to reader %q", target.Path)
		}
		m.open[id] = &openHandle{card: card}
	}

	log.Noticef("opened device %s", id)
	return nil
}

// openHID opens by path first; some platforms cannot open by path, so a
// (vid, pid) match is the fallback.
func (m *Manager) openHID(id string, entries []hidEntry, target Device) (hid.Device, error) {
	var pathErr error
	for _, e := range entries {
		if e.ID != id {
			continue
		}
		dev, err := e.info.Open()
		if err == nil {
			return dev, nil
		}
		pathErr = err
		log.Warningf("open by path %q failed: %v, trying by vid/pid", e.Path, err)
		break
	}

	for _, e := range entries {
		if e.VendorID == target.VendorID && e.ProductID == target.ProductID {
			dev, err := e.info.Open()
			if err == nil {
				return dev, nil
			}
			pathErr = err
		}
	}
	if pathErr == nil {
		pathErr = fmt.Errorf("no openable interface")
	}
	return nil, errors.Wrapf(pathErr, "open HID device %s", id)
}

// CloseDevice removes the entry; OS-level release happens here.
func (m *Manager) CloseDevice(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.open[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotOpen, id)
	}
	h.release()
	delete(m.open, id)
	log.Noticef("closed device %s", id)
	return nil
}

// WithHID leases the open HID handle to f. The lease is exclusive and
// serializing: the table lock is held for the duration of the call.
func (m *Manager) WithHID(id string, f func(dev hid.Device) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.open[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotOpen, id)
	}
	if h.hid == nil {
		return fmt.Errorf("%w: %s is not a HID device", ErrWrongKind, id)
	}
	return f(h.hid)
}

// WithCCID is the CCID counterpart of WithHID.
func (m *Manager) WithCCID(id string, f func(card *scard.Card) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.open[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotOpen, id)
	}
	if h.card == nil {
		return fmt.Errorf("%w: %s is not a CCID device", ErrWrongKind, id)
	}
	return f(h.card)
}
