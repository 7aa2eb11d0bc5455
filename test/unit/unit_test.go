//go:build !integration

package unit

import (
	"errors"
	"testing"

	"github.com/ehrlich-b/go-hpsa"
	"github.com/ehrlich-b/go-hpsa/backend"
)

// These tests exercise the public surface without bringing a controller up

func TestPublicConstants(t *testing.T) {
	if hpsa.SGEntriesInCmd != 32 {
		t.Errorf("SGEntriesInCmd = %d, want 32", hpsa.SGEntriesInCmd)
	}
	if hpsa.MaxDevices != hpsa.MaxPhysLUN+hpsa.MaxLogicalLUN+32+1 {
		t.Errorf("MaxDevices = %d, want physical + logical + external + controller", hpsa.MaxDevices)
	}
	buses := []int{hpsa.BusLogical, hpsa.BusExternal, hpsa.BusPhysical, hpsa.BusController}
	for i, b := range buses {
		if b != i {
			t.Errorf("bus %d numbered %d", i, b)
		}
	}
}

func TestStoreInterface(t *testing.T) {
	store := &mockStore{
		data: make([]byte, 1024),
		size: 1024,
	}

	var _ hpsa.Store = store
	var _ backend.Discarder = store

	testData := []byte("test data")
	n, err := store.WriteAt(testData, 0)
	if err != nil {
		t.Errorf("WriteAt failed: %v", err)
	}
	if n != len(testData) {
		t.Errorf("WriteAt wrote %d bytes, want %d", n, len(testData))
	}

	readBuf := make([]byte, len(testData))
	if _, err := store.ReadAt(readBuf, 0); err != nil {
		t.Errorf("ReadAt failed: %v", err)
	}
	if string(readBuf) != string(testData) {
		t.Errorf("ReadAt got %q, want %q", readBuf, testData)
	}

	if err := store.Discard(0, 4); err != nil {
		t.Errorf("Discard failed: %v", err)
	}
	store.ReadAt(readBuf, 0)
	if string(readBuf) != "\x00\x00\x00\x00 data" {
		t.Errorf("after Discard got %q", readBuf)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := hpsa.DefaultConfig()

	if cfg.MaxCommands != hpsa.DefaultMaxCommands {
		t.Errorf("MaxCommands = %d, want %d", cfg.MaxCommands, hpsa.DefaultMaxCommands)
	}
	if cfg.TransportMode != hpsa.TransportAuto {
		t.Errorf("TransportMode = %q, want %q", cfg.TransportMode, hpsa.TransportAuto)
	}
	if cfg.MaxInlineSG != hpsa.SGEntriesInCmd {
		t.Errorf("MaxInlineSG = %d, want %d", cfg.MaxInlineSG, hpsa.SGEntriesInCmd)
	}
	if cfg.Recovery.TURRetryLimit != hpsa.DefaultTURRetryLimit {
		t.Errorf("TURRetryLimit = %d, want %d", cfg.Recovery.TURRetryLimit, hpsa.DefaultTURRetryLimit)
	}
	if !cfg.RescanOnUnitAttention {
		t.Error("RescanOnUnitAttention should default on")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config does not validate: %v", err)
	}

	cfg.TransportMode = "bogus"
	if err := cfg.Validate(); !errors.Is(err, hpsa.ErrInvalidParameters) {
		t.Errorf("Validate(bogus transport) = %v, want invalid parameters", err)
	}
}

func TestSimulatorDefaults(t *testing.T) {
	cfg := backend.DefaultConfig()
	if !cfg.Simple || !cfg.Performant {
		t.Error("default board should offer both transports")
	}
	if cfg.MaxCommands <= 0 || cfg.MaxSGEntries <= 0 {
		t.Errorf("default board limits %d/%d", cfg.MaxCommands, cfg.MaxSGEntries)
	}
}

func TestErrorTypes(t *testing.T) {
	var _ error = hpsa.ErrBusy
	var _ error = hpsa.ErrDeviceNotFound
	var _ error = hpsa.ErrInvalidParameters

	if hpsa.ErrBusy.Error() != "controller busy" {
		t.Errorf("ErrBusy message = %q, want 'controller busy'", hpsa.ErrBusy.Error())
	}

	err := hpsa.NewError("QUEUE", hpsa.ErrCodeBusy, "no free slot")
	if !errors.Is(err, hpsa.ErrBusy) {
		t.Error("structured busy error should match ErrBusy")
	}
	if errors.Is(err, hpsa.ErrLockup) {
		t.Error("structured busy error should not match ErrLockup")
	}
}

// Mock store for unit tests
type mockStore struct {
	data []byte
	size int64
}

func (m *mockStore) ReadAt(p []byte, off int64) (int, error) {
	if off >= m.size {
		return 0, nil
	}
	return copy(p, m.data[off:]), nil
}

func (m *mockStore) WriteAt(p []byte, off int64) (int, error) {
	if off >= m.size {
		return 0, hpsa.ErrInvalidParameters
	}
	return copy(m.data[off:], p), nil
}

func (m *mockStore) Size() int64 {
	return m.size
}

func (m *mockStore) Close() error {
	return nil
}

func (m *mockStore) Flush() error {
	return nil
}

func (m *mockStore) Discard(offset, length int64) error {
	end := offset + length
	if end > m.size {
		end = m.size
	}
	clear(m.data[offset:end])
	return nil
}
