// Package registry loads, edits and persists the device list.
package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"

	"github.com/cplus-sensores/colector/internal/models"
)

var (
	// ErrConfigInvalid is returned when the registry file cannot be parsed or
	// breaks the uniqueness invariant.
	ErrConfigInvalid = errors.New("invalid device registry")
	// ErrDuplicateDevice is returned when a (proyecto, codigo_interno) pair is
	// already registered.
	ErrDuplicateDevice = errors.New("duplicate device")
	// ErrDeviceNotFound is returned when editing an unknown device.
	ErrDeviceNotFound = errors.New("device not found")
)

// Registry is the in-memory device list bound to its JSON file. All methods
// are safe for concurrent use; every mutation is persisted before it becomes
// visible.
type Registry struct {
	path string

	mu      sync.Mutex
	devices []models.Device

	fileLock *flock.Flock
	rename   func(oldpath, newpath string) error
}

// Load reads the registry file. A missing file yields an empty registry.
func Load(path string) (*Registry, error) {
	devices, err := readDevices(path)
	if err != nil {
		return nil, err
	}
	return newRegistry(path, devices), nil
}

func newRegistry(path string, devices []models.Device) *Registry {
	return &Registry{
		path:     path,
		devices:  devices,
		fileLock: flock.New(path + ".lock"),
		rename:   os.Rename,
	}
}

func readDevices(path string) ([]models.Device, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []models.Device{}, nil
		}
		return nil, fmt.Errorf("read registry %s: %w", path, err)
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return []models.Device{}, nil
	}

	var devices []models.Device
	if err := json.Unmarshal(data, &devices); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConfigInvalid, path, err)
	}
	if devices == nil {
		devices = []models.Device{}
	}

	seen := make(map[models.DeviceKey]struct{}, len(devices))
	for i, d := range devices {
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %s: entry %d: %v", ErrConfigInvalid, path, i, err)
		}
		if _, dup := seen[d.Key()]; dup {
			return nil, fmt.Errorf("%w: %s: %v: %s", ErrConfigInvalid, path, ErrDuplicateDevice, d.Key())
		}
		seen[d.Key()] = struct{}{}
	}
	return devices, nil
}

// Path returns the file backing the registry.
func (r *Registry) Path() string { return r.path }

// Devices returns a snapshot of the registered devices in file order.
func (r *Registry) Devices() []models.Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Device, len(r.devices))
	copy(out, r.devices)
	return out
}

// Get looks up one device.
func (r *Registry) Get(key models.DeviceKey) (models.Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := r.indexOf(key); i >= 0 {
		return r.devices[i], true
	}
	return models.Device{}, false
}

func (r *Registry) indexOf(key models.DeviceKey) int {
	for i, d := range r.devices {
		if d.Key() == key {
			return i
		}
	}
	return -1
}

// Add registers a new device and persists the registry.
func (r *Registry) Add(d models.Device) error {
	if err := d.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.indexOf(d.Key()) >= 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateDevice, d.Key())
	}

	next := append(r.cloneLocked(), d)
	return r.commitLocked(next)
}

// Update replaces the device stored under key. The replacement may change
// the key as long as it does not collide with another device.
func (r *Registry) Update(key models.DeviceKey, d models.Device) error {
	if err := d.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexOf(key)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, key)
	}
	if d.Key() != key && r.indexOf(d.Key()) >= 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateDevice, d.Key())
	}

	next := r.cloneLocked()
	next[i] = d
	return r.commitLocked(next)
}

// Remove deletes a device and persists the registry.
func (r *Registry) Remove(key models.DeviceKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexOf(key)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, key)
	}

	next := r.cloneLocked()
	next = append(next[:i], next[i+1:]...)
	return r.commitLocked(next)
}

// AdvanceBookmark records that every record up to date has been written for
// the device and persists the registry. The bookmark never moves backwards.
func (r *Registry) AdvanceBookmark(key models.DeviceKey, date models.Date) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexOf(key)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, key)
	}
	if cur := r.devices[i].LastSynced; cur != nil && !cur.Before(date) {
		return nil
	}

	next := r.cloneLocked()
	d := date
	next[i].LastSynced = &d
	return r.commitLocked(next)
}

// Save persists the current device list.
func (r *Registry) Save() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saveLocked(r.devices)
}

func (r *Registry) cloneLocked() []models.Device {
	out := make([]models.Device, len(r.devices), len(r.devices)+1)
	copy(out, r.devices)
	return out
}

// commitLocked writes next to disk and only then swaps it in.
func (r *Registry) commitLocked(next []models.Device) error {
	if err := r.saveLocked(next); err != nil {
		return err
	}
	r.devices = next
	return nil
}

func (r *Registry) saveLocked(devices []models.Device) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("create registry directory: %w", err)
	}
	if err := r.fileLock.Lock(); err != nil {
		return fmt.Errorf("lock registry: %w", err)
	}
	defer func() { _ = r.fileLock.Unlock() }()

	return writeAtomic(r.path, devices, r.rename)
}

// Save writes devices to path atomically: the file on disk is always either
// the previous version or the complete new one.
func Save(path string, devices []models.Device) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create registry directory: %w", err)
	}
	return writeAtomic(path, devices, os.Rename)
}

func writeAtomic(path string, devices []models.Device, rename func(string, string) error) error {
	if devices == nil {
		devices = []models.Device{}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(devices); err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp registry: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp registry: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp registry: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("chmod temp registry: %w", err)
	}
	if err := rename(tmpName, path); err != nil {
		return fmt.Errorf("replace registry: %w", err)
	}
	committed = true
	return nil
}
