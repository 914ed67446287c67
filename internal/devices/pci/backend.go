package pci

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/tinyrange/pciemu/internal/hv"
)

// Backend emulates the device behind a PCI function. Init runs once while
// the topology is being built; it sets identification registers, requests
// BARs, adds capabilities and asks for an INTx pin.
type Backend interface {
	Init(fn *Function, opts Options) error
}

// BarReader serves guest reads of a decoded BAR. offset is relative to the
// start of the BAR.
type BarReader interface {
	BarRead(fn *Function, index int, offset uint64, size int) uint64
}

// BarWriter serves guest writes to a decoded BAR.
type BarWriter interface {
	BarWrite(fn *Function, index int, offset uint64, size int, value uint64)
}

// ConfigReader overrides configuration reads. Returning handled=false
// falls through to the default engine.
type ConfigReader interface {
	ConfigRead(fn *Function, off, width int) (value uint32, handled bool)
}

// ConfigWriter overrides configuration writes. Returning false falls
// through to the default engine.
type ConfigWriter interface {
	ConfigWrite(fn *Function, off, width int, value uint32) bool
}

// AddressChangeHandler is told when a BAR starts or stops decoding. bar
// carries the type, size and address of the range concerned. Returning
// true on registration means the backend took care of the mapping itself
// and the core must not install its own handler; the return value is
// ignored on unregistration.
//
// It is called with the function's lock held, so it must not call the
// Function's accessors or re-enter the configuration engine.
type AddressChangeHandler interface {
	BarAddressChanged(fn *Function, index int, registered bool, bar Bar) bool
}

// TopologyWriter contributes a description of the device to the exported
// topology, for example ACPI fragments.
type TopologyWriter interface {
	WriteTopology(fn *Function, w io.Writer) error
}

// Snapshotter saves and restores backend private state. Types returned by
// CaptureSnapshot must be registered with encoding/gob.
type Snapshotter interface {
	CaptureSnapshot(fn *Function) (hv.DeviceSnapshot, error)
	RestoreSnapshot(fn *Function, snap hv.DeviceSnapshot) error
}

// Pauser quiesces device activity around a snapshot.
type Pauser interface {
	Pause(fn *Function) error
	Resume(fn *Function) error
}

// Options are the per-device settings from the topology description.
type Options map[string]string

// String returns the value of key or def.
func (o Options) String(key, def string) string {
	if v, ok := o[key]; ok {
		return v
	}
	return def
}

// Bool reports whether key is set to a true value. A bare flag counts as
// true.
func (o Options) Bool(key string) bool {
	v, ok := o[key]
	if !ok {
		return false
	}
	if v == "" {
		return true
	}
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

// Uint parses key as an unsigned integer in any Go base prefix.
func (o Options) Uint(key string, def uint64) (uint64, error) {
	v, ok := o[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.ParseUint(v, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("option %s=%q: %w", key, v, err)
	}
	return n, nil
}

// Encode formats the options as a sorted comma separated list.
func (o Options) Encode() string {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		if v := o[k]; v != "" {
			b.WriteByte('=')
			b.WriteString(v)
		}
	}
	return b.String()
}

// BackendFactory creates a fresh backend instance for one function.
type BackendFactory func() Backend

var (
	backendsMu sync.RWMutex
	backends   = map[string]BackendFactory{}
)

// RegisterBackend makes a backend available under name. Device packages
// call it from init.
func RegisterBackend(name string, factory BackendFactory) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	if _, dup := backends[name]; dup {
		panic("pci: backend registered twice: " + name)
	}
	backends[name] = factory
}

// LookupBackend returns a new instance of the backend registered as name.
func LookupBackend(name string) (Backend, error) {
	backendsMu.RLock()
	factory, ok := backends[name]
	backendsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("pci backend %q: %w", name, ErrUnknownDevice)
	}
	return factory(), nil
}

// Backends lists the registered backend names in order.
func Backends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
