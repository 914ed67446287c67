package hv

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Snapshot file format constants
const (
	SnapshotMagic   uint32 = 0x534e4150 // "SNAP"
	SnapshotVersion uint32 = 1
)

var ErrSnapshotMismatch = errors.New("snapshot does not match virtual machine configuration")

// SnapshotHeader prefixes every device snapshot stream.
type SnapshotHeader struct {
	Magic   uint32
	Version uint32
	Config  VMConfigHash
}

// WriteSnapshotHeader writes a header for a VM with the given config hash.
func WriteSnapshotHeader(w io.Writer, config VMConfigHash) error {
	hdr := SnapshotHeader{
		Magic:   SnapshotMagic,
		Version: SnapshotVersion,
		Config:  config,
	}
	return binary.Write(w, binary.LittleEndian, &hdr)
}

// ReadSnapshotHeader reads a header and checks it against the running VM.
func ReadSnapshotHeader(r io.Reader, config VMConfigHash) error {
	var hdr SnapshotHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("read snapshot header: %w", err)
	}
	if hdr.Magic != SnapshotMagic {
		return fmt.Errorf("snapshot magic 0x%08x: %w", hdr.Magic, ErrSnapshotMismatch)
	}
	if hdr.Version != SnapshotVersion {
		return fmt.Errorf("snapshot version %d: %w", hdr.Version, ErrSnapshotMismatch)
	}
	if hdr.Config != config {
		return fmt.Errorf("snapshot config %s, vm config %s: %w", hdr.Config, config, ErrSnapshotMismatch)
	}
	return nil
}

// DeviceSnapshot is the opaque, gob-encodable state of one device.
type DeviceSnapshot interface{}

// DeviceSnapshotter is implemented by devices whose state survives a
// save/restore cycle.
type DeviceSnapshotter interface {
	DeviceId() string
	CaptureSnapshot() (DeviceSnapshot, error)
	RestoreSnapshot(snap DeviceSnapshot) error
}
