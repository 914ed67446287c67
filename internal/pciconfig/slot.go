package pciconfig

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/pciemu/internal/devices/pci"
)

// ParseSlot parses a slot string:
//
//	<bus>:<slot>:<func>,<device>[,<config>]
//	<slot>[:<func>],<device>[,<config>]
//
// Numbers are decimal. The config part is a comma separated list of
// name[=value] options; a bare name is a true flag.
func ParseSlot(s string) (DeviceSpec, error) {
	loc, rest, ok := strings.Cut(s, ",")
	if !ok || rest == "" {
		return DeviceSpec{}, fmt.Errorf("invalid PCI slot info field %q: %w", s, ErrInvalidTopology)
	}
	device, config, _ := strings.Cut(rest, ",")

	var nums []int
	for _, part := range strings.Split(loc, ":") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return DeviceSpec{}, fmt.Errorf("invalid PCI slot info field %q: %w", s, ErrInvalidTopology)
		}
		nums = append(nums, n)
	}

	var bus, slot, fn int
	switch len(nums) {
	case 1:
		slot = nums[0]
	case 2:
		slot, fn = nums[0], nums[1]
	case 3:
		bus, slot, fn = nums[0], nums[1], nums[2]
	default:
		return DeviceSpec{}, fmt.Errorf("invalid PCI slot info field %q: %w", s, ErrInvalidTopology)
	}
	if bus < 0 || bus >= pci.MaxBuses || slot < 0 || slot >= pci.MaxSlots || fn < 0 || fn >= pci.MaxFuncs {
		return DeviceSpec{}, fmt.Errorf("invalid PCI slot info field %q: %w", s, pci.ErrBadAddress)
	}

	return DeviceSpec{
		Bus:     uint8(bus),
		Slot:    uint8(slot),
		Func:    uint8(fn),
		Device:  device,
		Options: ParseOptions(config),
	}, nil
}

// ParseOptions splits a legacy option string into name/value pairs.
func ParseOptions(config string) map[string]string {
	if config == "" {
		return nil
	}
	opts := make(map[string]string)
	for _, opt := range strings.Split(config, ",") {
		if opt == "" {
			continue
		}
		if name, value, ok := strings.Cut(opt, "="); ok {
			opts[name] = value
		} else {
			opts[opt] = "true"
		}
	}
	return opts
}

// Size is a byte count that accepts K, M, G and T suffixes in YAML.
type Size uint64

var sizeUnits = []struct {
	suffix string
	shift  uint
}{
	{"T", 40}, {"G", 30}, {"M", 20}, {"K", 10},
}

// ParseSize parses a byte count such as "4096", "0x1000", "512M" or "2GiB".
func ParseSize(s string) (Size, error) {
	str := strings.ToUpper(strings.TrimSpace(s))
	switch {
	case strings.HasSuffix(str, "IB"):
		str = str[:len(str)-2]
	case len(str) > 1 && strings.HasSuffix(str, "B") && strings.ContainsAny(str[len(str)-2:len(str)-1], "KMGT"):
		str = str[:len(str)-1]
	}
	shift := uint(0)
	for _, u := range sizeUnits {
		if strings.HasSuffix(str, u.suffix) {
			str, shift = str[:len(str)-1], u.shift
			break
		}
	}
	n, err := strconv.ParseUint(str, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if shift > 0 && n > (^uint64(0))>>shift {
		return 0, fmt.Errorf("size %q overflows", s)
	}
	return Size(n << shift), nil
}

// UnmarshalYAML implements yaml.Unmarshaler for Size.
func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	var str string
	if err := value.Decode(&str); err != nil {
		return err
	}
	if str == "" {
		return nil
	}
	parsed, err := ParseSize(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler for Size.
func (s Size) MarshalYAML() (interface{}, error) {
	return s.String(), nil
}

func (s Size) String() string {
	n := uint64(s)
	for _, u := range sizeUnits {
		if n != 0 && n%(1<<u.shift) == 0 {
			return fmt.Sprintf("%d%s", n>>u.shift, u.suffix)
		}
	}
	return strconv.FormatUint(n, 10)
}
