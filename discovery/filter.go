package discovery

import (
	"strings"

	"github.com/espruino/dfuflash/dfu"
)

// DefaultTargetName is the name advertised by a Nordic bootloader waiting
// for an update.
const DefaultTargetName = "DfuTarg"

// Filter decides which advertising devices are eligible. The advertised
// name must always equal Name; a non-empty Address narrows the match to one
// device.
type Filter struct {
	Name    string
	Address string
}

// AcceptAll matches every device advertising the default target name.
func AcceptAll() Filter {
	return Filter{Name: DefaultTargetName}
}

// ByAddress matches only the device with the given address, which must still
// advertise the default target name.
func ByAddress(address string) Filter {
	return Filter{Name: DefaultTargetName, Address: address}
}

// ByName matches devices advertising the given name instead of the default.
func ByName(name string) Filter {
	return Filter{Name: name}
}

// Match reports whether dev is eligible. Addresses compare case-insensitively.
func (f Filter) Match(dev dfu.Device) bool {
	name := f.Name
	if name == "" {
		name = DefaultTargetName
	}
	if dev.Name != name {
		return false
	}
	return f.Address == "" || strings.EqualFold(f.Address, dev.Address)
}

func (f Filter) String() string {
	name := f.Name
	if name == "" {
		name = DefaultTargetName
	}
	if f.Address == "" {
		return name
	}
	return name + " at " + f.Address
}
