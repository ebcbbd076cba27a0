package tidsp

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// DeviceLibraryDir is where the device-side libraries are installed.
const DeviceLibraryDir = "/lib/dsp/"

// DeviceLibrary identifies a support library loaded before the codec.
type DeviceLibrary uint8

const (
	LibraryRingIO      DeviceLibrary = iota // generic ring buffer I/O
	LibraryUSN                              // universal socket node sequencer
	LibraryConversions                      // absent on USN API 0 firmware
	libraryCount
)

// libraryMeta contains static metadata about a device library.
type libraryMeta struct {
	Name     string
	UUID     uuid.UUID
	File     string
	Required bool
}

// Static metadata table - indexed by DeviceLibrary, in registration order.
var libraryInfo = [libraryCount]libraryMeta{
	LibraryRingIO:      {"ringio", uuid.MustParse("47698bfb-a7ee-417e-a67a-41c0279eb805"), DeviceLibraryDir + "ringio.dll64P", true},
	LibraryUSN:         {"usn", uuid.MustParse("79a3c8b3-95f2-403f-9a4b-cf8057730541"), DeviceLibraryDir + "usn.dll64P", true},
	LibraryConversions: {"conversions", uuid.MustParse("722dd0da-f532-4238-b846-abff5da4ba02"), DeviceLibraryDir + "conversions.dll64P", false},
}

// String returns the library name.
func (l DeviceLibrary) String() string {
	if l >= libraryCount {
		return "unknown"
	}
	return libraryInfo[l].Name
}

// UUID returns the library identifier.
func (l DeviceLibrary) UUID() uuid.UUID {
	if l >= libraryCount {
		return uuid.Nil
	}
	return libraryInfo[l].UUID
}

// File returns the device-side library path.
func (l DeviceLibrary) File() string {
	if l >= libraryCount {
		return ""
	}
	return libraryInfo[l].File
}

// Required reports whether a registration failure aborts startup.
func (l DeviceLibrary) Required() bool {
	if l >= libraryCount {
		return false
	}
	return libraryInfo[l].Required
}

// DeviceLibraries returns the support libraries in registration order.
func DeviceLibraries() []DeviceLibrary {
	return []DeviceLibrary{LibraryRingIO, LibraryUSN, LibraryConversions}
}

// dspUUID converts u to the firmware struct layout: a little-endian
// uint32, two little-endian uint16 and eight bytes in stream order.
func dspUUID(u uuid.UUID) [16]byte {
	var out [16]byte
	binary.LittleEndian.PutUint32(out[0:4], binary.BigEndian.Uint32(u[0:4]))
	binary.LittleEndian.PutUint16(out[4:6], binary.BigEndian.Uint16(u[4:6]))
	binary.LittleEndian.PutUint16(out[6:8], binary.BigEndian.Uint16(u[6:8]))
	copy(out[8:], u[8:])
	return out
}
