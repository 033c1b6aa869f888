// Package dfuservice describes the Nordic Secure DFU service. On nRF devices
// built with TinyGo it also implements the buttonless variant of the service,
// which lets a client reset an application into the DFU bootloader.
package dfuservice

import "tinygo.org/x/bluetooth"

// ServiceUUID is the Nordic Secure DFU service, both in the bootloader and
// in applications offering the buttonless entry to it. It should be present
// in the advertisement.
var ServiceUUID = bluetooth.New16BitUUID(0xFE59)

// Characteristics of the DFU service. The bootloader has the control point
// and the packet characteristic, an application only the buttonless one.
var (
	ControlPointUUID = mustParse("8EC90001-F315-4F60-9FB8-838830DAEA50")
	PacketUUID       = mustParse("8EC90002-F315-4F60-9FB8-838830DAEA50")
	ButtonlessUUID   = mustParse("8EC90003-F315-4F60-9FB8-838830DAEA50")
)

func mustParse(s string) bluetooth.UUID {
	uuid, err := bluetooth.ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return uuid
}
