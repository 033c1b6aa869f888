//go:build tinygo && nrf

package dfuservice

import (
	"device/arm"
	"device/nrf"

	"tinygo.org/x/bluetooth"
)

const (
	opEnterBootloader  = 0x01
	opResponse         = 0x20
	resultSuccess      = 0x01
	resultNotSupported = 0x02

	// The Nordic bootloader enters DFU mode when GPREGRET holds this value.
	bootloaderDFUStart = 0xB1
)

var buttonless bluetooth.Characteristic

// AddService adds the buttonless DFU service to the list of services. To make
// use of this service, it also needs to be advertised in the BLE
// advertisement packet. See the blink example for how you can do that, it
// only takes a few lines of code to add DFU support to an application.
func AddService(adapter *bluetooth.Adapter) error {
	return adapter.AddService(&bluetooth.Service{
		UUID: ServiceUUID,
		Characteristics: []bluetooth.CharacteristicConfig{
			{
				Handle: &buttonless,
				UUID:   ButtonlessUUID,
				Flags:  bluetooth.CharacteristicWritePermission | bluetooth.CharacteristicIndicatePermission,
				WriteEvent: func(client bluetooth.Connection, offset int, value []byte) {
					if offset != 0 || len(value) == 0 {
						return
					}
					if value[0] != opEnterBootloader {
						buttonless.Write([]byte{opResponse, value[0], resultNotSupported})
						return
					}
					buttonless.Write([]byte{opResponse, opEnterBootloader, resultSuccess})
					enterBootloader()
				},
			},
		},
	})
}

func enterBootloader() {
	// Disable the SoftDevice before reset, otherwise GPREGRET is not available.
	// The SVCall number 0x11 means SD_SOFTDEVICE_DISABLE in all SoftDevice
	// versions I checked (s110v8, s132v6, s140v7), so is likely to remain
	// constant.
	arm.SVCall0(0x11) // SD_SOFTDEVICE_DISABLE

	nrf.POWER.GPREGRET.Set(bootloaderDFUStart)
	arm.SystemReset()
}
