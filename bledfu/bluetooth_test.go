package bledfu

import "tinygo.org/x/bluetooth"

// The transport relies on these method sets of the bluetooth package.
var (
	_ characteristic = &bluetooth.DeviceCharacteristic{}
	_ peer           = blePeer{}
)
