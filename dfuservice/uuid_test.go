package dfuservice

import (
	"strings"
	"testing"
)

func TestUUIDs(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"service", ServiceUUID.String(), "0000fe59-0000-1000-8000-00805f9b34fb"},
		{"control point", ControlPointUUID.String(), "8ec90001-f315-4f60-9fb8-838830daea50"},
		{"packet", PacketUUID.String(), "8ec90002-f315-4f60-9fb8-838830daea50"},
		{"buttonless", ButtonlessUUID.String(), "8ec90003-f315-4f60-9fb8-838830daea50"},
	}
	for _, tt := range tests {
		if !strings.EqualFold(tt.got, tt.want) {
			t.Errorf("%s UUID = %s, want %s", tt.name, tt.got, tt.want)
		}
	}
}
