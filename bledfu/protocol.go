package bledfu

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/golang/glog"

	"github.com/espruino/dfuflash/dfu"
)

// Control point opcodes, sent from the client (this program) to the device.
const (
	opCreate   = 0x01 // create object: type, size u32
	opSetPRN   = 0x02 // set packet receipt notification interval: u16
	opChecksum = 0x03 // calculate checksum; response offset u32, crc u32
	opExecute  = 0x04 // execute the current object
	opSelect   = 0x06 // select object: type; response max size u32, offset u32, crc u32
	opResponse = 0x60 // prefix of every control point notification
)

// Object types.
const (
	objCommand = 0x01 // init packet
	objData    = 0x02 // firmware
)

// Buttonless service: the application writes buttonlessEnter and gets back
// buttonlessResponse, buttonlessEnter, result before resetting.
const (
	buttonlessEnter    = 0x01
	buttonlessResponse = 0x20
)

// Result codes returned by the device in control point responses.
const (
	resultInvalidOpcode        = 0x00
	resultSuccess              = 0x01
	resultOpcodeNotSupported   = 0x02
	resultInvalidParameter     = 0x03
	resultInsufficientResource = 0x04
	resultInvalidObject        = 0x05
	resultUnsupportedType      = 0x07
	resultNotPermitted         = 0x08
	resultOperationFailed      = 0x0A
	resultExtendedError        = 0x0B
)

var extendedErrors = map[byte]string{
	0x00: "no extended error code set",
	0x01: "no error",
	0x02: "wrong command format",
	0x03: "unknown command",
	0x04: "init command invalid",
	0x05: "firmware version failure",
	0x06: "hardware version failure",
	0x07: "softdevice version failure",
	0x08: "signature missing",
	0x09: "wrong hash type",
	0x0A: "hash failed",
	0x0B: "wrong signature type",
	0x0C: "verification failed",
	0x0D: "insufficient space",
}

// ResponseError is a control point request the device rejected.
type ResponseError struct {
	OpCode   byte
	Result   byte
	Extended byte
}

func (e *ResponseError) Error() string {
	var reason string
	switch e.Result {
	case resultInvalidOpcode:
		reason = "invalid opcode"
	case resultOpcodeNotSupported:
		reason = "opcode not supported"
	case resultInvalidParameter:
		reason = "invalid parameter"
	case resultInsufficientResource:
		reason = "insufficient resources"
	case resultInvalidObject:
		reason = "invalid object"
	case resultUnsupportedType:
		reason = "unsupported object type"
	case resultNotPermitted:
		reason = "operation not permitted"
	case resultOperationFailed:
		reason = "operation failed"
	case resultExtendedError:
		if s, ok := extendedErrors[e.Extended]; ok {
			reason = s
		} else {
			reason = fmt.Sprintf("extended error 0x%02x", e.Extended)
		}
	default:
		reason = fmt.Sprintf("unknown result 0x%02x", e.Result)
	}
	return fmt.Sprintf("%s: %s", opName(e.OpCode), reason)
}

func opName(op byte) string {
	switch op {
	case opCreate:
		return "create object"
	case opSetPRN:
		return "set PRN"
	case opChecksum:
		return "calculate checksum"
	case opExecute:
		return "execute"
	case opSelect:
		return "select object"
	default:
		return fmt.Sprintf("opcode 0x%02x", op)
	}
}

// ChecksumError is a mismatch between what was sent and what the device
// reports having received.
type ChecksumError struct {
	WantOffset, GotOffset int
	WantCRC, GotCRC       uint32
}

func (e *ChecksumError) Error() string {
	if e.WantOffset != e.GotOffset {
		return fmt.Sprintf("device received %d bytes, expected %d", e.GotOffset, e.WantOffset)
	}
	return fmt.Sprintf("crc mismatch: device has %08x, expected %08x", e.GotCRC, e.WantCRC)
}

// link carries the two writable characteristics of the DFU service.
// Control point notifications arrive on the client's responses channel.
type link interface {
	writeControl(b []byte) error
	writePacket(b []byte) error
}

// client speaks the Secure DFU object transfer protocol over a link.
type client struct {
	link       link
	responses  <-chan []byte
	packetSize int
}

// update sends the init packet followed by the firmware image.
func (c *client) update(ctx context.Context, initData, imageData []byte, progress dfu.ProgressFunc) error {
	// Receipt notifications are disabled; every object is verified with a
	// checksum request instead.
	if _, err := c.request(ctx, opSetPRN, 0, 0); err != nil {
		return err
	}
	if err := c.transfer(ctx, objCommand, initData, nil); err != nil {
		return fmt.Errorf("init packet: %w", err)
	}
	if err := c.transfer(ctx, objData, imageData, progress); err != nil {
		return fmt.Errorf("firmware: %w", err)
	}
	return nil
}

// transfer sends data as a sequence of objects of the given type, each at
// most as large as the device allows.
func (c *client) transfer(ctx context.Context, objType byte, data []byte, progress dfu.ProgressFunc) error {
	resp, err := c.request(ctx, opSelect, objType)
	if err != nil {
		return err
	}
	if len(resp) < 12 {
		return fmt.Errorf("short select response (%d bytes)", len(resp))
	}
	maxSize := int(binary.LittleEndian.Uint32(resp[0:4]))
	if maxSize <= 0 {
		return fmt.Errorf("device reports maximum object size %d", maxSize)
	}
	glog.V(1).Infof("Object type %d: max size %d, device offset %d", objType, maxSize, binary.LittleEndian.Uint32(resp[4:8]))

	if progress == nil {
		progress = func(int, int) {}
	}
	progress(0, len(data))
	for start := 0; start < len(data); start += maxSize {
		end := min(start+maxSize, len(data))

		create := []byte{objType, 0, 0, 0, 0}
		binary.LittleEndian.PutUint32(create[1:], uint32(end-start))
		if _, err := c.request(ctx, opCreate, create...); err != nil {
			return err
		}

		for pos := start; pos < end; pos += c.packetSize {
			if err := ctx.Err(); err != nil {
				return err
			}
			stop := min(pos+c.packetSize, end)
			if err := c.link.writePacket(data[pos:stop]); err != nil {
				return fmt.Errorf("write packet at %d: %w", pos, err)
			}
			progress(stop, len(data))
		}

		if err := c.verify(ctx, data[:end]); err != nil {
			return err
		}
		if _, err := c.request(ctx, opExecute); err != nil {
			return err
		}
	}
	return nil
}

// verify checks that the device holds exactly sent, using the running CRC32
// of all data of the current type.
func (c *client) verify(ctx context.Context, sent []byte) error {
	resp, err := c.request(ctx, opChecksum)
	if err != nil {
		return err
	}
	if len(resp) < 8 {
		return fmt.Errorf("short checksum response (%d bytes)", len(resp))
	}
	got := &ChecksumError{
		WantOffset: len(sent),
		GotOffset:  int(binary.LittleEndian.Uint32(resp[0:4])),
		WantCRC:    crc32.ChecksumIEEE(sent),
		GotCRC:     binary.LittleEndian.Uint32(resp[4:8]),
	}
	if got.WantOffset != got.GotOffset || got.WantCRC != got.GotCRC {
		return got
	}
	return nil
}

// request writes a control point command and waits for its response. It
// returns the response payload after the result code.
func (c *client) request(ctx context.Context, op byte, params ...byte) ([]byte, error) {
	if err := c.link.writeControl(append([]byte{op}, params...)); err != nil {
		return nil, fmt.Errorf("%s: %w", opName(op), err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%s: %w", opName(op), ctx.Err())
		case resp, ok := <-c.responses:
			if !ok {
				return nil, fmt.Errorf("%s: connection lost", opName(op))
			}
			if len(resp) < 3 || resp[0] != opResponse || resp[1] != op {
				glog.V(1).Infof("Ignoring unexpected notification % x", resp)
				continue
			}
			if resp[2] != resultSuccess {
				rerr := &ResponseError{OpCode: op, Result: resp[2]}
				if resp[2] == resultExtendedError && len(resp) > 3 {
					rerr.Extended = resp[3]
				}
				return nil, rerr
			}
			return resp[3:], nil
		}
	}
}
