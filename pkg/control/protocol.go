// Package control implements the Control Socket: a stream
// socket at a well-known path exchanging fixed-size records, each an
// in-band ack/nack reply to a single command.
package control

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Magic identifies a well-formed request record, rejecting anything not
// speaking this protocol before it can mutate state (the
// "control request malformed" error kind).
const Magic uint32 = 0x46494e54 // "FINT"

// MaxData bounds the variable payload (a service name, condition name, or
// nack error text), keeping the record fixed-size on the wire.
const MaxData = 504

// recordSize is Magic(4) + Command(1) + Arg(4) + DataLen(2) + Data(MaxData).
const recordSize = 4 + 1 + 4 + 2 + MaxData

// Command identifies the requested operation, per the command
// list.
type Command uint8

const (
	CmdStatus Command = iota
	CmdRunlevelGet
	CmdRunlevelSet
	CmdStart
	CmdStop
	CmdRestart
	CmdReload
	CmdSignal
	CmdQuery
	CmdCondGet
	CmdCondSet
	CmdCondClear
	CmdDebugToggle
	CmdReboot
	CmdHalt
	CmdPoweroff
	CmdSuspend
)

func (c Command) String() string {
	names := []string{
		"status", "runlevel-get", "runlevel-set", "start", "stop", "restart",
		"reload", "signal", "query", "cond-get", "cond-set", "cond-clear",
		"debug-toggle", "reboot", "halt", "poweroff", "suspend",
	}
	if int(c) < len(names) {
		return names[c]
	}
	return fmt.Sprintf("Command(%d)", c)
}

// Request is a single fixed-size record sent by the client. Arg is
// overloaded: a runlevel for runlevel-set, a signal number
// for signal, otherwise unused. Data carries a service or condition name
// (start/stop/restart/signal/query/cond-*) as raw bytes, length-prefixed by
// DataLen.
type Request struct {
	Command Command
	Arg int32
	Data []byte
}

// ReplyStatus is the record's outcome byte.
type ReplyStatus uint8

const (
	StatusAck ReplyStatus = iota
	StatusNack
)

func (s ReplyStatus) String() string {
	if s == StatusAck {
		return "ack"
	}
	return "nack"
}

// Reply is the fixed-size record sent back in the same connection. Data
// carries a text payload: an error message on nack, or a command-specific
// result (status text, the current runlevel, a condition's state) on ack.
type Reply struct {
	Status ReplyStatus
	Data []byte
}

// WriteRequest marshals req as a fixed-size record.
func WriteRequest(w io.Writer, req Request) error {
	if len(req.Data) > MaxData {
		return fmt.Errorf("control: request data too large: %d > %d", len(req.Data), MaxData)
	}
	var buf [recordSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	buf[4] = uint8(req.Command)
	binary.LittleEndian.PutUint32(buf[5:9], uint32(req.Arg))
	binary.LittleEndian.PutUint16(buf[9:11], uint16(len(req.Data)))
	copy(buf[11:], req.Data)
	_, err := w.Write(buf[:])
	return err
}

// ReadRequest reads and validates a fixed-size request record. A bad magic
// or an overlong declared data length is reported without consuming a
// malformed byte stream indefinitely.
func ReadRequest(r io.Reader) (Request, error) {
	var buf [recordSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Request{}, err
	}
	magic := binary.LittleEndian.Uint32(buf[0:4])
	if magic != Magic {
		return Request{}, fmt.Errorf("control: bad magic %#x", magic)
	}
	dataLen := binary.LittleEndian.Uint16(buf[9:11])
	if int(dataLen) > MaxData {
		return Request{}, fmt.Errorf("control: declared data length %d exceeds %d", dataLen, MaxData)
	}
	return Request{
		Command: Command(buf[4]),
		Arg: int32(binary.LittleEndian.Uint32(buf[5:9])),
		Data: append([]byte(nil), buf[11:11+dataLen]...),
	}, nil
}

// WriteReply marshals a reply record.
func WriteReply(w io.Writer, rep Reply) error {
	if len(rep.Data) > MaxData {
		rep.Data = rep.Data[:MaxData]
	}
	var buf [1 + 2 + MaxData]byte
	buf[0] = uint8(rep.Status)
	binary.LittleEndian.PutUint16(buf[1:3], uint16(len(rep.Data)))
	copy(buf[3:], rep.Data)
	_, err := w.Write(buf[:])
	return err
}

// ReadReply reads a reply record.
func ReadReply(r io.Reader) (Reply, error) {
	var buf [1 + 2 + MaxData]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Reply{}, err
	}
	dataLen := binary.LittleEndian.Uint16(buf[1:3])
	if int(dataLen) > MaxData {
		return Reply{}, fmt.Errorf("control: declared reply length %d exceeds %d", dataLen, MaxData)
	}
	return Reply{
		Status: ReplyStatus(buf[0]),
		Data: append([]byte(nil), buf[3:3+dataLen]...),
	}, nil
}

// Ack builds a successful reply carrying text.
func Ack(text string) Reply { return Reply{Status: StatusAck, Data: []byte(text)} }

// Nack builds a failed reply carrying an error message.
func Nack(text string) Reply { return Reply{Status: StatusNack, Data: []byte(text)} }
