package session

import (
	"bytes"
	"encoding/binary"
	"fmt"

	. "github.com/pattyshack/poke/session/common"
	"github.com/pattyshack/poke/session/memalloc"
)

// ReadBytes copies length bytes of target memory starting at addr.
func (session *Session) ReadBytes(
	addr VirtualAddress,
	length uint64,
) (
	[]byte,
	error,
) {
	err := session.checkAttached()
	if err != nil {
		return nil, err
	}

	out := make([]byte, length)
	count, err := session.service.ReadMemory(addr, out)
	if err != nil {
		return out[:count], err
	}
	if uint64(count) < length {
		// The backend reports a transfer that faulted mid way as a short
		// count with no error.
		return out[:count], fmt.Errorf(
			"failed to read %d bytes at %s: only %d bytes readable",
			length,
			addr,
			count)
	}
	return out, nil
}

// WriteBytes copies data into target memory starting at addr.
func (session *Session) WriteBytes(
	addr VirtualAddress,
	data []byte,
) error {
	err := session.checkAttached()
	if err != nil {
		return err
	}

	_, err = session.service.WriteMemory(addr, data)
	return err
}

func (session *Session) readUint(
	addr VirtualAddress,
	width int,
) (
	uint64,
	error,
) {
	data, err := session.ReadBytes(addr, uint64(width))
	if err != nil {
		return 0, err
	}

	switch width {
	case 1:
		return uint64(data[0]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(data)), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(data)), nil
	default:
		return binary.LittleEndian.Uint64(data), nil
	}
}

func (session *Session) ReadUint8(addr VirtualAddress) (uint8, error) {
	value, err := session.readUint(addr, 1)
	return uint8(value), err
}

func (session *Session) ReadUint16(addr VirtualAddress) (uint16, error) {
	value, err := session.readUint(addr, 2)
	return uint16(value), err
}

func (session *Session) ReadUint32(addr VirtualAddress) (uint32, error) {
	value, err := session.readUint(addr, 4)
	return uint32(value), err
}

func (session *Session) ReadUint64(addr VirtualAddress) (uint64, error) {
	return session.readUint(addr, 8)
}

func (session *Session) WriteUint8(addr VirtualAddress, value uint8) error {
	return session.WriteBytes(addr, []byte{value})
}

func (session *Session) WriteUint16(addr VirtualAddress, value uint16) error {
	data := make([]byte, 2)
	binary.LittleEndian.PutUint16(data, value)
	return session.WriteBytes(addr, data)
}

func (session *Session) WriteUint32(addr VirtualAddress, value uint32) error {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, value)
	return session.WriteBytes(addr, data)
}

func (session *Session) WriteUint64(addr VirtualAddress, value uint64) error {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, value)
	return session.WriteBytes(addr, data)
}

// ReadPointer reads a pointer of the target's width.
func (session *Session) ReadPointer(
	addr VirtualAddress,
) (
	VirtualAddress,
	error,
) {
	value, err := session.readUint(addr, session.bitness.PointerSize())
	return VirtualAddress(value), err
}

// WritePointer writes a pointer of the target's width.
func (session *Session) WritePointer(
	addr VirtualAddress,
	value VirtualAddress,
) error {
	if value > session.bitness.MaxAddress() {
		return fmt.Errorf(
			"%w: pointer value %s exceeds the %d-bit address space",
			ErrInvalidArgument,
			value,
			session.bitness)
	}

	if session.bitness == Bitness32 {
		return session.WriteUint32(addr, uint32(value))
	}
	return session.WriteUint64(addr, uint64(value))
}

// ReadCString reads a null terminated string of at most maxLength bytes
// (terminator excluded).  A string running into unreadable memory is
// returned as long as its terminator was reached first.
func (session *Session) ReadCString(
	addr VirtualAddress,
	maxLength uint64,
) (
	string,
	error,
) {
	if maxLength == 0 {
		return "", fmt.Errorf(
			"%w: zero max string length",
			ErrInvalidArgument)
	}

	data, err := session.ReadBytes(addr, maxLength+1)
	idx := bytes.IndexByte(data, 0)
	if idx >= 0 {
		return string(data[:idx]), nil
	}
	if err != nil {
		return "", err
	}

	return "", fmt.Errorf(
		"string at %s is not terminated within %d bytes",
		addr,
		maxLength)
}

// StoreBytes reserves space for data in the target and writes it there.
// The returned reservation pins the bytes until disposed.
func (session *Session) StoreBytes(
	data []byte,
	executable bool,
) (
	*memalloc.Reservation,
	error,
) {
	err := session.checkAttached()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty data", ErrInvalidArgument)
	}

	reservation, err := session.Reserve(
		uint64(len(data)),
		executable,
		0,
		nil,
		0)
	if err != nil {
		return nil, err
	}

	err = session.WriteBytes(reservation.Range().Start, data)
	if err != nil {
		reservation.Dispose()
		return nil, fmt.Errorf(
			"failed to store %d bytes: %w",
			len(data),
			err)
	}

	return reservation, nil
}
