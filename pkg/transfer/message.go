package transfer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Instruction names of the transfer protocol.
const (
	DownloadHeader = "transfer.download.header"
	DownloadData   = "transfer.download.data"
	UploadHeader   = "transfer.upload.header"
	UploadData     = "transfer.upload.data"
)

// Flag is the verdict a server puts in its replies.
type Flag uint8

const (
	FlagProceed Flag = iota
	FlagFileNotFound
	FlagNoNeedDownload
	FlagHashMismatch
	FlagMoveFailed
	FlagAbort
)

// Message field IDs.
const (
	fieldPath uint16 = iota + 1
	fieldFileName
	fieldFileLength
	fieldPacketLength
	fieldPacketCount
	fieldPacketNo
	fieldHash
	fieldHashAlgo
	fieldFlag
	fieldData
)

const (
	typeU8     uint8 = 1
	typeU32    uint8 = 3
	typeU64    uint8 = 4
	typeString uint8 = 6
	typeBytes  uint8 = 7
)

// fieldHeaderLen is id(2) + type(1) + length(4).
const fieldHeaderLen = 7

var (
	ErrShortField   = errors.New("transfer: short message field")
	ErrFieldType    = errors.New("transfer: message field type mismatch")
	ErrFieldLength  = errors.New("transfer: message field length mismatch")
	ErrUnknownField = errors.New("transfer: unknown message field")
	ErrPacketCount  = errors.New("transfer: too many packets")
)

// Message is the payload of every transfer instruction and reply. Unused
// fields are omitted on the wire.
type Message struct {
	Path         string
	FileName     string
	FileLength   uint64
	PacketLength uint32
	PacketCount  uint32
	PacketNo     uint32
	Hash         []byte
	HashAlgo     string
	Flag         Flag
	Data         []byte
}

// Encode serializes m as type-length-value fields.
func (m Message) Encode() []byte {
	out := make([]byte, 0, 64+len(m.Data))
	if m.Path != "" {
		out = appendField(out, fieldPath, typeString, []byte(m.Path))
	}
	if m.FileName != "" {
		out = appendField(out, fieldFileName, typeString, []byte(m.FileName))
	}
	if m.FileLength != 0 {
		out = appendField(out, fieldFileLength, typeU64, binary.BigEndian.AppendUint64(nil, m.FileLength))
	}
	if m.PacketLength != 0 {
		out = appendField(out, fieldPacketLength, typeU32, binary.BigEndian.AppendUint32(nil, m.PacketLength))
	}
	if m.PacketCount != 0 {
		out = appendField(out, fieldPacketCount, typeU32, binary.BigEndian.AppendUint32(nil, m.PacketCount))
	}
	out = appendField(out, fieldPacketNo, typeU32, binary.BigEndian.AppendUint32(nil, m.PacketNo))
	if len(m.Hash) > 0 {
		out = appendField(out, fieldHash, typeBytes, m.Hash)
	}
	if m.HashAlgo != "" {
		out = appendField(out, fieldHashAlgo, typeString, []byte(m.HashAlgo))
	}
	if m.Flag != FlagProceed {
		out = appendField(out, fieldFlag, typeU8, []byte{byte(m.Flag)})
	}
	if len(m.Data) > 0 {
		out = appendField(out, fieldData, typeBytes, m.Data)
	}
	return out
}

func appendField(out []byte, id uint16, typ uint8, value []byte) []byte {
	out = binary.BigEndian.AppendUint16(out, id)
	out = append(out, typ)
	out = binary.BigEndian.AppendUint32(out, uint32(len(value)))
	return append(out, value...)
}

// DecodeMessage parses a payload produced by Encode.
func DecodeMessage(payload []byte) (Message, error) {
	var m Message
	for i := 0; i < len(payload); {
		if len(payload)-i < fieldHeaderLen {
			return Message{}, ErrShortField
		}
		id := binary.BigEndian.Uint16(payload[i : i+2])
		typ := payload[i+2]
		n := binary.BigEndian.Uint32(payload[i+3 : i+7])
		i += fieldHeaderLen
		if uint64(len(payload)-i) < uint64(n) {
			return Message{}, ErrShortField
		}
		value := payload[i : i+int(n)]
		i += int(n)

		if err := m.set(id, typ, value); err != nil {
			return Message{}, err
		}
	}
	return m, nil
}

func (m *Message) set(id uint16, typ uint8, value []byte) error {
	want, ok := fieldTypes[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownField, id)
	}
	if typ != want {
		return fmt.Errorf("%w: field %d got %d want %d", ErrFieldType, id, typ, want)
	}
	if size, fixed := fixedSizes[typ]; fixed && len(value) != size {
		return fmt.Errorf("%w: field %d has %d bytes", ErrFieldLength, id, len(value))
	}

	switch id {
	case fieldPath:
		m.Path = string(value)
	case fieldFileName:
		m.FileName = string(value)
	case fieldFileLength:
		m.FileLength = binary.BigEndian.Uint64(value)
	case fieldPacketLength:
		m.PacketLength = binary.BigEndian.Uint32(value)
	case fieldPacketCount:
		m.PacketCount = binary.BigEndian.Uint32(value)
	case fieldPacketNo:
		m.PacketNo = binary.BigEndian.Uint32(value)
	case fieldHash:
		m.Hash = append([]byte(nil), value...)
	case fieldHashAlgo:
		m.HashAlgo = string(value)
	case fieldFlag:
		m.Flag = Flag(value[0])
	case fieldData:
		m.Data = append([]byte(nil), value...)
	}
	return nil
}

var fieldTypes = map[uint16]uint8{
	fieldPath:         typeString,
	fieldFileName:     typeString,
	fieldFileLength:   typeU64,
	fieldPacketLength: typeU32,
	fieldPacketCount:  typeU32,
	fieldPacketNo:     typeU32,
	fieldHash:         typeBytes,
	fieldHashAlgo:     typeString,
	fieldFlag:         typeU8,
	fieldData:         typeBytes,
}

var fixedSizes = map[uint8]int{
	typeU8:  1,
	typeU32: 4,
	typeU64: 8,
}

// PacketCount returns the number of packets needed for fileLength bytes.
// The count travels as a uint32; larger counts fail with ErrPacketCount.
func PacketCount(fileLength uint64, packetLength uint32) (uint32, error) {
	if packetLength == 0 {
		return 0, nil
	}
	n := fileLength / uint64(packetLength)
	if fileLength%uint64(packetLength) != 0 {
		n++
	}
	if n > math.MaxUint32 {
		return 0, fmt.Errorf("%w: %d bytes in packets of %d", ErrPacketCount, fileLength, packetLength)
	}
	return uint32(n), nil
}
