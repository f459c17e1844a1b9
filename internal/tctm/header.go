package tctm

import (
	"encoding/binary"
	"fmt"

	"example.com/stixgate/internal/idb"
)

const (
	TMHeaderSize = 16
	TCHeaderSize = 10

	tmSyncByte   = 0x0D
	maxTMLength  = 4106
	tmPUSVersion = 16
	tcSegFlag    = 3
	crcSize      = 2
)

var segmentationNames = [...]string{
	"continuation packet",
	"first packet",
	"last packet",
	"stand-alone packet",
}

var ackNames = map[int]string{
	0: "no response",
	1: "ACC_ACK",
	8: "EXE_ACK",
	9: "ACC_ACK EXE_ACK",
}

// Telecommands whose identity needs the first data field byte.
var extraSubtypeServices = map[[2]int]bool{
	{237, 7}: true,
	{236, 6}: true,
}

func IsTMSync(b byte) bool { return b == tmSyncByte }

func IsTCSync(b byte) bool { return b == 0x1D || b == 0x1B }

func IsSync(b byte) bool { return IsTMSync(b) || IsTCSync(b) }

// TMPacketSize is the on-wire size of a telemetry packet with the given
// header length field.
func TMPacketSize(length int) int { return length - 9 + TMHeaderSize }

// TCPacketSize is the on-wire size of a telecommand packet, CRC included.
func TCPacketSize(length int) int { return length + 1 - 4 + TCHeaderSize }

func tmDataFieldLength(length int) int { return max(TMPacketSize(length)-TMHeaderSize, 0) }

func tcDataFieldLength(length int) int { return max(TCPacketSize(length)-TCHeaderSize, 0) }

// field extracts width bits starting shift bits above the LSB.
func field(word uint16, shift, width uint) int {
	return int(word>>shift) & (1<<width - 1)
}

func decodePrimary(h *Header, b []byte) {
	w0 := binary.BigEndian.Uint16(b[0:2])
	w1 := binary.BigEndian.Uint16(b[2:4])
	h.APID = field(w0, 0, 11)
	h.Category = field(w0, 0, 4)
	h.PID = field(w0, 4, 7)
	h.PacketID = int(w0)
	h.Version = field(w0, 13, 3)
	h.PacketType = field(w0, 12, 1)
	h.HeaderFlag = field(w0, 11, 1)
	h.ProcessID = field(w0, 4, 11)
	h.SegFlag = field(w1, 14, 2)
	h.SeqCount = field(w1, 0, 14)
	h.Length = int(binary.BigEndian.Uint16(b[4:6]))
}

// ParseTMHeader decodes the 16 byte telemetry header.
func ParseTMHeader(b []byte) (Header, error) {
	var h Header
	if len(b) < TMHeaderSize {
		return h, fmt.Errorf("%w: %d bytes, need %d", ErrPacketTooShort, len(b), TMHeaderSize)
	}
	if !IsTMSync(b[0]) {
		return h, fmt.Errorf("%w: 0x%02X", ErrHeaderFirstByteInvalid, b[0])
	}
	decodePrimary(&h, b)
	h.PUS = int(b[6])
	h.ServiceType = int(b[7])
	h.Subtype = int(b[8])
	h.Destination = int(b[9])
	h.CoarseTime = binary.BigEndian.Uint32(b[10:14])
	h.FineTime = binary.BigEndian.Uint16(b[14:16])

	switch {
	case h.Version != 0:
		return h, fmt.Errorf("%w: version %d", ErrHeaderInvalid, h.Version)
	case h.PacketType != 0:
		return h, fmt.Errorf("%w: packet type %d", ErrHeaderInvalid, h.PacketType)
	case h.Length > maxTMLength:
		return h, fmt.Errorf("%w: length %d exceeds %d", ErrHeaderInvalid, h.Length, maxTMLength)
	case h.PUS != tmPUSVersion:
		return h, fmt.Errorf("%w: PUS %d", ErrHeaderInvalid, h.PUS)
	}
	h.TMTC = "TM"
	h.Segmentation = segmentationNames[h.SegFlag]
	h.SCET = float64(h.CoarseTime) + float64(h.FineTime)/65536
	h.RawLength = TMPacketSize(h.Length)
	h.SSID = idb.NoSubtype
	h.TPSD = -1
	return h, nil
}

// ParseDataFieldHeader resolves the packet type of a telemetry packet.
// data is the data field following the 16 byte header.
func ParseDataFieldHeader(h *Header, data []byte, lookup idb.Lookup) (idb.PacketType, error) {
	ssid := idb.NoSubtype
	if f, ok := lookup.SSIDField(h.ServiceType, h.Subtype); ok {
		start := f.Offset - TMHeaderSize
		n := f.Width / 8
		if start < 0 || start+n > len(data) {
			return idb.PacketType{}, fmt.Errorf("%w: SSID of TM(%d,%d) beyond data field", ErrPacketTooShort, h.ServiceType, h.Subtype)
		}
		if n == 2 {
			ssid = int(binary.BigEndian.Uint16(data[start : start+2]))
		} else {
			ssid = int(data[start])
		}
	}
	info, ok := lookup.PacketType(h.ServiceType, h.Subtype, ssid)
	if !ok {
		return idb.PacketType{}, fmt.Errorf("%w: TM(%d,%d) SSID %d", ErrNoPidInfoInIdb, h.ServiceType, h.Subtype, ssid)
	}
	h.SPID = info.SPID
	h.SSID = ssid
	h.TPSD = info.TPSD
	h.Description = info.Description
	return info, nil
}

// ParseTCHeader decodes the 10 byte telecommand header at the start of b and
// resolves the telecommand. b may extend past the header; the byte after the
// header is read for services that carry an extra subtype.
func ParseTCHeader(b []byte, lookup idb.Lookup) (Header, idb.Telecommand, error) {
	var h Header
	if len(b) > 0 && !IsTCSync(b[0]) {
		return h, idb.Telecommand{}, fmt.Errorf("%w: 0x%02X", ErrHeaderFirstByteInvalid, b[0])
	}
	if len(b) < TCHeaderSize {
		return h, idb.Telecommand{}, fmt.Errorf("%w: %d bytes, need %d", ErrPacketTooShort, len(b), TCHeaderSize)
	}
	decodePrimary(&h, b)
	flags := b[6]
	h.CCSDC = int(flags) & 0x1
	h.PUS = int(flags>>1) & 0x7
	h.Ack = int(flags>>4) & 0xF
	h.ServiceType = int(b[7])
	h.Subtype = int(b[8])
	h.SourceID = int(b[9])
	h.RawLength = TCPacketSize(h.Length)
	h.TMTC = "TC"
	h.ExtraSubtype = idb.NoSubtype

	var headerErr error
	switch {
	case h.Version != 0:
		headerErr = fmt.Errorf("%w: version %d", ErrHeaderInvalid, h.Version)
	case h.SegFlag != tcSegFlag:
		headerErr = fmt.Errorf("%w: segmentation flag %d", ErrHeaderInvalid, h.SegFlag)
	}

	if extraSubtypeServices[[2]int{h.ServiceType, h.Subtype}] && len(b) > TCHeaderSize {
		h.ExtraSubtype = int(b[TCHeaderSize])
	}
	tc, ok := lookup.Telecommand(h.ServiceType, h.Subtype, h.ExtraSubtype)
	if !ok {
		return h, idb.Telecommand{}, fmt.Errorf("%w: TC(%d,%d) subtype %d", ErrHeaderKeyError, h.ServiceType, h.Subtype, h.ExtraSubtype)
	}
	h.Name = tc.Name
	h.Description = tc.Description
	h.Description2 = tc.Description2
	if headerErr != nil {
		return h, tc, headerErr
	}
	desc, ok := ackNames[h.Ack]
	if !ok {
		return h, tc, fmt.Errorf("%w: ack 0x%X", ErrHeaderKeyError, h.Ack)
	}
	h.AckDesc = desc
	return h, tc, nil
}
