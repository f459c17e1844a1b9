// Package samples builds a small deterministic instrument database and packet
// stream. The generator command writes them to disk and tests across the
// module parse them.
package samples

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"example.com/stixgate/internal/idb"
)

const (
	IDBFileName    = "sample_idb.yaml"
	BinaryFileName = "sample.bin"
	HexFileName    = "sample.hex"
	ASCIIFileName  = "sample.ascii"

	Version = "sample-1"

	tmHeaderSize = 16
	tcHeaderSize = 10
)

// Counts of the sample stream.
const (
	NumTM     = 3
	NumTC     = 1
	NumAlerts = 1
)

// SPIDs maps the telemetry SPIDs in the stream to their packet counts.
var SPIDs = map[int]int{54101: 1, 54118: 1, 54000: 1}

func intPtr(v int) *int { return &v }

// IDB returns the sample instrument database.
func IDB() idb.File {
	return idb.File{
		Version: Version,
		PacketTypes: []idb.FilePacketType{
			{Service: 3, Subtype: 25, SSID: intPtr(1), SPID: 54101, Description: "HK mini report"},
			{Service: 21, Subtype: 6, SSID: intPtr(30), SPID: 54118, Description: "QL light curves", TPSD: intPtr(54118)},
			{Service: 5, Subtype: 1, SPID: 54000, Description: "normal progress event"},
		},
		SSIDFields: []idb.FileSSIDField{
			{Service: 3, Subtype: 25, Offset: 16, Width: 8},
			{Service: 21, Subtype: 6, Offset: 16, Width: 8},
		},
		FixedPackets: map[string][]idb.FileParameter{
			"54101": {
				{Name: "NIXD0001", Offset: 16, Width: 8},
				{Name: "NIX00020", Offset: 17, Width: 16, Calibration: "CIX00020"},
				{Name: "NIXD0002", Offset: 19, Bit: 0, Width: 4},
				{Name: "NIXD0003", Offset: 19, Bit: 4, Width: 4},
			},
			"54000": {},
		},
		VariablePackets: map[string][]idb.FileParameter{
			"54118": {
				{Name: "NIX00120", Width: 8},
				{Name: "NIX00405", Width: 32},
				{Name: "NIX00270", Width: 8, GroupSize: 1},
				{Name: "NIX00271", Width: 16},
				{Name: "NIX00275", Width: 8},
			},
		},
		Telecommands: []idb.FileTelecommand{
			{Name: "ZIX17001", Description: "connection test", Service: 17, Subtype: 1},
		},
		Calibrations: idb.FileCalibrations{
			Polynomials: map[string][]float64{"CIX00020": {1, 2}},
		},
	}
}

// TM builds a telemetry packet around its data field.
func TM(service, subtype byte, coarse uint32, fine uint16, data []byte) []byte {
	b := make([]byte, tmHeaderSize, tmHeaderSize+len(data))
	binary.BigEndian.PutUint16(b[0:2], 0x0DE5)
	binary.BigEndian.PutUint16(b[2:4], 0xC000)
	binary.BigEndian.PutUint16(b[4:6], uint16(len(data)+9))
	b[6] = 0x10
	b[7] = service
	b[8] = subtype
	b[9] = 0x01
	binary.BigEndian.PutUint32(b[10:14], coarse)
	binary.BigEndian.PutUint16(b[14:16], fine)
	return append(b, data...)
}

// TC builds a telecommand around its application data and a dummy CRC.
func TC(service, subtype byte, data []byte) []byte {
	b := make([]byte, tcHeaderSize, tcHeaderSize+len(data)+2)
	binary.BigEndian.PutUint16(b[0:2], 0x1DAC)
	binary.BigEndian.PutUint16(b[2:4], 0xC000)
	binary.BigEndian.PutUint16(b[4:6], uint16(len(data)+2+3))
	b[6] = 0x92
	b[7] = service
	b[8] = subtype
	b[9] = 0x90
	b = append(b, data...)
	return append(b, 0xAB, 0xCD)
}

// Packets returns the packets of the sample stream in order.
func Packets() [][]byte {
	return [][]byte{
		TM(3, 25, 10, 0, []byte{0x01, 0x00, 0x0A, 0xA5}),
		TM(21, 6, 12, 0x8000, []byte{30, 0x00, 0x00, 0x00, 0x05, 0x02, 0x00, 0x01, 0x00, 0x02, 0x99}),
		TC(17, 1, nil),
		TM(5, 1, 14, 0, nil),
	}
}

// BuildStream concatenates the sample packets.
func BuildStream() []byte {
	var out []byte
	for _, p := range Packets() {
		out = append(out, p...)
	}
	return out
}

// BuildASCII renders the stream as MOC ASCII lines, one receipt time and
// packet per line.
func BuildASCII() string {
	var sb strings.Builder
	for i, p := range Packets() {
		fmt.Fprintf(&sb, "2021-05-01T00:00:%02d.000 %s\n", i, hex.EncodeToString(p))
	}
	return sb.String()
}

// WriteFiles writes the database and the stream in binary, hex and ASCII
// form to dir.
func WriteFiles(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	db, err := yaml.Marshal(IDB())
	if err != nil {
		return fmt.Errorf("encode idb: %w", err)
	}
	stream := BuildStream()
	files := map[string][]byte{
		IDBFileName:    db,
		BinaryFileName: stream,
		HexFileName:    []byte(hex.EncodeToString(stream) + "\n"),
		ASCIIFileName:  []byte(BuildASCII()),
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return nil
}
