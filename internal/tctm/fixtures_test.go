package tctm

import (
	"bytes"
	"encoding/binary"
	"testing"

	"example.com/stixgate/internal/common"
	"example.com/stixgate/internal/idb"
)

func intPtr(v int) *int { return &v }

func testFile() idb.File {
	return idb.File{
		Version: "test",
		PacketTypes: []idb.FilePacketType{
			{Service: 3, Subtype: 25, SSID: intPtr(1), SPID: 54101, Description: "HK mini"},
			{Service: 21, Subtype: 6, SSID: intPtr(30), SPID: 54118, Description: "QL light curves", TPSD: intPtr(54118)},
			{Service: 5, Subtype: 1, SPID: 54000, Description: "event report"},
			{Service: 6, Subtype: 6, SPID: ContextSPID, Description: "context dump"},
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
				{Name: "NIX00022", Offset: 20, Bit: 0, Width: 12, Type: "I"},
				{Name: "NIX00023", Offset: 21, Bit: 4, Width: 4},
			},
			"54103": {
				{Name: "NIXD0030", Offset: 16, Width: 8},
				{Name: "NIX00040", Offset: 17, Width: 16},
			},
			"54000": {},
			"54331": {
				{Name: "NIX00200", Width: 8, Type: "CONTEXT"},
				{Name: "NIX00201", Width: 4, Type: "CONTEXT"},
				{Name: "NIX00202", Width: 12, Type: "CONTEXT"},
				{Name: "NIX00210", Width: 16, GroupSize: 2},
				{Name: "NIXR0001", Description: "THRESHOLD", Width: 8, Type: "CONTEXT"},
				{Name: "NIXR0002", Description: "GAIN", Width: 8, Type: "CONTEXT"},
				{Name: "NIX00220", Width: 16, Type: "CONTEXT"},
			},
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
			{Name: "ZIX05002", Description: "raise event", Service: 5, Subtype: 2},
			{
				Name: "ZIX39004", Description: "set parameter", Service: 237, Subtype: 7, ExtraSubtype: intPtr(4),
				Parameters: []idb.FileParameter{
					{Name: "PIX00011", Bit: 0, Width: 8},
					{Name: "PIX00010", Bit: 8, Width: 8, PTC: 4, PFC: 4},
				},
			},
			{
				Name: "ZIX20128", Description: "forward instrument data", Service: 20, Subtype: 128, Variable: true,
				Parameters: s20Parameters(),
			},
		},
		Calibrations: idb.FileCalibrations{
			Polynomials: map[string][]float64{"CIX00020": {1, 2}},
		},
	}
}

func s20Parameters() []idb.FileParameter {
	params := make([]idb.FileParameter, 0, 10)
	for _, name := range []string{"PIX00001", "PIX00002", "PIX00003", "PIX00004", "PIX00005", "PIX00006", "PIX00007", "PIX00008", "PIX00019"} {
		params = append(params, idb.FileParameter{Name: name, Width: 8})
	}
	return append(params, idb.FileParameter{Description: "PIX00080", ElementType: "A", Width: 64})
}

func testStore(t *testing.T) *idb.Store {
	t.Helper()
	store, err := idb.FromFile(testFile())
	if err != nil {
		t.Fatalf("FromFile: %v", err)
	}
	return store
}

func testLogger() (*common.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return common.NewLogger(&buf, common.LevelDebug), &buf
}

// tmPacket builds a telemetry packet around data, the data field after the
// 16 byte header.
func tmPacket(service, subtype byte, coarse uint32, fine uint16, data []byte) []byte {
	b := make([]byte, TMHeaderSize, TMHeaderSize+len(data))
	binary.BigEndian.PutUint16(b[0:2], 0x0DE5)
	binary.BigEndian.PutUint16(b[2:4], 0xC000|0x0042)
	binary.BigEndian.PutUint16(b[4:6], uint16(len(data)+9))
	b[6] = tmPUSVersion
	b[7] = service
	b[8] = subtype
	b[9] = 0x01
	binary.BigEndian.PutUint32(b[10:14], coarse)
	binary.BigEndian.PutUint16(b[14:16], fine)
	return append(b, data...)
}

// tcPacket builds a telecommand with data followed by a 2 byte CRC.
func tcPacket(service, subtype byte, data []byte) []byte {
	b := make([]byte, TCHeaderSize, TCHeaderSize+len(data)+crcSize)
	binary.BigEndian.PutUint16(b[0:2], 0x1DAC)
	binary.BigEndian.PutUint16(b[2:4], 0xC000|0x0007)
	binary.BigEndian.PutUint16(b[4:6], uint16(len(data)+crcSize+3))
	b[6] = 0x92
	b[7] = service
	b[8] = subtype
	b[9] = 0x90
	b = append(b, data...)
	return append(b, 0xAB, 0xCD)
}

func hkData() []byte {
	return []byte{0x01, 0x00, 0x0A, 0xA5, 0xFF, 0xE7}
}

// contextData packs 0xAB, 0x5, 0x123, registers 7 and 9 and 0x0102.
func contextData() []byte {
	return []byte{0xAB, 0x51, 0x23, 0x07, 0x09, 0x01, 0x02}
}

func lightCurveData() []byte {
	return []byte{30, 0x00, 0x00, 0x00, 0x05, 0x02, 0x00, 0x01, 0x00, 0x02, 0x99}
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
