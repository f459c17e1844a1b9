package tctm

import (
	"encoding/hex"
	"encoding/json"

	"example.com/stixgate/internal/bitfield"
	"example.com/stixgate/internal/calib"
)

// Header holds the decoded primary and data field header of one packet.
// TM-only and TC-only fields are omitted from JSON when unset.
type Header struct {
	TMTC         string  `json:"TMTC"`
	Offset       int     `json:"offset"`
	APID         int     `json:"apid"`
	Category     int     `json:"category"`
	PID          int     `json:"pid"`
	PacketID     int     `json:"packet_id"`
	Version      int     `json:"version"`
	PacketType   int     `json:"packet_type"`
	HeaderFlag   int     `json:"header_flag"`
	ProcessID    int     `json:"process_id"`
	SegFlag      int     `json:"seg_flag"`
	Segmentation string  `json:"segmentation,omitempty"`
	SeqCount     int     `json:"seq_count"`
	Length       int     `json:"length"`
	RawLength    int     `json:"raw_length"`
	PUS          int     `json:"PUS"`
	ServiceType  int     `json:"service_type"`
	Subtype      int     `json:"service_subtype"`
	Destination  int     `json:"destination,omitempty"`
	CoarseTime   uint32  `json:"coarse_time,omitempty"`
	FineTime     uint16  `json:"fine_time,omitempty"`
	SCET         float64 `json:"SCET"`
	SPID         int     `json:"SPID,omitempty"`
	SSID         int     `json:"SSID,omitempty"`
	TPSD         int     `json:"TPSD,omitempty"`
	Description  string  `json:"descr,omitempty"`

	CCSDC        int    `json:"ccsdc,omitempty"`
	Ack          int    `json:"ack,omitempty"`
	AckDesc      string `json:"ack_desc,omitempty"`
	SourceID     int    `json:"source_id,omitempty"`
	ExtraSubtype int    `json:"subtype,omitempty"`
	Name         string `json:"name,omitempty"`
	Description2 string `json:"DESCR2,omitempty"`

	UTC      string  `json:"UTC"`
	UnixTime float64 `json:"unix_time"`
	OBTUTC   string  `json:"obt_utc,omitempty"`
}

func (h Header) IsTelecommand() bool { return h.TMTC == "TC" }

// Parameter is one decoded field with its repeated children.
type Parameter struct {
	Name     string         `json:"name"`
	Raw      bitfield.Value `json:"raw"`
	Eng      calib.Value    `json:"eng"`
	Children []Parameter    `json:"children,omitempty"`
}

// Find returns the first parameter with the given name, searching children
// depth first.
func Find(params []Parameter, name string) (*Parameter, bool) {
	for i := range params {
		if params[i].Name == name {
			return &params[i], true
		}
		if p, ok := Find(params[i].Children, name); ok {
			return p, true
		}
	}
	return nil, false
}

// Count returns the number of parameters in the forest, children included.
func Count(params []Parameter) int {
	n := 0
	for _, p := range params {
		n += 1 + Count(p.Children)
	}
	return n
}

// Packet is one decoded packet. It is not modified after it has been handed
// to a sink.
type Packet struct {
	Header     Header      `json:"header"`
	Parameters []Parameter `json:"parameters"`
	Raw        HexBytes    `json:"bin,omitempty"`
}

// HexBytes marshals as a hex string.
type HexBytes []byte

func (b HexBytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(b))
}

func (b *HexBytes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	out, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	*b = out
	return nil
}

// Summary collects the counters of one parse run.
type Summary struct {
	NumTM         int         `json:"num_tm"`
	NumTC         int         `json:"num_tc"`
	NumTMParsed   int         `json:"num_tm_parsed"`
	NumTCParsed   int         `json:"num_tc_parsed"`
	NumBadBytes   int         `json:"num_bad_bytes"`
	NumBadHeaders int         `json:"num_bad_headers"`
	NumFiltered   int         `json:"num_filtered"`
	TotalLength   int         `json:"total_length"`
	SPIDs         map[int]int `json:"spid"`
	// Status is nil for a clean run, ErrIncompletePacket for a truncated
	// stream or the context error on cancellation.
	Status error `json:"-"`
}

func (s Summary) StatusText() string {
	if s.Status == nil {
		return "ok"
	}
	return s.Status.Error()
}

func (s Summary) MarshalJSON() ([]byte, error) {
	type plain Summary
	return json.Marshal(struct {
		plain
		Status string `json:"status"`
	}{plain: plain(s), Status: s.StatusText()})
}

func (s Summary) clone() Summary {
	out := s
	out.SPIDs = make(map[int]int, len(s.SPIDs))
	for k, v := range s.SPIDs {
		out.SPIDs[k] = v
	}
	return out
}
