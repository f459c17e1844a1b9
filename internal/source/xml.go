package source

import (
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"example.com/stixgate/internal/common"
	"example.com/stixgate/internal/tctm"
)

// mocWrapperSize is the MOC envelope in front of each raw packet.
const mocWrapperSize = 76

type responsePart struct {
	XMLName  xml.Name `xml:"ResponsePart"`
	Response struct {
		PktRaw struct {
			Elements []rawElement `xml:"PktRawResponseElement"`
		} `xml:"PktRawResponse"`
	} `xml:"Response"`
}

type rawElement struct {
	PacketID string `xml:"packetID,attr"`
	Packet   string `xml:"Packet"`
}

// ReadXML reads a MOC raw packet response. Each element carries one packet
// behind the MOC envelope.
func ReadXML(r io.Reader, log *common.Logger) ([]tctm.Frame, error) {
	var doc responsePart
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("xml: %w", err)
	}
	elements := doc.Response.PktRaw.Elements
	frames := make([]tctm.Frame, 0, len(elements))
	for _, e := range elements {
		raw, err := hex.DecodeString(strings.TrimSpace(e.Packet))
		if err != nil {
			log.Errorf("packet %s: %v", e.PacketID, err)
			continue
		}
		if len(raw) <= mocWrapperSize {
			log.Warnf("packet %s: %d bytes, no data behind the envelope", e.PacketID, len(raw))
			continue
		}
		frames = append(frames, tctm.Frame{Data: raw[mocWrapperSize:]})
	}
	return frames, nil
}
