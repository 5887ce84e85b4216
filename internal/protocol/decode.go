package protocol

import "sort"

// PositionFixedFields is the number of fixed PVT attributes following the tag
const PositionFixedFields = 26

// DecodeFunc maps a tokenized frame to a typed record
type DecodeFunc func(fields []string) Record

// decoders is the dispatch table keyed by message tag.
// Tags not listed here fall back to UnknownRecord.
var decoders = map[string]DecodeFunc{
	TagPosition: decodePosition,
	TagLogin:    decodeLogin,
}

// positionOptional assigns the PVT tail attributes in wire order
var positionOptional = []func(p *PositionReport, v string){
	func(p *PositionReport, v string) { p.TamperAlert = &v },
	func(p *PositionReport, v string) { n := ParseInt(v); p.GSMSignalStrength = &n },
	func(p *PositionReport, v string) { p.MCC = &v },
	func(p *PositionReport, v string) { p.MNC = &v },
	func(p *PositionReport, v string) { p.LAC = &v },
	func(p *PositionReport, v string) { p.CellID = &v },
	func(p *PositionReport, v string) { p.NMR = &v },
	func(p *PositionReport, v string) { p.DigitalInputStatus = &v },
	func(p *PositionReport, v string) { p.DigitalOutputStatus = &v },
	func(p *PositionReport, v string) { n := ParseFloat(v); p.AnalogInput1 = &n },
	func(p *PositionReport, v string) { n := ParseFloat(v); p.AnalogInput2 = &n },
	func(p *PositionReport, v string) { p.FrameNumber = &v },
}

// Decode selects a decoder by the tag in fields[0] and applies it
func Decode(fields []string) Record {
	if len(fields) == 0 {
		return &UnknownRecord{RawFields: []string{}}
	}

	if decode, ok := decoders[fields[0]]; ok {
		return decode(fields)
	}

	raw := make([]string, len(fields))
	copy(raw, fields)
	return &UnknownRecord{Header: fields[0], RawFields: raw}
}

// DecodeFrame tokenizes and decodes a raw frame
func DecodeFrame(frame RawFrame) (Record, error) {
	fields, err := Tokenize(frame)
	if err != nil {
		return nil, err
	}
	return Decode(fields), nil
}

// KnownTags returns the tags with a registered decoder, sorted
func KnownTags() []string {
	tags := make([]string, 0, len(decoders))
	for tag := range decoders {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// fieldReader reads positional fields, treating anything past the end as missing
type fieldReader struct {
	fields []string
}

func (r fieldReader) str(i int) string {
	if i < 0 || i >= len(r.fields) {
		return ""
	}
	return r.fields[i]
}

func (r fieldReader) num(i int) Float {
	if i < 0 || i >= len(r.fields) {
		return Float{}
	}
	return ParseFloat(r.fields[i])
}

func (r fieldReader) integer(i int) Int {
	if i < 0 || i >= len(r.fields) {
		return Int{}
	}
	return ParseInt(r.fields[i])
}

// decodePosition decodes a PVT frame. Fixed attributes are read by position;
// the last field is always the checksum and never feeds an optional attribute.
func decodePosition(fields []string) Record {
	r := fieldReader{fields: fields}
	body := len(fields) - 1

	p := &PositionReport{
		Header:                 TagPosition,
		VendorID:               r.str(1),
		FirmwareVersion:        r.str(2),
		PacketType:             r.str(3),
		AlertID:                r.str(4),
		PacketStatus:           r.str(5),
		IMEI:                   r.str(6),
		VehicleNo:              r.str(7),
		GPSFix:                 r.integer(8),
		Date:                   r.str(9),
		Time:                   r.str(10),
		Latitude:               r.num(11),
		Longitude:              r.num(13),
		Speed:                  r.num(15),
		Heading:                r.num(16),
		Satellites:             r.integer(17),
		Altitude:               r.num(18),
		PDOP:                   r.num(19),
		HDOP:                   r.num(20),
		NetworkOperator:        r.str(21),
		Ignition:               r.integer(22),
		MainPowerStatus:        r.integer(23),
		MainInputVoltage:       r.num(24),
		InternalBatteryVoltage: r.num(25),
		EmergencyStatus:        r.integer(26),
	}

	if r.str(12) == HemisphereSouth {
		p.Latitude = p.Latitude.Neg()
	}
	if r.str(14) == HemisphereWest {
		p.Longitude = p.Longitude.Neg()
	}

	for i, set := range positionOptional {
		idx := PositionFixedFields + 1 + i
		if idx >= body {
			break
		}
		set(p, fields[idx])
	}

	if len(fields) > 0 {
		p.Checksum = fields[len(fields)-1]
	}

	return p
}

// decodeLogin decodes an LGN frame; every attribute is positional
func decodeLogin(fields []string) Record {
	r := fieldReader{fields: fields}

	return &Login{
		Header:          TagLogin,
		VehicleNo:       r.str(1),
		IMEI:            r.str(2),
		FirmwareVersion: r.str(3),
		ProtocolVersion: r.str(4),
		LastLatitude:    r.num(5),
		LastLongitude:   r.num(6),
		Checksum:        r.str(7),
	}
}
