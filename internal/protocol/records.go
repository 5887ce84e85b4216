package protocol

// Record is a decoded frame. Concrete types are *PositionReport, *Login and *UnknownRecord.
type Record interface {
	Tag() string
}

// PositionReport represents a decoded PVT frame.
// Optional tail attributes are nil when the frame did not reach their position.
type PositionReport struct {
	Header                 string `json:"header"`
	VendorID               string `json:"vendorId"`
	FirmwareVersion        string `json:"firmwareVersion"`
	PacketType             string `json:"packetType"`   // NR = normal, EA = emergency, ...
	AlertID                string `json:"alertId"`
	PacketStatus           string `json:"packetStatus"` // L = live, H = history
	IMEI                   string `json:"imei"`
	VehicleNo              string `json:"vehicleNo"`
	GPSFix                 Int    `json:"gpsFix"`
	Date                   string `json:"date"` // DDMMYYYY
	Time                   string `json:"time"` // hhmmss UTC
	Latitude               Float  `json:"latitude"`
	Longitude              Float  `json:"longitude"`
	Speed                  Float  `json:"speed"`
	Heading                Float  `json:"heading"`
	Satellites             Int    `json:"satellites"`
	Altitude               Float  `json:"altitude"`
	PDOP                   Float  `json:"pdop"`
	HDOP                   Float  `json:"hdop"`
	NetworkOperator        string `json:"networkOperator"`
	Ignition               Int    `json:"ignition"`
	MainPowerStatus        Int    `json:"mainPowerStatus"`
	MainInputVoltage       Float  `json:"mainInputVoltage"`
	InternalBatteryVoltage Float  `json:"internalBatteryVoltage"`
	EmergencyStatus        Int    `json:"emergencyStatus"`

	TamperAlert         *string `json:"tamperAlert,omitempty"`
	GSMSignalStrength   *Int    `json:"gsmSignalStrength,omitempty"`
	MCC                 *string `json:"mcc,omitempty"`
	MNC                 *string `json:"mnc,omitempty"`
	LAC                 *string `json:"lac,omitempty"`
	CellID              *string `json:"cellId,omitempty"`
	NMR                 *string `json:"nmr,omitempty"`
	DigitalInputStatus  *string `json:"digitalInputStatus,omitempty"`
	DigitalOutputStatus *string `json:"digitalOutputStatus,omitempty"`
	AnalogInput1        *Float  `json:"analogInput1,omitempty"`
	AnalogInput2        *Float  `json:"analogInput2,omitempty"`
	FrameNumber         *string `json:"frameNumber,omitempty"`

	Checksum string `json:"checksum"`
}

// Tag returns the message tag
func (p *PositionReport) Tag() string { return TagPosition }

// HasValidCoordinates reports whether both latitude and longitude parsed
func (p *PositionReport) HasValidCoordinates() bool {
	return p.Latitude.Valid && p.Longitude.Valid
}

// Login represents a decoded LGN frame
type Login struct {
	Header          string `json:"header"`
	VehicleNo       string `json:"vehicleNo"`
	IMEI            string `json:"imei"`
	FirmwareVersion string `json:"firmwareVersion"`
	ProtocolVersion string `json:"protocolVersion"`
	LastLatitude    Float  `json:"lastLatitude"`
	LastLongitude   Float  `json:"lastLongitude"`
	Checksum        string `json:"checksum"`
}

// Tag returns the message tag
func (l *Login) Tag() string { return TagLogin }

// UnknownRecord carries frames whose tag has no registered decoder
type UnknownRecord struct {
	Header    string   `json:"header"`
	RawFields []string `json:"rawFields"`
}

// Tag returns the original message tag
func (u *UnknownRecord) Tag() string { return u.Header }
