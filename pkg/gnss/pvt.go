package gnss

import "encoding/binary"

// UBX class/message ids this driver decodes, grounded on the receiver's
// own NAV message class layout.
const (
	ClassNAV = 0x01
	IDPVT    = 0x07
	IDDOP    = 0x04
	IDStatus = 0x03
	IDSat    = 0x35

	ClassMGA     = 0x13
	IDMgaANO     = 0x20
	IDMgaDBD     = 0x80
	IDMgaTimeUTC = 0x40
	IDAck        = 0x60 // MGA-ACK
)

const (
	validDate = 1 << 0
	validTime = 1 << 1
)

// PVT is the decoded NAV-PVT message.
type PVT struct {
	ITOW                              uint32
	Year                               uint16
	Month, Day, Hour, Min, Sec         uint8
	ValidDate, ValidTime               bool
	FixType                            uint8
	NumSV                              uint8
	LonE7, LatE7                       int32
	HeightMM, HMSLMM                   int32
	HAccMM, VAccMM                     uint32
	VelNMMs, VelEMMs, VelDMMs          int32
	GSpeedMMs, HeadMotE5               int32
	PDOP                               uint16
}

// DecodePVT parses a NAV-PVT payload per the receiver's packed layout.
func DecodePVT(payload []byte) PVT {
	le := binary.LittleEndian
	var p PVT
	p.ITOW = le.Uint32(payload[0:4])
	p.Year = le.Uint16(payload[4:6])
	p.Month, p.Day, p.Hour, p.Min, p.Sec = payload[6], payload[7], payload[8], payload[9], payload[10]
	valid := payload[11]
	p.ValidDate = valid&validDate != 0
	p.ValidTime = valid&validTime != 0
	p.FixType = payload[20]
	p.NumSV = payload[23]
	p.LonE7 = int32(le.Uint32(payload[24:28]))
	p.LatE7 = int32(le.Uint32(payload[28:32]))
	p.HeightMM = int32(le.Uint32(payload[32:36]))
	p.HMSLMM = int32(le.Uint32(payload[36:40]))
	p.HAccMM = le.Uint32(payload[40:44])
	p.VAccMM = le.Uint32(payload[44:48])
	p.VelNMMs = int32(le.Uint32(payload[48:52]))
	p.VelEMMs = int32(le.Uint32(payload[52:56]))
	p.VelDMMs = int32(le.Uint32(payload[56:60]))
	p.GSpeedMMs = int32(le.Uint32(payload[60:64]))
	p.HeadMotE5 = int32(le.Uint32(payload[64:68]))
	p.PDOP = le.Uint16(payload[76:78])
	return p
}

// DOP is the decoded NAV-DOP message.
type DOP struct {
	ITOW            uint32
	GDOP, PDOP, TDOP, VDOP, HDOP, NDOP, EDOP uint16
}

func DecodeDOP(payload []byte) DOP {
	le := binary.LittleEndian
	return DOP{
		ITOW: le.Uint32(payload[0:4]),
		GDOP: le.Uint16(payload[4:6]),
		PDOP: le.Uint16(payload[6:8]),
		TDOP: le.Uint16(payload[8:10]),
		VDOP: le.Uint16(payload[10:12]),
		HDOP: le.Uint16(payload[12:14]),
		NDOP: le.Uint16(payload[14:16]),
		EDOP: le.Uint16(payload[16:18]),
	}
}

// Status is the decoded NAV-STATUS message.
type Status struct {
	ITOW   uint32
	GPSFix uint8
	TTFFMs uint32
}

func DecodeStatus(payload []byte) Status {
	le := binary.LittleEndian
	return Status{
		ITOW:   le.Uint32(payload[0:4]),
		GPSFix: payload[4],
		TTFFMs: le.Uint32(payload[8:12]),
	}
}

// Fix is the composite event dispatched once PVT, DOP, and STATUS agree
// on iTOW.
type Fix struct {
	ITOW                      uint32
	LatE7, LonE7              int32
	HeightMM                  int32
	HAccMM, VAccMM            uint32
	VelNMMs, VelEMMs, VelDMMs int32
	HeadingE5                 int32
	HDOP, PDOP                uint16
	Year                      uint16
	Month, Day, Hour, Min, Sec uint8
	ValidDate, ValidTime      bool
	TTFFMs                    uint32
}
