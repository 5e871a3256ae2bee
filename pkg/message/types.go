package message

// Datum is a geographic origin. It is carried opaquely.
type Datum struct {
	Latitude  float64
	Longitude float64
	Altitude  float64
}

// DefaultZeroRef is the datum the reference robots are configured with.
var DefaultZeroRef = Datum{Latitude: 40.7128, Longitude: -74.0060, Altitude: 0}

type Point struct {
	X, Y, Z float64
}

type Euler struct {
	Roll, Pitch, Yaw float64
}

type Pose struct {
	Point Point
	Angle Euler
}

// TransportType names the middleware transport a participant speaks.
type TransportType uint8

const (
	TransportDDS TransportType = iota
	TransportZenoh
	TransportZeroMQ
	TransportMQTT
)

func (t TransportType) String() string {
	switch t {
	case TransportDDS:
		return "dds"
	case TransportZenoh:
		return "zenoh"
	case TransportZeroMQ:
		return "zeromq"
	case TransportMQTT:
		return "mqtt"
	default:
		return "unknown"
	}
}

// SerializationType names the payload encoding a participant speaks.
type SerializationType uint8

const (
	SerializationROS SerializationType = iota
	SerializationCapnProto
	SerializationFlatBuffers
	SerializationJSON
	SerializationProtobuf
)

func (s SerializationType) String() string {
	switch s {
	case SerializationROS:
		return "ros"
	case SerializationCapnProto:
		return "capnproto"
	case SerializationFlatBuffers:
		return "flatbuffers"
	case SerializationJSON:
		return "json"
	case SerializationProtobuf:
		return "protobuf"
	default:
		return "unknown"
	}
}

// Protocol is the swarm-wide middleware protocol elected by ARIS.
type Protocol int32

const (
	ProtocolNone    Protocol = -1
	ProtocolDDSRTPS Protocol = 0
	ProtocolZenoh   Protocol = 1
	ProtocolMQTT    Protocol = 2
)

func (p Protocol) String() string {
	switch p {
	case ProtocolNone:
		return "NONE"
	case ProtocolDDSRTPS:
		return "DDS/RTPS"
	case ProtocolZenoh:
		return "ZENOH"
	case ProtocolMQTT:
		return "MQTT"
	default:
		return "UNKNOWN"
	}
}

// Medium is the physical link a participant announces itself over.
type Medium uint32

const (
	MediumUnknown    Medium = 0
	MediumWiFi5GHz   Medium = 1
	MediumCellular5G Medium = 2
)

func (m Medium) String() string {
	switch m {
	case MediumWiFi5GHz:
		return "wifi-5ghz"
	case MediumCellular5G:
		return "cellular-5g"
	default:
		return "unknown"
	}
}
