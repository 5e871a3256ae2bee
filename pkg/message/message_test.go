package message

import (
	"encoding/binary"
	"errors"
	"math"
	"strings"
	"testing"
)

func TestDiscoveryRoundTrip(t *testing.T) {
	cases := []Discovery{
		{},
		{
			Timestamp:       1_700_000_000_123,
			JoinTime:        1_700_000_000_000,
			ZeroRef:         DefaultZeroRef,
			Orchestrator:    true,
			CapabilityIndex: 100,
			Medium:          MediumWiFi5GHz,
			Protocol:        ProtocolZenoh,
			Address:         "fd00:dead:beef::1a2b",
		},
		{
			Timestamp:       math.MaxUint64,
			JoinTime:        math.MaxUint64,
			ZeroRef:         Datum{Latitude: -90, Longitude: 180, Altitude: -0.5},
			CapabilityIndex: 0,
			Protocol:        ProtocolNone,
			Address:         strings.Repeat("f", AddressLen-1),
		},
	}
	for _, in := range cases {
		b := Marshal(&in)
		if len(b) != DiscoverySize {
			t.Fatalf("len = %d, want %d", len(b), DiscoverySize)
		}
		var out Discovery
		if err := out.Unmarshal(b); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		if out != in {
			t.Fatalf("round trip = %+v, want %+v", out, in)
		}
	}
}

func TestPositionRoundTrip(t *testing.T) {
	cases := []Position{
		{},
		{
			Timestamp: 42,
			Pose: Pose{
				Point: Point{X: 40.7128, Y: -74.0060, Z: 12.5},
				Angle: Euler{Roll: 0.1, Pitch: -0.2, Yaw: math.Pi},
			},
		},
	}
	for _, in := range cases {
		var out Position
		if err := out.Unmarshal(Marshal(&in)); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		if out != in {
			t.Fatalf("round trip = %+v, want %+v", out, in)
		}
	}
}

func TestCommunicationRoundTrip(t *testing.T) {
	for tt := TransportDDS; tt <= TransportMQTT; tt++ {
		for st := SerializationROS; st <= SerializationProtobuf; st++ {
			in := Communication{Timestamp: uint64(tt)*10 + uint64(st), TransportType: tt, SerializationType: st}
			var out Communication
			if err := out.Unmarshal(Marshal(&in)); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if out != in {
				t.Fatalf("round trip = %+v, want %+v", out, in)
			}
		}
	}
}

func TestAnnouncementRoundTrip(t *testing.T) {
	in := Announcement{
		Timestamp:       1_700_000_000_000,
		PublicKey:       PublicKeyPlaceholder,
		UUID:            "000003e9-1000-4000-8abc-0123456789ab",
		Orchestrator:    false,
		ZeroRef:         DefaultZeroRef,
		CapabilityIndex: 95,
		Medium:          MediumWiFi5GHz,
		Protocol:        ProtocolDDSRTPS,
		Addresses:       [MaxAddresses]string{"fd00:dead:beef::3e9"},
		RobotID:         1001,
		RobotName:       "Tractor-Alpha",
	}
	in.Participants[0] = "000007d2-1000-4000-8abc-0123456789ab"
	in.Participants[MaxParticipants-1] = "00000bbb-1000-4000-8abc-0123456789ab"

	b := Marshal(&in)
	if len(b) != AnnouncementSize {
		t.Fatalf("len = %d, want %d", len(b), AnnouncementSize)
	}
	var out Announcement
	if err := out.Unmarshal(b); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out != in {
		t.Fatalf("round trip = %+v, want %+v", out, in)
	}
	if got := len(out.KnownParticipants()); got != 2 {
		t.Fatalf("KnownParticipants = %d, want 2", got)
	}
}

func TestSizesAreFixed(t *testing.T) {
	for _, tc := range []struct {
		name string
		m    Message
		want int
	}{
		{"discovery", &Discovery{}, 96},
		{"discovery-full", &Discovery{Address: strings.Repeat("a", 200)}, 96},
		{"position", &Position{}, 56},
		{"communication", &Communication{}, 10},
		{"announcement", &Announcement{}, 690},
		{"announcement-full", &Announcement{RobotName: strings.Repeat("n", 100)}, 690},
	} {
		if got := tc.m.Size(); got != tc.want {
			t.Fatalf("%s Size = %d, want %d", tc.name, got, tc.want)
		}
		if got := len(Marshal(tc.m)); got != tc.want {
			t.Fatalf("%s len(Marshal) = %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestUnmarshalRejectsWrongSize(t *testing.T) {
	var d Discovery
	err := d.Unmarshal(make([]byte, 10))
	if !errors.Is(err, ErrSize) {
		t.Fatalf("Unmarshal(10 bytes) err = %v, want ErrSize", err)
	}
	var c Communication
	if err := c.Unmarshal(make([]byte, DiscoverySize)); !errors.Is(err, ErrSize) {
		t.Fatalf("Unmarshal(96 bytes) err = %v, want ErrSize", err)
	}
}

func TestDiscoveryLayout(t *testing.T) {
	d := Discovery{Timestamp: 7, JoinTime: 3, CapabilityIndex: 64, Orchestrator: true, Address: "::1"}
	b := Marshal(&d)

	if got := binary.LittleEndian.Uint64(b[0:8]); got != 7 {
		t.Fatalf("timestamp at [0:8] = %d, want 7", got)
	}
	if got := binary.LittleEndian.Uint64(b[8:16]); got != 3 {
		t.Fatalf("join_time at [8:16] = %d, want 3", got)
	}
	if b[40] != 1 {
		t.Fatalf("orchestrator at [40] = %d, want 1", b[40])
	}
	if got := int32(binary.LittleEndian.Uint32(b[41:45])); got != 64 {
		t.Fatalf("capability at [41:45] = %d, want 64", got)
	}
	if got := string(b[50:53]); got != "::1" {
		t.Fatalf("address at [50:] = %q, want ::1", got)
	}
}

func TestFixedFieldTruncates(t *testing.T) {
	long := strings.Repeat("x", RobotNameLen+5)
	in := Announcement{RobotName: long}
	var out Announcement
	if err := out.Unmarshal(Marshal(&in)); err != nil {
		t.Fatal(err)
	}
	if want := long[:RobotNameLen-1]; out.RobotName != want {
		t.Fatalf("RobotName = %q, want %q", out.RobotName, want)
	}
}

func TestEnumStrings(t *testing.T) {
	if got := ProtocolDDSRTPS.String(); got != "DDS/RTPS" {
		t.Fatalf("ProtocolDDSRTPS = %q", got)
	}
	if got := Protocol(9).String(); got != "UNKNOWN" {
		t.Fatalf("Protocol(9) = %q", got)
	}
	c := Communication{TransportType: TransportZenoh, SerializationType: SerializationJSON}
	if got, want := c.String(), "Communication{transport_type=zenoh, serialization_type=json}"; got != want {
		t.Fatalf("String = %q, want %q", got, want)
	}
}
