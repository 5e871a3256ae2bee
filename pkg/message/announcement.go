package message

import "fmt"

const (
	PublicKeyLen    = 64
	UUIDLen         = 37
	RobotNameLen    = 32
	MaxParticipants = 10
	MaxAddresses    = 3

	AnnouncementSize = 8 + PublicKeyLen + UUIDLen + 1 + 24 +
		MaxParticipants*UUIDLen + 4 + 4 + 4 + MaxAddresses*AddressLen + 4 + RobotNameLen
)

// PublicKeyPlaceholder fills the public key field. Peer identity is not
// authenticated.
const PublicKeyPlaceholder = "ed25519_public_key_placeholder"

// Announcement is the record an ARIS robot multicasts to self-organize.
// Participants lists the UUIDs of peers the sender currently knows, at most
// MaxParticipants of them; unused slots are empty.
type Announcement struct {
	Timestamp       uint64
	PublicKey       string
	UUID            string
	Orchestrator    bool
	ZeroRef         Datum
	Participants    [MaxParticipants]string
	CapabilityIndex int32
	Medium          Medium
	Protocol        Protocol
	Addresses       [MaxAddresses]string
	RobotID         uint32
	RobotName       string
}

func (Announcement) Size() int { return AnnouncementSize }

func (a Announcement) MarshalTo(b []byte) {
	w := writer{b: b[:AnnouncementSize]}
	w.u64(a.Timestamp)
	w.fixed(a.PublicKey, PublicKeyLen)
	w.fixed(a.UUID, UUIDLen)
	w.boolean(a.Orchestrator)
	w.datum(a.ZeroRef)
	for _, p := range a.Participants {
		w.fixed(p, UUIDLen)
	}
	w.i32(a.CapabilityIndex)
	w.u32(uint32(a.Medium))
	w.u32(uint32(a.Protocol))
	for _, addr := range a.Addresses {
		w.fixed(addr, AddressLen)
	}
	w.u32(a.RobotID)
	w.fixed(a.RobotName, RobotNameLen)
}

func (a *Announcement) Unmarshal(b []byte) error {
	if err := checkSize("announcement", b, AnnouncementSize); err != nil {
		return err
	}
	r := reader{b: b}
	a.Timestamp = r.u64()
	a.PublicKey = r.fixed(PublicKeyLen)
	a.UUID = r.fixed(UUIDLen)
	a.Orchestrator = r.boolean()
	a.ZeroRef = r.datum()
	for i := range a.Participants {
		a.Participants[i] = r.fixed(UUIDLen)
	}
	a.CapabilityIndex = r.i32()
	a.Medium = Medium(r.u32())
	a.Protocol = Protocol(int32(r.u32()))
	for i := range a.Addresses {
		a.Addresses[i] = r.fixed(AddressLen)
	}
	a.RobotID = r.u32()
	a.RobotName = r.fixed(RobotNameLen)
	return nil
}

func (a *Announcement) SetTimestamp(ms uint64) { a.Timestamp = ms }

// KnownParticipants returns the non-empty participant slots.
func (a Announcement) KnownParticipants() []string {
	var out []string
	for _, p := range a.Participants {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (a Announcement) String() string {
	return fmt.Sprintf("Announcement{robot=%s, uuid=%s, capability=%d, protocol=%s, participants=%d}",
		a.RobotName, a.UUID, a.CapabilityIndex, a.Protocol, len(a.KnownParticipants()))
}
