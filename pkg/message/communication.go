package message

import "fmt"

const CommunicationSize = 8 + 1 + 1

type Communication struct {
	Timestamp         uint64
	TransportType     TransportType
	SerializationType SerializationType
}

func (Communication) Size() int { return CommunicationSize }

func (c Communication) MarshalTo(b []byte) {
	w := writer{b: b[:CommunicationSize]}
	w.u64(c.Timestamp)
	w.u8(uint8(c.TransportType))
	w.u8(uint8(c.SerializationType))
}

func (c *Communication) Unmarshal(b []byte) error {
	if err := checkSize("communication", b, CommunicationSize); err != nil {
		return err
	}
	r := reader{b: b}
	c.Timestamp = r.u64()
	c.TransportType = TransportType(r.u8())
	c.SerializationType = SerializationType(r.u8())
	return nil
}

func (c *Communication) SetTimestamp(ms uint64) { c.Timestamp = ms }

func (c Communication) String() string {
	return fmt.Sprintf("Communication{transport_type=%s, serialization_type=%s}", c.TransportType, c.SerializationType)
}
