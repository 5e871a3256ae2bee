// Package message defines the fixed-layout records exchanged by impulse
// participants.
//
// Every record has a size known at compile time and travels as its raw
// packed image: little-endian, no padding, no length prefix, no checksum and
// no version tag. Two peers can only talk if they agree byte for byte on the
// layout, so field order and widths in this package are part of the wire
// protocol and must not change.
//
// Four records are defined:
//
//	Discovery      96 bytes   who is out there, since when, how capable
//	Position       56 bytes   pose of a participant
//	Communication  10 bytes   which middleware a participant speaks
//	Announcement  690 bytes   ARIS self-organizing announcement
//
// Other fixed-size records can be carried by a transport.Engine as long as
// they implement Message.
package message
