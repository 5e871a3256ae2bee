package message

import "fmt"

const PositionSize = 8 + 6*8

type Position struct {
	Timestamp uint64
	Pose      Pose
}

func (Position) Size() int { return PositionSize }

func (p Position) MarshalTo(b []byte) {
	w := writer{b: b[:PositionSize]}
	w.u64(p.Timestamp)
	w.f64(p.Pose.Point.X)
	w.f64(p.Pose.Point.Y)
	w.f64(p.Pose.Point.Z)
	w.f64(p.Pose.Angle.Roll)
	w.f64(p.Pose.Angle.Pitch)
	w.f64(p.Pose.Angle.Yaw)
}

func (p *Position) Unmarshal(b []byte) error {
	if err := checkSize("position", b, PositionSize); err != nil {
		return err
	}
	r := reader{b: b}
	p.Timestamp = r.u64()
	p.Pose.Point = Point{X: r.f64(), Y: r.f64(), Z: r.f64()}
	p.Pose.Angle = Euler{Roll: r.f64(), Pitch: r.f64(), Yaw: r.f64()}
	return nil
}

func (p *Position) SetTimestamp(ms uint64) { p.Timestamp = ms }

func (p Position) String() string {
	pt, a := p.Pose.Point, p.Pose.Angle
	return fmt.Sprintf("Position{pose={point=(%f,%f,%f), angle=(roll=%f,pitch=%f,yaw=%f)}, timestamp=%d}",
		pt.X, pt.Y, pt.Z, a.Roll, a.Pitch, a.Yaw, p.Timestamp)
}
