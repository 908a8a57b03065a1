package nabu

import "time"

// TimeRecordSize is the length of the serialized time-of-day record.
const TimeRecordSize = 9

// TimeRecord is the payload of the time packet: two fixed mystery
// bytes followed by the broken-down local time. The year byte is
// always 84 (the Adaptor reported 1984 regardless of the actual year).
type TimeRecord struct {
	Mystery  [2]byte
	WeekDay  byte // tm_wday + 1
	Year     byte
	Month    byte // tm_mon + 1
	MonthDay byte
	Hour     byte
	Minute   byte
	Second   byte
}

// NewTimeRecord builds the record for the given wall-clock time. A zero
// time yields an all-zero clock with the mystery bytes retained, which
// is what the Adaptor sends when the system clock is unavailable.
func NewTimeRecord(now time.Time) TimeRecord {
	r := TimeRecord{Mystery: [2]byte{0x02, 0x02}}
	if now.IsZero() {
		return r
	}
	r.WeekDay = byte(now.Weekday()) + 1
	r.Year = 84
	r.Month = byte(now.Month())
	r.MonthDay = byte(now.Day())
	r.Hour = byte(now.Hour())
	r.Minute = byte(now.Minute())
	r.Second = byte(now.Second())
	return r
}

// Bytes serializes the record in wire order.
func (r TimeRecord) Bytes() []byte {
	return []byte{
		r.Mystery[0], r.Mystery[1],
		r.WeekDay, r.Year, r.Month, r.MonthDay,
		r.Hour, r.Minute, r.Second,
	}
}
