// Package telemetry decodes fixed-layout binary telemetry frames into
// the same in-memory shape as the JSON telemetry path.
package telemetry

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strconv"

	"gridlink/pkg/events"
)

const (
	headerSize = 9 // float64 ms timestamp + uint8 car count
	recordSize = 14
)

var ErrShortFrame = errors.New("telemetry frame shorter than header")

// Frame is a decoded binary telemetry frame.
type Frame struct {
	TimestampMs float64
	Cars        []events.CarSample
}

// carRecord matches the 14-byte little-endian wire layout of one car.
type carRecord struct {
	CarID      uint16
	LapDistPct float32
	Speed      float32
	Lap        uint16
	Position   uint8
	_          uint8 // padding
}

// Decode parses a binary telemetry frame. A buffer shorter than the
// header is an error. A buffer shorter than its declared car count
// yields the decodable prefix with truncated=true; callers keep the
// frame (best-effort) and log the truncation.
func Decode(b []byte) (Frame, bool, error) {
	if len(b) < headerSize {
		return Frame{}, false, ErrShortFrame
	}

	r := bytes.NewReader(b)
	var ts float64
	var carCount uint8
	if err := binary.Read(r, binary.LittleEndian, &ts); err != nil {
		return Frame{}, false, err
	}
	if err := binary.Read(r, binary.LittleEndian, &carCount); err != nil {
		return Frame{}, false, err
	}

	available := (len(b) - headerSize) / recordSize
	n := int(carCount)
	truncated := available < n
	if truncated {
		n = available
	}

	frame := Frame{TimestampMs: ts, Cars: make([]events.CarSample, 0, n)}
	for i := 0; i < n; i++ {
		var rec carRecord
		if err := binary.Read(r, binary.LittleEndian, &rec); err != nil {
			return frame, true, nil
		}
		frame.Cars = append(frame.Cars, sampleFromRecord(rec))
	}
	return frame, truncated, nil
}

func sampleFromRecord(rec carRecord) events.CarSample {
	position := int(rec.Position)
	lap := int(rec.Lap)
	speed := float64(rec.Speed)
	return events.CarSample{
		CarID:    events.FlexID(strconv.Itoa(int(rec.CarID))),
		Position: &position,
		Lap:      &lap,
		Pos:      &events.TrackPos{S: float64(rec.LapDistPct)},
		Speed:    &speed,
	}
}
