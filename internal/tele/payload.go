package tele

import (
	"encoding/json"
	"time"

	"github.com/paxyhome/smartess/inverter"
)

const TopicData = "data"

// Aggregate payload consumed by downstream dashboards, field names are fixed.
type DataPayload struct {
	RawData   string  `json:"raw_data"`
	Timestamp float64 `json:"timestamp"`
}

func NewDataPayload(f inverter.Frame, t time.Time) DataPayload {
	return DataPayload{
		RawData:   f.Hex(),
		Timestamp: float64(t.UnixNano()) / float64(time.Second),
	}
}

func (d DataPayload) Marshal() ([]byte, error) { return json.Marshal(d) }
