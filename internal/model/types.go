package model

import (
	"encoding/json"
	"time"

	"vibranium/internal/normalize"
)

// TimestampLayout is the wire format of timeStamp in feature records.
const TimestampLayout = "2006-01-02 15:04:05"

type Axis string

const (
	AxisX Axis = "x"
	AxisY Axis = "y"
	AxisZ Axis = "z"
)

// Axes lists the spatial axes in evaluation order.
var Axes = []Axis{AxisX, AxisY, AxisZ}

// Sample is one accelerometer reading in raw sensor counts.
type Sample struct {
	X int16 `json:"x"`
	Y int16 `json:"y"`
	Z int16 `json:"z"`
}

type AxisFeatures struct {
	RMS          float64 `json:"rms"`
	CrestFactor  float64 `json:"cf"`
	DominantFreq float64 `json:"freq"`
	DominantAmp  float64 `json:"amp"`
}

type FeatureSet struct {
	X AxisFeatures `json:"x"`
	Y AxisFeatures `json:"y"`
	Z AxisFeatures `json:"z"`
}

func (f FeatureSet) Axis(a Axis) AxisFeatures {
	switch a {
	case AxisY:
		return f.Y
	case AxisZ:
		return f.Z
	default:
		return f.X
	}
}

func (f *FeatureSet) Set(a Axis, v AxisFeatures) {
	switch a {
	case AxisY:
		f.Y = v
	case AxisZ:
		f.Z = v
	default:
		f.X = v
	}
}

// Timestamp marshals as "YYYY-MM-DD hh:mm:ss". Zoneless values are read in
// local time.
type Timestamp time.Time

func (t Timestamp) Time() time.Time { return time.Time(t) }

func (t Timestamp) String() string {
	return time.Time(t).Format(TimestampLayout)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if time.Time(t).IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.String())
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		if string(data) == "null" {
			*t = Timestamp{}
			return nil
		}
		return err
	}
	if s == "" {
		*t = Timestamp{}
		return nil
	}
	parsed, err := normalize.ParseTimestamp(s, time.Local)
	if err != nil {
		return err
	}
	*t = Timestamp(parsed)
	return nil
}

// AcquisitionRecord is the feature record produced once per completed
// acquisition window. Its JSON form is the contract with the remote service.
type AcquisitionRecord struct {
	EndpointID  string    `json:"endpointID"`
	EquipmentID string    `json:"equipID"`
	StationID   string    `json:"macStationID"`
	Timestamp   Timestamp `json:"timeStamp"`
	FeatureSet
}

// PacketEvent is one raw notification as delivered by a transport.
type PacketEvent struct {
	Received   time.Time `json:"received"`
	EndpointID string    `json:"endpoint_id"`
	Source     string    `json:"source,omitempty"`
	Data       string    `json:"data"`
}

// Acquisition is a stored feature record. Anomaly is nil while the
// equipment is collecting training data or has no model yet.
type Acquisition struct {
	ID      string            `json:"id"`
	Record  AcquisitionRecord `json:"record"`
	Anomaly *bool             `json:"anomaly"`
}

type Equipment struct {
	ID         string `json:"equipID"`
	Name       string `json:"name"`
	InTraining bool   `json:"InTraining"`
}

type Station struct {
	MAC      string `json:"macStationID"`
	Name     string `json:"name"`
	Location string `json:"location"`
}

type Endpoint struct {
	MAC         string `json:"macID"`
	Name        string `json:"name"`
	EquipmentID string `json:"equipID"`
	StationMAC  string `json:"macStationID"`
}

type Alert struct {
	Timestamp   time.Time  `json:"timestamp"`
	EquipmentID string     `json:"equipment_id"`
	EndpointID  string     `json:"endpoint_id"`
	Severity    string     `json:"severity"`
	AlertType   string     `json:"alert_type"`
	Outliers    []Axis     `json:"outliers"`
	Features    FeatureSet `json:"features"`
}
