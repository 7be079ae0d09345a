package events

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

type Phase string

const (
	PhaseStarted   Phase = "started"
	PhaseSucceeded Phase = "succeeded"
	PhaseFailed    Phase = "failed"
	PhaseSkipped   Phase = "skipped"
)

// Terminal reports whether p ends a stage.
func (p Phase) Terminal() bool {
	return p == PhaseSucceeded || p == PhaseFailed || p == PhaseSkipped
}

// Event is one stage transition of a deployment run.
type Event struct {
	Seq     int64
	RunID   string
	Host    string
	Path    string
	Stage   string
	Phase   Phase
	Message string
	Time    time.Time
}

func (e Event) String() string {
	if e.Message == "" {
		return fmt.Sprintf("%s %s", e.Stage, e.Phase)
	}
	return fmt.Sprintf("%s %s: %s", e.Stage, e.Phase, e.Message)
}

// Struct converts e into its wire form.
func (e Event) Struct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"seq":     float64(e.Seq),
		"run_id":  e.RunID,
		"host":    e.Host,
		"path":    e.Path,
		"stage":   e.Stage,
		"phase":   string(e.Phase),
		"message": e.Message,
		"time":    e.Time.UTC().Format(time.RFC3339Nano),
	})
}

// FromStruct is the inverse of Event.Struct.
func FromStruct(s *structpb.Struct) (Event, error) {
	f := s.GetFields()
	ev := Event{
		Seq:     int64(f["seq"].GetNumberValue()),
		RunID:   f["run_id"].GetStringValue(),
		Host:    f["host"].GetStringValue(),
		Path:    f["path"].GetStringValue(),
		Stage:   f["stage"].GetStringValue(),
		Phase:   Phase(f["phase"].GetStringValue()),
		Message: f["message"].GetStringValue(),
	}
	if raw := f["time"].GetStringValue(); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return Event{}, fmt.Errorf("parse event time: %w", err)
		}
		ev.Time = t
	}
	return ev, nil
}

// Marshal encodes e as a protobuf Struct message.
func Marshal(e Event) ([]byte, error) {
	s, err := e.Struct()
	if err != nil {
		return nil, err
	}
	return proto.Marshal(s)
}

func Unmarshal(b []byte) (Event, error) {
	s := &structpb.Struct{}
	if err := proto.Unmarshal(b, s); err != nil {
		return Event{}, err
	}
	return FromStruct(s)
}

// MarshalJSON renders e with protojson so the field names match the binary form.
func (e Event) MarshalJSON() ([]byte, error) {
	s, err := e.Struct()
	if err != nil {
		return nil, err
	}
	return protojson.Marshal(s)
}
