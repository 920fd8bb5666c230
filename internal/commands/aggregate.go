package commands

// RoomMarker is one "new room" announcement, in walk order.
type RoomMarker struct {
	Name string `json:"name"`
	// Offset is the position of the marker in the cleaned transcript.
	Offset int `json:"offset"`
}

// Metadata is the structured form of the control phrases in one transcript.
type Metadata struct {
	Started          bool         `json:"started,omitempty"`
	Stopped          bool         `json:"stopped,omitempty"`
	RoomMarkers      []RoomMarker `json:"room_markers,omitempty"`
	FlagOffsets      []int        `json:"flag_offsets,omitempty"`
	JobTag           string       `json:"job_tag,omitempty"`
	AttachPlan       bool         `json:"attach_plan,omitempty"`
	PlanName         string       `json:"plan_name,omitempty"`
	TakePhoto        bool         `json:"take_photo,omitempty"`
	Acknowledgements int          `json:"acknowledgements,omitempty"`
}

// Aggregate folds ordered matches into Metadata. Room markers accumulate in
// encounter order; the job tag and plan name keep the first value seen.
func Aggregate(matches []Match) Metadata {
	var md Metadata
	for _, m := range matches {
		switch m.Kind {
		case KindStart:
			md.Started = true
		case KindStop:
			md.Stopped = true
		case KindNewRoom:
			if m.Arg != "" {
				md.RoomMarkers = append(md.RoomMarkers, RoomMarker{Name: m.Arg, Offset: m.CleanOffset})
			}
		case KindFlag:
			md.FlagOffsets = append(md.FlagOffsets, m.CleanOffset)
		case KindTagJob:
			if md.JobTag == "" {
				md.JobTag = m.Arg
			}
		case KindAttachPlan:
			md.AttachPlan = true
			if md.PlanName == "" {
				md.PlanName = m.Arg
			}
		case KindTakePhoto:
			md.TakePhoto = true
		case KindAcknowledge:
			md.Acknowledgements++
		}
	}
	return md
}
