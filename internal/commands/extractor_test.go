package commands

import (
	"strings"
	"testing"
)

func TestExtract_NoCommandsUnchanged(t *testing.T) {
	inputs := []string{
		"Two toilets in master bath.",
		"  The  framing crew left early;  lumber on site.\n",
		"",
		"We need to flag down the inspector and start walking the perimeter.",
	}
	for _, in := range inputs {
		got := Extract(in)
		if got.Cleaned != in {
			t.Errorf("Extract(%q).Cleaned = %q, want unchanged", in, got.Cleaned)
		}
		if len(got.Matches) != 0 {
			t.Errorf("Extract(%q) found %d matches, want 0", in, len(got.Matches))
		}
	}
}

func TestExtract_StripsAndCollapses(t *testing.T) {
	in := "Start walkthrough. New room kitchen. Cabinets are in.  Flag that. The island is short two inches. New room master bath. Take a photo. Acknowledged. Stop walk."
	got := Extract(in)

	want := "Cabinets are in. The island is short two inches."
	if got.Cleaned != want {
		t.Errorf("Cleaned = %q, want %q", got.Cleaned, want)
	}
	if strings.Contains(got.Cleaned, "  ") {
		t.Errorf("double whitespace left in %q", got.Cleaned)
	}
	for _, m := range got.Matches {
		if strings.Contains(got.Cleaned, m.Raw) {
			t.Errorf("cleaned text still contains %q", m.Raw)
		}
		if in[m.Offset:m.Offset+len(m.Raw)] != m.Raw {
			t.Errorf("offset %d does not point at %q", m.Offset, m.Raw)
		}
	}

	kinds := make([]Kind, len(got.Matches))
	for i, m := range got.Matches {
		kinds[i] = m.Kind
	}
	wantKinds := []Kind{KindStart, KindNewRoom, KindFlag, KindNewRoom, KindTakePhoto, KindAcknowledge, KindStop}
	if len(kinds) != len(wantKinds) {
		t.Fatalf("kinds = %v, want %v", kinds, wantKinds)
	}
	for i := range wantKinds {
		if kinds[i] != wantKinds[i] {
			t.Errorf("kinds[%d] = %s, want %s", i, kinds[i], wantKinds[i])
		}
	}
}

func TestExtract_CaseInsensitiveArgs(t *testing.T) {
	got := Extract("TAG THIS JOB AS Oak Creek Lot 42. attach the plans for second floor, ok")
	if len(got.Matches) != 2 {
		t.Fatalf("matches = %+v", got.Matches)
	}
	if got.Matches[0].Kind != KindTagJob || got.Matches[0].Arg != "Oak Creek Lot 42" {
		t.Errorf("tag match = %+v", got.Matches[0])
	}
	if got.Matches[1].Kind != KindAttachPlan || got.Matches[1].Arg != "second floor" {
		t.Errorf("plan match = %+v", got.Matches[1])
	}
	if got.Cleaned != "ok" {
		t.Errorf("Cleaned = %q, want %q", got.Cleaned, "ok")
	}
}

func TestExtract_FlagCleanOffset(t *testing.T) {
	got := Extract("Drywall cracked by the door. Flag that. Paint is fine.")
	if len(got.Matches) != 1 {
		t.Fatalf("matches = %+v", got.Matches)
	}
	off := got.Matches[0].CleanOffset
	if !strings.HasPrefix(got.Cleaned[:off], "Drywall cracked by the door.") {
		t.Errorf("flag offset %d not after the flagged sentence in %q", off, got.Cleaned)
	}
	if !strings.HasPrefix(strings.TrimSpace(got.Cleaned[off:]), "Paint is fine.") {
		t.Errorf("flag offset %d not before the next sentence in %q", off, got.Cleaned)
	}
}

func TestAggregate(t *testing.T) {
	ex := Extract("Tag job as Willow Run lot 7. New room garage. Flag it. New room kitchen. Tag this job to Oak Creek lot 1. Attach plan. Attach plan called elevations. Copy that.")
	md := Aggregate(ex.Matches)

	if md.JobTag != "Willow Run lot 7" {
		t.Errorf("JobTag = %q, want first tag", md.JobTag)
	}
	if len(md.RoomMarkers) != 2 || md.RoomMarkers[0].Name != "garage" || md.RoomMarkers[1].Name != "kitchen" {
		t.Errorf("RoomMarkers = %+v", md.RoomMarkers)
	}
	if md.RoomMarkers[0].Offset > md.RoomMarkers[1].Offset {
		t.Error("room markers out of order")
	}
	if len(md.FlagOffsets) != 1 {
		t.Errorf("FlagOffsets = %v", md.FlagOffsets)
	}
	if !md.AttachPlan || md.PlanName != "elevations" {
		t.Errorf("AttachPlan=%v PlanName=%q", md.AttachPlan, md.PlanName)
	}
	if md.Acknowledgements != 1 {
		t.Errorf("Acknowledgements = %d", md.Acknowledgements)
	}
	if md.Started || md.Stopped || md.TakePhoto {
		t.Errorf("unexpected flags: %+v", md)
	}
}

func TestExtract_UnpunctuatedSpeech(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		kind    Kind
		arg     string
		cleaned string
	}{
		{
			name:    "room stops at article",
			in:      "okay new room master bath the toilet is cracked and the vanity is missing",
			kind:    KindNewRoom,
			arg:     "master bath",
			cleaned: "okay the toilet is cracked and the vanity is missing",
		},
		{
			name:    "room stops at verb",
			in:      "new room kitchen looks finished",
			kind:    KindNewRoom,
			arg:     "kitchen",
			cleaned: "looks finished",
		},
		{
			name:    "room skips leading article",
			in:      "new room the garage two bikes left inside",
			kind:    KindNewRoom,
			arg:     "garage two bikes",
			cleaned: "left inside",
		},
		{
			name:    "tag ends at lot number",
			in:      "tag this job as oak creek lot 42 the framing is done",
			kind:    KindTagJob,
			arg:     "oak creek lot 42",
			cleaned: "the framing is done",
		},
		{
			name:    "tag with lot hash",
			in:      "tag job as willow run lot #7b drywall is up",
			kind:    KindTagJob,
			arg:     "willow run lot #7b",
			cleaned: "drywall is up",
		},
		{
			name:    "tag ends at bare number",
			in:      "tag this job as oak creek 42 framing is done",
			kind:    KindTagJob,
			arg:     "oak creek 42",
			cleaned: "framing is done",
		},
		{
			name:    "freeform tag stops at stopword",
			in:      "tag this job as smith residence we are starting upstairs",
			kind:    KindTagJob,
			arg:     "smith residence",
			cleaned: "we are starting upstairs",
		},
		{
			name:    "plan name stops at stopword",
			in:      "attach the plans for the kitchen remodel it shows two sinks",
			kind:    KindAttachPlan,
			arg:     "kitchen remodel",
			cleaned: "it shows two sinks",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Extract(tt.in)
			if len(got.Matches) != 1 {
				t.Fatalf("matches = %+v", got.Matches)
			}
			m := got.Matches[0]
			if m.Kind != tt.kind || m.Arg != tt.arg {
				t.Errorf("match = %s %q, want %s %q", m.Kind, m.Arg, tt.kind, tt.arg)
			}
			if got.Cleaned != tt.cleaned {
				t.Errorf("Cleaned = %q, want %q", got.Cleaned, tt.cleaned)
			}
			if tt.in[m.Offset:m.Offset+len(m.Raw)] != m.Raw {
				t.Errorf("offset %d does not point at %q", m.Offset, m.Raw)
			}
		})
	}
}

func TestExtract_PunctuatedSeparators(t *testing.T) {
	got := Extract("New room, kitchen. The sink leaks. Tag this job as: Oak Creek, lot 42.")
	md := Aggregate(got.Matches)
	if len(md.RoomMarkers) != 1 || md.RoomMarkers[0].Name != "kitchen" {
		t.Errorf("RoomMarkers = %+v", md.RoomMarkers)
	}
	if md.JobTag != "Oak Creek, lot 42" {
		t.Errorf("JobTag = %q", md.JobTag)
	}
	if got.Cleaned != "The sink leaks." {
		t.Errorf("Cleaned = %q", got.Cleaned)
	}
}

func TestExtract_RoomPhraseWithoutName(t *testing.T) {
	in := "the new room is done"
	got := Extract(in)
	if got.Cleaned != in || len(got.Matches) != 0 {
		t.Errorf("Extract(%q) = %+v", in, got)
	}
}
