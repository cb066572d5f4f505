package gpx

import (
	"strings"
	"testing"
)

const sampleGPX = `<?xml version="1.0" encoding="UTF-8"?>
<gpx version="1.1" creator="test">
  <metadata><name>Morning Ride</name><desc>Loop around the lake</desc></metadata>
  <trk>
    <trkseg>
      <trkpt lat="45.0" lon="9.0"><ele>200</ele><time>2024-05-01T08:00:00Z</time></trkpt>
      <trkpt lat="45.001" lon="9.0"><ele>210</ele><time>2024-05-01T08:01:00Z</time></trkpt>
      <trkpt lat="45.002" lon="9.001"><time>2024-05-01T08:02:00Z</time></trkpt>
    </trkseg>
    <trkseg>
      <trkpt lat="45.003" lon="9.002"><ele>205</ele></trkpt>
    </trkseg>
  </trk>
</gpx>`

func TestParseSample(t *testing.T) {
	trk, err := Parse(strings.NewReader(sampleGPX))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if trk.Name != "Morning Ride" {
		t.Fatalf("name = %q", trk.Name)
	}
	if trk.Description != "Loop around the lake" {
		t.Fatalf("description = %q", trk.Description)
	}
	if len(trk.Lat) != 4 {
		t.Fatalf("points = %d, want 4", len(trk.Lat))
	}

	// 第三个点没有海拔，沿用前一个点的 210
	if trk.Ele[2] != 210 {
		t.Fatalf("ele[2] = %v, want forward-filled 210", trk.Ele[2])
	}
	if trk.Ele[3] != 205 {
		t.Fatalf("ele[3] = %v, want 205", trk.Ele[3])
	}

	// 最后一个点没有时间戳
	if trk.TimeMs[3] != -1 {
		t.Fatalf("time[3] = %d, want -1", trk.TimeMs[3])
	}
	if trk.TimeMs[1]-trk.TimeMs[0] != 60_000 {
		t.Fatalf("time delta = %d, want 60000", trk.TimeMs[1]-trk.TimeMs[0])
	}

	if trk.BBox.MinLat != 45.0 || trk.BBox.MaxLat != 45.003 {
		t.Fatalf("bbox lat = %+v", trk.BBox)
	}
	if trk.BBox.MinLon != 9.0 || trk.BBox.MaxLon != 9.002 {
		t.Fatalf("bbox lon = %+v", trk.BBox)
	}
}

func TestParseTrackNameFallback(t *testing.T) {
	doc := `<gpx><trk><name>Trail 7</name><trkseg>
	  <trkpt lat="1" lon="2"/><trkpt lat="1.1" lon="2.1"/>
	</trkseg></trk></gpx>`
	trk, err := Parse(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if trk.Name != "Trail 7" {
		t.Fatalf("name = %q, want trk name fallback", trk.Name)
	}
}

func TestParseTooFewPoints(t *testing.T) {
	doc := `<gpx><trk><trkseg><trkpt lat="1" lon="2"/></trkseg></trk></gpx>`
	if _, err := Parse(strings.NewReader(doc)); err != ErrTooFewPoints {
		t.Fatalf("err = %v, want ErrTooFewPoints", err)
	}
}

func TestParseInvalidXML(t *testing.T) {
	if _, err := Parse(strings.NewReader("not xml at all <")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestParseTooLarge(t *testing.T) {
	big := strings.NewReader(strings.Repeat("x", MaxFileBytes+1))
	if _, err := Parse(big); err != ErrTooLarge {
		t.Fatalf("err = %v, want ErrTooLarge", err)
	}
}
