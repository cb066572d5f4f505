package gpx

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/langchou/gpxview/internal/models"
)

// MaxFileBytes GPX 文件大小上限
const MaxFileBytes = 30 * 1024 * 1024

var (
	// ErrTooLarge 文件超过大小上限
	ErrTooLarge = errors.New("gpx: file too large")
	// ErrTooFewPoints 有效轨迹点不足两个
	ErrTooFewPoints = errors.New("gpx: track needs at least 2 points")
)

// Track 解析后的轨迹：平行数组，TimeMs 缺失用 -1 占位
type Track struct {
	Name        string
	Description string
	Lat         []float64
	Lon         []float64
	Ele         []float64
	TimeMs      []int64
	BBox        models.BBox
}

// xml 映射只要用到的字段
type gpxFile struct {
	Metadata struct {
		Name string `xml:"name"`
		Desc string `xml:"desc"`
	} `xml:"metadata"`
	Tracks []struct {
		Name     string `xml:"name"`
		Desc     string `xml:"desc"`
		Segments []struct {
			Points []trkpt `xml:"trkpt"`
		} `xml:"trkseg"`
	} `xml:"trk"`
}

type trkpt struct {
	Lat  float64  `xml:"lat,attr"`
	Lon  float64  `xml:"lon,attr"`
	Ele  *float64 `xml:"ele"`
	Time string   `xml:"time"`
}

// Parse 解析 GPX 文档，把所有 trkseg 串成一条轨迹
// 海拔缺失时沿用前一个点的值，时间缺失记为 -1
func Parse(r io.Reader) (*Track, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read gpx: %w", err)
	}
	if len(data) > MaxFileBytes {
		return nil, ErrTooLarge
	}

	var doc gpxFile
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse gpx: %w", err)
	}

	t := &Track{}
	t.Name = doc.Metadata.Name
	t.Description = doc.Metadata.Desc

	lastEle := 0.0
	for _, trk := range doc.Tracks {
		if t.Name == "" {
			t.Name = trk.Name
		}
		if t.Description == "" {
			t.Description = trk.Desc
		}
		for _, seg := range trk.Segments {
			for _, p := range seg.Points {
				t.Lat = append(t.Lat, p.Lat)
				t.Lon = append(t.Lon, p.Lon)
				if p.Ele != nil {
					lastEle = *p.Ele
				}
				t.Ele = append(t.Ele, lastEle)
				t.TimeMs = append(t.TimeMs, parseTimeMs(p.Time))
			}
		}
	}

	if len(t.Lat) < 2 {
		return nil, ErrTooFewPoints
	}

	t.BBox = computeBBox(t.Lat, t.Lon)
	return t, nil
}

// parseTimeMs 解析 ISO-8601 时间戳为 unix 毫秒，解析失败返回 -1
func parseTimeMs(s string) int64 {
	if s == "" {
		return -1
	}
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return -1
	}
	return ts.UnixMilli()
}

func computeBBox(lat, lon []float64) models.BBox {
	b := models.BBox{MinLat: lat[0], MaxLat: lat[0], MinLon: lon[0], MaxLon: lon[0]}
	for i := 1; i < len(lat); i++ {
		if lat[i] < b.MinLat {
			b.MinLat = lat[i]
		}
		if lat[i] > b.MaxLat {
			b.MaxLat = lat[i]
		}
		if lon[i] < b.MinLon {
			b.MinLon = lon[i]
		}
		if lon[i] > b.MaxLon {
			b.MaxLon = lon[i]
		}
	}
	return b
}
