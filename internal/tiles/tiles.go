package tiles

import (
	"math"
	"strconv"
	"strings"

	"github.com/langchou/gpxview/internal/models"
)

const (
	// MaxLatitude Web Mercator 的纬度有效范围
	MaxLatitude = 85.05112878

	// MinZoom/MaxZoom 枚举时缩放级别的截断范围
	MinZoom = 0
	MaxZoom = 19

	// MaxTilesAuto 自动预取的瓦片数量硬上限，达到后立即停止枚举
	MaxTilesAuto = 300

	// minSpanDeg 包围盒退化为点时的最小跨度
	minSpanDeg = 0.01
)

// ClampLat 把纬度截断到 Web Mercator 有效范围
func ClampLat(lat float64) float64 {
	return math.Max(-MaxLatitude, math.Min(MaxLatitude, lat))
}

func clampLon(lon float64) float64 {
	return math.Max(-180, math.Min(180, lon))
}

// TileX 经度对应的瓦片列下标，截断到 [0, 2^z)
func TileX(lon float64, z int) int {
	n := float64(int(1) << uint(z))
	x := (lon + 180) / 360 * n
	return int(math.Floor(math.Max(0, math.Min(n-1, x))))
}

// TileY 纬度对应的瓦片行下标，截断到 [0, 2^z)
func TileY(lat float64, z int) int {
	n := float64(int(1) << uint(z))
	latRad := ClampLat(lat) * math.Pi / 180
	y := (1 - math.Log(math.Tan(latRad)+1/math.Cos(latRad))/math.Pi) / 2 * n
	return int(math.Floor(math.Max(0, math.Min(n-1, y))))
}

// RenderURL 渲染瓦片 URL 模板，子域占位符固定替换为 a
func RenderURL(template string, z, x, y int) string {
	r := strings.NewReplacer(
		"{z}", strconv.Itoa(z),
		"{x}", strconv.Itoa(x),
		"{y}", strconv.Itoa(y),
		"{s}", "a",
	)
	return r.Replace(template)
}

// Enumerate 枚举覆盖包围盒的瓦片 URL
// 包围盒按 paddingRatio 外扩，跨越反子午线时拆成两段 x 范围；
// 累计达到 maxTiles 后停止，不再枚举后续缩放级别
func Enumerate(template string, bbox models.BBox, zooms []int, paddingRatio float64, maxTiles int) []string {
	if template == "" || len(zooms) == 0 || maxTiles <= 0 {
		return nil
	}

	latSpan := bbox.MaxLat - bbox.MinLat
	lonSpan := bbox.MaxLon - bbox.MinLon
	if latSpan == 0 {
		latSpan = minSpanDeg
	}
	if lonSpan == 0 {
		lonSpan = minSpanDeg
	}
	padLat := latSpan * paddingRatio
	padLon := lonSpan * paddingRatio

	minLat := ClampLat(bbox.MinLat - padLat)
	maxLat := ClampLat(bbox.MaxLat + padLat)
	minLon := clampLon(bbox.MinLon - padLon)
	maxLon := clampLon(bbox.MaxLon + padLon)

	var urls []string

	pushRange := func(zoom, x0, x1, yMin, yMax int) bool {
		for x := x0; x <= x1; x++ {
			for y := yMin; y <= yMax; y++ {
				urls = append(urls, RenderURL(template, zoom, x, y))
				if len(urls) >= maxTiles {
					return true
				}
			}
		}
		return false
	}

	for _, z := range zooms {
		zoom := z
		if zoom < MinZoom {
			zoom = MinZoom
		}
		if zoom > MaxZoom {
			zoom = MaxZoom
		}
		n := int(1) << uint(zoom)

		xMin := TileX(minLon, zoom)
		xMax := TileX(maxLon, zoom)
		yMin := TileY(maxLat, zoom)
		yMax := TileY(minLat, zoom)

		if xMin > xMax {
			// 反子午线环绕
			if pushRange(zoom, xMin, n-1, yMin, yMax) {
				break
			}
			if pushRange(zoom, 0, xMax, yMin, yMax) {
				break
			}
		} else {
			if pushRange(zoom, xMin, xMax, yMin, yMax) {
				break
			}
		}
	}

	return urls
}

// FitZoom 选一个让包围盒落在少量瓦片内的缩放级别
// 服务端没有视口，用它近似"适配轨迹"的地图缩放
func FitZoom(bbox models.BBox, maxZoom int) int {
	if maxZoom > MaxZoom {
		maxZoom = MaxZoom
	}
	for z := maxZoom; z > MinZoom; z-- {
		xSpan := TileX(bbox.MaxLon, z) - TileX(bbox.MinLon, z)
		ySpan := TileY(bbox.MinLat, z) - TileY(bbox.MaxLat, z)
		if xSpan <= 3 && ySpan <= 3 {
			return z
		}
	}
	return MinZoom
}
