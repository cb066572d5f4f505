package geo

import "math"

// EarthRadiusM 地球平均半径（米）
const EarthRadiusM = 6371000.0

// Haversine 两个经纬度点之间的大圆距离（米）
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const toRad = math.Pi / 180
	phi1 := lat1 * toRad
	phi2 := lat2 * toRad
	dPhi := (lat2 - lat1) * toRad
	dLambda := (lon2 - lon1) * toRad

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusM * c
}

// Project 以 lat0Rad 为中心的等距圆柱局部投影（米）
// 每次查询重新取投影中心，避免长轨迹上的畸变累积
func Project(latDeg, lonDeg, lat0Rad float64) (x, y float64) {
	const toRad = math.Pi / 180
	lat := latDeg * toRad
	lon := lonDeg * toRad
	return lon * math.Cos(lat0Rad) * EarthRadiusM, lat * EarthRadiusM
}

// Unproject Project 的逆变换，返回经纬度（度）
func Unproject(x, y, lat0Rad float64) (latDeg, lonDeg float64) {
	const toDeg = 180 / math.Pi
	lat := y / EarthRadiusM
	lon := x / (EarthRadiusM * math.Cos(lat0Rad))
	return lat * toDeg, lon * toDeg
}

// ClosestOnSegment 点 p 到线段 a-b 的最近点，t 截断到 [0,1]
func ClosestOnSegment(px, py, ax, ay, bx, by float64) (cx, cy, t float64) {
	abx := bx - ax
	aby := by - ay
	apx := px - ax
	apy := py - ay

	ab2 := abx*abx + aby*aby
	if ab2 != 0 {
		t = (apx*abx + apy*aby) / ab2
	}
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}
	return ax + t*abx, ay + t*aby, t
}
