// Package geo считает расстояния по большому кругу (Haversine) на сферической Земле.
package geo

import "math"

// EarthRadiusMeters: средний радиус Земли.
const EarthRadiusMeters = 6371000.0

type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

func (p Point) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180 &&
		!math.IsNaN(p.Lat) && !math.IsNaN(p.Lon)
}

// Distance возвращает расстояние между точками в метрах.
func Distance(p, q Point) float64 {
	lat1 := radians(p.Lat)
	lat2 := radians(q.Lat)
	dLat := radians(q.Lat - p.Lat)
	dLon := radians(q.Lon - p.Lon)

	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)
	a := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLon*sinLon
	// a может чуть вылезти за 1 из-за округления
	a = math.Min(1, math.Max(0, a))

	return 2 * EarthRadiusMeters * math.Asin(math.Sqrt(a))
}

func DistanceKm(p, q Point) float64 {
	return Distance(p, q) / 1000
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
