package domain

// DirectionsRoute: ответ внешнего сервиса маршрутов.
type DirectionsRoute struct {
	Geometry        string // encoded polyline
	DistanceMeters  float64
	DurationSeconds float64
}
