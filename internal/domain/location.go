package domain

import "time"

// BusLocationSnapshot: последняя известная позиция автобуса, last-write-wins.
type BusLocationSnapshot struct {
	BusID     string    `db:"bus_id" json:"bus_id"`
	RouteID   string    `db:"route_id" json:"route_id,omitempty"`
	Latitude  float64   `db:"latitude" json:"latitude"`
	Longitude float64   `db:"longitude" json:"longitude"`
	Heading   *float64  `db:"heading" json:"heading,omitempty"`
	Speed     *float64  `db:"speed" json:"speed,omitempty"` // km/h
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

type Bus struct {
	ID            string `db:"id"`
	LicensePlate  string `db:"license_plate"`
	AssignedRoute string `db:"assigned_route"`
}

type Route struct {
	ID      string   `db:"id"`
	Name    string   `db:"name"`
	StopIDs []string `db:"stop_ids"` // в порядке следования
}

type Stop struct {
	ID        string  `db:"id"`
	Name      string  `db:"name"`
	Latitude  float64 `db:"latitude"`
	Longitude float64 `db:"longitude"`
}
