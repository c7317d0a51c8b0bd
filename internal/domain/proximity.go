package domain

import "time"

type ProximityPreference struct {
	UserID       string
	TargetID     string
	RadiusMeters float64
	SubscribedAt time.Time
}
