package models

import "time"

// CheckIn is a single venue check-in imported from the check-in provider.
type CheckIn struct {
	UserID        string
	DataSource    DataSource
	ProviderID    string
	VenueID       string
	VenueName     string
	VenueCategory string
	Latitude      float64
	Longitude     float64
	City          string
	Country       string
	Shout         string
	CheckedInAt   time.Time
	Photos        []Photo
}

// Photo is media attached to a check-in.
type Photo struct {
	ProviderID string
	URL        string
	Width      int
	Height     int
	CreatedAt  time.Time
}

// Activity is a single workout imported from a fitness provider.
type Activity struct {
	UserID         string
	DataSource     DataSource
	ProviderID     string
	Name           string
	SportType      string
	StartedAt      time.Time
	ElapsedSeconds int
	MovingSeconds  int
	DistanceMeters float64
	ElevationGainM float64
	StartLatitude  *float64
	StartLongitude *float64
	Polyline       string
	ArchiveKey     string
}

// User is the subset of the user entity the sync engine reads.
type User struct {
	ID          string
	LastLoginAt *time.Time
	CreatedAt   time.Time
}
