package utils

import "time"

// IndiaLocation is the timezone for Indian markets.
var IndiaLocation *time.Location

func init() {
	var err error
	IndiaLocation, err = time.LoadLocation("Asia/Kolkata")
	if err != nil {
		// Fallback to UTC+5:30
		IndiaLocation = time.FixedZone("IST", 5*60*60+30*60)
	}
}

// MinutesSinceMidnightIST returns the IST wall-clock minute of t.
func MinutesSinceMidnightIST(t time.Time) int {
	ist := t.In(IndiaLocation)
	return ist.Hour()*60 + ist.Minute()
}

// IsWeekendIST reports whether t falls on a Saturday or Sunday in IST.
func IsWeekendIST(t time.Time) bool {
	wd := t.In(IndiaLocation).Weekday()
	return wd == time.Saturday || wd == time.Sunday
}
