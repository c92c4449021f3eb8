package enrich

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// NormalizeType folds virtual activity variants onto their outdoor type
// so stats grouping treats them as one sport.
func NormalizeType(activityType string) string {
	if activityType == "VirtualRide" {
		return "Ride"
	}
	return activityType
}

// Summary aggregates an enriched dataset for the dashboard header.
type Summary struct {
	Count      int            `json:"count"`
	TotalKm    float64        `json:"total_km"`
	TotalHours float64        `json:"total_hours"`
	ByType     map[string]int `json:"by_type"`
}

// Summarize computes dataset totals; activity types are normalized via
// NormalizeType before counting.
func Summarize(activities []*Activity) Summary {
	s := Summary{ByType: make(map[string]int)}
	for _, a := range activities {
		s.Count++
		s.TotalKm += a.Km
		s.TotalHours += float64(a.MovingTime) / 3600
		s.ByType[NormalizeType(a.Type)]++
	}
	s.TotalKm = round1(s.TotalKm)
	s.TotalHours = round1(s.TotalHours)
	return s
}

// String renders the totals with thousand separators for the dashboard
// header line.
func (s Summary) String() string {
	p := message.NewPrinter(language.English)
	return p.Sprintf("%d activities, %.0f km, %.0f h", s.Count, s.TotalKm, s.TotalHours)
}
