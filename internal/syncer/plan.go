package syncer

import (
	"sort"
	"time"

	"github.com/cplus-sensores/colector/internal/models"
)

// PlanWindow decides what to fetch for a device at time now. It returns false
// when the bookmark already covers today, in which case nothing is fetched.
func PlanWindow(d models.Device, historyStart models.Date, now time.Time) (models.Window, bool) {
	start := historyStart
	if d.LastSynced != nil && !d.LastSynced.IsZero() {
		start = *d.LastSynced
	}

	if !start.Before(models.DateOf(now)) {
		return models.Window{}, false
	}
	return models.Window{Start: start, End: now.UTC()}, true
}

// DateGroup holds the records that belong in one date folder.
type DateGroup struct {
	Date    models.Date
	Records []models.Record
}

// GroupByDate buckets records by the calendar day of their date field.
// Records without a parseable date go to fallback. Groups are returned in
// ascending date order and keep the payload order inside each group.
func GroupByDate(records []models.Record, dateField string, fallback models.Date) []DateGroup {
	index := make(map[string]int)
	groups := make([]DateGroup, 0)

	for _, rec := range records {
		day := fallback
		if v, ok := rec.Get(dateField); ok {
			if ts, ok := models.ParseTimestamp(v); ok {
				day = models.DateOf(ts)
			}
		}

		i, ok := index[day.String()]
		if !ok {
			i = len(groups)
			index[day.String()] = i
			groups = append(groups, DateGroup{Date: day})
		}
		groups[i].Records = append(groups[i].Records, rec)
	}

	sort.SliceStable(groups, func(a, b int) bool {
		return groups[a].Date.Before(groups[b].Date)
	})
	return groups
}
