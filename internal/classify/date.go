package classify

import (
	"regexp"
	"strconv"
	"time"
)

var (
	dmyPattern = regexp.MustCompile(`\b(\d{1,2})[/.-](\d{1,2})[/.-](\d{4})\b`)
	isoPattern = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
)

// DetectIssueDate returns the first explicit calendar date on the first page
// of an annex, or nil. Both dd/mm/yyyy and yyyy-mm-dd are recognised; the
// earliest occurrence in the text wins.
func DetectIssueDate(firstPage string) *time.Time {
	var (
		best    *time.Time
		bestPos = -1
	)
	consider := func(pos, y, m, d int) {
		if m < 1 || m > 12 || d < 1 || d > 31 {
			return
		}
		t := time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
		if t.Day() != d {
			return
		}
		if bestPos == -1 || pos < bestPos {
			best, bestPos = &t, pos
		}
	}

	if loc := isoPattern.FindStringSubmatchIndex(firstPage); loc != nil {
		y, _ := strconv.Atoi(firstPage[loc[2]:loc[3]])
		m, _ := strconv.Atoi(firstPage[loc[4]:loc[5]])
		d, _ := strconv.Atoi(firstPage[loc[6]:loc[7]])
		consider(loc[0], y, m, d)
	}
	if loc := dmyPattern.FindStringSubmatchIndex(firstPage); loc != nil {
		d, _ := strconv.Atoi(firstPage[loc[2]:loc[3]])
		m, _ := strconv.Atoi(firstPage[loc[4]:loc[5]])
		y, _ := strconv.Atoi(firstPage[loc[6]:loc[7]])
		consider(loc[0], y, m, d)
	}
	return best
}
