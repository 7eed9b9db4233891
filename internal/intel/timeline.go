// Package intel implements the vulnerability intelligence pipeline: source
// clients (OSV, GitHub advisories), EPSS and KEV enrichment, the CVE timeline
// validator, and the composite analyzer that turns a detected technology into
// a risk-scored vulnerability report.
package intel

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/surfacehq/surfacescan/internal/logger"
)

var cvePattern = regexp.MustCompile(`^CVE-(\d{4})-\d{4,}$`)

// TimelineValidator rejects implausible CVE-to-version pairings: CVEs old
// enough to be stale noise, or CVEs that predate the software's estimated
// release era. It is a tunable false-positive filter, not ground truth and
// not a security boundary.
type TimelineValidator struct {
	dropVulnAgeYears int
	logger           *logger.Logger
	now              func() time.Time
}

func NewTimelineValidator(dropVulnAgeYears int, log *logger.Logger) *TimelineValidator {
	return &TimelineValidator{
		dropVulnAgeYears: dropVulnAgeYears,
		logger:           log.WithComponent("timeline"),
		now:              time.Now,
	}
}

// Validate judges whether cveID plausibly affects softwareVersion. Non-CVE
// ids pass: the validator only judges CVE-sourced records. Any parse failure
// passes the record through rather than silently dropping legitimate data.
func (v *TimelineValidator) Validate(cveID, publishedDate, softwareVersion string) (bool, string) {
	m := cvePattern.FindStringSubmatch(cveID)
	if m == nil {
		return true, ""
	}

	cveYear, err := strconv.Atoi(m[1])
	if err != nil {
		return true, ""
	}

	currentYear := v.now().Year()

	if age := currentYear - cveYear; age > v.dropVulnAgeYears {
		return false, fmt.Sprintf("%s is %d years old, past the %d-year staleness cutoff", cveID, age, v.dropVulnAgeYears)
	}

	if softwareVersion != "" {
		if est, ok := estimateReleaseYear(softwareVersion, currentYear); ok {
			// Two-year grace window: a CVE slightly older than the
			// estimated release era is still plausible.
			if cveYear < est-2 {
				return false, fmt.Sprintf("%s (year %d) predates estimated release era %d of version %q", cveID, cveYear, est, softwareVersion)
			}
		}
	}

	if publishedDate != "" {
		if published, err := time.Parse(time.RFC3339, publishedDate); err == nil {
			if drift := published.Year() - cveYear; drift > 3 || drift < -3 {
				// Publication delays are legitimate; flag, don't reject.
				v.logger.Warnw("CVE publication year drifts from id year",
					"cve", cveID,
					"cve_year", cveYear,
					"published_year", published.Year(),
				)
			}
		}
	}

	return true, ""
}

// estimateReleaseYear guesses when a version was released. Deliberately
// coarse: the first integer token is taken as a literal year when it falls in
// [2000,2024], otherwise as a major version projected onto a fixed linear
// scale where larger majors map to more recent eras.
func estimateReleaseYear(version string, currentYear int) (int, bool) {
	token := firstIntToken(version)
	if token < 0 {
		return 0, false
	}

	if token >= 2000 && token <= 2024 {
		return token, true
	}

	est := 2002 + 2*token
	if est > currentYear {
		est = currentYear
	}
	return est, true
}

func firstIntToken(version string) int {
	s := strings.TrimLeft(version, "vV")
	start, end := -1, -1
	for i, r := range s {
		if r >= '0' && r <= '9' {
			if start < 0 {
				start = i
			}
			end = i + 1
			continue
		}
		if start >= 0 {
			break
		}
	}
	if start < 0 {
		return -1
	}
	n, err := strconv.Atoi(s[start:end])
	if err != nil {
		return -1
	}
	return n
}
