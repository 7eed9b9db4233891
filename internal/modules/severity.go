package modules

import (
	"strings"

	"github.com/surfacehq/surfacescan/pkg/types"
)

// severityMap translates the severity vocabularies of the external detectors
// onto the canonical 5-level scale. Detectors emit wildly different labels;
// anything unrecognised defaults to MEDIUM so an unknown vocabulary never
// hides a real issue at INFO.
var severityMap = map[string]types.Severity{
	"critical":      types.SeverityCritical,
	"crit":          types.SeverityCritical,
	"high":          types.SeverityHigh,
	"serious":       types.SeverityHigh,
	"error":         types.SeverityHigh,
	"medium":        types.SeverityMedium,
	"moderate":      types.SeverityMedium,
	"warn":          types.SeverityMedium,
	"warning":       types.SeverityMedium,
	"low":           types.SeverityLow,
	"minor":         types.SeverityLow,
	"info":          types.SeverityInfo,
	"information":   types.SeverityInfo,
	"informational": types.SeverityInfo,
	"none":          types.SeverityInfo,
	"ok":            types.SeverityInfo,
}

// MapSeverity converts a detector-native severity label to the canonical
// scale. Unknown labels map to MEDIUM.
func MapSeverity(raw string) types.Severity {
	if sev, ok := severityMap[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return sev
	}
	return types.SeverityMedium
}
