package source

import (
	"strings"
	"time"

	"github.com/Maxime521/ca-plateforme-entreprise-sub002/internal/model"
)

// completenessFields is the number of descriptive fields scored by
// completeness. Identifier and name are required upstream so records start
// from a common base.
const completenessFields = 6

// scoreCompleteness rates how thoroughly a record is filled, 0 to 1.
func scoreCompleteness(record model.SourceRecord) float64 {
	filled := 0
	if record.Identifier != "" {
		filled++
	}
	if record.DisplayName != "" {
		filled++
	}
	if record.LegalForm != "" {
		filled++
	}
	if record.Address != "" {
		filled++
	}
	if record.IndustryCode != "" {
		filled++
	}
	if !record.UpdatedAt.IsZero() {
		filled++
	}
	return float64(filled) / float64(completenessFields)
}

// cleanIdentifier strips the spacing and punctuation registries put inside
// identifiers before canonicalization.
func cleanIdentifier(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// parseUpstreamTime accepts the timestamp layouts seen across registries.
func parseUpstreamTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	return time.Time{}
}

// finalizeRecord canonicalizes identifiers and scores completeness for a
// record arriving from an external registry.
func finalizeRecord(record model.SourceRecord) model.SourceRecord {
	record.RawIdentifier = strings.TrimSpace(record.RawIdentifier)
	digits := cleanIdentifier(record.RawIdentifier)
	if canonical := model.CanonicalIdentifier(digits); canonical != "" {
		record.Identifier = canonical
	} else {
		record.Identifier = digits
	}
	record.DisplayName = strings.TrimSpace(record.DisplayName)
	record.Address = strings.TrimSpace(record.Address)
	record.CompletenessScore = scoreCompleteness(record)
	return record
}
