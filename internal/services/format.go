package services

import (
	"strings"
	"time"
)

// isoMillis renders timestamps the way exports and the UI expect them.
const isoMillis = "2006-01-02T15:04:05.000Z07:00"

func formatISO(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(isoMillis)
}

// csvField quotes every value, doubling inner quotes. encoding/csv only
// quotes when needed, and spreadsheet imports of these exports rely on the
// fixed quoting.
func csvField(v string) string {
	return `"` + strings.ReplaceAll(v, `"`, `""`) + `"`
}

func csvLine(fields ...string) string {
	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = csvField(f)
	}
	return strings.Join(quoted, ",")
}

var htmlReplacer = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&#39;",
)

func htmlEsc(v string) string {
	return htmlReplacer.Replace(v)
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
