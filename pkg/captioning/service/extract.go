package service

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/goccy/go-json"
)

// Names of the photography settings returned by ExtractFields.
const (
	FieldLens         = "lens"
	FieldAperture     = "aperture"
	FieldShutterSpeed = "shutter_speed"
	FieldISO          = "iso"
	FieldWhiteBalance = "white_balance"
)

// FieldNames lists the extracted fields in display order.
var FieldNames = []string{FieldLens, FieldAperture, FieldShutterSpeed, FieldISO, FieldWhiteBalance}

// Fields maps each field name to its value, or nil if it was not found.
type Fields map[string]*string

// Missing returns the names of the fields that were not found.
func (f Fields) Missing() []string {
	var missing []string
	for _, name := range FieldNames {
		if f[name] == nil {
			missing = append(missing, name)
		}
	}
	return missing
}

var (
	// "Key: value" lines, optionally as markdown list items and with bold keys.
	keyValuePattern = regexp.MustCompile(`(?im)^[\s>*\-\d.]*\**\s*(lens|aperture|shutter[ _]speed|iso|white[ _]balance)\s*\**\s*[:=\-]\s*\**\s*(.+?)\s*$`)

	aperturePattern = regexp.MustCompile(`(?i)\bf\s*/\s*(\d+(?:\.\d+)?)`)
	shutterPattern  = regexp.MustCompile(`(?i)\b(1/\d+|\d+(?:\.\d+)?)\s*(s|sec|second|seconds)\b`)
	isoPattern      = regexp.MustCompile(`(?i)\bISO\s*:?\s*(\d{2,6})\b`)
	lensPattern     = regexp.MustCompile(`(?i)\b(\d{1,3}(?:-\d{1,3})?\s*mm(?:\s*f\s*/\s*\d+(?:\.\d+)?)?)`)
	wbPattern       = regexp.MustCompile(`(?i)\b(\d{4,5}\s*K|auto|daylight|cloudy|shade|tungsten|fluorescent|flash)\s+white\s+balance\b`)
)

// ExtractFields returns the photography settings found in text, best effort.
//
// A JSON object is read first, with keys matched case-insensitively and ignoring spaces. Otherwise
// "Key: value" lines are used, and then free-text patterns such as "f/2.8", "1/250s", "ISO 400" or
// "50mm". A field that can't be found is nil. ExtractFields never fails.
func ExtractFields(text string) Fields {
	fields := make(Fields, len(FieldNames))
	for _, name := range FieldNames {
		fields[name] = nil
	}
	if extractJSON(text, fields) {
		return fields
	}
	for _, match := range keyValuePattern.FindAllStringSubmatch(text, -1) {
		name := normalizeKey(match[1])
		value := strings.Trim(strings.TrimSpace(match[2]), "*")
		if fields[name] == nil && value != "" {
			fields[name] = &value
		}
	}
	setFromPattern(fields, FieldAperture, aperturePattern, text, func(m []string) string { return "f/" + m[1] })
	setFromPattern(fields, FieldShutterSpeed, shutterPattern, text, func(m []string) string { return m[1] + "s" })
	setFromPattern(fields, FieldISO, isoPattern, text, func(m []string) string { return m[1] })
	setFromPattern(fields, FieldLens, lensPattern, text, func(m []string) string { return strings.Join(strings.Fields(m[1]), " ") })
	setFromPattern(fields, FieldWhiteBalance, wbPattern, text, func(m []string) string { return strings.Join(strings.Fields(m[1]), " ") })
	return fields
}

func setFromPattern(fields Fields, name string, pattern *regexp.Regexp, text string, format func([]string) string) {
	if fields[name] != nil {
		return
	}
	if match := pattern.FindStringSubmatch(text); match != nil {
		value := format(match)
		fields[name] = &value
	}
}

func normalizeKey(key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	key = strings.ReplaceAll(key, " ", "_")
	key = strings.ReplaceAll(key, "-", "_")
	return key
}

// extractJSON fills fields from the first JSON object in text. It returns false if there is none.
func extractJSON(text string, fields Fields) bool {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return false
	}
	var object map[string]any
	decoder := json.NewDecoder(bytes.NewReader([]byte(text[start : end+1])))
	decoder.UseNumber()
	if err := decoder.Decode(&object); err != nil {
		return false
	}
	found := false
	for key, raw := range object {
		name := normalizeKey(key)
		if _, ok := fields[name]; !ok || raw == nil {
			continue
		}
		value := strings.TrimSpace(fmt.Sprint(raw))
		if value == "" {
			continue
		}
		fields[name] = &value
		found = true
	}
	return found
}

// Section is one "## Title" section of a markdown text.
type Section struct {
	Title string
	Body  string
}

// ParseSections splits markdown text into its level-2 sections. Text before the first heading becomes a
// section with an empty title, if not blank.
func ParseSections(text string) []Section {
	var sections []Section
	current := Section{}
	var body strings.Builder
	flush := func() {
		current.Body = strings.TrimSpace(body.String())
		if current.Title != "" || current.Body != "" {
			sections = append(sections, current)
		}
		body.Reset()
	}
	for _, line := range strings.Split(text, "\n") {
		if title, ok := strings.CutPrefix(line, "## "); ok {
			flush()
			current = Section{Title: strings.TrimSpace(title)}
			continue
		}
		body.WriteString(line)
		body.WriteByte('\n')
	}
	flush()
	return sections
}
