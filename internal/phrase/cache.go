package phrase

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/MrWong99/guardian/pkg/types"
)

// Cache format delimiters. Entries are "phrase|SEVERITY|sensitivity" joined
// by commas. Entries written by older agents carry only "phrase|SEVERITY".
const (
	entrySep = ","
	fieldSep = "|"
)

// EncodeCache serialises phrases for local durable storage. Phrases that
// contain a delimiter cannot be represented and are returned in skipped.
func EncodeCache(phrases []types.TriggerPhrase) (encoded string, skipped []types.TriggerPhrase) {
	entries := make([]string, 0, len(phrases))
	for _, p := range phrases {
		if strings.ContainsAny(p.Phrase, entrySep+fieldSep) {
			skipped = append(skipped, p)
			continue
		}
		entries = append(entries, p.Phrase+fieldSep+string(p.Severity)+fieldSep+
			strconv.FormatFloat(p.Sensitivity, 'f', -1, 64))
	}
	return strings.Join(entries, entrySep), skipped
}

// DecodeCache parses a value written by [EncodeCache] or by the older
// two-field format, which is read with [types.DefaultSensitivity]. An empty
// value decodes to an empty set. Any malformed entry fails the whole value.
func DecodeCache(s string) ([]types.TriggerPhrase, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []types.TriggerPhrase
	for i, entry := range strings.Split(s, entrySep) {
		fields := strings.Split(entry, fieldSep)
		if len(fields) != 2 && len(fields) != 3 {
			return nil, fmt.Errorf("phrase: cache entry %d: want 2 or 3 fields, got %d", i, len(fields))
		}
		sev, err := types.ParseSeverity(fields[1])
		if err != nil {
			return nil, fmt.Errorf("phrase: cache entry %d: %w", i, err)
		}
		p := types.TriggerPhrase{
			Phrase:      fields[0],
			Severity:    sev,
			Sensitivity: types.DefaultSensitivity,
		}
		if len(fields) == 3 {
			v, err := strconv.ParseFloat(strings.TrimSpace(fields[2]), 64)
			if err != nil {
				return nil, fmt.Errorf("phrase: cache entry %d: sensitivity: %w", i, err)
			}
			p.Sensitivity = v
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("phrase: cache entry %d: %w", i, err)
		}
		out = append(out, p)
	}
	return out, nil
}
