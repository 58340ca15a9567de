package evidence

import "strings"

// Placeholder stands in for an absent field in a serialized request entry.
const Placeholder = "-"

const fieldSeparator = ", "

// RequestEntry summarises one request. Empty fields are absent.
type RequestEntry struct {
	Timestamp string `json:"timestamp"`
	UserAgent string `json:"user_agent"`
	Method    string `json:"method"`
	URI       string `json:"uri"`
	Args      string `json:"args"`
}

// String renders the log line "timestamp, user_agent, method, uri, args" with
// Placeholder for absent fields, the format existing log consumers parse.
func (e RequestEntry) String() string {
	return strings.Join([]string{
		orPlaceholder(e.Timestamp),
		orPlaceholder(e.UserAgent),
		orPlaceholder(e.Method),
		orPlaceholder(e.URI),
		orPlaceholder(e.Args),
	}, fieldSeparator)
}

// ParseRequestEntry reverses String. The timestamp is taken from the left and
// method, uri and args from the right, so a user agent containing ", " stays
// intact. Lines with fewer than five fields fill from the left.
func ParseRequestEntry(line string) RequestEntry {
	parts := strings.Split(line, fieldSeparator)
	if len(parts) > 5 {
		n := len(parts)
		parts = []string{
			parts[0],
			strings.Join(parts[1:n-3], fieldSeparator),
			parts[n-3],
			parts[n-2],
			parts[n-1],
		}
	}
	for len(parts) < 5 {
		parts = append(parts, Placeholder)
	}

	return RequestEntry{
		Timestamp: fromPlaceholder(parts[0]),
		UserAgent: fromPlaceholder(parts[1]),
		Method:    fromPlaceholder(parts[2]),
		URI:       fromPlaceholder(parts[3]),
		Args:      fromPlaceholder(parts[4]),
	}
}

func orPlaceholder(v string) string {
	if v == "" {
		return Placeholder
	}
	return v
}

func fromPlaceholder(v string) string {
	if v == Placeholder {
		return ""
	}
	return v
}
