package notify

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

const (
	// maxPayloadBytes is the platform limit on an encoded push payload.
	maxPayloadBytes = 250

	// maxAlertRunes clips the human-readable alert before byte budgeting.
	maxAlertRunes = 100

	cutMarker  = "..."
	alertSound = "chime"
)

// Notification describes one push to a device. Message and ContactName
// feed the alert text; UnreadCount feeds the badge when Badge is set.
type Notification struct {
	Message     string
	ContactName string
	ContactId   string
	UnreadCount int
	Badge       bool
	Sound       bool
}

// Render produces the APS-style JSON payload, truncating the alert text
// rune by rune until the whole encoded payload fits the byte budget. Only
// the human-readable text shrinks; structural fields stay intact.
func Render(n Notification) ([]byte, error) {
	alert := ""
	hasAlert := n.Message != "" || n.ContactName != ""
	if hasAlert {
		switch {
		case n.ContactName != "" && n.Message != "":
			alert = n.ContactName + ": " + n.Message
		case n.ContactName != "":
			alert = n.ContactName
		default:
			alert = n.Message
		}
	}

	aps := map[string]any{}
	if n.Sound {
		aps["sound"] = alertSound
	}
	if n.Badge {
		aps["badge"] = n.UnreadCount
	}
	if hasAlert {
		aps["alert"] = ""
	}

	payload := map[string]any{"aps": aps}
	if n.ContactId != "" {
		payload["im"] = map[string]any{"contact_id": n.ContactId}
	}

	base, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	if !hasAlert {
		return base, nil
	}

	budget := maxPayloadBytes - len(base)

	if utf8.RuneCountInString(alert) > maxAlertRunes {
		alert = truncateRunes(alert, maxAlertRunes) + cutMarker
	}

	if len(alert) > budget {
		limit := budget - len(cutMarker)
		if limit < 0 {
			limit = 0
		}
		for len(alert) > limit {
			_, size := utf8.DecodeLastRuneInString(alert)
			alert = alert[:len(alert)-size]
		}
		alert += cutMarker
	}

	aps["alert"] = alert
	return json.Marshal(payload)
}

func truncateRunes(s string, n int) string {
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
