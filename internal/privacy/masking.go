package privacy

import (
	"strconv"
)

// MaskToken hides all but the last four characters of a credential so a
// leaked log line cannot be replayed.
func MaskToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 4 {
		return "****"
	}
	return "****" + token[len(token)-4:]
}

// MaskChatID keeps the last two digits of a chat ID, enough to correlate
// log lines without exposing the full identifier.
func MaskChatID(chatID int64) string {
	return maskNumeric(chatID)
}

// MaskUserID masks a user ID the same way as chat IDs.
func MaskUserID(userID int64) string {
	return maskNumeric(userID)
}

func maskNumeric(id int64) string {
	s := strconv.FormatInt(id, 10)
	if len(s) <= 2 {
		return "***"
	}
	return "***" + s[len(s)-2:]
}

// MaskPhoneNumber keeps the country prefix and the last two digits.
func MaskPhoneNumber(phone string) string {
	if len(phone) < 5 {
		return "***"
	}
	return phone[:2] + "*****" + phone[len(phone)-2:]
}
