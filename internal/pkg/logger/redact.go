package logger

import "strings"

// RedactEmail masks an address while keeping enough to correlate log
// lines: "john.doe@example.com" becomes "jo***@example.com". Local
// parts of two characters or fewer are masked entirely.
func RedactEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return "***@***"
	}
	local, domain := email[:at], email[at+1:]
	if len(local) > 2 {
		return local[:2] + "***@" + domain
	}
	return "***@" + domain
}
