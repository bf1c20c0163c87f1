package model

import "strings"

var userAgents = map[string]string{
	"windows": "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:92.0) Gecko/20100101 Firefox/92.0",
	"mac":     "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7; rv:92.0) Gecko/20100101 Firefox/92.0",
	"android": "Mozilla/5.0 (Android 10; Mobile; rv:89.0) Gecko/89.0 Firefox/89.0",
	"ios": "Mozilla/5.0 (iPhone; CPU iPhone OS 14_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) " +
		"FxiOS/29.0 Mobile/15E148 Safari/605.1.15",
	"linux": "Mozilla/5.0 (X11; Linux x86_64; rv:92.0) Gecko/20100101 Firefox/92.0",
}

// UserAgent returns the user agent for an OS tag, or "" for an unknown tag
// (the browser then keeps its own default).
func UserAgent(osType string) string {
	return userAgents[strings.ToLower(strings.TrimSpace(osType))]
}
