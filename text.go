package main

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"strings"
)

// textAllowed strips anything outside word characters, whitespace, and the
// punctuation set accepted by the original protocol. Display names and chat
// bodies pass through the same filter before storage or broadcast.
var textAllowed = regexp.MustCompile("[^\\w\\s`1234567890\\-=~!@#$%^&*()_+,./<>?\\[\\]\\\\{}|;':\"]")

var hexColor = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

func sanitizeText(s string) string {
	return strings.TrimSpace(textAllowed.ReplaceAllString(s, ""))
}

func validColor(s string) bool {
	return hexColor.MatchString(s)
}

// randomColor returns a random "#rrggbb" value for newly created participants.
func randomColor() string {
	buf := make([]byte, 3)
	if _, err := rand.Read(buf); err != nil {
		return "#777777"
	}

	return fmt.Sprintf("#%02x%02x%02x", buf[0], buf[1], buf[2])
}
