// Package render prepares model output for display surfaces.
package render

import (
	"regexp"
	"strings"
)

var thinkRe = regexp.MustCompile(`(?s)<think>(.*?)</think>`)

// SplitThink pulls the reasoning block some models emit ahead of their
// answer out of content. It returns the trimmed block body, the remaining
// response, and whether a block was present at all.
func SplitThink(content string) (think, response string, found bool) {
	m := thinkRe.FindStringSubmatch(content)
	if len(m) < 2 {
		return "", content, false
	}
	think = strings.TrimSpace(m[1])
	response = strings.TrimSpace(thinkRe.ReplaceAllString(content, ""))
	return think, response, true
}
