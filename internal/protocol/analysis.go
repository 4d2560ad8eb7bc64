package protocol

import (
	"regexp"
	"strings"
)

// CmdAnalyze asks the analysis bridge to analyse a path.
const CmdAnalyze = "ANALYZE"

// AnalysisErrorPrefix starts the FAILURE payload of the analysis bridge.
const AnalysisErrorPrefix = "ERROR: "

// EncodeAnalyze builds ANALYZE|<path>.
func EncodeAnalyze(path string) string { return CmdAnalyze + "|" + path }

var quotedPath = regexp.MustCompile(`['"]([^'"]+\.[a-zA-Z0-9]+)['"]`)

// ParseAnalyze extracts the path from an AI_ANALYSIS request. It accepts
// ANALYZE|<path>, then anything after a "file:" marker, then the first quoted
// string ending in an extension, and finally the whole content.
func ParseAnalyze(content string) string {
	if rest, ok := strings.CutPrefix(content, CmdAnalyze+"|"); ok {
		return strings.TrimSpace(rest)
	}
	if idx := strings.Index(strings.ToLower(content), "file:"); idx >= 0 {
		return strings.TrimSpace(content[idx+len("file:"):])
	}
	if m := quotedPath.FindStringSubmatch(content); m != nil {
		return m[1]
	}
	return strings.TrimSpace(content)
}
