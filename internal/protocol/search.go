package protocol

import (
	"path/filepath"
	"strings"
)

// Search commands sent by the coordinator to workers.
const (
	CmdSearch    = "SEARCH"
	CmdStop      = "STOP"
	CmdTerminate = "TERMINATE"
)

// Result commands sent by workers to the coordinator.
const (
	CmdFound     = "FOUND"
	CmdNotFound  = "NOT_FOUND"
	CmdCancelled = "CANCELLED"
	CmdError     = "ERROR"
)

// NoExtract is the sentinel extraction directory meaning "report only".
const NoExtract = "NO_EXTRACT"

// SearchJob is one correlated search request addressed to a worker.
type SearchJob struct {
	ConversationID string
	FileName       string
	// ExtractDir is empty, or NoExtract, when the match must not be copied.
	ExtractDir string
}

// Extracts reports whether the job asks for the match to be copied.
func (j SearchJob) Extracts() bool {
	return j.ExtractDir != "" && j.ExtractDir != NoExtract
}

// Encode renders SEARCH|<conv>|<file>[|<extractDir>].
func (j SearchJob) Encode() string {
	s := CmdSearch + "|" + j.ConversationID + "|" + j.FileName
	if j.ExtractDir != "" {
		s += "|" + j.ExtractDir
	}
	return s
}

// Command is a decoded FILE_SEARCH request addressed to a worker.
type Command struct {
	// Name is CmdSearch, CmdStop or CmdTerminate.
	Name string
	// ConversationID is set for SEARCH and STOP.
	ConversationID string
	// Job is set for SEARCH.
	Job SearchJob
}

// EncodeStop builds STOP|<conversation>.
func EncodeStop(conversationID string) string { return CmdStop + "|" + conversationID }

// EncodeTerminate builds TERMINATE.
func EncodeTerminate() string { return CmdTerminate }

// ParseCommand decodes a worker-bound FILE_SEARCH payload.
func ParseCommand(payload string) (Command, error) {
	p := strings.TrimSpace(payload)
	if p == CmdTerminate {
		return Command{Name: CmdTerminate}, nil
	}

	cmd, rest, ok := strings.Cut(p, "|")
	if !ok {
		return Command{}, malformed(payload)
	}

	switch cmd {
	case CmdStop:
		if rest == "" {
			return Command{}, malformed(payload)
		}
		return Command{Name: CmdStop, ConversationID: rest}, nil
	case CmdSearch:
		parts := strings.SplitN(rest, "|", 3)
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			return Command{}, malformed(payload)
		}
		job := SearchJob{ConversationID: parts[0], FileName: parts[1]}
		if len(parts) == 3 {
			job.ExtractDir = parts[2]
		}
		return Command{Name: CmdSearch, ConversationID: job.ConversationID, Job: job}, nil
	default:
		return Command{}, malformed(payload)
	}
}

// ResultKind tags the SearchResult variant.
type ResultKind int

const (
	ResultFound ResultKind = iota + 1
	ResultNotFound
	ResultCancelled
	ResultError
)

func (k ResultKind) String() string {
	switch k {
	case ResultFound:
		return CmdFound
	case ResultNotFound:
		return CmdNotFound
	case ResultCancelled:
		return CmdCancelled
	case ResultError:
		return CmdError
	default:
		return "UNKNOWN"
	}
}

// SearchResult is the single reply a worker emits for a job. Which fields are
// meaningful depends on Kind:
//
//	Found      OriginalPath, ExtractedPath (may be empty)
//	NotFound   Root
//	Cancelled  Root
//	Error      Message
type SearchResult struct {
	Kind           ResultKind
	ConversationID string
	OriginalPath   string
	ExtractedPath  string
	Root           string
	Message        string
}

// Found is a positive reply. extracted is empty when no copy was made.
func Found(conv, original, extracted string) SearchResult {
	return SearchResult{Kind: ResultFound, ConversationID: conv, OriginalPath: original, ExtractedPath: extracted}
}

// NotFound reports that the tree under root has no match.
func NotFound(conv, root string) SearchResult {
	return SearchResult{Kind: ResultNotFound, ConversationID: conv, Root: root}
}

// Cancelled reports that a stop ended the search under root.
func Cancelled(conv, root string) SearchResult {
	return SearchResult{Kind: ResultCancelled, ConversationID: conv, Root: root}
}

// Failed reports an error while searching.
func Failed(conv, message string) SearchResult {
	return SearchResult{Kind: ResultError, ConversationID: conv, Message: message}
}

// Performative returns INFORM for a match and FAILURE for every other outcome.
func (r SearchResult) Performative() Performative {
	if r.Kind == ResultFound {
		return Inform
	}
	return Failure
}

// Encode renders the wire payload of the result.
func (r SearchResult) Encode() string {
	switch r.Kind {
	case ResultFound:
		return CmdFound + "|" + r.ConversationID + "|" + r.OriginalPath + "|" + r.ExtractedPath
	case ResultNotFound:
		return CmdNotFound + "|" + r.ConversationID + "|" + r.Root
	case ResultCancelled:
		return CmdCancelled + "|" + r.ConversationID + "|" + r.Root
	default:
		return CmdError + "|" + r.ConversationID + "|" + r.Message
	}
}

// ParseResult decodes a coordinator-bound FILE_SEARCH payload.
func ParseResult(payload string) (SearchResult, error) {
	cmd, rest, ok := strings.Cut(payload, "|")
	if !ok {
		return SearchResult{}, malformed(payload)
	}

	switch cmd {
	case CmdFound:
		conv, paths, ok := strings.Cut(rest, "|")
		if !ok || conv == "" || paths == "" {
			return SearchResult{}, malformed(payload)
		}
		original, extracted := splitFoundPaths(paths)
		if original == "" {
			return SearchResult{}, malformed(payload)
		}
		return Found(conv, original, extracted), nil
	case CmdNotFound, CmdCancelled, CmdError:
		conv, tail, _ := strings.Cut(rest, "|")
		if conv == "" {
			return SearchResult{}, malformed(payload)
		}
		switch cmd {
		case CmdNotFound:
			return NotFound(conv, tail), nil
		case CmdCancelled:
			return Cancelled(conv, tail), nil
		default:
			return Failed(conv, tail), nil
		}
	default:
		return SearchResult{}, malformed(payload)
	}
}

// splitFoundPaths separates "<original>|<extracted>" where either path may
// contain '|'. The extracted copy is empty or shares the original's base
// name, so the split chosen is the rightmost one satisfying that; without
// one, the last pipe separates the two.
func splitFoundPaths(paths string) (original, extracted string) {
	last := strings.LastIndex(paths, "|")
	if last < 0 {
		return paths, ""
	}
	for i := last; i >= 0; i = strings.LastIndex(paths[:i], "|") {
		orig, ext := paths[:i], paths[i+1:]
		if ext == "" || filepath.Base(ext) == filepath.Base(orig) {
			return orig, ext
		}
	}
	return paths[:last], paths[last+1:]
}
