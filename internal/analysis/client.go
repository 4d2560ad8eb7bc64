// Package analysis connects the swarm to the external analysis endpoint.
//
// Client performs the HTTP call; Bridge is the actor that receives ANALYZE
// requests on the AI_ANALYSIS topic and answers with the endpoint's reply.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// DefaultInstruction is sent with every path unless overridden.
const DefaultInstruction = "Analyze file type and likely role based only on the filepath string."

// Analyzer returns the raw analysis of a file path.
type Analyzer interface {
	Analyze(ctx context.Context, path string) (string, error)
}

// Request is the JSON body posted to the endpoint.
type Request struct {
	Instruction string `json:"instruction"`
	FilePath    string `json:"filepath"`
}

// Client posts Requests to a fixed endpoint.
type Client struct {
	http        *http.Client
	url         string
	instruction string
}

// NewClient builds a client for url. An empty instruction uses DefaultInstruction.
func NewClient(url, instruction string, timeout time.Duration) *Client {
	if instruction == "" {
		instruction = DefaultInstruction
	}
	return &Client{
		http:        &http.Client{Timeout: timeout},
		url:         url,
		instruction: instruction,
	}
}

// Analyze posts path and returns the response body. Transport failures and
// non-2xx statuses are errors.
func (c *Client) Analyze(ctx context.Context, path string) (string, error) {
	body, err := json.Marshal(Request{Instruction: c.instruction, FilePath: path})
	if err != nil {
		return "", errors.Wrap(err, "failed to encode analysis request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "failed to build analysis request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "analysis endpoint unreachable")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Wrap(err, "failed to read analysis response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", errors.Errorf("analysis endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return string(raw), nil
}

// ExtractAnswer returns the "answer" field of a JSON reply, or the whole text
// when there is none.
func ExtractAnswer(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return "(no content)"
	}
	var reply struct {
		Answer *string `json:"answer"`
	}
	if err := json.Unmarshal([]byte(raw), &reply); err != nil || reply.Answer == nil {
		return raw
	}
	return *reply.Answer
}

func (c *Client) String() string {
	return fmt.Sprintf("analysis(%s)", c.url)
}
