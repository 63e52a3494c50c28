package client

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/wuwenbin0122/copilot/internal/reasoning"
)

const maxEventSize = 1 << 20

type sseEvent struct {
	name string
	data string
}

// readEvent returns the next complete event. Comment lines and events
// without data are skipped.
func readEvent(scanner *bufio.Scanner) (sseEvent, error) {
	var (
		ev   sseEvent
		data []string
	)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if len(data) == 0 {
				ev = sseEvent{}
				continue
			}
			ev.data = strings.Join(data, "\n")
			return ev, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			ev.name = value
		case "data":
			data = append(data, value)
		}
	}
	if err := scanner.Err(); err != nil {
		return sseEvent{}, err
	}
	if len(data) > 0 {
		ev.data = strings.Join(data, "\n")
		return ev, nil
	}
	return sseEvent{}, io.EOF
}

// Done is the final event of a completed answer.
type Done struct {
	ConversationID string           `json:"conversationId"`
	ExchangeID     string           `json:"exchangeId"`
	Outcome        string           `json:"outcome"`
	Display        string           `json:"display"`
	MessageID      string           `json:"messageId"`
	Contract       reasoning.Report `json:"contract"`
	Usage          *UsageStatus     `json:"usage,omitempty"`
}

// eventSource turns an SSE response body into a stream.Source. The
// conversation event is handed to onConversation and never surfaces as
// text.
type eventSource struct {
	body           io.ReadCloser
	scanner        *bufio.Scanner
	onConversation func(id string)

	mu   sync.Mutex
	done *Done
}

func newEventSource(body io.ReadCloser, onConversation func(string)) *eventSource {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)
	return &eventSource{body: body, scanner: scanner, onConversation: onConversation}
}

func (s *eventSource) Recv() (string, error) {
	for {
		ev, err := readEvent(s.scanner)
		if err == io.EOF {
			// the server always ends a finished answer with done or error
			return "", io.ErrUnexpectedEOF
		}
		if err != nil {
			return "", err
		}

		switch ev.name {
		case "conversation":
			var payload struct {
				ConversationID string `json:"conversationId"`
			}
			if err := json.Unmarshal([]byte(ev.data), &payload); err != nil {
				return "", fmt.Errorf("client: decode conversation event: %w", err)
			}
			if s.onConversation != nil {
				s.onConversation(payload.ConversationID)
			}
		case "token":
			var payload struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal([]byte(ev.data), &payload); err != nil {
				return "", fmt.Errorf("client: decode token event: %w", err)
			}
			if payload.Text != "" {
				return payload.Text, nil
			}
		case "done":
			var done Done
			if err := json.Unmarshal([]byte(ev.data), &done); err != nil {
				return "", fmt.Errorf("client: decode done event: %w", err)
			}
			s.mu.Lock()
			s.done = &done
			s.mu.Unlock()
			return "", io.EOF
		case "error":
			return "", decodeAPIError(0, []byte(ev.data))
		}
	}
}

func (s *eventSource) Close() error {
	return s.body.Close()
}

func (s *eventSource) Done() *Done {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}
