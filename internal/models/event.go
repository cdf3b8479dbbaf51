package models

import "time"

type EventType string

const (
	EventThinking EventType = "thinking"
	EventSearch   EventType = "search"
	EventDone     EventType = "done"
	EventError    EventType = "error"
)

// Thinking phases.
const (
	PhaseStatus    = "status"
	PhaseReasoning = "reasoning"
	PhaseDraft     = "draft"
)

type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

type SearchPayload struct {
	Query   string         `json:"query"`
	Results []SearchResult `json:"results"`
}

type Link struct {
	Kind OutputKind `json:"kind"`
	Name string     `json:"name"`
	URL  string     `json:"url"`
}

// DoneLinks is the payload of the terminal done event.
type DoneLinks struct {
	SessionID string `json:"session_id"`
	Files     []Link `json:"files"`
	ZipURL    string `json:"zip_url,omitempty"`
}

// Event is a tagged union; only the fields for Type are set.
type Event struct {
	Seq       int64          `json:"seq"`
	Type      EventType      `json:"type"`
	Content   string         `json:"content,omitempty"`
	Phase     string         `json:"phase,omitempty"`
	Search    *SearchPayload `json:"search,omitempty"`
	Links     *DoneLinks     `json:"links,omitempty"`
	Message   string         `json:"message,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Terminal reports whether the event ends a session stream.
func (e Event) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

func ThinkingEvent(text, phase string) Event {
	return Event{Type: EventThinking, Content: text, Phase: phase}
}

func SearchEvent(query string, results []SearchResult) Event {
	if results == nil {
		results = []SearchResult{}
	}
	return Event{Type: EventSearch, Search: &SearchPayload{Query: query, Results: results}}
}

func DoneEvent(links *DoneLinks) Event {
	return Event{Type: EventDone, Links: links}
}

func ErrorEvent(message string) Event {
	return Event{Type: EventError, Message: message}
}
