package models

// ChunkKind classifies one piece of the upstream model stream.
type ChunkKind int

const (
	ChunkReasoning ChunkKind = iota
	ChunkSearch
	ChunkAnswer
)

func (k ChunkKind) String() string {
	switch k {
	case ChunkReasoning:
		return "reasoning"
	case ChunkSearch:
		return "search"
	case ChunkAnswer:
		return "answer"
	default:
		return "unknown"
	}
}

// Chunk is emitted by an upstream in arrival order.
type Chunk struct {
	Kind    ChunkKind
	Text    string
	Query   string
	Results []SearchResult
}
