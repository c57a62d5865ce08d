package domain

// QueryStage is the client-side progress state of one in-flight query
type QueryStage int

const (
	StageSubmitted QueryStage = iota
	StageAnalyzing
	StageSelectingSources
	StageSearching
	StageGenerating
	StageComplete
	StageFailed
	StageCancelled
)

var stageNames = map[QueryStage]string{
	StageSubmitted:        "submitted",
	StageAnalyzing:        "analyzing",
	StageSelectingSources: "selecting_sources",
	StageSearching:        "searching",
	StageGenerating:       "generating",
	StageComplete:         "complete",
	StageFailed:           "failed",
	StageCancelled:        "cancelled",
}

// stageLabels are the progress captions shown while a query runs
var stageLabels = map[QueryStage]string{
	StageSubmitted:        "Submitting your question",
	StageAnalyzing:        "Analyzing your question",
	StageSelectingSources: "Selecting data sources",
	StageSearching:        "Searching databases",
	StageGenerating:       "Generating answer",
	StageComplete:         "Answer ready",
	StageFailed:           "Query failed",
	StageCancelled:        "Query cancelled",
}

func (s QueryStage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return "unknown"
}

// Label returns a human readable caption for the stage
func (s QueryStage) Label() string {
	return stageLabels[s]
}

// Terminal reports whether no further events are valid after s
func (s QueryStage) Terminal() bool {
	return s == StageComplete || s == StageFailed || s == StageCancelled
}

// MarshalText encodes the stage by name
func (s QueryStage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
