package entities

// Outcome records how the pipeline resolved a matched link.
type Outcome struct {
	Status Status
	Note   string
}

type Status string

const (
	// StatusParsed means the link was parsed and replies were produced
	StatusParsed Status = "parsed"

	// StatusDisabled means parsing is switched off for the session
	StatusDisabled Status = "disabled"

	// StatusDebounced means the same link was seen too recently in the session
	StatusDebounced Status = "debounced"

	// StatusArbitrationLost means another bot instance won the reaction race
	StatusArbitrationLost Status = "arbitration_lost"

	// StatusFailed means the parser or a download failed terminally
	StatusFailed Status = "failed"
)
