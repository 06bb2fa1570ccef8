// Package ccd implements the CCD detector thread state machine and
// contracts (§4.5): wipe/integrate/read/clear, windowing, and persistence of
// a completed exposure's sps_exposure row.
package ccd

// State is one of the CCD detector's exposureState values.
type State string

const (
	StateNone        State = "none"
	StateWiping      State = "wiping"
	StateIntegrating State = "integrating"
	StateReading     State = "reading"
	StateIdle        State = "idle"
	StateCleared     State = "cleared"
)
