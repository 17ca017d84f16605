package model

// Step status values stored in race_status.stepN_status. A NULL column means
// the stage has never touched the race. "processing" is never terminal: a
// crash leaves it behind and the next run treats it like pending.
const (
	StepProcessing       = "processing"
	StepCompleted        = "completed"
	StepFailed           = "failed"
	StepNoData           = "no_data"
	StepDataNotAvailable = "data_not_available"
)

// StepStatusMaxLen is the width of the stepN_status columns. Values are
// truncated to fit before writing.
const StepStatusMaxLen = 18

// FinishedRaceStatuses are races.status values after which a race no longer
// changes upstream. Status 3 is "decided".
var FinishedRaceStatuses = map[string]bool{"3": true}

// Pipeline step numbers with a race_status column.
const (
	StepCupDetail = 2
	StepRaceCard  = 3
	StepOdds      = 4
	StepResults   = 5
)

// StepColumn maps a step number to its race_status column name.
func StepColumn(step int) (string, bool) {
	switch step {
	case StepCupDetail:
		return "step2_status", true
	case StepRaceCard:
		return "step3_status", true
	case StepOdds:
		return "step4_status", true
	case StepResults:
		return "step5_status", true
	}
	return "", false
}
