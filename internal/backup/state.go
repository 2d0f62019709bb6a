package backup

// State is a step of a single backup attempt.
type State int

const (
	Idle State = iota
	Validating
	Staging
	Exporting
	Uploading
	Promoting
	Done
	Failed
)

var stateNames = [...]string{
	Idle:       "idle",
	Validating: "validating",
	Staging:    "staging",
	Exporting:  "exporting",
	Uploading:  "uploading",
	Promoting:  "promoting",
	Done:       "done",
	Failed:     "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether the attempt has finished.
func (s State) Terminal() bool {
	return s == Done || s == Failed
}
