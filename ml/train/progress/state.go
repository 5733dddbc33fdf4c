package progress

// StateDict flattens Counts to a plain map, the unit of checkpoint
// serialization for counters.
func (c *Counts) StateDict() map[string]int64 {
	return map[string]int64{
		"ready":     c.Ready,
		"started":   c.Started,
		"processed": c.Processed,
		"completed": c.Completed,
	}
}

// LoadStateDict restores Counts from a flat map produced by StateDict.
// Missing keys are treated as zero.
func (c *Counts) LoadStateDict(state map[string]int64) {
	c.Ready = state["ready"]
	c.Started = state["started"]
	c.Processed = state["processed"]
	c.Completed = state["completed"]
}

// StateDict flattens the Tracker with "total/" and "current/" prefixes.
func (t *Tracker) StateDict() map[string]int64 {
	state := make(map[string]int64, 8)
	for key, value := range t.Total.StateDict() {
		state["total/"+key] = value
	}
	for key, value := range t.Current.StateDict() {
		state["current/"+key] = value
	}
	return state
}

// LoadStateDict restores the Tracker from a flat map produced by StateDict.
func (t *Tracker) LoadStateDict(state map[string]int64) {
	total := make(map[string]int64, 4)
	current := make(map[string]int64, 4)
	for key, value := range state {
		if len(key) > 6 && key[:6] == "total/" {
			total[key[6:]] = value
		} else if len(key) > 8 && key[:8] == "current/" {
			current[key[8:]] = value
		}
	}
	t.Total.LoadStateDict(total)
	t.Current.LoadStateDict(current)
}
