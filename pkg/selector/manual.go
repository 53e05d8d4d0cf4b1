package selector

// ManualStrategy never auto-selects; the user drives every turn.
type ManualStrategy struct{}

func (ManualStrategy) Next(Input) (*string, error) {
	return nil, nil
}

func (ManualStrategy) PredictedQueue(Input, int) []string {
	return nil
}
