package selector

// linearPolicy estimates the value of taking an action (dispatching to a
// module) in a given state (task feature vector). One weight vector per
// action, trained online by gradient steps toward observed rewards.
//
// Not safe for concurrent use; the Selector holds the lock.
type linearPolicy struct {
	learningRate float64

	// weights[action] has featureDim+1 entries; the last is the bias.
	weights map[int][]float64

	// updates counts training samples per action.
	updates map[int]int
}

func newLinearPolicy(learningRate float64) *linearPolicy {
	return &linearPolicy{
		learningRate: learningRate,
		weights:      make(map[int][]float64),
		updates:      make(map[int]int),
	}
}

// score returns the estimated value of action in state.
func (p *linearPolicy) score(state []float64, action int) float64 {
	w, ok := p.weights[action]
	if !ok {
		return 0
	}
	var sum float64
	for i, x := range state {
		sum += w[i] * x
	}
	return sum + w[len(w)-1]
}

// trained reports whether the action has received at least one update.
func (p *linearPolicy) trained(action int) bool {
	return p.updates[action] > 0
}

// update moves the action's value estimate toward reward by one gradient
// step on the squared error.
func (p *linearPolicy) update(state []float64, action int, reward float64) {
	w, ok := p.weights[action]
	if !ok {
		w = make([]float64, len(state)+1)
		p.weights[action] = w
	}

	err := reward - p.score(state, action)
	step := p.learningRate * err
	for i, x := range state {
		w[i] += step * x
	}
	w[len(w)-1] += step

	p.updates[action]++
}
