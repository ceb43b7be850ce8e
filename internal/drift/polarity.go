package drift

import (
	"errors"
	"fmt"
	"strconv"
)

var ErrBeamIDTooShort = errors.New("drift: beam id too short for polarity digit")

// OppositePolarization applies the beam id encoding convention: the second
// character of a beam id carries its polarity. Differing characters mean the
// device would have to switch polarization to reach the goal.
func OppositePolarization(observed, goal string) (bool, error) {
	if len(observed) < 2 || len(goal) < 2 {
		return false, fmt.Errorf("%w: observed=%q goal=%q", ErrBeamIDTooShort, observed, goal)
	}
	return observed[1] != goal[1], nil
}

func oppositeBeams(observed, goal int) (bool, error) {
	return OppositePolarization(strconv.Itoa(observed), strconv.Itoa(goal))
}
