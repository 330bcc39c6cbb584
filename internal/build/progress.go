package build

import (
	"math"
	"strings"
	"sync"
	"time"
)

// estimate advances the job through the current stage's range on a timer, approaching the top
// asymptotically with time constant expected. The returned function stops it.
func (j *Job) estimate(state State, expected, tick time.Duration) func() {
	s := spans[state]
	if expected <= 0 || s.hi-s.lo < 2 {
		return func() {}
	}
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	started := time.Now()
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				j.advance(heuristicPercent(s, time.Since(started), expected))
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			wg.Wait()
		})
	}
}

// heuristicPercent never reaches s.hi; the stage snaps there when it succeeds.
func heuristicPercent(s span, elapsed, expected time.Duration) int {
	fraction := 1 - math.Exp(-float64(elapsed)/float64(expected))
	p := s.lo + int(fraction*float64(s.hi-s.lo))
	return min(p, s.hi-1)
}

// fractionPercent maps done/total onto s, staying below s.hi.
func fractionPercent(s span, done, total int64) int {
	if total <= 0 {
		return s.lo
	}
	fraction := min(float64(done)/float64(total), 0.99)
	return s.lo + int(fraction*float64(s.hi-s.lo))
}

// compileUnitsPerSource scales the number of .c files in the tree to the expected number of
// CC/LD/AR lines; configs never build every source file.
const compileUnitsPerSource = 0.85

// isCompileMarker reports kbuild's quiet-mode lines such as "  CC      kernel/fork.o".
func isCompileMarker(line string) bool {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return false
	}
	switch fields[0] {
	case "CC", "LD", "AR":
		return true
	}
	return false
}
