package engine

import "encoding/json"

// loopGuard blocks runaway repetition: the third consecutive tool call with
// an identical (name, argsJSON) key is not executed.
type loopGuard struct {
	lastKey string
	streak  int
}

const loopBlockThreshold = 3

// callKey canonicalizes a call for comparison. json.Marshal sorts map keys,
// so argument ordering does not defeat the guard.
func callKey(name string, args map[string]any) string {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return name + "?"
	}
	return name + "|" + string(argsJSON)
}

// Allow records the call and reports whether it may execute.
func (g *loopGuard) Allow(name string, args map[string]any) bool {
	key := callKey(name, args)
	if key == g.lastKey {
		g.streak++
	} else {
		g.lastKey = key
		g.streak = 1
	}
	return g.streak < loopBlockThreshold
}
