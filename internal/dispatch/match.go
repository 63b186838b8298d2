package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/basket/taskbot/internal/persistence"
)

type MatchOutcome int

const (
	MatchNone MatchOutcome = iota
	MatchUnique
	MatchAmbiguous
	MatchFailed
)

// Match is the result of resolving a task query to a single task.
type Match struct {
	Outcome    MatchOutcome
	Task       persistence.Task
	Candidates []persistence.Task
}

// FindTask resolves query against the account's task names. It never
// picks among several candidates.
func FindTask(ctx context.Context, store Store, accountID, query string) (Match, error) {
	tasks, err := store.FindTasksByName(ctx, accountID, query, MaxMatchCandidates)
	if err != nil {
		return Match{Outcome: MatchFailed}, err
	}
	switch len(tasks) {
	case 0:
		return Match{Outcome: MatchNone}, nil
	case 1:
		return Match{Outcome: MatchUnique, Task: tasks[0], Candidates: tasks}, nil
	default:
		return Match{Outcome: MatchAmbiguous, Candidates: tasks}, nil
	}
}

func (d *Dispatcher) match(ctx context.Context, accountID, query string) Match {
	m, err := FindTask(ctx, d.store, accountID, query)
	if err != nil {
		d.storeError(ctx, "find_task", err)
	}
	return m
}

func (m Match) reply(query, action string) string {
	switch m.Outcome {
	case MatchAmbiguous:
		names := make([]string, 0, len(m.Candidates))
		for _, t := range m.Candidates {
			names = append(names, "'"+t.Name+"'")
		}
		return fmt.Sprintf("⚠️ Several tasks match '%s': %s. Please be more specific.", query, strings.Join(names, ", "))
	case MatchFailed:
		return "⚠️ DB Error looking up tasks. Please try again later."
	default:
		return fmt.Sprintf("⚠️ Task matching '%s' not found to %s.", query, action)
	}
}
