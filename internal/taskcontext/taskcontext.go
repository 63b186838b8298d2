// Package taskcontext renders a bounded plain-text summary of an account's
// tasks for grounding model prompts.
package taskcontext

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/basket/taskbot/internal/persistence"
)

const (
	Header          = "## Your Current Tasks:"
	NoTasksLine     = "- You have no tasks."
	TruncatedMarker = "\n... (context truncated)"

	DefaultMaxTasks     = 30
	DefaultMaxRunes     = 3800
	DescriptionMaxRunes = 150
	descriptionEllipsis = "…"
)

// TaskLister is the slice of the store the assembler reads.
type TaskLister interface {
	ListTasksForContext(ctx context.Context, accountID string, limit int) ([]persistence.Task, error)
}

type Assembler struct {
	store    TaskLister
	maxTasks int
	maxRunes int
}

func New(store TaskLister) *Assembler {
	return &Assembler{store: store, maxTasks: DefaultMaxTasks, maxRunes: DefaultMaxRunes}
}

// BuildContext lists the account's tasks in display order and renders them.
// Store errors are returned; callers decide how to reply.
func (a *Assembler) BuildContext(ctx context.Context, accountID string) (string, error) {
	tasks, err := a.store.ListTasksForContext(ctx, accountID, a.maxTasks)
	if err != nil {
		return "", fmt.Errorf("build task context: %w", err)
	}
	return Render(tasks, a.maxRunes), nil
}

// Render formats tasks under the header and enforces maxRunes. The
// truncation marker is present iff the full rendering did not fit.
func Render(tasks []persistence.Task, maxRunes int) string {
	var b strings.Builder
	b.WriteString(Header)
	if len(tasks) == 0 {
		b.WriteString("\n")
		b.WriteString(NoTasksLine)
	}
	for _, t := range tasks {
		b.WriteString("\n")
		writeTask(&b, t)
	}
	return capRunes(b.String(), maxRunes)
}

func writeTask(b *strings.Builder, t persistence.Task) {
	fmt.Fprintf(b, "- Task ID: %s, Name: %s, Status: %s", t.ID, t.Name, t.Status)
	if t.Deadline != "" {
		b.WriteString(", Deadline: ")
		b.WriteString(t.Deadline)
	}
	if len(t.Tags) > 0 {
		b.WriteString(", Tags: ")
		b.WriteString(strings.Join(t.Tags, ", "))
	}
	if t.Description != nil && strings.TrimSpace(*t.Description) != "" {
		b.WriteString("\n  Description: ")
		b.WriteString(shorten(strings.TrimSpace(*t.Description), DescriptionMaxRunes))
	}
}

func shorten(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + descriptionEllipsis
}

// capRunes cuts s to maxRunes, ending with the truncation marker. A cap too
// small for the marker gets a bare cut.
func capRunes(s string, maxRunes int) string {
	r := []rune(s)
	if maxRunes <= 0 || len(r) <= maxRunes {
		return s
	}
	keep := maxRunes - utf8.RuneCountInString(TruncatedMarker)
	if keep <= 0 {
		return string(r[:maxRunes])
	}
	return string(r[:keep]) + TruncatedMarker
}
