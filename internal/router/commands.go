package router

import (
	"context"
	"fmt"
	"strings"

	"github.com/basket/taskbot/internal/linking"
)

const (
	cmdStart  = "start"
	cmdHelp   = "help"
	cmdLink   = "link"
	cmdCancel = "cancel"
	cmdUnlink = "unlink"
)

// parseCommand recognizes "/name", "/name@botname" and "/name args".
func parseCommand(text string) (string, bool) {
	if !strings.HasPrefix(text, "/") {
		return "", false
	}
	name := strings.Fields(text)[0][1:]
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		return "", false
	}
	return strings.ToLower(name), true
}

func (r *Router) handleCommand(ctx context.Context, chatIdentity, name string) {
	switch name {
	case cmdStart, cmdHelp:
		r.reply(ctx, chatIdentity, r.welcome())
	case cmdLink:
		// A timed-out session is reported before starting over.
		r.sessionState(ctx, chatIdentity)
		r.applyLink(ctx, chatIdentity, r.linker.StartLink(ctx, chatIdentity))
	case cmdCancel:
		if r.sessionState(ctx, chatIdentity) == linking.Idle {
			r.reply(ctx, chatIdentity, "There is nothing to cancel.")
			return
		}
		r.applyLink(ctx, chatIdentity, r.linker.Cancel(ctx, chatIdentity))
	case cmdUnlink:
		r.applyLink(ctx, chatIdentity, r.linker.Unlink(ctx, chatIdentity))
	default:
		r.reply(ctx, chatIdentity, "Unknown command. Send /help to see what I can do.")
	}
}

func (r *Router) welcome() string {
	return fmt.Sprintf("Hi! I'm your %s Task Bot.\n"+
		"Use /link to connect your account.\n"+
		"Once linked, send me text or voice messages about your tasks.\n"+
		"Examples:\n"+
		"- 'Create task Buy Groceries desc Remember milk and eggs'\n"+
		"- 'What are my tasks?'\n"+
		"- 'Add note to Buy Groceries: Also need bread'\n"+
		"- 'Set deadline for Buy Groceries to 2025-01-01'\n"+
		"Commands: /link, /unlink, /cancel (during linking), /help", r.product)
}
