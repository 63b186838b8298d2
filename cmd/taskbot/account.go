package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"strings"

	"github.com/basket/taskbot/internal/config"
	"github.com/basket/taskbot/internal/persistence"
)

// accountStore is the slice of the store that the account subcommand uses.
type accountStore interface {
	CreateAccount(ctx context.Context, email string) (*persistence.Account, error)
}

func runAccountCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) != 2 || args[0] != "add" {
		fmt.Fprintln(stderr, "usage: taskbot account add <email>")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "Error loading config: %v\n", err)
		return 1
	}
	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		fmt.Fprintf(stderr, "Error opening database: %v\n", err)
		return 1
	}
	defer store.Close()

	return addAccount(ctx, store, args[1], stdout, stderr)
}

func addAccount(ctx context.Context, store accountStore, email string, stdout, stderr io.Writer) int {
	addr, err := mail.ParseAddress(strings.TrimSpace(email))
	if err != nil || addr.Name != "" {
		fmt.Fprintf(stderr, "invalid email address %q\n", email)
		return 2
	}
	acct, err := store.CreateAccount(ctx, addr.Address)
	if errors.Is(err, persistence.ErrEmailTaken) {
		fmt.Fprintf(stderr, "an account for %s already exists\n", strings.ToLower(addr.Address))
		return 1
	}
	if err != nil {
		fmt.Fprintf(stderr, "create account: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "created account %s for %s\n", acct.ID, acct.Email)
	return 0
}
