package linking_test

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/taskbot/internal/bus"
	"github.com/basket/taskbot/internal/linking"
	"github.com/basket/taskbot/internal/persistence"
)

type sentCode struct {
	to   string
	code string
	ttl  time.Duration
}

type fakeSender struct {
	sent []sentCode
	err  error
}

func (f *fakeSender) SendLinkCode(ctx context.Context, to, code string, ttl time.Duration) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentCode{to: to, code: code, ttl: ttl})
	return nil
}

func (f *fakeSender) last(t *testing.T) sentCode {
	t.Helper()
	if len(f.sent) == 0 {
		t.Fatalf("no code was sent")
	}
	return f.sent[len(f.sent)-1]
}

// writeGuard fails the test when any mutating store method is reached.
type writeGuard struct {
	linking.Store
	t *testing.T
}

func (w writeGuard) IssueLinkCode(context.Context, string, string, time.Time, string) error {
	w.t.Fatalf("unexpected IssueLinkCode")
	return nil
}

func (w writeGuard) ClearLinkCode(context.Context, string, string) (bool, error) {
	w.t.Fatalf("unexpected ClearLinkCode")
	return false, nil
}

func (w writeGuard) BindChatIdentity(context.Context, string, string, string, time.Time) error {
	w.t.Fatalf("unexpected BindChatIdentity")
	return nil
}

func (w writeGuard) UnbindChatIdentity(context.Context, string) (bool, error) {
	w.t.Fatalf("unexpected UnbindChatIdentity")
	return false, nil
}

type fixture struct {
	store  *persistence.Store
	sender *fakeSender
	clock  time.Time
	linker *linking.Linker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "taskbot.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	f := &fixture{
		store:  store,
		sender: &fakeSender{},
		clock:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.linker = f.newLinker(store, nil)
	return f
}

func (f *fixture) newLinker(store linking.Store, opts *linking.Options) *linking.Linker {
	o := linking.Options{}
	if opts != nil {
		o = *opts
	}
	o.Now = func() time.Time { return f.clock }
	return linking.New(store, f.sender, o)
}

func (f *fixture) account(t *testing.T, email string) *persistence.Account {
	t.Helper()
	a, err := f.store.CreateAccount(context.Background(), email)
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	return a
}

func (f *fixture) reload(t *testing.T, id string) *persistence.Account {
	t.Helper()
	a, err := f.store.AccountByID(context.Background(), id)
	if err != nil {
		t.Fatalf("reload account: %v", err)
	}
	return a
}

// requestCode drives StartLink and SubmitEmail and returns the emailed code.
func (f *fixture) requestCode(t *testing.T, chatIdentity, email string) string {
	t.Helper()
	ctx := context.Background()
	if res := f.linker.StartLink(ctx, chatIdentity); res.Next != linking.AwaitEmail {
		t.Fatalf("StartLink: %+v", res)
	}
	res := f.linker.SubmitEmail(ctx, chatIdentity, email)
	if res.Next != linking.AwaitCode || res.Outcome != linking.OutcomeCodeSent {
		t.Fatalf("SubmitEmail: %+v", res)
	}
	return f.sender.last(t).code
}

func TestLink_HappyPath(t *testing.T) {
	f := newFixture(t)
	acct := f.account(t, "Alice@Example.com")

	code := f.requestCode(t, "1001", "  ALICE@example.COM ")
	if len(code) != 6 {
		t.Fatalf("code %q is not 6 digits", code)
	}
	sent := f.sender.last(t)
	if sent.to != "alice@example.com" || sent.ttl != linking.DefaultCodeTTL {
		t.Fatalf("unexpected send %+v", sent)
	}

	res := f.linker.SubmitCode(context.Background(), "1001", " "+code+" ")
	if res.Outcome != linking.OutcomeLinked || res.Next != linking.Idle {
		t.Fatalf("SubmitCode: %+v", res)
	}
	got := f.reload(t, acct.ID)
	if got.ChatIdentity != "1001" || got.LinkCode != "" || got.LinkCodeExpiresAt != nil {
		t.Fatalf("unexpected account after link: %+v", got)
	}
}

func TestLink_CodeIsSingleUse(t *testing.T) {
	f := newFixture(t)
	f.account(t, "alice@example.com")
	code := f.requestCode(t, "1001", "alice@example.com")

	if res := f.linker.SubmitCode(context.Background(), "1001", code); res.Outcome != linking.OutcomeLinked {
		t.Fatalf("first use: %+v", res)
	}
	res := f.linker.SubmitCode(context.Background(), "2002", code)
	if res.Outcome != linking.OutcomeInvalidCode {
		t.Fatalf("second use: %+v", res)
	}
	bound, ok, err := f.linker.BoundAccount(context.Background(), "2002")
	if err != nil || ok || bound != nil {
		t.Fatalf("2002 must stay unbound: %+v ok=%v err=%v", bound, ok, err)
	}
}

func TestLink_ExpiryBoundary(t *testing.T) {
	cases := []struct {
		name   string
		offset time.Duration
		want   linking.Outcome
	}{
		{"one second before expiry", linking.DefaultCodeTTL - time.Second, linking.OutcomeLinked},
		{"exactly at expiry", linking.DefaultCodeTTL, linking.OutcomeExpired},
		{"one second after expiry", linking.DefaultCodeTTL + time.Second, linking.OutcomeExpired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			acct := f.account(t, "alice@example.com")
			issuedAt := f.clock
			code := f.requestCode(t, "1001", "alice@example.com")

			f.clock = issuedAt.Add(tc.offset)
			res := f.linker.SubmitCode(context.Background(), "1001", code)
			if res.Outcome != tc.want || res.Next != linking.Idle {
				t.Fatalf("SubmitCode: %+v", res)
			}
			got := f.reload(t, acct.ID)
			if got.LinkCode != "" {
				t.Fatalf("code should be consumed, still %q", got.LinkCode)
			}
			if tc.want == linking.OutcomeExpired && got.ChatIdentity != "" {
				t.Fatalf("expired code bound the account")
			}
		})
	}
}

func TestLink_TargetLinkedElsewhereNoMutation(t *testing.T) {
	f := newFixture(t)
	acct := f.account(t, "alice@example.com")
	code := f.requestCode(t, "1001", "alice@example.com")
	if res := f.linker.SubmitCode(context.Background(), "1001", code); res.Outcome != linking.OutcomeLinked {
		t.Fatalf("initial link: %+v", res)
	}

	code = f.requestCode(t, "2002", "alice@example.com")
	before := f.reload(t, acct.ID)
	res := f.linker.SubmitCode(context.Background(), "2002", code)
	if res.Outcome != linking.OutcomeLinkedOther || res.Next != linking.Idle {
		t.Fatalf("SubmitCode: %+v", res)
	}
	after := f.reload(t, acct.ID)
	if after.ChatIdentity != "1001" || after.LinkCode != before.LinkCode {
		t.Fatalf("account mutated: before %+v after %+v", before, after)
	}
}

func TestLink_CallerLinkedElsewhereNoMutation(t *testing.T) {
	f := newFixture(t)
	f.account(t, "alice@example.com")
	bob := f.account(t, "bob@example.com")
	code := f.requestCode(t, "1001", "alice@example.com")
	if res := f.linker.SubmitCode(context.Background(), "1001", code); res.Outcome != linking.OutcomeLinked {
		t.Fatalf("initial link: %+v", res)
	}

	// A bound identity cannot StartLink, so issue bob's code directly.
	if err := f.store.IssueLinkCode(context.Background(), bob.ID, "424242", f.clock.Add(time.Minute), "1001"); err != nil {
		t.Fatalf("issue: %v", err)
	}
	res := f.linker.SubmitCode(context.Background(), "1001", "424242")
	if res.Outcome != linking.OutcomeLinkedOther {
		t.Fatalf("SubmitCode: %+v", res)
	}
	got := f.reload(t, bob.ID)
	if got.ChatIdentity != "" || got.LinkCode != "424242" {
		t.Fatalf("bob mutated: %+v", got)
	}
}

func TestStartLink_BoundIdentityNoWrites(t *testing.T) {
	f := newFixture(t)
	f.account(t, "alice@example.com")
	code := f.requestCode(t, "1001", "alice@example.com")
	f.linker.SubmitCode(context.Background(), "1001", code)

	guarded := f.newLinker(writeGuard{Store: f.store, t: t}, nil)
	res := guarded.StartLink(context.Background(), "1001")
	if res.Outcome != linking.OutcomeAlreadyBound || res.Next != linking.Idle {
		t.Fatalf("StartLink: %+v", res)
	}
	if res.Reply != "Your account is already linked to alice@example.com." {
		t.Fatalf("reply = %q", res.Reply)
	}
}

func TestSubmitEmail_UnknownEmail(t *testing.T) {
	f := newFixture(t)
	res := f.linker.SubmitEmail(context.Background(), "1001", "nobody@example.com")
	if res.Outcome != linking.OutcomeUnknownEmail || res.Next != linking.Idle {
		t.Fatalf("SubmitEmail: %+v", res)
	}
	if len(f.sender.sent) != 0 {
		t.Fatalf("email sent for unknown account")
	}
}

func TestSubmitEmail_SendFailureClearsCode(t *testing.T) {
	f := newFixture(t)
	acct := f.account(t, "alice@example.com")
	f.sender.err = errors.New("mailgun: 401")

	res := f.linker.SubmitEmail(context.Background(), "1001", "alice@example.com")
	if res.Outcome != linking.OutcomeSendFailed || res.Next != linking.Idle {
		t.Fatalf("SubmitEmail: %+v", res)
	}
	got := f.reload(t, acct.ID)
	if got.LinkCode != "" || got.LinkCodeExpiresAt != nil {
		t.Fatalf("code left pending after send failure: %+v", got)
	}
}

func TestSubmitEmail_RegeneratesOnCollision(t *testing.T) {
	f := newFixture(t)
	alice := f.account(t, "alice@example.com")
	bob := f.account(t, "bob@example.com")
	random := bytes.NewReader([]byte{0, 0, 0, 0, 0, 0, 0, 0, 1})
	f.linker = f.newLinker(f.store, &linking.Options{Random: random})

	f.linker.SubmitEmail(context.Background(), "1001", "alice@example.com")
	res := f.linker.SubmitEmail(context.Background(), "2002", "bob@example.com")
	if res.Outcome != linking.OutcomeCodeSent {
		t.Fatalf("SubmitEmail: %+v", res)
	}
	if got := f.reload(t, alice.ID).LinkCode; got != "000000" {
		t.Fatalf("alice code = %q", got)
	}
	if got := f.reload(t, bob.ID).LinkCode; got != "000001" {
		t.Fatalf("bob code = %q", got)
	}
}

func TestSubmitEmail_NewRequestClearsOtherPendingCode(t *testing.T) {
	f := newFixture(t)
	alice := f.account(t, "alice@example.com")
	f.account(t, "bob@example.com")

	stale := f.requestCode(t, "1001", "alice@example.com")
	f.requestCode(t, "1001", "bob@example.com")

	if got := f.reload(t, alice.ID); got.LinkCode != "" {
		t.Fatalf("stale code still pending on alice: %+v", got)
	}
	if res := f.linker.SubmitCode(context.Background(), "1001", stale); res.Outcome != linking.OutcomeInvalidCode {
		t.Fatalf("stale code honored: %+v", res)
	}
}

func TestSubmitCode_InvalidStaysAwaiting(t *testing.T) {
	f := newFixture(t)
	f.account(t, "alice@example.com")
	f.requestCode(t, "1001", "alice@example.com")

	res := f.linker.SubmitCode(context.Background(), "1001", "not-a-code")
	if res.Outcome != linking.OutcomeInvalidCode || res.Next != linking.AwaitCode {
		t.Fatalf("SubmitCode: %+v", res)
	}
}

func TestStartLink_NoSender(t *testing.T) {
	f := newFixture(t)
	l := linking.New(f.store, nil, linking.Options{})
	if l.Enabled() {
		t.Fatalf("linker without sender reports enabled")
	}
	res := l.StartLink(context.Background(), "1001")
	if res.Outcome != linking.OutcomeUnavailable || res.Next != linking.Idle {
		t.Fatalf("StartLink: %+v", res)
	}
}

func TestCancelAndTimeout(t *testing.T) {
	f := newFixture(t)
	guarded := f.newLinker(writeGuard{Store: f.store, t: t}, nil)
	if res := guarded.Cancel(context.Background(), "1001"); res.Outcome != linking.OutcomeCancelled || res.Next != linking.Idle {
		t.Fatalf("Cancel: %+v", res)
	}
	if res := guarded.Timeout(context.Background(), "1001"); res.Outcome != linking.OutcomeTimeout || res.Next != linking.Idle {
		t.Fatalf("Timeout: %+v", res)
	}
	if res := guarded.TooManyAttempts(context.Background(), "1001"); res.Outcome != linking.OutcomeTooMany || res.Next != linking.Idle {
		t.Fatalf("TooManyAttempts: %+v", res)
	}
}

func TestUnlink_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.account(t, "alice@example.com")
	code := f.requestCode(t, "1001", "alice@example.com")
	f.linker.SubmitCode(context.Background(), "1001", code)

	if res := f.linker.Unlink(context.Background(), "1001"); res.Outcome != linking.OutcomeUnlinked {
		t.Fatalf("first unlink: %+v", res)
	}
	if res := f.linker.Unlink(context.Background(), "1001"); res.Outcome != linking.OutcomeNotLinked {
		t.Fatalf("second unlink: %+v", res)
	}
}

func TestLink_PublishesEvents(t *testing.T) {
	f := newFixture(t)
	b := bus.New()
	defer b.Close()
	sub := b.Subscribe("account.")
	f.linker = f.newLinker(f.store, &linking.Options{Bus: b})
	acct := f.account(t, "alice@example.com")

	code := f.requestCode(t, "1001", "alice@example.com")
	f.linker.SubmitCode(context.Background(), "1001", code)

	var topics []string
	for len(topics) < 2 {
		select {
		case ev := <-sub.Ch():
			topics = append(topics, ev.Topic)
			if ev.Topic == bus.TopicAccountLinked {
				p := ev.Payload.(bus.AccountEvent)
				if p.AccountID != acct.ID || p.ChatIdentity != "1001" {
					t.Fatalf("unexpected payload %+v", p)
				}
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for events, got %v", topics)
		}
	}
	if topics[0] != bus.TopicAccountLinkRequested || topics[1] != bus.TopicAccountLinked {
		t.Fatalf("topics = %v", topics)
	}
}
