package bus

// Account linking topics. Published by the identity linker.
const (
	TopicAccountLinkRequested = "account.link_requested"
	TopicAccountLinked        = "account.linked"
	TopicAccountLinkFailed    = "account.link_failed"
	TopicAccountUnlinked      = "account.unlinked"
)

// Task mutation topics. Published by the store after a successful write.
const (
	TopicTaskCreated     = "task.created"
	TopicTaskNoteAdded   = "task.note_added"
	TopicTaskDeadlineSet = "task.deadline_set"
)

// AccountEvent describes one step of the linking handshake. Email is the
// address the user typed (may not match any account) and is masked before
// it reaches any log or audit sink.
type AccountEvent struct {
	TraceID      string
	ChatIdentity string
	AccountID    string
	Email        string
	Outcome      string
}

// TaskEvent describes a task mutation.
type TaskEvent struct {
	TaskID    string
	AccountID string
	Detail    string
}
