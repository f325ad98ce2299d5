package mail

import (
	"context"
	"sync"
)

// Recorder is an in-memory Mailer that keeps every message it is asked to
// send. It backs development setups without SMTP and the test suites.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
	err      error
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// FailWith makes subsequent Send calls return err without recording.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *Recorder) Send(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	msg.To = append([]string(nil), msg.To...)
	r.messages = append(r.messages, msg)
	return nil
}

// Messages returns a snapshot of the recorded messages.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

// SentTo returns the recorded messages addressed to recipient.
func (r *Recorder) SentTo(recipient string) []Message {
	var out []Message
	for _, msg := range r.Messages() {
		for _, to := range msg.To {
			if to == recipient {
				out = append(out, msg)
				break
			}
		}
	}
	return out
}
