package messaging

import (
	"context"
	"sync"
)

// Message is one event captured by a Recorder
type Message struct {
	Subject string
	Data    interface{}
}

// Recorder keeps published events in memory. Useful in tests and for
// local runs without a broker.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
}

func (r *Recorder) Publish(ctx context.Context, subject string, data interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, Message{Subject: subject, Data: data})
	return nil
}

// Messages returns the events published to subject, or all when empty
func (r *Recorder) Messages(subject string) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Message
	for _, m := range r.messages {
		if subject == "" || m.Subject == subject {
			out = append(out, m)
		}
	}
	return out
}
