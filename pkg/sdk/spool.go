package sdk

import (
	"os"
	"sync"

	"github.com/coredump-systems/jobtel/internal/envelope"
)

// spoolFile is the optional on-disk durability complement to the
// in-memory ring buffer (spec.md's "Spool" open question, resolved in
// favor of an additive append-only log rather than a second transport):
// every enqueued message is appended here before being attempted over
// the network, so a crash between enqueue and a confirmed send leaves a
// recoverable trail on disk. It is not read back automatically; an
// operator or a future recovery tool tails it.
type spoolFile struct {
	mu sync.Mutex
	f  *os.File
}

func openSpool(path string) (*spoolFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &spoolFile{f: f}, nil
}

func (s *spoolFile) Append(msg envelope.Envelope) error {
	line, err := envelope.Encode(msg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.f.Write(line)
	return err
}

// Ack marks a message as durably delivered. The append-only spool does
// not compact on Ack; it is a write-ahead trail for crash recovery, not
// a queue, so acknowledged entries simply age out of relevance.
func (s *spoolFile) Ack(envelope.Envelope) {}

func (s *spoolFile) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}
