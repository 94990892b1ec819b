// Package relay pairs an uploading connection with a downloading connection
// for the same file name and streams bytes between them through a small
// bounded channel. Nothing is buffered beyond ChannelCapacity chunks.
package relay

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	// ChannelCapacity bounds the number of in-flight chunks per session.
	// A full channel blocks the uploader.
	ChannelCapacity = 16
	// ChunkSize is the read buffer size for the upload body.
	ChunkSize = 32 << 10
	// DefaultReadyTimeout is how long a registered party waits for its peer.
	DefaultReadyTimeout = 300 * time.Second
)

var (
	ErrConflict     = errors.New("a transfer with this name is already in progress")
	ErrNotFound     = errors.New("no active upload for this name")
	ErrForbidden    = errors.New("transfer belongs to a different token")
	ErrTimeout      = errors.New("timed out waiting for the other side")
	ErrUpstreamRead = errors.New("upload stream failed")
	ErrInternal     = errors.New("relay task failed")
	ErrClosed       = errors.New("relay is shutting down")
)

// Role identifies which side of a transfer a connection is.
type Role int

const (
	RoleUploader Role = iota + 1
	RoleDownloader
)

func (r Role) String() string {
	switch r {
	case RoleUploader:
		return "upload"
	case RoleDownloader:
		return "download"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// MarshalText renders the role by name in JSON.
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Chunk is one unit on the relay channel. A non-nil Err is a terminal
// marker: the upload failed and no more data follows.
type Chunk struct {
	Data []byte
	Err  error
}

// Outcome is the terminal result of one relay.
type Outcome struct {
	FileID   string
	Owner    string
	Bytes    int64
	Partial  bool // the downloader left before EOF
	Err      error
	Started  time.Time
	Finished time.Time
}

// Status is a short label for logs and the journal.
func (o Outcome) Status() string {
	switch {
	case errors.Is(o.Err, ErrTimeout):
		return "timeout"
	case errors.Is(o.Err, ErrUpstreamRead):
		return "read_error"
	case o.Err != nil:
		return "failed"
	case o.Partial:
		return "partial"
	default:
		return "complete"
	}
}

// Session is the rendezvous point for one file name. The registering party
// creates it; the second party claims it and fires the ready signal.
type Session struct {
	FileID    string
	Owner     string // token that registered the session, empty without token auth
	Role      Role   // role of the registering party
	CreatedAt time.Time

	chunks chan Chunk

	ready     chan struct{}
	readyOnce sync.Once

	gone     chan struct{}
	goneOnce sync.Once

	outcome     chan Outcome
	outcomeOnce sync.Once
}

func newSession(fileID string, role Role, owner string) *Session {
	return &Session{
		FileID:    fileID,
		Owner:     owner,
		Role:      role,
		CreatedAt: time.Now(),
		chunks:    make(chan Chunk, ChannelCapacity),
		ready:     make(chan struct{}),
		gone:      make(chan struct{}),
		outcome:   make(chan Outcome, 1),
	}
}

// MarkReady fires the ready signal. Later calls are no-ops.
func (s *Session) MarkReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

// Ready is closed once both parties are present.
func (s *Session) Ready() <-chan struct{} {
	return s.ready
}

// Abandon records that the downloader stopped reading. The pump notices on
// its next send.
func (s *Session) Abandon() {
	s.goneOnce.Do(func() { close(s.gone) })
}

// Outcome delivers the single terminal result of the relay.
func (s *Session) Outcome() <-chan Outcome {
	return s.outcome
}

// Chunks is the receive side of the relay channel.
func (s *Session) Chunks() <-chan Chunk {
	return s.chunks
}

// deliver publishes o as the session's outcome. observe runs first, so
// anything it records is visible by the time a waiter receives o. Only the
// first call has any effect.
func (s *Session) deliver(o Outcome, observe func(Outcome)) {
	s.outcomeOnce.Do(func() {
		observe(o)
		s.outcome <- o
	})
}

// send forwards c unless the downloader is gone. It blocks while the
// channel is full.
func (s *Session) send(c Chunk) bool {
	select {
	case <-s.gone:
		return false
	default:
	}
	select {
	case s.chunks <- c:
		return true
	case <-s.gone:
		return false
	}
}
