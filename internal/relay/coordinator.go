package relay

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// DefaultTouchInterval throttles owner keep-alives while bytes are flowing.
const DefaultTouchInterval = 30 * time.Second

// Owners receives token bookkeeping for sessions bound to a capability
// token. *token.Ledger satisfies it.
type Owners interface {
	AdjustActive(id string, delta int)
	Touch(id string)
}

// Options configures a Coordinator.
type Options struct {
	// ReadyTimeout bounds the wait for the second party. Zero means
	// DefaultReadyTimeout.
	ReadyTimeout time.Duration
	// Flexible lets a downloader arrive first and wait for the upload.
	// When false an unmatched download fails with ErrNotFound.
	Flexible bool
	// Owners, if set, is told when token-owned sessions bind and unbind,
	// and is touched while a token-owned relay streams.
	Owners Owners
	// TouchInterval is the minimum gap between keep-alives of a streaming
	// session's owner. Zero means DefaultTouchInterval.
	TouchInterval time.Duration
	// OnFinish, if set, observes every terminal outcome before the uploader
	// sees it.
	OnFinish func(Outcome)
	Logger   logrus.FieldLogger
}

// Coordinator runs the pairing and streaming lifecycle for every transfer.
type Coordinator struct {
	registry     *Registry
	readyTimeout time.Duration
	flexible     bool
	owners       Owners
	touchEvery   time.Duration
	onFinish     func(Outcome)
	log          logrus.FieldLogger

	closing   chan struct{}
	closeOnce sync.Once
}

// NewCoordinator creates a Coordinator over registry.
func NewCoordinator(registry *Registry, opts Options) *Coordinator {
	c := &Coordinator{
		registry:     registry,
		readyTimeout: opts.ReadyTimeout,
		flexible:     opts.Flexible,
		owners:       opts.Owners,
		touchEvery:   opts.TouchInterval,
		onFinish:     opts.OnFinish,
		log:          opts.Logger,
		closing:      make(chan struct{}),
	}
	if c.readyTimeout <= 0 {
		c.readyTimeout = DefaultReadyTimeout
	}
	if c.touchEvery <= 0 {
		c.touchEvery = DefaultTouchInterval
	}
	if c.log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		c.log = l
	}
	return c
}

// Registry returns the registry the coordinator pairs through.
func (c *Coordinator) Registry() *Registry {
	return c.registry
}

// Flexible reports whether downloads may arrive before uploads.
func (c *Coordinator) Flexible() bool {
	return c.flexible
}

// Drain makes every current and future wait for a peer fail with ErrClosed.
// Relays that are already streaming are not affected.
func (c *Coordinator) Drain() {
	c.closeOnce.Do(func() { close(c.closing) })
}

// Upload relays body to the paired downloader and blocks until the relay
// reaches a terminal state. The returned error is Outcome.Err, or a pairing
// error (ErrConflict, ErrForbidden) that occurred before any relay began.
func (c *Coordinator) Upload(ctx context.Context, fileID, owner string, body io.Reader) (Outcome, error) {
	log := c.log.WithField("file", fileID)

	var (
		s          *Session
		registered = true
		err        error
	)
	if c.flexible {
		s, registered, err = c.registry.Join(fileID, RoleUploader, owner)
	} else {
		s, err = c.registry.Register(fileID, RoleUploader, owner)
	}
	if err != nil {
		log.WithError(err).Warn("upload rejected")
		return Outcome{FileID: fileID, Owner: owner, Err: err}, err
	}

	if registered {
		c.bind(s)
		log.Info("upload connection accepted, waiting for download client")
		if err := c.AwaitReady(ctx, s); err != nil {
			c.unbind(s)
			now := time.Now()
			o := Outcome{FileID: fileID, Owner: s.Owner, Err: err, Started: now, Finished: now}
			c.finish(s, o)
			return o, err
		}
		log.Info("download client connected")
	} else {
		c.unbind(s)
		s.MarkReady()
		log.Info("upload paired with waiting download client")
	}

	go c.run(s, body)

	o := <-s.Outcome()
	return o, o.Err
}

// Download pairs the caller with the upload for fileID and returns the
// session to Consume from. In strict mode an absent upload is ErrNotFound;
// in flexible mode the caller registers and waits for the upload.
func (c *Coordinator) Download(ctx context.Context, fileID, owner string) (*Session, error) {
	log := c.log.WithField("file", fileID)

	if !c.flexible {
		s, err := c.registry.Claim(fileID, RoleDownloader, owner)
		if err != nil {
			log.WithError(err).Warn("download rejected")
			return nil, err
		}
		c.unbind(s)
		s.MarkReady()
		log.Info("download started")
		return s, nil
	}

	s, registered, err := c.registry.Join(fileID, RoleDownloader, owner)
	if err != nil {
		log.WithError(err).Warn("download rejected")
		return nil, err
	}
	if !registered {
		c.unbind(s)
		s.MarkReady()
		log.Info("download started")
		return s, nil
	}

	c.bind(s)
	log.Info("download connection accepted, waiting for upload client")
	if err := c.AwaitReady(ctx, s); err != nil {
		c.unbind(s)
		return nil, err
	}
	log.Info("download started")
	return s, nil
}

// AwaitReady blocks until s is claimed, the ready timeout elapses, ctx is
// done, or the coordinator is drained. On timeout or cancellation the session is removed from the registry;
// if a claim raced ahead of the removal the wait continues, because the
// claimant fires ready right after claiming.
func (c *Coordinator) AwaitReady(ctx context.Context, s *Session) error {
	timer := time.NewTimer(c.readyTimeout)
	defer timer.Stop()

	var err error
	select {
	case <-s.Ready():
		return nil
	case <-timer.C:
		err = fmt.Errorf("%w after %v", ErrTimeout, c.readyTimeout)
	case <-ctx.Done():
		err = ctx.Err()
	case <-c.closing:
		err = ErrClosed
	}

	if c.registry.Remove(s.FileID, s) {
		c.log.WithField("file", s.FileID).WithError(err).Warn("gave up waiting for peer")
		return err
	}
	<-s.Ready()
	return nil
}

// Consume writes the relayed chunks to w in order until the upload ends.
// It marks the session abandoned on return so the pump stops. An upload
// failure is reported as ErrUpstreamRead.
func (c *Coordinator) Consume(ctx context.Context, s *Session, w io.Writer) (int64, error) {
	defer s.Abandon()

	flusher, _ := w.(interface{ Flush() })
	var n int64
	for {
		select {
		case <-ctx.Done():
			return n, ctx.Err()
		case chunk, ok := <-s.Chunks():
			if !ok {
				return n, nil
			}
			if chunk.Err != nil {
				return n, fmt.Errorf("%w: %v", ErrUpstreamRead, chunk.Err)
			}
			written, err := w.Write(chunk.Data)
			n += int64(written)
			if err != nil {
				return n, err
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

// run pumps body into s and delivers the outcome exactly once, converting
// a panic into ErrInternal.
func (c *Coordinator) run(s *Session, body io.Reader) {
	o := Outcome{FileID: s.FileID, Owner: s.Owner, Started: time.Now()}
	defer func() {
		if r := recover(); r != nil {
			o.Err = fmt.Errorf("%w: %v", ErrInternal, r)
			o.Finished = time.Now()
		}
		c.finish(s, o)
	}()

	var onChunk func(int)
	if c.owners != nil && s.Owner != "" {
		last := time.Now()
		onChunk = func(int) {
			if time.Since(last) >= c.touchEvery {
				c.owners.Touch(s.Owner)
				last = time.Now()
			}
		}
	}
	o = Pump(s, body, onChunk)
}

// Pump reads body and forwards it chunk by chunk into s until EOF, a read
// error, or the downloader going away. It closes the channel on return and
// must be called at most once per session.
func Pump(s *Session, body io.Reader, onChunk func(n int)) Outcome {
	o := Outcome{FileID: s.FileID, Owner: s.Owner, Started: time.Now()}
	defer close(s.chunks)

	var buf []byte
	for {
		if buf == nil {
			buf = make([]byte, ChunkSize)
		}
		n, err := body.Read(buf)
		if n > 0 {
			if !s.send(Chunk{Data: buf[:n]}) {
				o.Partial = true
				break
			}
			buf = nil
			o.Bytes += int64(n)
			if onChunk != nil {
				onChunk(n)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			s.send(Chunk{Err: err})
			o.Err = fmt.Errorf("%w: %v", ErrUpstreamRead, err)
			break
		}
	}
	o.Finished = time.Now()
	return o
}

func (c *Coordinator) finish(s *Session, o Outcome) {
	s.deliver(o, c.observe)
}

// observe logs a terminal outcome and hands it to the OnFinish hook.
func (c *Coordinator) observe(o Outcome) {
	log := c.log.WithFields(logrus.Fields{
		"file":     o.FileID,
		"bytes":    humanize.Bytes(uint64(o.Bytes)),
		"status":   o.Status(),
		"duration": o.Finished.Sub(o.Started).Round(time.Millisecond),
	})
	switch {
	case o.Err != nil:
		log.WithError(o.Err).Warn("relay failed")
	case o.Partial:
		log.Info("download client disconnected, upload stopped")
	default:
		log.Info("relay finished")
	}
	if c.onFinish != nil {
		c.onFinish(o)
	}
}

func (c *Coordinator) bind(s *Session) {
	if c.owners != nil && s.Owner != "" {
		c.owners.AdjustActive(s.Owner, 1)
	}
}

func (c *Coordinator) unbind(s *Session) {
	if c.owners != nil && s.Owner != "" {
		c.owners.AdjustActive(s.Owner, -1)
	}
}
