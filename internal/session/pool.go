// Package session keeps one authorized backend connection per datacenter.
//
// Sessions are created lazily on first use and then shared by every request
// for the life of the process. Creating a session for a datacenter other
// than the primary one transfers the primary authorization to it.
package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/OtakuFlix/Telestore/internal/backend"
	"github.com/OtakuFlix/Telestore/internal/logging"
)

// ErrNotReady is returned by Acquire until Start has succeeded.
var ErrNotReady = errors.New("session: pool not ready")

const (
	// DefaultAuthAttempts is how many times an authorization transfer is tried.
	DefaultAuthAttempts = 6
	// DefaultAuthBackoff is the pause between authorization transfer attempts.
	DefaultAuthBackoff = 500 * time.Millisecond
)

// leasedConn counts the calls running on a connection so that a replaced
// connection is closed only after its last caller returns.
type leasedConn struct {
	conn     backend.Conn
	inflight int
	retired  bool
}

// Session is an open connection to one datacenter.
type Session struct {
	dc      backend.DC
	primary bool
	logger  logging.Logger

	mu  sync.Mutex
	cur *leasedConn
}

func newSession(dc backend.DC, primary bool, conn backend.Conn, logger logging.Logger) *Session {
	return &Session{dc: dc, primary: primary, logger: logger, cur: &leasedConn{conn: conn}}
}

// DC returns the datacenter the session is connected to.
func (s *Session) DC() backend.DC { return s.dc }

// Primary reports whether the session belongs to the primary datacenter.
func (s *Session) Primary() bool { return s.primary }

// Conn returns the session's current connection.
func (s *Session) Conn() backend.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur.conn
}

// GetFile reads one chunk through the session's connection.
func (s *Session) GetFile(ctx context.Context, loc backend.Location, offset, limit int64) ([]byte, error) {
	var chunk []byte
	err := s.use(ctx, func(conn backend.Conn) error {
		var err error
		chunk, err = conn.GetFile(ctx, loc, offset, limit)
		return err
	})
	return chunk, err
}

// use runs fn on the current connection. A connection swapped out while fn
// runs stays open until fn returns.
func (s *Session) use(ctx context.Context, fn func(backend.Conn) error) error {
	s.mu.Lock()
	lc := s.cur
	lc.inflight++
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		lc.inflight--
		idle := lc.retired && lc.inflight == 0
		s.mu.Unlock()
		if idle {
			s.closeConn(ctx, lc.conn)
		}
	}()
	return fn(lc.conn)
}

// swap installs conn and retires the previous connection.
func (s *Session) swap(ctx context.Context, conn backend.Conn) {
	s.mu.Lock()
	old := s.cur
	s.cur = &leasedConn{conn: conn}
	old.retired = true
	idle := old.inflight == 0
	s.mu.Unlock()

	if idle {
		s.closeConn(ctx, old.conn)
	}
}

// close retires the current connection. It is closed now when idle and
// otherwise when its last caller returns.
func (s *Session) close() error {
	s.mu.Lock()
	lc := s.cur
	if lc.retired {
		s.mu.Unlock()
		return nil
	}
	lc.retired = true
	idle := lc.inflight == 0
	s.mu.Unlock()

	if !idle {
		return nil
	}
	return lc.conn.Close()
}

func (s *Session) closeConn(ctx context.Context, conn backend.Conn) {
	if err := conn.Close(); err != nil {
		s.logger.Warn(ctx, "close replaced connection", "dc", int(s.dc), "error", err)
	}
}

// Option configures a Pool.
type Option func(*Pool)

// WithAuthAttempts sets how many times an authorization transfer is tried.
func WithAuthAttempts(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.attempts = n
		}
	}
}

// WithAuthBackoff sets the pause between authorization transfer attempts.
func WithAuthBackoff(d time.Duration) Option {
	return func(p *Pool) {
		if d >= 0 {
			p.backoff = d
		}
	}
}

// Pool maps datacenters to sessions. It is safe for concurrent use.
type Pool struct {
	client   backend.Client
	logger   logging.Logger
	attempts int
	backoff  time.Duration

	startMu    sync.Mutex
	ready      atomic.Bool
	primaryDC  backend.DC
	primaryKey []byte

	sessions sync.Map // backend.DC -> *Session
	group    singleflight.Group
}

// NewPool returns a pool that is not ready until Start succeeds.
func NewPool(client backend.Client, logger logging.Logger, opts ...Option) *Pool {
	p := &Pool{
		client:   client,
		logger:   logger.With("module", "session"),
		attempts: DefaultAuthAttempts,
		backoff:  DefaultAuthBackoff,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start resolves the primary datacenter and its key. It may be called again
// after a failure.
func (p *Pool) Start(ctx context.Context) error {
	p.startMu.Lock()
	defer p.startMu.Unlock()

	if p.ready.Load() {
		return nil
	}

	dc, err := p.client.PrimaryDC(ctx)
	if err != nil {
		return fmt.Errorf("session: resolve primary dc: %w", err)
	}
	key, err := p.client.AuthKey(ctx)
	if err != nil {
		return fmt.Errorf("session: load auth key: %w", err)
	}

	p.primaryDC = dc
	p.primaryKey = key
	p.ready.Store(true)

	p.logger.Info(ctx, "session pool ready", "primary_dc", int(dc))
	return nil
}

// Ready reports whether Start has succeeded.
func (p *Pool) Ready() bool {
	return p.ready.Load()
}

// PrimaryDC returns the primary datacenter. Only meaningful once Ready.
func (p *Pool) PrimaryDC() backend.DC {
	p.startMu.Lock()
	defer p.startMu.Unlock()
	return p.primaryDC
}

// Acquire returns the session for dc, creating it on first use. Concurrent
// first calls for the same dc share a single creation, which is not
// cancelled when one of the callers goes away.
func (p *Pool) Acquire(ctx context.Context, dc backend.DC) (*Session, error) {
	if !p.ready.Load() {
		return nil, ErrNotReady
	}
	if s, ok := p.sessions.Load(dc); ok {
		return s.(*Session), nil
	}

	ch := p.group.DoChan(strconv.Itoa(int(dc)), func() (any, error) {
		if s, ok := p.sessions.Load(dc); ok {
			return s, nil
		}
		s, err := p.create(context.WithoutCancel(ctx), dc)
		if err != nil {
			return nil, err
		}
		p.sessions.Store(dc, s)
		return s, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Session), nil
	}
}

func (p *Pool) create(ctx context.Context, dc backend.DC) (*Session, error) {
	if dc == p.primaryDC {
		p.startMu.Lock()
		key := p.primaryKey
		p.startMu.Unlock()

		conn, err := p.client.Dial(ctx, dc, key)
		if err != nil {
			return nil, fmt.Errorf("session: dial primary dc %d: %w", dc, err)
		}
		p.logger.Info(ctx, "session created", "dc", int(dc), "primary", true)
		return newSession(dc, true, conn, p.logger), nil
	}

	key, err := p.client.CreateAuthKey(ctx, dc)
	if err != nil {
		return nil, fmt.Errorf("session: create auth key for dc %d: %w", dc, err)
	}
	conn, err := p.client.Dial(ctx, dc, key)
	if err != nil {
		return nil, fmt.Errorf("session: dial dc %d: %w", dc, err)
	}
	s := newSession(dc, false, conn, p.logger)

	if err := p.transfer(ctx, s); err != nil {
		// The session is kept; requests through it fail with the
		// backend's unauthorized error and trigger Reauthorize.
		p.logger.Warn(ctx, "authorization transfer failed",
			"dc", int(dc), "attempts", p.attempts, "error", err)
	}

	p.logger.Info(ctx, "session created", "dc", int(dc), "primary", false)
	return s, nil
}

// transfer exports the primary authorization and imports it into s.
func (p *Pool) transfer(ctx context.Context, s *Session) error {
	primary, err := p.Acquire(ctx, p.primaryDC)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= p.attempts; attempt++ {
		if attempt > 1 && p.backoff > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.backoff):
			}
		}

		var auth *backend.ExportedAuthorization
		err := primary.use(ctx, func(conn backend.Conn) error {
			var err error
			auth, err = conn.ExportAuthorization(ctx, s.dc)
			return err
		})
		if err == nil {
			err = s.use(ctx, func(conn backend.Conn) error {
				return conn.ImportAuthorization(ctx, auth)
			})
		}
		if err == nil {
			return nil
		}

		lastErr = err
		p.logger.Debug(ctx, "authorization transfer attempt failed",
			"dc", int(s.dc), "attempt", attempt, "error", err)
	}
	return lastErr
}

// Reauthorize refreshes the credential of the session for dc after the
// backend reported it unauthorized. The primary session is redialled with a
// fresh key; other sessions repeat the authorization transfer.
func (p *Pool) Reauthorize(ctx context.Context, dc backend.DC) error {
	s, err := p.Acquire(ctx, dc)
	if err != nil {
		return err
	}

	_, err, _ = p.group.Do("reauth/"+strconv.Itoa(int(dc)), func() (any, error) {
		ctx := context.WithoutCancel(ctx)
		if !s.primary {
			return nil, p.transfer(ctx, s)
		}

		key, err := p.client.AuthKey(ctx)
		if err != nil {
			return nil, fmt.Errorf("session: refresh auth key: %w", err)
		}
		conn, err := p.client.Dial(ctx, dc, key)
		if err != nil {
			return nil, fmt.Errorf("session: redial primary dc %d: %w", dc, err)
		}

		p.startMu.Lock()
		p.primaryKey = key
		p.startMu.Unlock()

		s.swap(ctx, conn)
		return nil, nil
	})
	if err != nil {
		p.logger.Warn(ctx, "reauthorization failed", "dc", int(dc), "error", err)
		return err
	}

	p.logger.Info(ctx, "session reauthorized", "dc", int(dc))
	return nil
}

// Close closes every session's connection. Connections with calls still
// running are closed when the last one returns.
func (p *Pool) Close() error {
	var errs []error
	p.sessions.Range(func(key, value any) bool {
		if err := value.(*Session).close(); err != nil {
			errs = append(errs, fmt.Errorf("session: close dc %d: %w", key.(backend.DC), err))
		}
		p.sessions.Delete(key)
		return true
	})
	return errors.Join(errs...)
}
