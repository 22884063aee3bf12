package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OtakuFlix/Telestore/internal/backend"
	"github.com/OtakuFlix/Telestore/internal/logging"
)

// fakeClient counts every backend call. Imports fail while failImports is set.
type fakeClient struct {
	primary backend.DC

	primaryErr  error
	failImports atomic.Bool
	dialGate    chan struct{}
	getEntered  chan struct{}
	getGate     chan struct{}

	authKeys   atomic.Int32
	createKeys atomic.Int32
	dials      atomic.Int32
	exports    atomic.Int32
	imports    atomic.Int32
}

func (f *fakeClient) PrimaryDC(context.Context) (backend.DC, error) {
	return f.primary, f.primaryErr
}

func (f *fakeClient) AuthKey(context.Context) ([]byte, error) {
	f.authKeys.Add(1)
	return []byte("primary"), nil
}

func (f *fakeClient) CreateAuthKey(context.Context, backend.DC) ([]byte, error) {
	f.createKeys.Add(1)
	return []byte("fresh"), nil
}

func (f *fakeClient) Dial(_ context.Context, dc backend.DC, _ []byte) (backend.Conn, error) {
	if f.dialGate != nil {
		<-f.dialGate
	}
	f.dials.Add(1)
	return &fakeConn{client: f, dc: dc}, nil
}

type fakeConn struct {
	client *fakeClient
	dc     backend.DC
	closed atomic.Bool
}

func (c *fakeConn) DC() backend.DC { return c.dc }

func (c *fakeConn) GetFile(_ context.Context, _ backend.Location, _, limit int64) ([]byte, error) {
	if c.client.getEntered != nil {
		select {
		case c.client.getEntered <- struct{}{}:
		default:
		}
	}
	if c.client.getGate != nil {
		<-c.client.getGate
	}
	if c.closed.Load() {
		return nil, errors.New("connection closed")
	}
	return make([]byte, limit), nil
}

func (c *fakeConn) ExportAuthorization(_ context.Context, dc backend.DC) (*backend.ExportedAuthorization, error) {
	c.client.exports.Add(1)
	return &backend.ExportedAuthorization{ID: int64(dc)}, nil
}

func (c *fakeConn) ImportAuthorization(context.Context, *backend.ExportedAuthorization) error {
	c.client.imports.Add(1)
	if c.client.failImports.Load() {
		return backend.ErrUnauthorized
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

func startedPool(t *testing.T, client *fakeClient, opts ...Option) *Pool {
	t.Helper()
	opts = append([]Option{WithAuthBackoff(0)}, opts...)
	p := NewPool(client, logging.Discard(), opts...)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { p.Close() })
	return p
}

func TestAcquireBeforeStart(t *testing.T) {
	client := &fakeClient{primary: 2, primaryErr: errors.New("offline")}
	p := NewPool(client, logging.Discard())

	_, err := p.Acquire(context.Background(), 2)
	assert.ErrorIs(t, err, ErrNotReady)

	assert.Error(t, p.Start(context.Background()))
	assert.False(t, p.Ready())

	_, err = p.Acquire(context.Background(), 2)
	assert.ErrorIs(t, err, ErrNotReady)

	client.primaryErr = nil
	require.NoError(t, p.Start(context.Background()))
	assert.True(t, p.Ready())
	assert.Equal(t, backend.DC(2), p.PrimaryDC())
}

func TestAcquirePrimary(t *testing.T) {
	client := &fakeClient{primary: 2}
	p := startedPool(t, client)

	s, err := p.Acquire(context.Background(), 2)
	require.NoError(t, err)
	assert.True(t, s.Primary())
	assert.Equal(t, backend.DC(2), s.DC())

	again, err := p.Acquire(context.Background(), 2)
	require.NoError(t, err)
	assert.Same(t, s, again)

	assert.EqualValues(t, 1, client.dials.Load())
	assert.EqualValues(t, 0, client.createKeys.Load())
	assert.EqualValues(t, 0, client.imports.Load())
}

func TestConcurrentAcquireSharesOneHandshake(t *testing.T) {
	client := &fakeClient{primary: 2}
	p := startedPool(t, client)

	const callers = 64
	sessions := make([]*Session, callers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			s, err := p.Acquire(context.Background(), 4)
			assert.NoError(t, err)
			sessions[i] = s
		}(i)
	}
	close(start)
	wg.Wait()

	for _, s := range sessions[1:] {
		assert.Same(t, sessions[0], s)
	}
	assert.False(t, sessions[0].Primary())
	assert.EqualValues(t, 1, client.createKeys.Load())
	assert.EqualValues(t, 1, client.exports.Load())
	assert.EqualValues(t, 1, client.imports.Load())
	// One dial for dc 4 and one for the primary it exports from.
	assert.EqualValues(t, 2, client.dials.Load())
}

func TestExhaustedTransferIsStillCached(t *testing.T) {
	client := &fakeClient{primary: 2}
	client.failImports.Store(true)
	p := startedPool(t, client)

	s, err := p.Acquire(context.Background(), 5)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.EqualValues(t, DefaultAuthAttempts, client.imports.Load())

	again, err := p.Acquire(context.Background(), 5)
	require.NoError(t, err)
	assert.Same(t, s, again)
	assert.EqualValues(t, DefaultAuthAttempts, client.imports.Load())
}

func TestAuthAttemptsOption(t *testing.T) {
	client := &fakeClient{primary: 1}
	client.failImports.Store(true)
	p := startedPool(t, client, WithAuthAttempts(2))

	_, err := p.Acquire(context.Background(), 3)
	require.NoError(t, err)
	assert.EqualValues(t, 2, client.imports.Load())
}

func TestCancelledCallerDoesNotAbortCreation(t *testing.T) {
	client := &fakeClient{primary: 2, dialGate: make(chan struct{})}
	p := startedPool(t, client)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx, 2)
		errc <- err
	}()

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	close(client.dialGate)
	s, err := p.Acquire(context.Background(), 2)
	require.NoError(t, err)
	assert.True(t, s.Primary())
	assert.EqualValues(t, 1, client.dials.Load())
}

func TestReauthorize(t *testing.T) {
	client := &fakeClient{primary: 2}
	client.failImports.Store(true)
	p := startedPool(t, client, WithAuthAttempts(1))

	foreign, err := p.Acquire(context.Background(), 4)
	require.NoError(t, err)

	client.failImports.Store(false)
	require.NoError(t, p.Reauthorize(context.Background(), 4))
	assert.EqualValues(t, 2, client.imports.Load())

	primary, err := p.Acquire(context.Background(), 2)
	require.NoError(t, err)
	oldConn := primary.Conn().(*fakeConn)

	require.NoError(t, p.Reauthorize(context.Background(), 2))
	assert.NotSame(t, oldConn, primary.Conn())
	assert.True(t, oldConn.closed.Load())
	assert.EqualValues(t, 2, client.authKeys.Load())

	same, err := p.Acquire(context.Background(), 4)
	require.NoError(t, err)
	assert.Same(t, foreign, same)
}

func TestReauthorizeKeepsInflightFetch(t *testing.T) {
	client := &fakeClient{
		primary:    2,
		getEntered: make(chan struct{}, 1),
		getGate:    make(chan struct{}),
	}
	p := startedPool(t, client)

	s, err := p.Acquire(context.Background(), 2)
	require.NoError(t, err)
	oldConn := s.Conn().(*fakeConn)

	errc := make(chan error, 1)
	go func() {
		chunk, err := s.GetFile(context.Background(), backend.DocumentLocation{ID: 1}, 0, 4096)
		if err == nil && len(chunk) != 4096 {
			err = errors.New("short chunk")
		}
		errc <- err
	}()
	<-client.getEntered

	require.NoError(t, p.Reauthorize(context.Background(), 2))
	assert.NotSame(t, oldConn, s.Conn())
	assert.False(t, oldConn.closed.Load(), "replaced connection closed while a fetch was running")

	close(client.getGate)
	require.NoError(t, <-errc)
	assert.True(t, oldConn.closed.Load())
	assert.False(t, s.Conn().(*fakeConn).closed.Load())
}

func TestCloseWaitsForInflightFetch(t *testing.T) {
	client := &fakeClient{
		primary:    2,
		getEntered: make(chan struct{}, 1),
		getGate:    make(chan struct{}),
	}
	p := NewPool(client, logging.Discard(), WithAuthBackoff(0))
	require.NoError(t, p.Start(context.Background()))

	s, err := p.Acquire(context.Background(), 2)
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := s.GetFile(context.Background(), backend.DocumentLocation{ID: 1}, 0, 4096)
		errc <- err
	}()
	<-client.getEntered

	require.NoError(t, p.Close())
	assert.False(t, s.Conn().(*fakeConn).closed.Load())

	close(client.getGate)
	require.NoError(t, <-errc)
	assert.True(t, s.Conn().(*fakeConn).closed.Load())
}

func TestReauthorizeFailure(t *testing.T) {
	client := &fakeClient{primary: 2}
	client.failImports.Store(true)
	p := startedPool(t, client, WithAuthAttempts(1))

	_, err := p.Acquire(context.Background(), 4)
	require.NoError(t, err)

	assert.ErrorIs(t, p.Reauthorize(context.Background(), 4), backend.ErrUnauthorized)
}

func TestCloseClosesConnections(t *testing.T) {
	client := &fakeClient{primary: 2}
	p := NewPool(client, logging.Discard(), WithAuthBackoff(0))
	require.NoError(t, p.Start(context.Background()))

	s, err := p.Acquire(context.Background(), 2)
	require.NoError(t, err)

	require.NoError(t, p.Close())
	assert.True(t, s.Conn().(*fakeConn).closed.Load())
}
