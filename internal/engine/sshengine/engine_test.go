package sshengine

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"gwlink/config"
	gwerrors "gwlink/internal/errors"
	"gwlink/internal/gateway"
)

const waitFor = 5 * time.Second

// ── In-process gateway ───────────────────────────────────────────────

type testServer struct {
	addr    string
	port    int
	hostKey ssh.Signer
	tunReqs chan tunRequest

	keepalives atomic.Int32
	mute       atomic.Bool // stop answering global requests
}

func newSigner(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return signer
}

// startServer accepts password logins and hands every tun channel to
// handle.
func startServer(t *testing.T, password string, handle func(ssh.Channel)) *testServer {
	t.Helper()
	srv := &testServer{hostKey: newSigner(t), tunReqs: make(chan tunRequest, 4)}

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(_ ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if string(pass) == password {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected")
		},
	}
	cfg.AddHostKey(srv.hostKey)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	srv.addr = l.Addr().String()
	srv.port = l.Addr().(*net.TCPAddr).Port

	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			go srv.serve(c, cfg, handle)
		}
	}()
	return srv
}

func (srv *testServer) serve(c net.Conn, cfg *ssh.ServerConfig, handle func(ssh.Channel)) {
	sc, chans, reqs, err := ssh.NewServerConn(c, cfg)
	if err != nil {
		c.Close()
		return
	}
	defer sc.Close()
	go srv.globalRequests(reqs)

	for nc := range chans {
		if nc.ChannelType() != tunChannel {
			nc.Reject(ssh.UnknownChannelType, "only tun channels")
			continue
		}
		var req tunRequest
		if err := ssh.Unmarshal(nc.ExtraData(), &req); err == nil {
			srv.tunReqs <- req
		}
		ch, creqs, err := nc.Accept()
		if err != nil {
			continue
		}
		go ssh.DiscardRequests(creqs)
		go handle(ch)
	}
}

func (srv *testServer) globalRequests(reqs <-chan *ssh.Request) {
	for r := range reqs {
		if r.Type == keepaliveRequest {
			srv.keepalives.Add(1)
		}
		if r.WantReply && !srv.mute.Load() {
			r.Reply(false, nil)
		}
	}
}

func echo(ch ssh.Channel) {
	io.Copy(ch, ch)
	ch.Close()
}

// ── Callback recorder ────────────────────────────────────────────────

type recorder struct {
	events chan string
	closed chan error

	mu    sync.Mutex
	ts    gateway.TransformSet
	child gateway.ChildConfig
}

func newRecorder() *recorder {
	return &recorder{events: make(chan string, 16), closed: make(chan error, 1)}
}

func (r *recorder) OnOpened() { r.events <- "opened" }

func (r *recorder) OnChildTransformCreated(dir gateway.Direction, t gateway.Transform) {
	r.mu.Lock()
	r.ts.Set(dir, t)
	r.mu.Unlock()
	r.events <- "transform-" + dir.String()
}

func (r *recorder) OnChildOpened(cfg gateway.ChildConfig) {
	r.mu.Lock()
	r.child = cfg
	r.mu.Unlock()
	r.events <- "child"
}

func (r *recorder) OnSessionLost(error) { r.events <- "lost" }

func (r *recorder) OnSessionClosed(err error) { r.closed <- err }

func (r *recorder) waitEstablished(t *testing.T) {
	t.Helper()
	for _, want := range []string{"opened", "transform-in", "transform-out", "child"} {
		select {
		case got := <-r.events:
			require.Equal(t, want, got)
		case err := <-r.closed:
			t.Fatalf("session closed before %s: %v", want, err)
		case <-time.After(waitFor):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func (r *recorder) waitClosed(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.closed:
		return err
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for session close")
		return nil
	}
}

func testConfig(port int) *config.Config {
	cfg := config.Default()
	cfg.Engine = config.EngineSSH
	cfg.SSHUser = "tunnel"
	cfg.Host = "127.0.0.1"
	cfg.Port = port
	cfg.Transport = "tcp"
	cfg.ConnTimeout = 2 * time.Second
	cfg.TunnelAddress = "10.99.0.2/32"
	cfg.TunnelPeer = "10.99.0.1/32"
	return cfg
}

func newEngine(t *testing.T, cfg *config.Config, password string, onPacket func([]byte)) *Engine {
	t.Helper()
	return newEngineWith(t, cfg, Options{
		Auth:      []ssh.AuthMethod{ssh.Password(password)},
		OnPacket:  onPacket,
		Keepalive: -1,
	})
}

func newEngineWith(t *testing.T, cfg *config.Config, opts Options) *Engine {
	t.Helper()
	eng, err := NewFromConfig(cfg, opts)
	require.NoError(t, err)
	return eng
}

func start(t *testing.T, eng *Engine, cfg *config.Config) (gateway.EngineSession, *recorder) {
	t.Helper()
	rec := newRecorder()
	sess, err := eng.StartNegotiation(context.Background(), gateway.NegotiationParams{Token: 1, Config: cfg}, rec)
	require.NoError(t, err)
	return sess, rec
}

// ── Tests ────────────────────────────────────────────────────────────

func TestEngine_TunChannelRoundTrip(t *testing.T) {
	srv := startServer(t, "hunter2", echo)
	cfg := testConfig(srv.port)

	pkts := make(chan []byte, 4)
	eng := newEngine(t, cfg, "hunter2", func(p []byte) { pkts <- p })
	sess, rec := start(t, eng, cfg)
	rec.waitEstablished(t)

	select {
	case req := <-srv.tunReqs:
		assert.Equal(t, uint32(tunModePointToPoint), req.Mode)
		assert.Equal(t, uint32(tunUnitAny), req.Unit)
	case <-time.After(waitFor):
		t.Fatal("no tun request seen")
	}
	assert.Equal(t, []string{"10.99.0.2/32"}, rec.child.Addresses)
	assert.Equal(t, []string{"10.99.0.1/32"}, rec.child.Routes)

	ipv4 := []byte{0x45, 0, 0, 20, 0, 0, 0, 0, 64, 1, 0, 0, 10, 99, 0, 2, 10, 99, 0, 1}
	frame, err := rec.ts.Out.Apply(nil, ipv4)
	require.NoError(t, err)
	require.NoError(t, eng.Send(frame))

	select {
	case got := <-pkts:
		pt, err := rec.ts.In.Apply(nil, got)
		require.NoError(t, err)
		assert.Equal(t, ipv4, pt)
	case <-time.After(waitFor):
		t.Fatal("no echoed packet")
	}

	sess.RequestClose()
	assert.NoError(t, rec.waitClosed(t))
	assert.ErrorIs(t, eng.Send(frame), gwerrors.ErrNotConnected)
}

func TestEngine_WrongPasswordIsTerminal(t *testing.T) {
	srv := startServer(t, "hunter2", echo)
	cfg := testConfig(srv.port)

	_, rec := start(t, newEngine(t, cfg, "wrong", nil), cfg)
	err := rec.waitClosed(t)
	assert.ErrorIs(t, err, gwerrors.ErrAuthFailed)
	assert.True(t, gwerrors.IsTerminal(err))
	assert.Empty(t, rec.events)
}

func TestEngine_HostKeyMismatchIsTerminal(t *testing.T) {
	srv := startServer(t, "hunter2", echo)
	cfg := testConfig(srv.port)

	khPath := filepath.Join(t.TempDir(), "known_hosts")
	line := knownhosts.Line([]string{knownhosts.Normalize(srv.addr)}, newSigner(t).PublicKey())
	require.NoError(t, os.WriteFile(khPath, []byte(line+"\n"), 0o600))
	cfg.StrictHostKey = true
	cfg.KnownHostsPath = khPath

	_, rec := start(t, newEngine(t, cfg, "hunter2", nil), cfg)
	err := rec.waitClosed(t)
	assert.ErrorIs(t, err, gwerrors.ErrHostKeyMismatch)
	assert.True(t, gwerrors.IsTerminal(err))
}

func TestEngine_KnownHostAccepted(t *testing.T) {
	srv := startServer(t, "hunter2", echo)
	cfg := testConfig(srv.port)

	khPath := filepath.Join(t.TempDir(), "known_hosts")
	line := knownhosts.Line([]string{knownhosts.Normalize(srv.addr)}, srv.hostKey.PublicKey())
	require.NoError(t, os.WriteFile(khPath, []byte(line+"\n"), 0o600))
	cfg.StrictHostKey = true
	cfg.KnownHostsPath = khPath

	sess, rec := start(t, newEngine(t, cfg, "hunter2", nil), cfg)
	rec.waitEstablished(t)
	sess.ForceClose()
	assert.NoError(t, rec.waitClosed(t))
}

func TestEngine_GatewayClosesChannel(t *testing.T) {
	srv := startServer(t, "hunter2", func(ch ssh.Channel) { ch.Close() })
	cfg := testConfig(srv.port)

	_, rec := start(t, newEngine(t, cfg, "hunter2", nil), cfg)
	rec.waitEstablished(t)

	err := rec.waitClosed(t)
	assert.ErrorIs(t, err, gwerrors.ErrSessionClosed)
	assert.False(t, gwerrors.IsTerminal(err))
}

func TestEngine_NoSessionMigration(t *testing.T) {
	srv := startServer(t, "hunter2", echo)
	cfg := testConfig(srv.port)

	sess, rec := start(t, newEngine(t, cfg, "hunter2", nil), cfg)
	_, ok := sess.(gateway.Migrator)
	assert.False(t, ok, "ssh sessions renegotiate on network change")
	sess.RequestClose()
	assert.NoError(t, rec.waitClosed(t))
}

func TestEngine_KeepaliveAnswered(t *testing.T) {
	srv := startServer(t, "hunter2", echo)
	cfg := testConfig(srv.port)

	eng := newEngineWith(t, cfg, Options{
		Auth:      []ssh.AuthMethod{ssh.Password("hunter2")},
		Keepalive: 20 * time.Millisecond,
	})
	sess, rec := start(t, eng, cfg)
	rec.waitEstablished(t)

	require.Eventually(t, func() bool { return srv.keepalives.Load() >= 3 }, waitFor, 10*time.Millisecond)
	select {
	case err := <-rec.closed:
		t.Fatalf("session closed while keepalives were answered: %v", err)
	default:
	}

	sess.RequestClose()
	assert.NoError(t, rec.waitClosed(t))
}

func TestEngine_KeepaliveUnansweredLosesSession(t *testing.T) {
	srv := startServer(t, "hunter2", echo)
	srv.mute.Store(true)
	cfg := testConfig(srv.port)

	eng := newEngineWith(t, cfg, Options{
		Auth:      []ssh.AuthMethod{ssh.Password("hunter2")},
		Keepalive: 20 * time.Millisecond,
	})
	_, rec := start(t, eng, cfg)
	rec.waitEstablished(t)

	err := rec.waitClosed(t)
	assert.ErrorIs(t, err, gwerrors.ErrTimeout)
	assert.False(t, gwerrors.IsTerminal(err))
	var ee *gwerrors.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, "keepalive", ee.Op)
}

func TestNewFromConfig_RequiresUser(t *testing.T) {
	cfg := testConfig(22)
	cfg.SSHUser = ""
	_, err := NewFromConfig(cfg, Options{Auth: []ssh.AuthMethod{ssh.Password("x")}})
	var ce *gwerrors.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "ssh-user", ce.Field)
}

func TestTransforms_AddressFamily(t *testing.T) {
	out, in := afEncap{spi: 1}, afDecap{spi: 2}

	v4, err := out.Apply(nil, []byte{0x45, 1, 2})
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, afInet, 0x45, 1, 2}, v4)

	v6, err := out.Apply(nil, []byte{0x60, 9})
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, afInet6, 0x60, 9}, v6)

	pt, err := in.Apply(nil, v6)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x60, 9}, pt)

	_, err = in.Apply(nil, []byte{0, 0})
	assert.ErrorIs(t, err, errShortFrame)
}
