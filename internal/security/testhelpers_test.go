package security

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// gateFixture wires a gate over a static resolver and a JWT resolver.
type gateFixture struct {
	gate     *Gate
	sessions *JWTSessionResolver
	resolver *StaticResolver
	audit    *RecordingAuditSink
}

func newGateFixture(t *testing.T, opts ...GateOption) *gateFixture {
	t.Helper()
	sessions, err := NewJWTSessionResolver(testSecret, "estimatord-test", "estimator_session", nil)
	require.NoError(t, err)

	resolver := NewStaticResolver()
	resolver.AddMembership(Membership{UserID: "owner_1", ClientID: "acme_co", OrganizationID: "org_acme", Role: RoleOwner})
	resolver.AddMembership(Membership{UserID: "viewer_1", ClientID: "acme_co", OrganizationID: "org_acme", Role: RoleViewer})
	resolver.AddMembership(Membership{UserID: "owner_2", ClientID: "other_co", OrganizationID: "org_other", Role: RoleOwner})
	resolver.AddAdmin("platform_admin")

	audit := NewRecordingAuditSink(64)
	return &gateFixture{
		gate:     NewGate(sessions, resolver, audit, append([]GateOption{WithSuccessAudit(true)}, opts...)...),
		sessions: sessions,
		resolver: resolver,
		audit:    audit,
	}
}

func (f *gateFixture) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := f.sessions.Issue(userID, "sess_"+userID, time.Hour)
	require.NoError(t, err)
	return tok
}

// request builds a request for userID (empty for anonymous) and clientID
// passed as query parameter (empty to omit).
func (f *gateFixture) request(t *testing.T, userID, clientID string) *http.Request {
	t.Helper()
	target := "/api/v1/search"
	if clientID != "" {
		target += "?clientId=" + clientID
	}
	req := httptest.NewRequest(http.MethodPost, target, nil)
	req.Header.Set("User-Agent", "estimator-test/1.0")
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+f.token(t, userID))
	}
	return req
}

// startNATS runs an embedded JetStream-enabled server for the test.
func startNATS(t *testing.T) *nats.Conn {
	t.Helper()
	server, err := natsserver.NewServer(&natsserver.Options{
		Host:           "127.0.0.1",
		Port:           -1,
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 2048,
		JetStream:      true,
		StoreDir:       t.TempDir(),
	})
	require.NoError(t, err)

	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server not ready")
	}

	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)

	t.Cleanup(func() {
		nc.Close()
		server.Shutdown()
		server.WaitForShutdown()
	})
	return nc
}

func ok(context.Context, *Context) (string, error) { return "ok", nil }
