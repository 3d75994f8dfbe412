package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/estimatord/internal/config"
	"github.com/fyrsmithlabs/estimatord/internal/logging"
	"github.com/fyrsmithlabs/estimatord/internal/security"
)

func testSecurityConfig() config.SecurityConfig {
	return config.SecurityConfig{
		JWTSecret:     config.Secret("0123456789abcdef0123456789abcdef"),
		JWTIssuer:     "estimatord-test",
		SessionCookie: "estimator_session",
		Resolver:      "static",
		Admins:        []string{"root"},
		Memberships: []config.MembershipConfig{
			{UserID: "alice", ClientID: "acme_co", OrganizationID: "org_acme", Role: "estimator"},
		},
	}
}

func TestRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()
	names := make(map[string]bool)
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "migrate", "token", "members", "version"} {
		assert.True(t, names[want], "missing %s command", want)
	}
}

func TestVersionCmd(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "Version:    dev")
}

func TestRateLimits(t *testing.T) {
	got := rateLimits(config.RateLimitConfig{Window: time.Minute, Ingest: 1, Search: 2, Delete: 3, Stats: 4})
	assert.Equal(t, time.Minute, got.Window)
	assert.Equal(t, 1, got.Ingest)
	assert.Equal(t, 2, got.Search)
	assert.Equal(t, 3, got.Delete)
	assert.Equal(t, 4, got.Stats)
}

func TestMintToken(t *testing.T) {
	sc := testSecurityConfig()
	tok, err := mintToken(sc, "alice", time.Hour)
	require.NoError(t, err)

	sessions, err := security.NewJWTSessionResolver([]byte(sc.JWTSecret.Value()), sc.JWTIssuer, sc.SessionCookie, nil)
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/api/v1/stats", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	session, err := sessions.Resolve(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, "alice", session.UserID)
	assert.NotEmpty(t, session.SessionID)
}

func TestMintToken_ShortSecret(t *testing.T) {
	sc := testSecurityConfig()
	sc.JWTSecret = "short"
	_, err := mintToken(sc, "alice", time.Hour)
	assert.Error(t, err)
}

func TestBuildResolver(t *testing.T) {
	t.Run("static", func(t *testing.T) {
		r, err := buildResolver(testSecurityConfig(), nil)
		require.NoError(t, err)

		m, err := r.Membership(context.Background(), "alice", "acme_co")
		require.NoError(t, err)
		assert.Equal(t, security.RoleEstimator, m.Role)

		admin, err := r.IsUserAdmin(context.Background(), "root")
		require.NoError(t, err)
		assert.True(t, admin)
	})

	t.Run("static rejects unknown role", func(t *testing.T) {
		sc := testSecurityConfig()
		sc.Memberships[0].Role = "janitor"
		_, err := buildResolver(sc, nil)
		assert.Error(t, err)
	})

	t.Run("postgres requires a pool", func(t *testing.T) {
		sc := testSecurityConfig()
		sc.Resolver = "postgres"
		_, err := buildResolver(sc, nil)
		assert.Error(t, err)
	})
}

func TestBuildAuditSink_WithoutNATS(t *testing.T) {
	sc := testSecurityConfig()
	sc.AuditSubject = "estimatord.audit"
	sink := buildAuditSink(sc, logging.NewNop(), nil, zap.NewNop())
	multi, ok := sink.(security.MultiAuditSink)
	require.True(t, ok)
	assert.Len(t, multi, 1)
}

func TestBuildCounterStore(t *testing.T) {
	t.Run("memory starts a janitor", func(t *testing.T) {
		deps := &dependencies{}
		store, err := buildCounterStore(context.Background(), config.RateLimitConfig{Backend: "memory", Window: time.Minute}, deps)
		require.NoError(t, err)
		assert.IsType(t, &security.MemoryCounterStore{}, store)
		require.NotNil(t, deps.janitor)
		deps.janitor()
	})

	t.Run("nats requires a connection", func(t *testing.T) {
		_, err := buildCounterStore(context.Background(), config.RateLimitConfig{Backend: "nats", Window: time.Minute}, &dependencies{})
		assert.Error(t, err)
	})
}

func TestNewLogger(t *testing.T) {
	cfg := config.Default()
	cfg.Logging = config.LoggingConfig{Level: "debug", Format: "console"}
	log, err := newLogger(cfg)
	require.NoError(t, err)
	assert.NotNil(t, log.Underlying())

	cfg.Logging.Level = "loud"
	_, err = newLogger(cfg)
	assert.Error(t, err)
}
