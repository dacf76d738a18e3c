package rest_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/kasuganosora/guildsvc/api/rest"
	"github.com/kasuganosora/guildsvc/audit"
	"github.com/kasuganosora/guildsvc/config"
	"github.com/kasuganosora/guildsvc/guild"
	mw "github.com/kasuganosora/guildsvc/middleware"
	"github.com/kasuganosora/guildsvc/permission"
	"github.com/kasuganosora/guildsvc/scheduler"
	"github.com/kasuganosora/guildsvc/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testSecret = "test-secret"
	adminKey   = "admin-test-key"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type env struct {
	r     *gin.Engine
	svc   *guild.Service
	audit *audit.Service
	sched *scheduler.Scheduler
}

// newEnv wires the full HTTP stack over an in-memory store and local cache.
func newEnv(t *testing.T, tweak ...func(*config.GuildConfig)) *env {
	t.Helper()
	return newEnvWith(t, config.DefaultPermissions(), tweak...)
}

// newEnvWith is newEnv with a custom capability matrix.
func newEnvWith(t *testing.T, matrix config.PermissionsConfig, tweak ...func(*config.GuildConfig)) *env {
	t.Helper()
	db := testutil.SetupTestDB(t)
	c, _ := testutil.SetupTestCache(t)
	logger := zap.NewNop()

	cfg := config.DefaultGuildConfig()
	for _, fn := range tweak {
		fn(&cfg)
	}
	auditSvc := audit.New(db, logger, audit.Options{FlushInterval: time.Hour})
	t.Cleanup(func() { auditSvc.Stop(context.Background()) })

	svc := guild.NewService(db, c, auditSvc, cfg, logger)
	perms := permission.NewResolver(svc, c, matrix, logger)
	svc.SetInvalidator(perms)
	exec := guild.NewExecutor(4, logger)

	sched := scheduler.New(logger)
	t.Cleanup(sched.Stop)
	scheduler.RegisterMaintenance(sched, config.AuditConfig{
		RetentionDays: 30, PruneInterval: time.Hour, ExpireInterval: time.Hour,
	}, auditSvc, svc)

	sec := config.SecurityConfig{JWTSecret: testSecret, JWTTTLH: time.Hour}
	r := gin.New()
	api := r.Group("/api", mw.Auth(sec, c))
	rest.NewGuildHandler(svc, exec, perms, auditSvc, logger).Register(api)
	auth := rest.NewAuthHandler(c, sec, logger)
	auth.Register(api)
	admin := r.Group("/api/admin", mw.AdminKey(adminKey))
	rest.NewAdminHandler(svc, exec, sched, logger).Register(admin)
	auth.RegisterAdmin(admin)

	return &env{r: r, svc: svc, audit: auditSvc, sched: sched}
}

// player is an authenticated test client.
type player struct {
	id    string
	name  string
	token string
}

func newPlayer(t *testing.T, name string) player {
	t.Helper()
	id := uuid.NewString()
	tok, err := mw.GenerateToken(id, name, testSecret, time.Hour)
	require.NoError(t, err)
	return player{id: id, name: name, token: tok}
}

func (e *env) call(method, path string, p *player, body interface{}, headers ...string) *httptest.ResponseRecorder {
	var rd *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if p != nil {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	e.r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

// createGuild creates a guild led by p and returns its id.
func (e *env) createGuild(t *testing.T, p player, name, tag string) int64 {
	t.Helper()
	w := e.call(http.MethodPost, "/api/guilds", &p, map[string]string{"name": name, "tag": tag})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return int64(decode(t, w)["id"].(float64))
}
