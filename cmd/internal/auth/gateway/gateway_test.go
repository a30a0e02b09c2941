package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"warden/cmd/identity"
	"warden/cmd/internal/auth/cache"
	"warden/cmd/internal/auth/events"
	"warden/cmd/internal/auth/repository"
	"warden/cmd/internal/auth/session"
	"warden/cmd/internal/auth/token"
	"warden/cmd/internal/retry"
	"warden/cmd/security/password"
	sectoken "warden/cmd/security/token"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recorder struct {
	mu  sync.Mutex
	evs []events.Event
}

func (r *recorder) Publish(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, ev)
	return nil
}

func (r *recorder) Close() {}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.evs))
	for _, ev := range r.evs {
		out = append(out, ev.Type)
	}
	return out
}

type fixture struct {
	svc    *Service
	repo   *repository.Repository
	codec  *token.Codec
	digest *sectoken.Digester
	mr     *miniredis.Miniredis
	events *recorder
}

func newFixture(t *testing.T, withCache bool) *fixture {
	t.Helper()

	codec, err := token.NewCodec(token.Config{
		Secret:     "gateway-test-secret-0123456789abcdef",
		Algorithm:  "HS256",
		Issuer:     "warden",
		AccessTTL:  30 * time.Minute,
		RefreshTTL: 7 * 24 * time.Hour,
	})
	require.NoError(t, err)

	digest, err := sectoken.NewDigester("")
	require.NoError(t, err)

	users := identity.NewMemoryStore()
	sessions, err := session.NewMemoryStore(session.Config{RefreshTTL: codec.RefreshTTL(), Digester: digest}, users)
	require.NoError(t, err)
	users.OnDelete(sessions.DropUser)

	f := &fixture{codec: codec, digest: digest, events: &recorder{}}

	var c cache.Cache
	if withCache {
		f.mr = miniredis.RunT(t)
		rdb := redis.NewClient(&redis.Options{Addr: f.mr.Addr(), MaxRetries: -1})
		t.Cleanup(func() { _ = rdb.Close() })
		c = cache.NewRedis(rdb)
	}

	rcfg := repository.DefaultConfig()
	rcfg.KeyPrefix = "t:"
	rcfg.Retry = retry.Config{InitialInterval: time.Millisecond, MaxAttempts: 2}
	f.repo, err = repository.New(users, sessions, c, digest, rcfg, zap.NewNop())
	require.NoError(t, err)

	pcfg := password.DefaultConfig()
	pcfg.Params.MemoryKiB = 8 * 1024
	pcfg.Params.Iterations = 1
	pcfg.Params.Parallelism = 1
	hasher, err := password.NewHasher(pcfg)
	require.NoError(t, err)

	f.svc, err = New(codec, f.repo, hasher, f.events, zap.NewNop())
	require.NoError(t, err)
	return f
}

func (f *fixture) register(t *testing.T, email, pw string) TokenPair {
	t.Helper()
	pair, err := f.svc.Register(context.Background(), RegisterInput{Email: email, Password: pw, Name: "Test", UserAgent: "go-test"})
	require.NoError(t, err)
	return pair
}

func (f *fixture) userID(t *testing.T, pair TokenPair) string {
	t.Helper()
	claims := f.codec.Decode(pair.AccessToken)
	require.NotNil(t, claims)
	return claims.UserID
}

func assertAuth(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, identity.IsAuth(err), "want AuthError, got %v", err)
}

func TestNew_Validates(t *testing.T) {
	f := newFixture(t, false)

	_, err := New(nil, f.repo, f.svc.hasher, nil, nil)
	assert.Error(t, err)
	_, err = New(f.codec, nil, f.svc.hasher, nil, nil)
	assert.Error(t, err)
	_, err = New(f.codec, f.repo, nil, nil, nil)
	assert.Error(t, err)

	s, err := New(f.codec, f.repo, f.svc.hasher, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, events.Nop{}, s.events)
}

func TestAliceScenario(t *testing.T) {
	for _, tc := range []struct {
		name  string
		cache bool
	}{
		{"redis", true},
		{"cache_disabled", false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.cache)
			ctx := context.Background()

			reg := f.register(t, "alice@x.com", "secret1")
			assert.Equal(t, "bearer", reg.TokenType)
			assert.NotEmpty(t, reg.AccessToken)

			login, err := f.svc.Login(ctx, LoginInput{Email: "alice@x.com", Password: "secret1"})
			require.NoError(t, err)
			assert.NotEqual(t, reg.RefreshToken, login.RefreshToken)

			next, err := f.svc.Refresh(ctx, login.RefreshToken, "")
			require.NoError(t, err)
			assert.NotEqual(t, login.RefreshToken, next.RefreshToken)
			assert.Equal(t, f.userID(t, reg), f.userID(t, next))

			_, err = f.svc.Refresh(ctx, login.RefreshToken, "")
			assertAuth(t, err)

			f.svc.Logout(ctx, next.RefreshToken)

			_, err = f.svc.Refresh(ctx, next.RefreshToken, "")
			assertAuth(t, err)

			// The registration session was never touched.
			_, err = f.svc.Refresh(ctx, reg.RefreshToken, "")
			require.NoError(t, err)
		})
	}
}

func TestRegister_Rejects(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	f.register(t, "alice@x.com", "secret1")

	_, err := f.svc.Register(ctx, RegisterInput{Email: "ALICE@x.com", Password: "another1"})
	var conflict identity.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "email", conflict.Field)

	_, err = f.svc.Register(ctx, RegisterInput{Email: "not-an-email", Password: "secret1"})
	assert.True(t, identity.IsInvalidInput(err))

	_, err = f.svc.Register(ctx, RegisterInput{Email: "bob@x.com", Password: "abc"})
	assert.True(t, identity.IsInvalidInput(err))
}

func TestRegister_DefaultsNameAndEmitsEvents(t *testing.T) {
	f := newFixture(t, false)
	pair, err := f.svc.Register(context.Background(), RegisterInput{Email: "carol@x.com", Password: "secret1"})
	require.NoError(t, err)

	p, err := f.svc.Profile(context.Background(), f.userID(t, pair))
	require.NoError(t, err)
	assert.Equal(t, "carol", p.Name)
	assert.Equal(t, []string{events.UserRegistered, events.SessionCreated}, f.events.types())
}

func TestLogin_UniformFailure(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	f.register(t, "alice@x.com", "secret1")
	_, err := f.svc.OAuthLogin(ctx, OAuthInput{ExternalID: "99", Email: "gh@x.com"})
	require.NoError(t, err)

	for _, in := range []LoginInput{
		{Email: "nobody@x.com", Password: "secret1"},
		{Email: "alice@x.com", Password: "wrong-one"},
		{Email: "gh@x.com", Password: "secret1"},
		{Email: "", Password: ""},
	} {
		_, err := f.svc.Login(ctx, in)
		var ae identity.AuthError
		require.ErrorAs(t, err, &ae, "email %q", in.Email)
		assert.Equal(t, identity.MsgBadCredentials, ae.Message())
	}
}

func TestLogin_MalformedStoredHashIsAuthError(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	bad := "not-a-phc-string"
	_, err := f.repo.CreateUser(ctx, identity.CreateUserInput{Email: "broken@x.com", Name: "B", PasswordHash: &bad})
	require.NoError(t, err)

	_, err = f.svc.Login(ctx, LoginInput{Email: "broken@x.com", Password: "secret1"})
	assertAuth(t, err)
}

func TestLogin_CaseInsensitiveEmail(t *testing.T) {
	f := newFixture(t, false)
	f.register(t, "alice@x.com", "secret1")

	_, err := f.svc.Login(context.Background(), LoginInput{Email: "  Alice@X.com ", Password: "secret1"})
	assert.NoError(t, err)
}

func TestRefresh_RejectsNonRefreshTokens(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	pair := f.register(t, "alice@x.com", "secret1")

	for _, tok := range []string{"", "garbage", pair.AccessToken, pair.RefreshToken + "x"} {
		_, err := f.svc.Refresh(ctx, tok, "")
		assertAuth(t, err)
	}

	// A well-signed refresh token that was never stored.
	stray, _, err := f.codec.IssueRefresh(0)
	require.NoError(t, err)
	_, err = f.svc.Refresh(ctx, stray, "")
	assertAuth(t, err)
}

func TestRefresh_ConcurrentSingleWinner(t *testing.T) {
	f := newFixture(t, true)
	pair := f.register(t, "alice@x.com", "secret1")

	const n = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
		authErr int
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.svc.Refresh(context.Background(), pair.RefreshToken, "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case identity.IsAuth(err):
				authErr++
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, winners)
	assert.Equal(t, n-1, authErr)

	list, err := f.svc.ListSessions(context.Background(), f.userID(t, pair))
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestLogout_IdempotentAndFailOpen(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	pair := f.register(t, "alice@x.com", "secret1")

	f.svc.Logout(ctx, pair.RefreshToken)
	f.svc.Logout(ctx, pair.RefreshToken)
	f.svc.Logout(ctx, "forged")
	f.svc.Logout(ctx, "")

	_, err := f.svc.Refresh(ctx, pair.RefreshToken, "")
	assertAuth(t, err)
	assert.Equal(t, 1, countType(f.events.types(), events.SessionRevoked))
}

// assertBuried checks that a revoked key holds a tombstone rather than a usable value.
func assertBuried(t *testing.T, mr *miniredis.Miniredis, key string) {
	t.Helper()
	raw, err := mr.Get(key)
	require.NoError(t, err, key)
	assert.Equal(t, cache.Tombstone, raw, key)
}

func TestLogout_RemovesCachedBlobImmediately(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	pair := f.register(t, "alice@x.com", "secret1")

	key := "t:session:" + f.digest.Sum(pair.RefreshToken)
	require.True(t, f.mr.Exists(key))

	f.svc.Logout(ctx, pair.RefreshToken)
	assertBuried(t, f.mr, key)
}

func TestLogoutAll_ThenRefreshFails(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	a := f.register(t, "alice@x.com", "secret1")
	b, err := f.svc.Login(ctx, LoginInput{Email: "alice@x.com", Password: "secret1", UserAgent: "phone"})
	require.NoError(t, err)
	uid := f.userID(t, a)

	list, err := f.svc.ListSessions(ctx, uid)
	require.NoError(t, err)
	require.Len(t, list, 2)
	agents := map[string]bool{}
	for _, si := range list {
		require.NotNil(t, si.UserAgent)
		agents[*si.UserAgent] = true
	}
	assert.Equal(t, map[string]bool{"go-test": true, "phone": true}, agents)

	require.NoError(t, f.svc.LogoutAll(ctx, uid))
	require.NoError(t, f.svc.LogoutAll(ctx, uid))

	for _, tok := range []string{a.RefreshToken, b.RefreshToken} {
		_, err := f.svc.Refresh(ctx, tok, "")
		assertAuth(t, err)
		assertBuried(t, f.mr, "t:session:"+f.digest.Sum(tok))
	}
	list, err = f.svc.ListSessions(ctx, uid)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestOAuthLogin(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	first, err := f.svc.OAuthLogin(ctx, OAuthInput{ExternalID: "42", Email: "octo@x.com", DisplayName: "Octo", AvatarURL: "https://a/1.png"})
	require.NoError(t, err)
	second, err := f.svc.OAuthLogin(ctx, OAuthInput{ExternalID: "42", Email: "changed@x.com"})
	require.NoError(t, err)
	assert.Equal(t, f.userID(t, first), f.userID(t, second))

	u, err := f.repo.GetUserRecord(ctx, f.userID(t, first))
	require.NoError(t, err)
	assert.False(t, u.HasPassword())
	assert.Equal(t, "Octo", u.Name)
	require.NotNil(t, u.Avatar)
	assert.Equal(t, "https://a/1.png", *u.Avatar)

	_, err = f.svc.OAuthLogin(ctx, OAuthInput{ExternalID: " ", Email: "x@x.com"})
	assertAuth(t, err)
	_, err = f.svc.OAuthLogin(ctx, OAuthInput{ExternalID: "77", Email: ""})
	assertAuth(t, err)
}

func TestOAuthLogin_LinksPasswordAccountByEmail(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	pw := f.register(t, "alice@x.com", "secret1")

	gh, err := f.svc.OAuthLogin(ctx, OAuthInput{ExternalID: "1001", Email: "Alice@x.com"})
	require.NoError(t, err)
	assert.Equal(t, f.userID(t, pw), f.userID(t, gh))

	// Password login still works after linking.
	_, err = f.svc.Login(ctx, LoginInput{Email: "alice@x.com", Password: "secret1"})
	require.NoError(t, err)

	// A different provider account cannot take over the same email.
	_, err = f.svc.OAuthLogin(ctx, OAuthInput{ExternalID: "2002", Email: "alice@x.com"})
	assert.True(t, identity.IsConflict(err))
}

func TestChangePassword(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	pair := f.register(t, "alice@x.com", "secret1")
	uid := f.userID(t, pair)
	other, err := f.svc.Login(ctx, LoginInput{Email: "alice@x.com", Password: "secret1"})
	require.NoError(t, err)

	err = f.svc.ChangePassword(ctx, uid, "wrong-one", "newsecret")
	assertAuth(t, err)

	err = f.svc.ChangePassword(ctx, uid, "secret1", "abc")
	assert.True(t, identity.IsInvalidInput(err))

	require.NoError(t, f.svc.ChangePassword(ctx, uid, "secret1", "newsecret"))

	// Every session goes, the caller's own included.
	_, err = f.svc.Refresh(ctx, pair.RefreshToken, "")
	assertAuth(t, err)
	_, err = f.svc.Refresh(ctx, other.RefreshToken, "")
	assertAuth(t, err)
	_, err = f.svc.Login(ctx, LoginInput{Email: "alice@x.com", Password: "secret1"})
	assertAuth(t, err)
	_, err = f.svc.Login(ctx, LoginInput{Email: "alice@x.com", Password: "newsecret"})
	assert.NoError(t, err)
}

func TestProfileAndRoles(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	uid := f.userID(t, f.register(t, "alice@x.com", "secret1"))

	_, err := f.svc.UpdateProfile(ctx, uid, identity.ProfilePatch{})
	assert.True(t, identity.IsInvalidInput(err))

	name := "Alice A"
	p, err := f.svc.UpdateProfile(ctx, uid, identity.ProfilePatch{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "Alice A", p.Name)

	_, err = f.svc.SetRoles(ctx, uid, identity.RolePatch{})
	assert.True(t, identity.IsInvalidInput(err))

	yes := true
	p, err = f.svc.SetRoles(ctx, uid, identity.RolePatch{IsAuthor: &yes})
	require.NoError(t, err)
	assert.True(t, p.IsAuthor)
	assert.False(t, p.IsAdmin)

	cached, err := f.svc.Profile(ctx, uid)
	require.NoError(t, err)
	assert.True(t, cached.IsAuthor)
	assert.Equal(t, "Alice A", cached.Name)

	list, err := f.svc.ListUsers(ctx, 10, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestDeleteUser_RevokesSessions(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	pair := f.register(t, "alice@x.com", "secret1")
	uid := f.userID(t, pair)

	require.NoError(t, f.svc.DeleteUser(ctx, uid))

	_, err := f.svc.Refresh(ctx, pair.RefreshToken, "")
	assertAuth(t, err)
	_, err = f.svc.Profile(ctx, uid)
	assert.True(t, identity.IsNotFound(err))
	assertBuried(t, f.mr, "t:user:"+uid)
	assert.Contains(t, f.events.types(), events.UserDeleted)

	err = f.svc.DeleteUser(ctx, uid)
	assert.True(t, identity.IsNotFound(err))
}

func countType(types []string, want string) int {
	n := 0
	for _, t := range types {
		if t == want {
			n++
		}
	}
	return n
}
