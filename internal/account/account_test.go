package account

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/labkeeper/internal/apperr"
	"github.com/example/labkeeper/internal/credential"
	"github.com/example/labkeeper/internal/identity"
	"github.com/example/labkeeper/internal/invite"
	"github.com/example/labkeeper/internal/store"
	"github.com/example/labkeeper/internal/token"
)

type fixture struct {
	svc    *Service
	db     *store.Store
	tokens *token.Service
	clock  *time.Time
	logs   *test.Hook
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	now := time.Now()
	f := &fixture{db: db, clock: &now}
	clock := func() time.Time { return *f.clock }
	f.tokens = token.NewService("secret", time.Hour, 24*time.Hour).WithClock(clock)
	ids := identity.NewResolver(map[string][]string{"machine-key": {"db"}}, db.Queries)

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	f.logs = hook

	f.svc, err = New(db, f.tokens, ids,
		WithHasher(&credential.Hasher{Rounds: 1000, SaltSize: 16}),
		WithClock(clock),
		WithLogger(logger))
	require.NoError(t, err)
	return f
}

func (f *fixture) invite(t *testing.T, code string, maxUses int) {
	t.Helper()
	require.NoError(t, f.db.CreateInvite(context.Background(), &store.Invite{Code: code, MaxUses: maxUses, IsActive: true}))
}

func (f *fixture) register(t *testing.T, code, username string) *Registration {
	t.Helper()
	reg, err := f.svc.Register(context.Background(), RegisterInput{
		Username: username, Email: username + "@x.com", Password: "pw123", InviteCode: code,
	}, nil)
	require.NoError(t, err)
	return reg
}

func (f *fixture) admin(t *testing.T) *token.Claims {
	t.Helper()
	u, err := f.svc.CreateAdmin(context.Background(), "root", "root@x.com", "rootpw")
	require.NoError(t, err)
	return &token.Claims{Identity: token.UserIdentity(u.ID), IsAdmin: true, Kind: token.KindAccess}
}

func TestRegisterThenLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.invite(t, "INV1", 1)

	reg := f.register(t, "INV1", "alice")
	assert.Equal(t, "alice", reg.User.Username)
	assert.Equal(t, []string{"db", "doc"}, reg.User.Scopes)
	assert.NotEmpty(t, reg.Tokens.AccessToken)

	body, err := json.Marshal(reg)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "password")
	assert.NotContains(t, string(body), "pbkdf2")

	pair, err := f.svc.Login(ctx, "alice", "pw123")
	require.NoError(t, err)
	claims, err := f.tokens.VerifyAccess(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, reg.User.ID, claims.UserID)

	_, err = f.svc.Register(ctx, RegisterInput{Username: "bob", Email: "bob@x.com", Password: "pw", InviteCode: "INV1"}, nil)
	require.Error(t, err)
	assert.Equal(t, "invalid_invite", apperr.CodeOf(err))

	u, err := f.db.GetUserByLogin(ctx, "bob")
	require.NoError(t, err)
	assert.Nil(t, u)
}

func TestLoginScopesMatchStorage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.invite(t, "INV", 1)
	reg := f.register(t, "INV", "alice")
	admin := f.admin(t)

	_, err := f.svc.GrantScope(ctx, admin, reg.User.ID, "reports")
	require.NoError(t, err)
	_, err = f.svc.RevokeScope(ctx, admin, reg.User.ID, "doc")
	require.NoError(t, err)

	pair, err := f.svc.Login(ctx, "ALICE@x.com", "pw123")
	require.NoError(t, err)
	stored, err := f.db.ListScopes(ctx, reg.User.ID)
	require.NoError(t, err)
	assert.Equal(t, stored, pair.Scopes)
	assert.Equal(t, []string{"db", "reports"}, pair.Scopes)

	u, err := f.db.GetUserByID(ctx, reg.User.ID)
	require.NoError(t, err)
	require.NotNil(t, u.LastLoginAt)
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.invite(t, "INV", 2)
	f.register(t, "INV", "alice")
	reg := f.register(t, "INV", "carol")
	admin := f.admin(t)
	require.NoError(t, f.svc.SetActive(ctx, admin, reg.User.ID, false))

	var msgs []string
	for _, attempt := range [][2]string{
		{"alice", "wrong"},
		{"nobody", "pw123"},
		{"carol", "pw123"},
	} {
		_, err := f.svc.Login(ctx, attempt[0], attempt[1])
		require.Error(t, err)
		assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))
		msgs = append(msgs, err.Error())
	}
	assert.Equal(t, msgs[0], msgs[1])
	assert.Equal(t, msgs[0], msgs[2])
	assert.Contains(t, msgs[0], "Invalid credentials")
	assert.NotEmpty(t, f.logs.AllEntries())
}

func TestLoginUpgradesLegacyHash(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	legacy, err := bcrypt.GenerateFromPassword([]byte("oldpw"), bcrypt.MinCost)
	require.NoError(t, err)
	u := &store.User{Username: "legacy", Email: "legacy@x.com", PasswordHash: string(legacy), IsActive: true}
	require.NoError(t, f.db.CreateUser(ctx, u))

	_, err = f.svc.Login(ctx, "legacy", "oldpw")
	require.NoError(t, err)

	got, err := f.db.GetUserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(got.PasswordHash, "$pbkdf2-sha256$"))

	_, err = f.svc.Login(ctx, "legacy", "oldpw")
	require.NoError(t, err)
}

func TestRefreshKeepsFrozenScopes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.invite(t, "INV", 1)
	reg := f.register(t, "INV", "alice")
	admin := f.admin(t)

	pair, err := f.svc.Login(ctx, "alice", "pw123")
	require.NoError(t, err)
	_, err = f.svc.RevokeScope(ctx, admin, reg.User.ID, "db")
	require.NoError(t, err)

	claims, err := f.tokens.VerifyRefresh(pair.RefreshToken)
	require.NoError(t, err)
	fresh, err := f.svc.Refresh(ctx, claims)
	require.NoError(t, err)
	assert.Equal(t, []string{"db", "doc"}, fresh.Scopes)
}

func TestExchangeAPIKey(t *testing.T) {
	f := newFixture(t)
	pair, err := f.svc.ExchangeAPIKey("machine-key")
	require.NoError(t, err)
	assert.Equal(t, []string{"db"}, pair.Scopes)

	claims, err := f.tokens.VerifyAccess(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, token.SubAPIKey, claims.SubType)
	assert.False(t, claims.IsAdmin)
	assert.NotContains(t, pair.AccessToken, "machine-key")

	me, err := f.svc.Me(context.Background(), claims)
	require.NoError(t, err)
	assert.Nil(t, me.User)
	assert.Equal(t, identity.Fingerprint("machine-key"), me.KeyID)

	_, err = f.svc.ExchangeAPIKey("nope")
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))
}

func TestRegisterUserExistsRollsBackInvite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.invite(t, "A", 1)
	f.invite(t, "B", 1)
	f.register(t, "A", "alice")

	_, err := f.svc.Register(ctx, RegisterInput{Username: "Alice", Email: "other@x.com", Password: "pw", InviteCode: "B"}, nil)
	require.Error(t, err)
	assert.Equal(t, "user_exists", apperr.CodeOf(err))
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	inv, err := f.db.GetInviteByCode(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, 0, inv.Uses)
}

func TestRegisterExplicitScopes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.invite(t, "INV", 3)
	reg := f.register(t, "INV", "alice")
	in := RegisterInput{Username: "bob", Email: "bob@x.com", Password: "pw", InviteCode: "INV", Scopes: []string{" lab ", "lab", ""}}

	anon, err := f.svc.Register(ctx, in, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"db", "doc"}, anon.User.Scopes)

	in.Username, in.Email = "carol", "carol@x.com"
	requester := &token.Claims{Identity: token.UserIdentity(reg.User.ID), Kind: token.KindAccess}
	withUser, err := f.svc.Register(ctx, in, requester)
	require.NoError(t, err)
	assert.Equal(t, []string{"lab"}, withUser.User.Scopes)
	stored, err := f.db.ListScopes(ctx, withUser.User.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"lab"}, stored)
}

func TestRegisterRequiresFields(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Register(context.Background(), RegisterInput{Username: "a", Email: "a@x.com"}, nil)
	assert.Equal(t, "invalid_request", apperr.CodeOf(err))
}

func TestChangePassword(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.invite(t, "INV", 1)
	reg := f.register(t, "INV", "alice")
	claims := &token.Claims{Identity: token.UserIdentity(reg.User.ID), Kind: token.KindAccess}

	err := f.svc.ChangePassword(ctx, claims, "wrong", "new")
	require.Error(t, err)
	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "Current password incorrect", ae.Message)

	require.NoError(t, f.svc.ChangePassword(ctx, claims, "pw123", "new"))
	_, err = f.svc.Login(ctx, "alice", "new")
	require.NoError(t, err)

	apiClaims := &token.Claims{Identity: token.APIKeyIdentity("k"), Kind: token.KindAccess}
	err = f.svc.ChangePassword(ctx, apiClaims, "a", "b")
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))
}

func TestPasswordResetFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.invite(t, "INV", 1)
	f.register(t, "INV", "alice")

	none, err := f.svc.RequestPasswordReset(ctx, "ghost@x.com")
	require.NoError(t, err)
	assert.Empty(t, none)

	tok, err := f.svc.RequestPasswordReset(ctx, "Alice@X.com")
	require.NoError(t, err)
	require.NotEmpty(t, tok)

	require.NoError(t, f.svc.PerformPasswordReset(ctx, tok, "fresh"))
	_, err = f.svc.Login(ctx, "alice", "fresh")
	require.NoError(t, err)

	err = f.svc.PerformPasswordReset(ctx, tok, "again")
	assert.Equal(t, "invalid_token", apperr.CodeOf(err))
	_, err = f.svc.Login(ctx, "alice", "fresh")
	require.NoError(t, err)
}

type recordingNotifier struct {
	mu     sync.Mutex
	tokens map[string]string
}

func (n *recordingNotifier) NotifyPasswordReset(_ context.Context, u *store.User, resetToken string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.tokens == nil {
		n.tokens = map[string]string{}
	}
	n.tokens[u.Email] = resetToken
	return nil
}

func TestPasswordResetNotifies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	n := &recordingNotifier{}
	WithResetNotifier(n)(f.svc)
	f.invite(t, "INV", 1)
	f.register(t, "INV", "alice")

	_, err := f.svc.RequestPasswordReset(ctx, "ghost@x.com")
	require.NoError(t, err)
	assert.Empty(t, n.tokens)

	tok, err := f.svc.RequestPasswordReset(ctx, "alice@x.com")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"alice@x.com": tok}, n.tokens)
}

func TestPasswordResetDefaultNotifierLogs(t *testing.T) {
	f := newFixture(t)
	f.invite(t, "INV", 1)
	f.register(t, "INV", "alice")
	f.logs.Reset()

	tok, err := f.svc.RequestPasswordReset(context.Background(), "alice@x.com")
	require.NoError(t, err)
	entry := f.logs.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.DebugLevel, entry.Level)
	assert.Equal(t, tok, entry.Data["token"])
}

func TestPasswordResetExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.invite(t, "INV", 1)
	f.register(t, "INV", "alice")

	tok, err := f.svc.RequestPasswordReset(ctx, "alice@x.com")
	require.NoError(t, err)

	*f.clock = f.clock.Add(61 * time.Minute)
	err = f.svc.PerformPasswordReset(ctx, tok, "late")
	assert.Equal(t, "invalid_token", apperr.CodeOf(err))

	*f.clock = time.Now()
	_, err = f.svc.Login(ctx, "alice", "pw123")
	require.NoError(t, err)
}

func TestAdminOperationsRequireAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := &token.Claims{Identity: token.UserIdentity(1), Scopes: []string{"db", "doc"}, Kind: token.KindAccess}

	_, err := f.svc.CreateInvite(ctx, user, invite.CreateParams{})
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
	_, err = f.svc.ListUsers(ctx, user, 10, 0)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
	_, err = f.svc.GrantScope(ctx, user, 1, "db")
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(f.svc.SetActive(ctx, user, 1, false)))
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(f.svc.DeactivateInvite(ctx, nil, "x")))
}

func TestAdminOperations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := f.admin(t)

	inv, err := f.svc.CreateInvite(ctx, admin, invite.CreateParams{Email: "dave@x.com", MaxUses: 2})
	require.NoError(t, err)
	require.NotNil(t, inv.ExpiresAt)

	reg, err := f.svc.Register(ctx, RegisterInput{Username: "dave", Email: "DAVE@x.com", Password: "pw", InviteCode: inv.Code}, nil)
	require.NoError(t, err)

	page, err := f.svc.ListUsers(ctx, admin, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	assert.True(t, page.Users[0].IsAdmin)
	assert.Equal(t, []string{"db", "doc"}, page.Users[0].Scopes)

	_, err = f.svc.GrantScope(ctx, admin, 9999, "db")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	_, err = f.svc.GrantScope(ctx, admin, reg.User.ID, " ")
	assert.Equal(t, apperr.KindBadRequest, apperr.KindOf(err))

	err = f.svc.SetActive(ctx, admin, admin.UserID, false)
	assert.Equal(t, apperr.KindBadRequest, apperr.KindOf(err))
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(f.svc.SetActive(ctx, admin, 9999, true)))

	require.NoError(t, f.svc.DeactivateInvite(ctx, admin, inv.Code))
	_, err = f.svc.Register(ctx, RegisterInput{Username: "erin", Email: "dave@x.com", Password: "pw", InviteCode: inv.Code}, nil)
	assert.Equal(t, "invalid_invite", apperr.CodeOf(err))
}

func TestDeactivatedAdminLosesAdminRights(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := f.admin(t)
	u, err := f.svc.CreateAdmin(ctx, "root2", "root2@x.com", "rootpw")
	require.NoError(t, err)
	root2 := &token.Claims{Identity: token.UserIdentity(u.ID), IsAdmin: true, Kind: token.KindAccess}

	require.NoError(t, f.svc.SetActive(ctx, root2, root.UserID, false))

	_, err = f.svc.CreateInvite(ctx, root, invite.CreateParams{MaxUses: 1, ExpiresInHours: 1})
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))
	_, err = f.svc.ListUsers(ctx, root, 10, 0)
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))
	_, err = f.svc.RevokeScope(ctx, root, u.ID, "db")
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(f.svc.SetActive(ctx, root, u.ID, false)))
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(f.svc.DeactivateInvite(ctx, root, "x")))

	refresh := *root
	refresh.Kind = token.KindRefresh
	_, err = f.svc.Refresh(ctx, &refresh)
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))

	scopes, err := f.svc.GrantScope(ctx, root2, u.ID, "db")
	require.NoError(t, err)
	assert.Contains(t, scopes, "db")
}

func TestConcurrentRegistrationsShareOneInvite(t *testing.T) {
	f := newFixture(t)
	f.invite(t, "RACE", 1)

	const n = 8
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := "racer" + strconv.Itoa(i)
			_, errs[i] = f.svc.Register(context.Background(), RegisterInput{
				Username: name, Email: name + "@x.com", Password: "pw123", InviteCode: "RACE",
			}, nil)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.Equal(t, "invalid_invite", apperr.CodeOf(err))
	}
	assert.Equal(t, 1, wins)

	page, err := f.svc.ListUsers(context.Background(), f.admin(t), 20, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
}

func TestCreateAdminRejectsDuplicates(t *testing.T) {
	f := newFixture(t)
	f.admin(t)
	_, err := f.svc.CreateAdmin(context.Background(), "root", "else@x.com", "pw")
	assert.Equal(t, "user_exists", apperr.CodeOf(err))
}

func TestMeForUser(t *testing.T) {
	f := newFixture(t)
	admin := f.admin(t)
	me, err := f.svc.Me(context.Background(), admin)
	require.NoError(t, err)
	require.NotNil(t, me.User)
	assert.Equal(t, "root", me.User.Username)
	assert.True(t, me.IsAdmin)
}
