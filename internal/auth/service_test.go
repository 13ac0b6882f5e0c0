package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/authstarter/internal/model"
	"github.com/hitoshi/authstarter/internal/token"
)

// --- モック定義 ---

type mockUserStore struct {
	findByEmailFn        func(ctx context.Context, email string) (*model.User, error)
	findByIDFn           func(ctx context.Context, id string) (*model.User, error)
	createWithPasswordFn func(ctx context.Context, name, email, password string) (*model.User, error)
	createFederatedFn    func(ctx context.Context, profile model.GoogleProfile) (*model.User, error)
	linkGoogleFn         func(ctx context.Context, user *model.User, subject, picture string) (*model.User, error)
	comparePasswordFn    func(user *model.User, candidate string) bool
}

func (m *mockUserStore) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	if m.findByEmailFn != nil {
		return m.findByEmailFn(ctx, email)
	}
	return nil, nil
}

func (m *mockUserStore) FindByID(ctx context.Context, id string) (*model.User, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockUserStore) CreateWithPassword(ctx context.Context, name, email, password string) (*model.User, error) {
	if m.createWithPasswordFn != nil {
		return m.createWithPasswordFn(ctx, name, email, password)
	}
	return &model.User{ID: "new-user", Name: name, Email: email}, nil
}

func (m *mockUserStore) CreateFederated(ctx context.Context, profile model.GoogleProfile) (*model.User, error) {
	if m.createFederatedFn != nil {
		return m.createFederatedFn(ctx, profile)
	}
	return &model.User{ID: "google-user", Name: profile.Name, Email: profile.Email, GoogleID: profile.Subject, IsGoogleAuth: true}, nil
}

func (m *mockUserStore) LinkGoogle(ctx context.Context, user *model.User, subject, picture string) (*model.User, error) {
	if m.linkGoogleFn != nil {
		return m.linkGoogleFn(ctx, user, subject, picture)
	}
	linked := *user
	linked.GoogleID = subject
	linked.IsGoogleAuth = true
	return &linked, nil
}

func (m *mockUserStore) ComparePassword(user *model.User, candidate string) bool {
	if m.comparePasswordFn != nil {
		return m.comparePasswordFn(user, candidate)
	}
	return false
}

type mockIdentityCache struct {
	getFn        func(userID string) (*model.CachedIdentity, error)
	setFn        func(identity model.CachedIdentity) error
	invalidateFn func(userID string) error

	set         []model.CachedIdentity
	invalidated []string
}

func (m *mockIdentityCache) Get(userID string) (*model.CachedIdentity, error) {
	if m.getFn != nil {
		return m.getFn(userID)
	}
	return nil, nil
}

func (m *mockIdentityCache) Set(identity model.CachedIdentity) error {
	m.set = append(m.set, identity)
	if m.setFn != nil {
		return m.setFn(identity)
	}
	return nil
}

func (m *mockIdentityCache) Invalidate(userID string) error {
	m.invalidated = append(m.invalidated, userID)
	if m.invalidateFn != nil {
		return m.invalidateFn(userID)
	}
	return nil
}

type mockOAuthProvider struct {
	serverFlow      bool
	authCodeURLFn   func(state string) (string, error)
	exchangeFn      func(ctx context.Context, code string) (*model.GoogleProfile, error)
	verifyIDTokenFn func(ctx context.Context, credential string) (*model.GoogleProfile, error)
}

func (m *mockOAuthProvider) ServerFlowEnabled() bool { return m.serverFlow }

func (m *mockOAuthProvider) AuthCodeURL(state string) (string, error) {
	if m.authCodeURLFn != nil {
		return m.authCodeURLFn(state)
	}
	return "https://accounts.google.com/o/oauth2/auth?state=" + state, nil
}

func (m *mockOAuthProvider) Exchange(ctx context.Context, code string) (*model.GoogleProfile, error) {
	if m.exchangeFn != nil {
		return m.exchangeFn(ctx, code)
	}
	return nil, errors.New("not implemented")
}

func (m *mockOAuthProvider) VerifyIDToken(ctx context.Context, credential string) (*model.GoogleProfile, error) {
	if m.verifyIDTokenFn != nil {
		return m.verifyIDTokenFn(ctx, credential)
	}
	return nil, errors.New("not implemented")
}

type recordedEvent struct{ flow, outcome string }

type recordingMetrics struct {
	events []recordedEvent
}

func (r *recordingMetrics) RecordAuthEvent(flow, outcome string) {
	r.events = append(r.events, recordedEvent{flow, outcome})
}
func (r *recordingMetrics) RecordCacheLookup(string)             {}
func (r *recordingMetrics) RecordRateLimited(string)             {}
func (r *recordingMetrics) RecordHTTPRequest(int, time.Duration) {}

func (r *recordingMetrics) last() recordedEvent {
	if len(r.events) == 0 {
		return recordedEvent{}
	}
	return r.events[len(r.events)-1]
}

// --- compile-time interface checks ---
var _ UserStore = (*mockUserStore)(nil)
var _ IdentityCache = (*mockIdentityCache)(nil)
var _ OAuthProvider = (*mockOAuthProvider)(nil)

// --- ヘルパー ---

func newTestTokens(t *testing.T) *token.Service {
	t.Helper()
	svc, err := token.NewService(token.Config{
		AccessSecret:  "access-secret-for-tests-0123456789",
		RefreshSecret: "refresh-secret-for-tests-012345678",
		AccessTTL:     time.Hour,
		RefreshTTL:    24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("token.NewService: %v", err)
	}
	return svc
}

func assertAPIError(t *testing.T, err error, status int, code string) *model.APIError {
	t.Helper()
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *model.APIError, got %T: %v", err, err)
	}
	if apiErr.Status != status {
		t.Errorf("Status = %d, want %d", apiErr.Status, status)
	}
	if apiErr.Code != code {
		t.Errorf("Code = %q, want %q", apiErr.Code, code)
	}
	return apiErr
}

func existingUser() *model.User {
	return &model.User{
		ID:        "user-1",
		Name:      "Alice",
		Email:     "alice@example.com",
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// --- Register ---

func TestRegister_Success_IssuesTokensAndCaches(t *testing.T) {
	tokens := newTestTokens(t)
	cache := &mockIdentityCache{}
	rec := &recordingMetrics{}
	var createdName, createdEmail string
	store := &mockUserStore{
		createWithPasswordFn: func(_ context.Context, name, email, password string) (*model.User, error) {
			createdName, createdEmail = name, email
			return &model.User{ID: "u-new", Name: name, Email: strings.ToLower(email)}, nil
		},
	}
	svc := NewService(store, tokens, cache, WithMetrics(rec))

	result, err := svc.Register(context.Background(), RegisterInput{
		Name:     "  <b>Alice</b> ",
		Email:    " Alice@Example.com ",
		Password: "secret1",
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if createdName != "Alice" {
		t.Errorf("created name = %q, want sanitized Alice", createdName)
	}
	if createdEmail != "Alice@Example.com" {
		t.Errorf("created email = %q, want trimmed input", createdEmail)
	}
	if result.User.ID != "u-new" {
		t.Errorf("User.ID = %q", result.User.ID)
	}

	id, err := tokens.Verify(result.Tokens.AccessToken, token.KindAccess)
	if err != nil || id != "u-new" {
		t.Errorf("access token subject = %q, err = %v", id, err)
	}
	id, err = tokens.Verify(result.Tokens.RefreshToken, token.KindRefresh)
	if err != nil || id != "u-new" {
		t.Errorf("refresh token subject = %q, err = %v", id, err)
	}

	if len(cache.set) != 1 || cache.set[0].ID != "u-new" {
		t.Errorf("cache.set = %+v, want identity for u-new", cache.set)
	}
	if got := rec.last(); got != (recordedEvent{FlowRegister, OutcomeSuccess}) {
		t.Errorf("metric = %+v", got)
	}
}

func TestRegister_DuplicateEmail_DoesNotCreate(t *testing.T) {
	created := false
	store := &mockUserStore{
		findByEmailFn: func(_ context.Context, email string) (*model.User, error) {
			return existingUser(), nil
		},
		createWithPasswordFn: func(context.Context, string, string, string) (*model.User, error) {
			created = true
			return nil, nil
		},
	}
	svc := NewService(store, newTestTokens(t), &mockIdentityCache{})

	_, err := svc.Register(context.Background(), RegisterInput{Name: "Bob", Email: "alice@example.com", Password: "secret1"})
	apiErr := assertAPIError(t, err, http.StatusBadRequest, model.ErrCodeDuplicateEmail)
	if apiErr.Message != "User already exists with this email" {
		t.Errorf("Message = %q", apiErr.Message)
	}
	if created {
		t.Error("CreateWithPassword must not be called for a duplicate email")
	}
}

func TestRegister_DuplicateEmailRaceFromStore(t *testing.T) {
	store := &mockUserStore{
		createWithPasswordFn: func(context.Context, string, string, string) (*model.User, error) {
			return nil, model.NewDuplicateEmailError()
		},
	}
	rec := &recordingMetrics{}
	svc := NewService(store, newTestTokens(t), &mockIdentityCache{}, WithMetrics(rec))

	_, err := svc.Register(context.Background(), RegisterInput{Name: "Bob", Email: "bob@example.com", Password: "secret1"})
	assertAPIError(t, err, http.StatusBadRequest, model.ErrCodeDuplicateEmail)
	if got := rec.last().outcome; got != OutcomeRejected {
		t.Errorf("outcome = %q, want rejected", got)
	}
}

func TestRegister_Validation(t *testing.T) {
	tests := []struct {
		name    string
		input   RegisterInput
		wantMsg string
	}{
		{"name missing", RegisterInput{Email: "a@example.com", Password: "secret1"}, "Please provide a name"},
		{"name only markup", RegisterInput{Name: "<br>", Email: "a@example.com", Password: "secret1"}, "Please provide a name"},
		{"name too long", RegisterInput{Name: strings.Repeat("あ", 51), Email: "a@example.com", Password: "secret1"}, "Name cannot be more than 50 characters"},
		{"email missing", RegisterInput{Name: "A", Password: "secret1"}, "Please provide an email"},
		{"email invalid", RegisterInput{Name: "A", Email: "not-an-email", Password: "secret1"}, "Please provide a valid email"},
		{"password missing", RegisterInput{Name: "A", Email: "a@example.com"}, "Please provide a password"},
		{"password too short", RegisterInput{Name: "A", Email: "a@example.com", Password: "12345"}, "Password must be at least 6 characters"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &mockUserStore{
				findByEmailFn: func(context.Context, string) (*model.User, error) {
					t.Fatal("store must not be called for invalid input")
					return nil, nil
				},
			}
			svc := NewService(store, newTestTokens(t), &mockIdentityCache{})

			_, err := svc.Register(context.Background(), tt.input)
			apiErr := assertAPIError(t, err, http.StatusBadRequest, model.ErrCodeValidation)
			if apiErr.Message != tt.wantMsg {
				t.Errorf("Message = %q, want %q", apiErr.Message, tt.wantMsg)
			}
		})
	}
}

func TestRegister_NameAtLimitAccepted(t *testing.T) {
	svc := NewService(&mockUserStore{}, newTestTokens(t), &mockIdentityCache{})
	if _, err := svc.Register(context.Background(), RegisterInput{
		Name:     strings.Repeat("あ", MaxNameLength),
		Email:    "a@example.com",
		Password: "123456",
	}); err != nil {
		t.Fatalf("50-rune name should be accepted: %v", err)
	}
}

func TestRegister_StoreErrorIsWrapped(t *testing.T) {
	dbErr := errors.New("connection refused")
	store := &mockUserStore{
		findByEmailFn: func(context.Context, string) (*model.User, error) { return nil, dbErr },
	}
	svc := NewService(store, newTestTokens(t), &mockIdentityCache{})

	_, err := svc.Register(context.Background(), RegisterInput{Name: "A", Email: "a@example.com", Password: "secret1"})
	if !errors.Is(err, dbErr) {
		t.Errorf("err = %v, want wrapped dbErr", err)
	}
}

// --- Login ---

func TestLogin_Success(t *testing.T) {
	user := existingUser()
	cache := &mockIdentityCache{}
	store := &mockUserStore{
		findByEmailFn: func(_ context.Context, email string) (*model.User, error) {
			if email != "alice@example.com" {
				t.Errorf("email = %q", email)
			}
			return user, nil
		},
		comparePasswordFn: func(u *model.User, candidate string) bool { return candidate == "secret1" },
	}
	tokens := newTestTokens(t)
	svc := NewService(store, tokens, cache)

	result, err := svc.Login(context.Background(), LoginInput{Email: " alice@example.com ", Password: "secret1"}, "192.0.2.1")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if result.User.ID != user.ID {
		t.Errorf("User.ID = %q", result.User.ID)
	}
	if _, err := tokens.Verify(result.Tokens.AccessToken, token.KindAccess); err != nil {
		t.Errorf("access token invalid: %v", err)
	}
	if len(cache.set) != 1 || cache.set[0].Email != user.Email {
		t.Errorf("cache.set = %+v", cache.set)
	}
}

func TestLogin_UnknownEmailAndWrongPasswordAreIndistinguishable(t *testing.T) {
	rec := &recordingMetrics{}

	unknown := NewService(&mockUserStore{}, newTestTokens(t), &mockIdentityCache{}, WithMetrics(rec))
	_, errUnknown := unknown.Login(context.Background(), LoginInput{Email: "nobody@example.com", Password: "secret1"}, "192.0.2.1")

	wrong := NewService(&mockUserStore{
		findByEmailFn:     func(context.Context, string) (*model.User, error) { return existingUser(), nil },
		comparePasswordFn: func(*model.User, string) bool { return false },
	}, newTestTokens(t), &mockIdentityCache{}, WithMetrics(rec))
	_, errWrong := wrong.Login(context.Background(), LoginInput{Email: "alice@example.com", Password: "bad-password"}, "192.0.2.1")

	a := assertAPIError(t, errUnknown, http.StatusUnauthorized, model.ErrCodeInvalidCredentials)
	b := assertAPIError(t, errWrong, http.StatusUnauthorized, model.ErrCodeInvalidCredentials)
	if a.Message != b.Message || a.Message != model.MessageInvalidCredentials {
		t.Errorf("messages differ: %q vs %q", a.Message, b.Message)
	}
	for _, ev := range rec.events {
		if ev.outcome != OutcomeInvalidCredentials {
			t.Errorf("outcome = %q, want invalid_credentials", ev.outcome)
		}
	}
}

func TestLogin_DoesNotCacheOnFailure(t *testing.T) {
	cache := &mockIdentityCache{}
	svc := NewService(&mockUserStore{
		findByEmailFn: func(context.Context, string) (*model.User, error) { return existingUser(), nil },
	}, newTestTokens(t), cache)

	_, _ = svc.Login(context.Background(), LoginInput{Email: "alice@example.com", Password: "wrong-pw"}, "")
	if len(cache.set) != 0 {
		t.Errorf("cache.set = %+v, want none", cache.set)
	}
}

func TestLogin_CacheWriteFailureDoesNotFail(t *testing.T) {
	cache := &mockIdentityCache{setFn: func(model.CachedIdentity) error { return errors.New("cache down") }}
	svc := NewService(&mockUserStore{
		findByEmailFn:     func(context.Context, string) (*model.User, error) { return existingUser(), nil },
		comparePasswordFn: func(*model.User, string) bool { return true },
	}, newTestTokens(t), cache)

	if _, err := svc.Login(context.Background(), LoginInput{Email: "alice@example.com", Password: "secret1"}, ""); err != nil {
		t.Fatalf("Login should succeed when cache write fails: %v", err)
	}
}

func TestLogin_InvalidEmailFormat(t *testing.T) {
	svc := NewService(&mockUserStore{}, newTestTokens(t), &mockIdentityCache{})
	_, err := svc.Login(context.Background(), LoginInput{Email: "alice", Password: "secret1"}, "")
	assertAPIError(t, err, http.StatusBadRequest, model.ErrCodeValidation)
}

// --- CurrentUser ---

func TestCurrentUser_CacheHitSkipsStore(t *testing.T) {
	cached := &model.CachedIdentity{ID: "user-1", Name: "Cached Alice", Email: "alice@example.com"}
	cache := &mockIdentityCache{getFn: func(string) (*model.CachedIdentity, error) { return cached, nil }}
	store := &mockUserStore{
		findByIDFn: func(context.Context, string) (*model.User, error) {
			t.Fatal("store must not be called on cache hit")
			return nil, nil
		},
	}
	svc := NewService(store, newTestTokens(t), cache)

	got, err := svc.CurrentUser(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("CurrentUser: %v", err)
	}
	if got.Name != "Cached Alice" {
		t.Errorf("Name = %q, want cached value", got.Name)
	}
}

func TestCurrentUser_CacheMissRepopulates(t *testing.T) {
	cache := &mockIdentityCache{}
	store := &mockUserStore{
		findByIDFn: func(_ context.Context, id string) (*model.User, error) { return existingUser(), nil },
	}
	svc := NewService(store, newTestTokens(t), cache)

	got, err := svc.CurrentUser(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("CurrentUser: %v", err)
	}
	if got.Email != "alice@example.com" || got.Picture != nil {
		t.Errorf("identity = %+v", got)
	}
	if len(cache.set) != 1 {
		t.Errorf("cache.set = %d entries, want 1", len(cache.set))
	}
}

func TestCurrentUser_CacheErrorFallsBackToStore(t *testing.T) {
	cache := &mockIdentityCache{getFn: func(string) (*model.CachedIdentity, error) { return nil, errors.New("corrupt") }}
	store := &mockUserStore{
		findByIDFn: func(context.Context, string) (*model.User, error) { return existingUser(), nil },
	}
	svc := NewService(store, newTestTokens(t), cache)

	got, err := svc.CurrentUser(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("cache error must not surface: %v", err)
	}
	if got.ID != "user-1" {
		t.Errorf("ID = %q", got.ID)
	}
}

func TestCurrentUser_UserGone(t *testing.T) {
	svc := NewService(&mockUserStore{}, newTestTokens(t), &mockIdentityCache{})
	_, err := svc.CurrentUser(context.Background(), "ghost")
	apiErr := assertAPIError(t, err, http.StatusNotFound, model.ErrCodeUserNotFound)
	if apiErr.Message != "User not found" {
		t.Errorf("Message = %q", apiErr.Message)
	}
}

// --- Logout ---

func TestLogout_InvalidatesCache(t *testing.T) {
	cache := &mockIdentityCache{}
	svc := NewService(&mockUserStore{}, newTestTokens(t), cache)

	svc.Logout(context.Background(), "user-1")
	if len(cache.invalidated) != 1 || cache.invalidated[0] != "user-1" {
		t.Errorf("invalidated = %v", cache.invalidated)
	}
}

func TestLogout_InvalidateErrorIsSwallowed(t *testing.T) {
	cache := &mockIdentityCache{invalidateFn: func(string) error { return errors.New("boom") }}
	rec := &recordingMetrics{}
	svc := NewService(&mockUserStore{}, newTestTokens(t), cache, WithMetrics(rec))

	svc.Logout(context.Background(), "user-1")
	if got := rec.last(); got != (recordedEvent{FlowLogout, OutcomeSuccess}) {
		t.Errorf("metric = %+v", got)
	}
}

// --- Refresh ---

func TestRefresh_Success(t *testing.T) {
	tokens := newTestTokens(t)
	refresh, err := tokens.IssueRefreshToken("user-1")
	if err != nil {
		t.Fatal(err)
	}
	cache := &mockIdentityCache{
		getFn: func(string) (*model.CachedIdentity, error) {
			t.Fatal("refresh must not read the cache")
			return nil, nil
		},
	}
	store := &mockUserStore{findByIDFn: func(context.Context, string) (*model.User, error) { return existingUser(), nil }}
	svc := NewService(store, tokens, cache)

	pair, err := svc.Refresh(context.Background(), refresh)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if id, err := tokens.Verify(pair.AccessToken, token.KindAccess); err != nil || id != "user-1" {
		t.Errorf("new access token: id=%q err=%v", id, err)
	}
	if pair.RefreshToken == refresh {
		t.Error("refresh token should be rotated")
	}
	if len(cache.set) != 0 {
		t.Error("refresh must not write the cache")
	}
}

func TestRefresh_Errors(t *testing.T) {
	tokens := newTestTokens(t)
	access, _ := tokens.IssueAccessToken("user-1")
	expired, _ := tokens.WithClock(func() time.Time { return time.Now().Add(-48 * time.Hour) }).IssueRefreshToken("user-1")
	valid, _ := tokens.IssueRefreshToken("user-1")

	tests := []struct {
		name       string
		token      string
		store      *mockUserStore
		wantStatus int
		wantCode   string
	}{
		{"missing", "", &mockUserStore{}, http.StatusUnauthorized, model.ErrCodeMissingToken},
		{"garbage", "not-a-token", &mockUserStore{}, http.StatusUnauthorized, model.ErrCodeInvalidOrExpiredToken},
		{"access token used as refresh", access, &mockUserStore{}, http.StatusUnauthorized, model.ErrCodeInvalidOrExpiredToken},
		{"expired", expired, &mockUserStore{}, http.StatusUnauthorized, model.ErrCodeInvalidOrExpiredToken},
		{"user deleted", valid, &mockUserStore{}, http.StatusNotFound, model.ErrCodeUserNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(tt.store, tokens, &mockIdentityCache{})
			_, err := svc.Refresh(context.Background(), tt.token)
			assertAPIError(t, err, tt.wantStatus, tt.wantCode)
		})
	}
}

// --- Google ---

func validProfile() *model.GoogleProfile {
	return &model.GoogleProfile{Subject: "google-sub-1", Email: "alice@example.com", Name: "Alice G", Picture: "https://example.com/a.png"}
}

const fakeCredential = "header.payload.signature"

func TestGoogleVerify_NewUserIsCreated(t *testing.T) {
	var createdWith model.GoogleProfile
	store := &mockUserStore{
		createFederatedFn: func(_ context.Context, p model.GoogleProfile) (*model.User, error) {
			createdWith = p
			return &model.User{ID: "g-1", Email: p.Email, Name: p.Name, GoogleID: p.Subject, IsGoogleAuth: true}, nil
		},
	}
	provider := &mockOAuthProvider{
		verifyIDTokenFn: func(_ context.Context, credential string) (*model.GoogleProfile, error) {
			if credential != fakeCredential {
				t.Errorf("credential = %q", credential)
			}
			return validProfile(), nil
		},
	}
	cache := &mockIdentityCache{}
	svc := NewService(store, newTestTokens(t), cache, WithGoogle(provider))

	result, err := svc.GoogleVerify(context.Background(), fakeCredential)
	if err != nil {
		t.Fatalf("GoogleVerify: %v", err)
	}
	if result.User.ID != "g-1" || createdWith.Subject != "google-sub-1" {
		t.Errorf("user = %+v, created with %+v", result.User, createdWith)
	}
	if result.Tokens.AccessToken == "" || result.Tokens.RefreshToken == "" {
		t.Error("tokens should be issued")
	}
	if len(cache.set) != 1 {
		t.Error("identity should be cached")
	}
}

func TestGoogleVerify_LinksExistingPasswordUser(t *testing.T) {
	linked := false
	store := &mockUserStore{
		findByEmailFn: func(context.Context, string) (*model.User, error) { return existingUser(), nil },
		createFederatedFn: func(context.Context, model.GoogleProfile) (*model.User, error) {
			t.Fatal("must not create a second account")
			return nil, nil
		},
		linkGoogleFn: func(_ context.Context, u *model.User, subject, picture string) (*model.User, error) {
			linked = true
			if u.ID != "user-1" || subject != "google-sub-1" || picture != "https://example.com/a.png" {
				t.Errorf("LinkGoogle(%q, %q, %q)", u.ID, subject, picture)
			}
			out := *u
			out.GoogleID = subject
			return &out, nil
		},
	}
	provider := &mockOAuthProvider{verifyIDTokenFn: func(context.Context, string) (*model.GoogleProfile, error) { return validProfile(), nil }}
	svc := NewService(store, newTestTokens(t), &mockIdentityCache{}, WithGoogle(provider))

	result, err := svc.GoogleVerify(context.Background(), fakeCredential)
	if err != nil {
		t.Fatalf("GoogleVerify: %v", err)
	}
	if !linked {
		t.Error("LinkGoogle should be called")
	}
	if result.User.ID != "user-1" {
		t.Errorf("User.ID = %q, want existing user", result.User.ID)
	}
}

func TestGoogleVerify_AlreadyLinkedIsNotRelinked(t *testing.T) {
	user := existingUser()
	user.GoogleID = "google-sub-1"
	store := &mockUserStore{
		findByEmailFn: func(context.Context, string) (*model.User, error) { return user, nil },
		linkGoogleFn: func(context.Context, *model.User, string, string) (*model.User, error) {
			t.Fatal("already linked user must not be re-linked")
			return nil, nil
		},
	}
	provider := &mockOAuthProvider{verifyIDTokenFn: func(context.Context, string) (*model.GoogleProfile, error) { return validProfile(), nil }}
	svc := NewService(store, newTestTokens(t), &mockIdentityCache{}, WithGoogle(provider))

	if _, err := svc.GoogleVerify(context.Background(), fakeCredential); err != nil {
		t.Fatalf("GoogleVerify: %v", err)
	}
}

func TestGoogleVerify_Errors(t *testing.T) {
	okProvider := &mockOAuthProvider{verifyIDTokenFn: func(context.Context, string) (*model.GoogleProfile, error) { return validProfile(), nil }}

	tests := []struct {
		name       string
		credential string
		provider   OAuthProvider
		wantStatus int
		wantCode   string
	}{
		{"missing credential", "", okProvider, http.StatusBadRequest, model.ErrCodeValidation},
		{"two segments", "a.b", okProvider, http.StatusBadRequest, model.ErrCodeInvalidFormat},
		{"four segments", "a.b.c.d", okProvider, http.StatusBadRequest, model.ErrCodeInvalidFormat},
		{"empty segment", "a..c", okProvider, http.StatusBadRequest, model.ErrCodeInvalidFormat},
		{"not configured", fakeCredential, nil, http.StatusInternalServerError, model.ErrCodeNotConfigured},
		{
			"audience mismatch",
			fakeCredential,
			&mockOAuthProvider{verifyIDTokenFn: func(context.Context, string) (*model.GoogleProfile, error) {
				return nil, &VerificationError{Reason: ReasonAudience, Err: errors.New("idtoken: audience provided does not match aud claim in the JWT")}
			}},
			http.StatusUnauthorized, model.ErrCodeAuthenticationFailed,
		},
		{
			"expired",
			fakeCredential,
			&mockOAuthProvider{verifyIDTokenFn: func(context.Context, string) (*model.GoogleProfile, error) {
				return nil, &VerificationError{Reason: ReasonExpired, Err: errors.New("idtoken: token expired")}
			}},
			http.StatusUnauthorized, model.ErrCodeAuthenticationFailed,
		},
		{
			"missing email",
			fakeCredential,
			&mockOAuthProvider{verifyIDTokenFn: func(context.Context, string) (*model.GoogleProfile, error) {
				return &model.GoogleProfile{Subject: "s"}, nil
			}},
			http.StatusBadRequest, model.ErrCodeMissingEmail,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opts []Option
			if tt.provider != nil {
				opts = append(opts, WithGoogle(tt.provider))
			}
			svc := NewService(&mockUserStore{}, newTestTokens(t), &mockIdentityCache{}, opts...)

			_, err := svc.GoogleVerify(context.Background(), tt.credential)
			assertAPIError(t, err, tt.wantStatus, tt.wantCode)
		})
	}
}

func TestGoogleVerify_FailureReasonsCollapseButAreRecorded(t *testing.T) {
	rec := &recordingMetrics{}
	reasons := []string{ReasonSignature, ReasonAudience, ReasonExpired}
	var messages []string
	for _, reason := range reasons {
		reason := reason
		provider := &mockOAuthProvider{verifyIDTokenFn: func(context.Context, string) (*model.GoogleProfile, error) {
			return nil, &VerificationError{Reason: reason, Err: errors.New(reason)}
		}}
		svc := NewService(&mockUserStore{}, newTestTokens(t), &mockIdentityCache{}, WithGoogle(provider), WithMetrics(rec))
		_, err := svc.GoogleVerify(context.Background(), fakeCredential)
		apiErr := assertAPIError(t, err, http.StatusUnauthorized, model.ErrCodeAuthenticationFailed)
		messages = append(messages, apiErr.Message)
	}

	for _, m := range messages[1:] {
		if m != messages[0] {
			t.Errorf("user-facing messages differ: %v", messages)
		}
	}
	for i, reason := range reasons {
		if rec.events[i].outcome != "failed_"+reason {
			t.Errorf("events[%d] = %+v, want failed_%s", i, rec.events[i], reason)
		}
	}
}

func TestGoogleAuthURL(t *testing.T) {
	svc := NewService(&mockUserStore{}, newTestTokens(t), &mockIdentityCache{}, WithGoogle(&mockOAuthProvider{serverFlow: true}))
	url, err := svc.GoogleAuthURL("state-123")
	if err != nil {
		t.Fatalf("GoogleAuthURL: %v", err)
	}
	if !strings.Contains(url, "state=state-123") {
		t.Errorf("url = %q", url)
	}

	noServerFlow := NewService(&mockUserStore{}, newTestTokens(t), &mockIdentityCache{}, WithGoogle(&mockOAuthProvider{}))
	_, err = noServerFlow.GoogleAuthURL("s")
	assertAPIError(t, err, http.StatusInternalServerError, model.ErrCodeNotConfigured)
}

func TestGoogleCallback(t *testing.T) {
	t.Run("missing code", func(t *testing.T) {
		svc := NewService(&mockUserStore{}, newTestTokens(t), &mockIdentityCache{}, WithGoogle(&mockOAuthProvider{serverFlow: true}))
		_, err := svc.GoogleCallback(context.Background(), "")
		assertAPIError(t, err, http.StatusBadRequest, model.ErrCodeMissingCode)
	})

	t.Run("not configured", func(t *testing.T) {
		svc := NewService(&mockUserStore{}, newTestTokens(t), &mockIdentityCache{})
		_, err := svc.GoogleCallback(context.Background(), "code")
		assertAPIError(t, err, http.StatusInternalServerError, model.ErrCodeNotConfigured)
	})

	t.Run("exchange failure", func(t *testing.T) {
		provider := &mockOAuthProvider{
			serverFlow: true,
			exchangeFn: func(context.Context, string) (*model.GoogleProfile, error) {
				return nil, &VerificationError{Reason: ReasonExchange, Err: errors.New("invalid_grant")}
			},
		}
		svc := NewService(&mockUserStore{}, newTestTokens(t), &mockIdentityCache{}, WithGoogle(provider))
		_, err := svc.GoogleCallback(context.Background(), "code")
		assertAPIError(t, err, http.StatusUnauthorized, model.ErrCodeAuthenticationFailed)
	})

	t.Run("success", func(t *testing.T) {
		provider := &mockOAuthProvider{
			serverFlow: true,
			exchangeFn: func(_ context.Context, code string) (*model.GoogleProfile, error) {
				if code != "auth-code" {
					t.Errorf("code = %q", code)
				}
				return validProfile(), nil
			},
		}
		svc := NewService(&mockUserStore{}, newTestTokens(t), &mockIdentityCache{}, WithGoogle(provider))
		result, err := svc.GoogleCallback(context.Background(), "auth-code")
		if err != nil {
			t.Fatalf("GoogleCallback: %v", err)
		}
		if result.User.Email != "alice@example.com" {
			t.Errorf("Email = %q", result.User.Email)
		}
	})
}
