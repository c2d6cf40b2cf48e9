package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"mercato.dev/internal/audit"
	"mercato.dev/internal/identity"
	"mercato.dev/internal/kv"
	"mercato.dev/internal/obs"
	"mercato.dev/internal/token"
)

// Persistence entries owned by the coordinator.
const (
	EntrySessionToken = "sessionToken"
	// EntryLegacyUser predates self-contained tokens and is migrated away
	// on first startup that still finds it.
	EntryLegacyUser = "currentUser"
)

// ErrNotLoggedIn is returned by operations that require an authenticated
// session.
var ErrNotLoggedIn = errors.New("session: not logged in")

// Session is the authenticated state handed to callers: the public claims
// plus the raw token they may present on subsequent requests.
type Session struct {
	Identity  identity.Public
	Token     string
	ExpiresAt time.Time
}

// Coordinator owns the current-identity state for one client context. It
// issues sessions on login and registration, re-derives state from the
// persisted token on startup, and reacts to identity-store mutations from any
// context by refreshing or force-ending the session so a stale token never
// stays live.
type Coordinator struct {
	store  *identity.Store
	tokens *token.Issuer
	kv     kv.Store

	mu      sync.RWMutex
	current *token.Claims
	raw     string

	fanMu   sync.RWMutex
	subs    map[int]chan *identity.Public
	nextSub int
}

// New constructs a Coordinator. Call Hydrate to restore persisted state and
// Start to react to store mutations.
func New(store *identity.Store, issuer *token.Issuer, persistence kv.Store) (*Coordinator, error) {
	if store == nil || issuer == nil || persistence == nil {
		return nil, errors.New("session: store, issuer and persistence are required")
	}
	return &Coordinator{
		store:  store,
		tokens: issuer,
		kv:     persistence,
		subs:   make(map[int]chan *identity.Public),
	}, nil
}

// Hydrate restores the session from a persisted token. Absent, malformed or
// expired tokens leave the state at None; a token whose identity vanished or
// was suspended is discarded; a token whose claims drifted from the store is
// silently re-minted. When no token exists, a leftover legacy current-user
// entry is migrated once and then deleted regardless of outcome.
func (c *Coordinator) Hydrate(ctx context.Context) error {
	raw, err := c.kv.Get(ctx, EntrySessionToken)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return c.migrateLegacy(ctx)
		}
		return err
	}

	claims := c.tokens.Decode(string(raw))
	if claims == nil {
		return c.discardToken(ctx)
	}
	rec, err := c.store.Find(ctx, claims.IdentityID())
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return c.discardToken(ctx)
		}
		return err
	}
	if rec.Status != identity.StatusActive {
		return c.discardToken(ctx)
	}
	if !claims.Matches(rec) {
		obs.SessionDriftRefreshes.Inc()
		return c.mint(ctx, rec)
	}

	c.setCurrent(claims, string(raw))
	return nil
}

// Start launches the admin-mutation fan-out: every identity collection
// snapshot published by the store is reconciled against the live session.
func (c *Coordinator) Start(ctx context.Context) {
	snapshots := c.store.Watch(ctx)
	go func() {
		for list := range snapshots {
			c.reconcile(context.WithoutCancel(ctx), list)
		}
	}()
}

// Login authenticates the email/secret pair and opens a session.
func (c *Coordinator) Login(ctx context.Context, email, secret string) (Session, error) {
	rec, err := c.store.Authenticate(ctx, email, secret)
	if err != nil {
		obs.SessionLogins.WithLabelValues("failure").Inc()
		return Session{}, err
	}
	if err := c.mint(ctx, rec); err != nil {
		return Session{}, err
	}
	obs.SessionLogins.WithLabelValues("success").Inc()
	_ = audit.LogEvent(ctx, "session.login", map[string]any{"identity_id": rec.ID})
	return c.session(), nil
}

// Register creates a customer account and opens a session for it, exactly as
// if the new identity had just logged in.
func (c *Coordinator) Register(ctx context.Context, p identity.RegisterParams) (Session, error) {
	rec, err := c.store.Register(ctx, p)
	if err != nil {
		return Session{}, err
	}
	if err := c.mint(ctx, rec); err != nil {
		return Session{}, err
	}
	obs.SessionLogins.WithLabelValues("success").Inc()
	_ = audit.LogEvent(ctx, "session.register", map[string]any{"identity_id": rec.ID})
	return c.session(), nil
}

// Logout erases the persisted token and resets state to None. Idempotent.
func (c *Coordinator) Logout(ctx context.Context) error {
	if err := c.kv.Delete(ctx, EntrySessionToken); err != nil {
		return err
	}
	c.mu.Lock()
	wasAuthenticated := c.current != nil
	c.current = nil
	c.raw = ""
	c.mu.Unlock()
	if wasAuthenticated {
		c.publish(nil)
		_ = audit.LogEvent(ctx, "session.logout", nil)
	}
	return nil
}

// UpdateSelf writes a profile edit for the authenticated identity and
// refreshes the session token from the updated record without requiring the
// secret again.
func (c *Coordinator) UpdateSelf(ctx context.Context, upd identity.ProfileUpdate) (Session, error) {
	id, ok := c.currentID()
	if !ok {
		return Session{}, ErrNotLoggedIn
	}
	rec, err := c.store.UpdateProfile(ctx, id, upd)
	if err != nil {
		return Session{}, err
	}
	if err := c.mint(ctx, rec); err != nil {
		return Session{}, err
	}
	return c.session(), nil
}

// ChangeSecret rotates the authenticated identity's credential. The session
// stays open; tokens carry no credential material.
func (c *Coordinator) ChangeSecret(ctx context.Context, currentSecret, newSecret string) error {
	id, ok := c.currentID()
	if !ok {
		return ErrNotLoggedIn
	}
	if err := c.store.ChangeSecret(ctx, id, currentSecret, newSecret); err != nil {
		return err
	}
	_ = audit.LogEvent(ctx, "session.secret_changed", map[string]any{"identity_id": id})
	return nil
}

// CreateAdmin creates an admin account on behalf of the authenticated caller.
func (c *Coordinator) CreateAdmin(ctx context.Context, p identity.AdminParams) (identity.Public, error) {
	if _, ok := c.currentID(); !ok {
		return identity.Public{}, ErrNotLoggedIn
	}
	rec, err := c.store.CreateAdmin(ctx, p)
	if err != nil {
		return identity.Public{}, err
	}
	_ = audit.LogEvent(ctx, "admin.created", map[string]any{"identity_id": rec.ID, "role": rec.Role})
	return rec.Public(), nil
}

// UpdateAdmin edits an admin account on behalf of the authenticated caller.
// Edits that touch the caller's own session are healed synchronously.
func (c *Coordinator) UpdateAdmin(ctx context.Context, targetID string, upd identity.AdminUpdate) (identity.Public, error) {
	actorID, ok := c.currentID()
	if !ok {
		return identity.Public{}, ErrNotLoggedIn
	}
	rec, err := c.store.UpdateAdmin(ctx, actorID, targetID, upd)
	if err != nil {
		return identity.Public{}, err
	}
	_ = audit.LogEvent(ctx, "admin.updated", map[string]any{"identity_id": rec.ID})
	if err := c.reconcileNow(ctx); err != nil {
		return identity.Public{}, err
	}
	return rec.Public(), nil
}

// DeleteAdmin removes an admin account on behalf of the authenticated caller.
func (c *Coordinator) DeleteAdmin(ctx context.Context, targetID string) error {
	actorID, ok := c.currentID()
	if !ok {
		return ErrNotLoggedIn
	}
	if err := c.store.DeleteAdmin(ctx, actorID, targetID); err != nil {
		return err
	}
	_ = audit.LogEvent(ctx, "admin.deleted", map[string]any{"identity_id": targetID})
	return c.reconcileNow(ctx)
}

// ToggleStatus flips an account's status on behalf of the authenticated
// caller. Suspending one's own account ends the session immediately.
func (c *Coordinator) ToggleStatus(ctx context.Context, targetID string) (identity.Public, error) {
	if _, ok := c.currentID(); !ok {
		return identity.Public{}, ErrNotLoggedIn
	}
	rec, err := c.store.ToggleStatus(ctx, targetID)
	if err != nil {
		return identity.Public{}, err
	}
	_ = audit.LogEvent(ctx, "admin.status_toggled", map[string]any{"identity_id": rec.ID, "status": rec.Status})
	if err := c.reconcileNow(ctx); err != nil {
		return identity.Public{}, err
	}
	return rec.Public(), nil
}

// Current returns the authenticated identity's public claims, or nil when the
// state is None.
func (c *Coordinator) Current() *identity.Public {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == nil {
		return nil
	}
	pub := c.current.Public()
	return &pub
}

// SessionToken returns the raw persisted token for the live session.
func (c *Coordinator) SessionToken() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == nil {
		return "", false
	}
	return c.raw, true
}

// Decode validates a presented token without touching coordinator state.
func (c *Coordinator) Decode(raw string) *token.Claims {
	return c.tokens.Decode(raw)
}

// Identities returns the collection with credential digests stripped, for
// admin listings.
func (c *Coordinator) Identities(ctx context.Context) ([]identity.Public, error) {
	list, err := c.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]identity.Public, 0, len(list))
	for _, rec := range list {
		out = append(out, rec.Public())
	}
	return out, nil
}

// WatchCurrent returns a channel receiving the public claims after every
// current-identity transition; nil marks a transition to None. The channel is
// closed when ctx ends.
func (c *Coordinator) WatchCurrent(ctx context.Context) <-chan *identity.Public {
	ch := make(chan *identity.Public, 16)

	c.fanMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.fanMu.Unlock()

	go func() {
		<-ctx.Done()
		c.fanMu.Lock()
		delete(c.subs, id)
		close(ch)
		c.fanMu.Unlock()
	}()

	return ch
}

// WatchIdentities streams collection snapshots with digests stripped, for
// continuously updated admin listings.
func (c *Coordinator) WatchIdentities(ctx context.Context) <-chan []identity.Public {
	src := c.store.Watch(ctx)
	out := make(chan []identity.Public, 16)
	go func() {
		defer close(out)
		for list := range src {
			pub := make([]identity.Public, 0, len(list))
			for _, rec := range list {
				pub = append(pub, rec.Public())
			}
			select {
			case out <- pub:
			default:
			}
		}
	}()
	return out
}

// HasPermission reports whether the live session grants the named capability.
func (c *Coordinator) HasPermission(key string) bool {
	cur := c.Current()
	if cur == nil {
		return false
	}
	if cur.Role == identity.RoleOwnerAdmin {
		return true
	}
	return cur.Permissions.Has(key)
}

// --- internals ---

func (c *Coordinator) session() Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Session{
		Identity:  c.current.Public(),
		Token:     c.raw,
		ExpiresAt: c.current.ExpiresAt.Time,
	}
}

func (c *Coordinator) currentID() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == nil {
		return "", false
	}
	return c.current.IdentityID(), true
}

// mint issues a fresh token for the record, persists it, and publishes the
// new state.
func (c *Coordinator) mint(ctx context.Context, rec identity.Identity) error {
	raw, claims, err := c.tokens.Issue(rec)
	if err != nil {
		return err
	}
	if err := c.kv.Put(ctx, EntrySessionToken, []byte(raw)); err != nil {
		return err
	}
	obs.SessionTokensIssued.Inc()
	c.setCurrent(claims, raw)
	return nil
}

func (c *Coordinator) setCurrent(claims *token.Claims, raw string) {
	c.mu.Lock()
	c.current = claims
	c.raw = raw
	c.mu.Unlock()
	pub := claims.Public()
	c.publish(&pub)
}

func (c *Coordinator) discardToken(ctx context.Context) error {
	return c.kv.Delete(ctx, EntrySessionToken)
}

// reconcileNow re-reads the collection and heals the session synchronously,
// so single-context mutations take effect before the caller's next read.
func (c *Coordinator) reconcileNow(ctx context.Context) error {
	list, err := c.store.List(ctx)
	if err != nil {
		return err
	}
	c.reconcile(ctx, list)
	return nil
}

// reconcile drives the session state machine from a collection snapshot: a
// vanished or suspended identity forces logout; drifted claims are re-minted
// so a stale, possibly over-privileged token never stays live.
func (c *Coordinator) reconcile(ctx context.Context, list []identity.Identity) {
	c.mu.RLock()
	claims := c.current
	c.mu.RUnlock()
	if claims == nil {
		return
	}

	var rec *identity.Identity
	for i := range list {
		if list[i].ID == claims.IdentityID() {
			rec = &list[i]
			break
		}
	}
	if rec == nil || rec.Status != identity.StatusActive {
		obs.SessionForcedLogouts.Inc()
		_ = c.Logout(ctx)
		return
	}
	if !claims.Matches(*rec) {
		obs.SessionDriftRefreshes.Inc()
		_ = c.mint(ctx, *rec)
	}
}

// migrateLegacy performs the one-time currentUser migration: match by id then
// email, mint a token when the match is active, and delete the legacy entry
// regardless of outcome.
func (c *Coordinator) migrateLegacy(ctx context.Context) error {
	raw, err := c.kv.Get(ctx, EntryLegacyUser)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil
		}
		return err
	}
	defer func() { _ = c.kv.Delete(ctx, EntryLegacyUser) }()

	var legacy struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	}
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return nil
	}

	rec, err := c.store.Find(ctx, legacy.ID)
	if errors.Is(err, identity.ErrNotFound) {
		rec, err = c.store.FindByEmail(ctx, legacy.Email)
	}
	if err != nil || rec.Status != identity.StatusActive {
		return nil
	}
	_ = audit.LogEvent(ctx, "session.legacy_migrated", map[string]any{"identity_id": rec.ID})
	return c.mint(ctx, rec)
}

func (c *Coordinator) publish(pub *identity.Public) {
	c.fanMu.RLock()
	defer c.fanMu.RUnlock()
	for _, ch := range c.subs {
		select {
		case ch <- pub:
		default:
			// Drop when the watcher is slow; Current() is authoritative.
		}
	}
}
