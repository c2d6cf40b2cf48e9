package identity

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"mercato.dev/internal/ids"
	"mercato.dev/internal/kv"
)

// EntryIdentities is the persistence entry holding the full identity
// collection.
const EntryIdentities = "identities"

const minSecretLength = 6

// Default owner admin seeded when the collection holds none. The temporary
// secret is meant to be rotated on first login.
const (
	defaultSeedEmail  = "admin@mercato.dev"
	defaultSeedSecret = "admin123"
)

// Store owns the durable identity collection. Every mutation rewrites the
// whole collection in the persistence layer and publishes the updated snapshot
// to watchers, so dependents stay current without polling.
type Store struct {
	kv    kv.Store
	now   func() time.Time
	newID func() string

	seedEmail  string
	seedSecret string

	// mu serializes read-modify-write cycles within this context.
	mu sync.Mutex

	fanMu   sync.RWMutex
	subs    map[int]chan []Identity
	nextSub int
	lastSum [sha256.Size]byte
}

// StoreOption configures Store behavior.
type StoreOption func(*Store)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) StoreOption {
	return func(s *Store) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithIDGenerator overrides identifier generation.
func WithIDGenerator(fn func() string) StoreOption {
	return func(s *Store) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// WithSeedAdmin overrides the auto-seeded owner admin credentials.
func WithSeedAdmin(email, secret string) StoreOption {
	return func(s *Store) {
		if NormalizeEmail(email) != "" && len(secret) >= minSecretLength {
			s.seedEmail = NormalizeEmail(email)
			s.seedSecret = secret
		}
	}
}

// NewStore loads the persisted collection, folds legacy role and status
// spellings onto the closed enums, recomputes permission vectors from roles,
// and seeds an owner admin when none exists.
func NewStore(ctx context.Context, store kv.Store, opts ...StoreOption) (*Store, error) {
	if store == nil {
		return nil, errors.New("identity: persistence store is required")
	}
	s := &Store{
		kv:         store,
		now:        time.Now,
		newID:      ids.New,
		seedEmail:  defaultSeedEmail,
		seedSecret: defaultSeedSecret,
		subs:       make(map[int]chan []Identity),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	changed := normalize(list)
	if s.ensureOwner(&list) {
		changed = true
	}
	if changed {
		if err := s.save(ctx, list); err != nil {
			return nil, err
		}
	} else {
		s.lastSum = collectionSum(list)
	}
	return s, nil
}

// Start forwards external persistence-layer writes (another tab or process
// rewriting the collection) into this store's snapshot stream. It returns
// once the watcher goroutine is running.
func (s *Store) Start(ctx context.Context) {
	updates := s.kv.Watch(ctx, EntryIdentities)
	go func() {
		for raw := range updates {
			s.applyExternal(raw)
		}
	}()
}

// Watch returns a channel receiving the full collection snapshot after every
// observed mutation, local or external. The channel is closed when ctx ends.
func (s *Store) Watch(ctx context.Context) <-chan []Identity {
	ch := make(chan []Identity, 16)

	s.fanMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.fanMu.Unlock()

	go func() {
		<-ctx.Done()
		s.fanMu.Lock()
		delete(s.subs, id)
		close(ch)
		s.fanMu.Unlock()
	}()

	return ch
}

// RegisterParams carries self-service registration input.
type RegisterParams struct {
	FirstName string
	LastName  string
	Email     string
	Secret    string
	Phone     string
}

// Register creates a customer account with denied permissions and Active
// status.
func (s *Store) Register(ctx context.Context, p RegisterParams) (Identity, error) {
	first := strings.TrimSpace(p.FirstName)
	last := strings.TrimSpace(p.LastName)
	email := NormalizeEmail(p.Email)
	if first == "" || last == "" || email == "" || p.Secret == "" {
		return Identity{}, fmt.Errorf("%w: first name, last name, email and password are required", ErrValidation)
	}
	if !strings.Contains(email, "@") {
		return Identity{}, fmt.Errorf("%w: valid email is required", ErrValidation)
	}
	if len(p.Secret) < minSecretLength {
		return Identity{}, ErrWeakSecret
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.load(ctx)
	if err != nil {
		return Identity{}, err
	}
	if findByEmail(list, email) >= 0 {
		return Identity{}, ErrDuplicateEmail
	}

	rec := Identity{
		ID:               s.newID(),
		FirstName:        first,
		LastName:         last,
		Email:            email,
		Status:           StatusActive,
		Role:             RoleCustomer,
		Permissions:      NoPermissions(),
		RegistrationDate: s.now().UTC(),
		CredentialDigest: Digest(p.Secret, email),
		Phone:            strings.TrimSpace(p.Phone),
	}
	list = append(list, rec)
	if err := s.save(ctx, list); err != nil {
		return Identity{}, err
	}
	return rec, nil
}

// AdminParams carries administrative account creation input.
type AdminParams struct {
	FirstName  string
	LastName   string
	Email      string
	Role       Role
	Grants     Permissions
	TempSecret string
	Status     Status
}

// CreateAdmin creates an admin account with a temporary secret. Owner admins
// always receive the full permission vector regardless of the grants supplied.
func (s *Store) CreateAdmin(ctx context.Context, p AdminParams) (Identity, error) {
	first := strings.TrimSpace(p.FirstName)
	last := strings.TrimSpace(p.LastName)
	email := NormalizeEmail(p.Email)
	if first == "" || email == "" {
		return Identity{}, fmt.Errorf("%w: name and email are required", ErrValidation)
	}
	if !strings.Contains(email, "@") {
		return Identity{}, fmt.Errorf("%w: valid email is required", ErrValidation)
	}
	role := NormalizeRole(string(p.Role))
	if !role.IsAdmin() {
		return Identity{}, fmt.Errorf("%w: admin role is required", ErrValidation)
	}
	if len(p.TempSecret) < minSecretLength {
		return Identity{}, ErrWeakSecret
	}
	if last == "" {
		last = "Admin"
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.load(ctx)
	if err != nil {
		return Identity{}, err
	}
	if findByEmail(list, email) >= 0 {
		return Identity{}, ErrDuplicateEmail
	}

	rec := Identity{
		ID:               s.newID(),
		FirstName:        first,
		LastName:         last,
		Email:            email,
		Status:           NormalizeStatus(string(p.Status)),
		Role:             role,
		Permissions:      ResolvePermissions(role, p.Grants),
		RegistrationDate: s.now().UTC(),
		CredentialDigest: Digest(p.TempSecret, email),
	}
	list = append(list, rec)
	if err := s.save(ctx, list); err != nil {
		return Identity{}, err
	}
	return rec, nil
}

// AdminUpdate carries a partial administrative edit. Nil fields are left
// untouched.
type AdminUpdate struct {
	FirstName *string
	LastName  *string
	Email     *string
	Role      *Role
	Grants    *Permissions
	Status    *Status
}

// UpdateAdmin applies a partial edit to an admin account on behalf of actorID.
// The permission vector is always recomputed from the resulting role and
// grants, never taken from the stored or supplied vector directly.
func (s *Store) UpdateAdmin(ctx context.Context, actorID, targetID string, upd AdminUpdate) (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.load(ctx)
	if err != nil {
		return Identity{}, err
	}
	idx := findByID(list, targetID)
	if idx < 0 {
		return Identity{}, ErrNotFound
	}
	rec := list[idx]
	if !rec.Role.IsAdmin() {
		return Identity{}, ErrNotAdmin
	}

	role := rec.Role
	if upd.Role != nil {
		role = NormalizeRole(string(*upd.Role))
		if !role.IsAdmin() {
			return Identity{}, fmt.Errorf("%w: admin role is required", ErrValidation)
		}
		if rec.Role == RoleOwnerAdmin && role != RoleOwnerAdmin {
			if actorID == targetID {
				return Identity{}, ErrSelfDemotion
			}
			// The collection must keep at least one owner admin.
			if ownerCount(list) < 2 {
				return Identity{}, ErrLastOwner
			}
		}
	}
	if upd.FirstName != nil {
		first := strings.TrimSpace(*upd.FirstName)
		if first == "" {
			return Identity{}, fmt.Errorf("%w: first name is required", ErrValidation)
		}
		rec.FirstName = first
	}
	if upd.LastName != nil {
		rec.LastName = strings.TrimSpace(*upd.LastName)
	}
	if upd.Email != nil {
		email := NormalizeEmail(*upd.Email)
		if email == "" || !strings.Contains(email, "@") {
			return Identity{}, fmt.Errorf("%w: valid email is required", ErrValidation)
		}
		if dup := findByEmail(list, email); dup >= 0 && list[dup].ID != targetID {
			return Identity{}, ErrDuplicateEmail
		}
		rec.Email = email
	}
	if upd.Status != nil {
		rec.Status = NormalizeStatus(string(*upd.Status))
	}

	grants := rec.Permissions
	if upd.Grants != nil {
		grants = *upd.Grants
	}
	rec.Role = role
	rec.Permissions = ResolvePermissions(role, grants)

	list[idx] = rec
	if err := s.save(ctx, list); err != nil {
		return Identity{}, err
	}
	return rec, nil
}

// DeleteAdmin removes an admin account. Deleting one's own owner admin
// account is forbidden.
func (s *Store) DeleteAdmin(ctx context.Context, actorID, targetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.load(ctx)
	if err != nil {
		return err
	}
	idx := findByID(list, targetID)
	if idx < 0 {
		return ErrNotFound
	}
	if !list[idx].Role.IsAdmin() {
		return ErrNotAdmin
	}
	if actorID == targetID && list[idx].Role == RoleOwnerAdmin {
		return ErrSelfDeletion
	}
	list = append(list[:idx], list[idx+1:]...)
	s.ensureOwner(&list)
	return s.save(ctx, list)
}

// ToggleStatus flips an account between Active and Suspended.
func (s *Store) ToggleStatus(ctx context.Context, id string) (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.load(ctx)
	if err != nil {
		return Identity{}, err
	}
	idx := findByID(list, id)
	if idx < 0 {
		return Identity{}, ErrNotFound
	}
	list[idx].Status = list[idx].Status.Toggle()
	if err := s.save(ctx, list); err != nil {
		return Identity{}, err
	}
	return list[idx], nil
}

// ProfileUpdate carries a self-service profile edit. Email is deliberately
// absent: holders of a customer role cannot change it.
type ProfileUpdate struct {
	FirstName *string
	LastName  *string
	Phone     *string
	AvatarRef *string
}

// UpdateProfile applies a self-service edit to the identified account.
func (s *Store) UpdateProfile(ctx context.Context, id string, upd ProfileUpdate) (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.load(ctx)
	if err != nil {
		return Identity{}, err
	}
	idx := findByID(list, id)
	if idx < 0 {
		return Identity{}, ErrNotFound
	}
	rec := list[idx]
	if upd.FirstName != nil {
		first := strings.TrimSpace(*upd.FirstName)
		if first == "" {
			return Identity{}, fmt.Errorf("%w: first name is required", ErrValidation)
		}
		rec.FirstName = first
	}
	if upd.LastName != nil {
		last := strings.TrimSpace(*upd.LastName)
		if last == "" {
			return Identity{}, fmt.Errorf("%w: last name is required", ErrValidation)
		}
		rec.LastName = last
	}
	if upd.Phone != nil {
		rec.Phone = strings.TrimSpace(*upd.Phone)
	}
	if upd.AvatarRef != nil {
		rec.AvatarRef = strings.TrimSpace(*upd.AvatarRef)
	}
	list[idx] = rec
	if err := s.save(ctx, list); err != nil {
		return Identity{}, err
	}
	return rec, nil
}

// ChangeSecret rotates an account's credential after verifying the current
// one.
func (s *Store) ChangeSecret(ctx context.Context, id, currentSecret, newSecret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.load(ctx)
	if err != nil {
		return err
	}
	idx := findByID(list, id)
	if idx < 0 {
		return ErrNotFound
	}
	if !VerifyDigest(list[idx].CredentialDigest, currentSecret, list[idx].Email) {
		return ErrAuthMismatch
	}
	if len(newSecret) < minSecretLength {
		return ErrWeakSecret
	}
	list[idx].CredentialDigest = Digest(newSecret, list[idx].Email)
	return s.save(ctx, list)
}

// Authenticate resolves an email/secret pair to an identity. Unknown email and
// wrong secret fail identically; a suspended account with correct credentials
// is reported distinctly.
func (s *Store) Authenticate(ctx context.Context, email, secret string) (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.load(ctx)
	if err != nil {
		return Identity{}, err
	}
	idx := findByEmail(list, NormalizeEmail(email))
	if idx < 0 {
		return Identity{}, ErrInvalidCredentials
	}
	rec := list[idx]
	if !VerifyDigest(rec.CredentialDigest, secret, rec.Email) {
		return Identity{}, ErrInvalidCredentials
	}
	if rec.Status != StatusActive {
		return Identity{}, ErrAccountSuspended
	}
	return rec, nil
}

// Find returns the identity with the given id.
func (s *Store) Find(ctx context.Context, id string) (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.load(ctx)
	if err != nil {
		return Identity{}, err
	}
	idx := findByID(list, id)
	if idx < 0 {
		return Identity{}, ErrNotFound
	}
	return list[idx], nil
}

// FindByEmail returns the identity with the given normalized email.
func (s *Store) FindByEmail(ctx context.Context, email string) (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.load(ctx)
	if err != nil {
		return Identity{}, err
	}
	idx := findByEmail(list, NormalizeEmail(email))
	if idx < 0 {
		return Identity{}, ErrNotFound
	}
	return list[idx], nil
}

// List returns the full collection snapshot.
func (s *Store) List(ctx context.Context) ([]Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ctx)
}

// --- internals ---

func (s *Store) load(ctx context.Context) ([]Identity, error) {
	raw, err := s.kv.Get(ctx, EntryIdentities)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("identity: load collection: %w", err)
	}
	list, err := decodeCollection(raw)
	if err != nil {
		return nil, err
	}
	return list, nil
}

func (s *Store) save(ctx context.Context, list []Identity) error {
	raw, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("identity: encode collection: %w", err)
	}
	if err := s.kv.Put(ctx, EntryIdentities, raw); err != nil {
		return fmt.Errorf("identity: persist collection: %w", err)
	}
	s.setLastSum(collectionSum(list))
	s.publish(list)
	return nil
}

// ensureOwner appends the seed owner admin when the collection holds none.
// Reports whether the collection changed.
func (s *Store) ensureOwner(list *[]Identity) bool {
	for _, rec := range *list {
		if rec.Role == RoleOwnerAdmin {
			return false
		}
	}
	*list = append(*list, Identity{
		ID:               s.newID(),
		FirstName:        "Store",
		LastName:         "Owner",
		Email:            s.seedEmail,
		Status:           StatusActive,
		Role:             RoleOwnerAdmin,
		Permissions:      FullPermissions(),
		RegistrationDate: s.now().UTC(),
		CredentialDigest: Digest(s.seedSecret, s.seedEmail),
	})
	return true
}

func (s *Store) applyExternal(raw []byte) {
	sum := sha256.Sum256(raw)
	s.fanMu.Lock()
	if sum == s.lastSum {
		s.fanMu.Unlock()
		return
	}
	s.lastSum = sum
	s.fanMu.Unlock()

	list, err := decodeCollection(raw)
	if err != nil {
		return
	}
	normalize(list)
	s.publish(list)
}

func (s *Store) publish(list []Identity) {
	snapshot := make([]Identity, len(list))
	copy(snapshot, list)

	s.fanMu.RLock()
	defer s.fanMu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- snapshot:
		default:
			// Drop when the watcher is slow; it will catch up on the
			// next mutation or its next read.
		}
	}
}

func (s *Store) setLastSum(sum [sha256.Size]byte) {
	s.fanMu.Lock()
	s.lastSum = sum
	s.fanMu.Unlock()
}

func decodeCollection(raw []byte) ([]Identity, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var list []Identity
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("identity: decode collection: %w", err)
	}
	return list, nil
}

// normalize folds legacy role/status spellings and recomputes permission
// vectors from roles. Reports whether anything changed.
func normalize(list []Identity) bool {
	changed := false
	for i := range list {
		role := NormalizeRole(string(list[i].Role))
		status := NormalizeStatus(string(list[i].Status))
		email := NormalizeEmail(list[i].Email)
		perms := ResolvePermissions(role, list[i].Permissions)
		if role != list[i].Role || status != list[i].Status || email != list[i].Email || perms != list[i].Permissions {
			list[i].Role = role
			list[i].Status = status
			list[i].Email = email
			list[i].Permissions = perms
			changed = true
		}
	}
	return changed
}

func collectionSum(list []Identity) [sha256.Size]byte {
	raw, _ := json.Marshal(list)
	return sha256.Sum256(raw)
}

func ownerCount(list []Identity) int {
	n := 0
	for i := range list {
		if list[i].Role == RoleOwnerAdmin {
			n++
		}
	}
	return n
}

func findByID(list []Identity, id string) int {
	for i := range list {
		if list[i].ID == id {
			return i
		}
	}
	return -1
}

func findByEmail(list []Identity, email string) int {
	for i := range list {
		if list[i].Email == email {
			return i
		}
	}
	return -1
}
