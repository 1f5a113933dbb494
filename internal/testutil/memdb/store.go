// Package memdb is test support: an in-memory stand-in for the PostgreSQL
// repositories. A top-level transaction holds the store's write lock from Begin
// until Commit or Rollback, so transactions never interleave and races on a
// code are not exercised here; the PostgreSQL tests gated on TEST_DATABASE_URL
// cover that. Nested Begin calls behave like savepoints.
//
// Pool-level reads take the same lock, so code under test must not read through
// the pool while it holds an open transaction. Handing a repository a
// transaction from another store, or one already closed, panics.
package memdb

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/riverqueue/river"

	"github.com/vitalink/backend/internal/models"
	"github.com/vitalink/backend/internal/repository"
)

type state struct {
	accounts    map[uuid.UUID]models.Account
	codes       map[string]models.Code
	redemptions []models.Redemption
	devices     map[uuid.UUID]models.Device
	audit       []models.AuditEntry
	jobs        []river.JobArgs
}

func newState() *state {
	return &state{
		accounts: make(map[uuid.UUID]models.Account),
		codes:    make(map[string]models.Code),
		devices:  make(map[uuid.UUID]models.Device),
	}
}

func (s *state) clone() *state {
	c := &state{
		accounts:    make(map[uuid.UUID]models.Account, len(s.accounts)),
		codes:       make(map[string]models.Code, len(s.codes)),
		redemptions: append([]models.Redemption(nil), s.redemptions...),
		devices:     make(map[uuid.UUID]models.Device, len(s.devices)),
		audit:       append([]models.AuditEntry(nil), s.audit...),
		jobs:        append([]river.JobArgs(nil), s.jobs...),
	}
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	for k, v := range s.codes {
		c.codes[k] = v
	}
	for k, v := range s.devices {
		c.devices[k] = v
	}
	return c
}

// Store holds the committed state.
type Store struct {
	mu    sync.Mutex
	state *state
	now   func() time.Time
}

func New() *Store {
	return &Store{state: newState(), now: time.Now}
}

// SetClock replaces the timestamp source.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Begin opens a top-level transaction and blocks while another one is open.
func (s *Store) Begin(ctx context.Context) (pgx.Tx, error) {
	s.mu.Lock()
	if err := ctx.Err(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	return &Tx{store: s, st: s.state.clone()}, nil
}

func (s *Store) read(fn func(st *state)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.state)
}

func (s *Store) write(fn func(st *state) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.state.clone()
	if err := fn(next); err != nil {
		return err
	}
	s.state = next
	return nil
}

// Tx satisfies pgx.Tx. Only Begin, Commit and Rollback do anything; the
// repositories in this package reach the transaction's state directly.
type Tx struct {
	store  *Store
	parent *Tx
	st     *state
	done   bool
}

func (t *Tx) Begin(ctx context.Context) (pgx.Tx, error) {
	if t.done {
		return nil, pgx.ErrTxClosed
	}
	return &Tx{store: t.store, parent: t, st: t.st.clone()}, nil
}

func (t *Tx) Commit(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	if t.parent != nil {
		t.parent.st = t.st
		return nil
	}
	t.store.state = t.st
	t.store.mu.Unlock()
	return nil
}

func (t *Tx) Rollback(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	if t.parent == nil {
		t.store.mu.Unlock()
	}
	return nil
}

func (t *Tx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), errors.New("memdb: Exec not supported")
}
func (t *Tx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("memdb: Query not supported")
}
func (t *Tx) QueryRow(context.Context, string, ...any) pgx.Row { return nil }
func (t *Tx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("memdb: CopyFrom not supported")
}
func (t *Tx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (t *Tx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (t *Tx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("memdb: Prepare not supported")
}
func (t *Tx) Conn() *pgx.Conn { return nil }

func stateOf(tx pgx.Tx) *state {
	t, ok := tx.(*Tx)
	if !ok || t.done {
		panic("memdb: repository used with a foreign or closed transaction")
	}
	return t.st
}

// InsertTx records a job in the transaction. It matches jobs.InsertTxFunc.
func (s *Store) InsertTx(_ context.Context, tx pgx.Tx, args river.JobArgs, _ *river.InsertOpts) error {
	st := stateOf(tx)
	st.jobs = append(st.jobs, args)
	return nil
}

// Jobs returns the committed jobs of the given kind, or all jobs for "".
func (s *Store) Jobs(kind string) []river.JobArgs {
	var out []river.JobArgs
	s.read(func(st *state) {
		for _, j := range st.jobs {
			if kind == "" || j.Kind() == kind {
				out = append(out, j)
			}
		}
	})
	return out
}

// Redemptions returns the committed ledger rows of a code.
func (s *Store) Redemptions(code string) []models.Redemption {
	var out []models.Redemption
	s.read(func(st *state) {
		for _, r := range st.redemptions {
			if r.Code == code {
				out = append(out, r)
			}
		}
	})
	return out
}

// AuditEntries returns the committed audit rows.
func (s *Store) AuditEntries() []models.AuditEntry {
	var out []models.AuditEntry
	s.read(func(st *state) { out = append(out, st.audit...) })
	return out
}

// --- accounts ---

type Accounts struct{ s *Store }

func (s *Store) Accounts() *Accounts { return &Accounts{s: s} }

func emailTaken(st *state, email string, except uuid.UUID) bool {
	if email == "" {
		return false
	}
	for id, a := range st.accounts {
		if id != except && a.Email != "" && strings.EqualFold(a.Email, email) {
			return true
		}
	}
	return false
}

func (r *Accounts) CreateTx(_ context.Context, tx pgx.Tx, a *models.Account) error {
	st := stateOf(tx)
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if emailTaken(st, a.Email, a.ID) {
		return models.ErrDuplicateEmail
	}
	now := r.s.now()
	a.CreatedAt, a.UpdatedAt = now, now
	st.accounts[a.ID] = *a
	return nil
}

func (r *Accounts) GetByID(_ context.Context, id uuid.UUID) (*models.Account, error) {
	var out *models.Account
	r.s.read(func(st *state) {
		if a, ok := st.accounts[id]; ok {
			out = &a
		}
	})
	if out == nil {
		return nil, models.ErrNotFound
	}
	return out, nil
}

func (r *Accounts) GetByEmail(_ context.Context, email string) (*models.Account, error) {
	var out *models.Account
	r.s.read(func(st *state) {
		for _, a := range st.accounts {
			if a.Email != "" && strings.EqualFold(a.Email, email) {
				out = &a
				return
			}
		}
	})
	if out == nil {
		return nil, models.ErrNotFound
	}
	return out, nil
}

func (r *Accounts) GetByIDForUpdate(_ context.Context, tx pgx.Tx, id uuid.UUID) (*models.Account, error) {
	a, ok := stateOf(tx).accounts[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &a, nil
}

func (r *Accounts) GetByIdentifierForUpdate(_ context.Context, tx pgx.Tx, identifier string) (*models.Account, error) {
	st := stateOf(tx)
	var byPhone *models.Account
	for _, a := range st.accounts {
		if a.Email != "" && strings.EqualFold(a.Email, identifier) {
			return &a, nil
		}
		if byPhone == nil && a.Phone != "" && a.Phone == identifier {
			byPhone = &a
		}
	}
	if byPhone == nil {
		return nil, models.ErrNotFound
	}
	return byPhone, nil
}

func (r *Accounts) UpdateTx(_ context.Context, tx pgx.Tx, a *models.Account) error {
	st := stateOf(tx)
	if _, ok := st.accounts[a.ID]; !ok {
		return models.ErrNotFound
	}
	if emailTaken(st, a.Email, a.ID) {
		return models.ErrDuplicateEmail
	}
	a.UpdatedAt = r.s.now()
	st.accounts[a.ID] = *a
	return nil
}

func (r *Accounts) SetLinkedAgentTx(_ context.Context, tx pgx.Tx, id, agentID uuid.UUID) error {
	st := stateOf(tx)
	a, ok := st.accounts[id]
	if !ok {
		return models.ErrNotFound
	}
	a.LinkedAgentID = &agentID
	a.UpdatedAt = r.s.now()
	st.accounts[id] = a
	return nil
}

// DeleteTx removes the account with the schema's ON DELETE rules.
func (r *Accounts) DeleteTx(_ context.Context, tx pgx.Tx, id uuid.UUID) error {
	st := stateOf(tx)
	if _, ok := st.accounts[id]; !ok {
		return models.ErrNotFound
	}
	delete(st.accounts, id)
	delete(st.devices, id)
	for k, a := range st.accounts {
		if a.LinkedAgentID != nil && *a.LinkedAgentID == id {
			a.LinkedAgentID = nil
			st.accounts[k] = a
		}
	}
	for k, c := range st.codes {
		if c.IssuerAgentID != nil && *c.IssuerAgentID == id {
			c.IssuerAgentID = nil
			st.codes[k] = c
		}
	}
	for i := range st.redemptions {
		if p := st.redemptions[i].AccountID; p != nil && *p == id {
			st.redemptions[i].AccountID = nil
		}
		if p := st.redemptions[i].AgentID; p != nil && *p == id {
			st.redemptions[i].AgentID = nil
		}
	}
	return nil
}

// --- codes ---

type Codes struct{ s *Store }

func (s *Store) Codes() *Codes { return &Codes{s: s} }

func (r *Codes) CreateTx(_ context.Context, tx pgx.Tx, c *models.Code) error {
	st := stateOf(tx)
	if _, exists := st.codes[c.Code]; exists {
		return repository.ErrDuplicateCode
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	now := r.s.now()
	c.UsedCount, c.Redeemed, c.Active = 0, false, true
	c.CreatedAt, c.UpdatedAt = now, now
	st.codes[c.Code] = *c
	return nil
}

func (r *Codes) GetByCode(_ context.Context, code string) (*models.Code, error) {
	var out *models.Code
	r.s.read(func(st *state) {
		if c, ok := st.codes[code]; ok {
			out = &c
		}
	})
	if out == nil {
		return nil, models.ErrNotFound
	}
	return out, nil
}

func (r *Codes) GetByCodeForUpdate(_ context.Context, tx pgx.Tx, code string) (*models.Code, error) {
	c, ok := stateOf(tx).codes[code]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &c, nil
}

func (r *Codes) ConsumeTx(_ context.Context, tx pgx.Tx, id uuid.UUID) (*models.Code, error) {
	st := stateOf(tx)
	for k, c := range st.codes {
		if c.ID != id {
			continue
		}
		if !c.Active || c.Exhausted() {
			return nil, models.ErrLimitReached
		}
		c.UsedCount++
		c.Redeemed = c.Bounded() && c.UsedCount >= *c.MaxUses
		c.UpdatedAt = r.s.now()
		st.codes[k] = c
		return &c, nil
	}
	return nil, models.ErrLimitReached
}

func (r *Codes) DisableByIssuerTx(_ context.Context, tx pgx.Tx, agentID uuid.UUID) (int64, error) {
	st := stateOf(tx)
	var n int64
	for k, c := range st.codes {
		if c.Active && c.IssuerAgentID != nil && *c.IssuerAgentID == agentID {
			c.Active = false
			c.UpdatedAt = r.s.now()
			st.codes[k] = c
			n++
		}
	}
	return n, nil
}

func (r *Codes) SetActive(_ context.Context, code string, active bool) (*models.Code, error) {
	var out *models.Code
	err := r.s.write(func(st *state) error {
		c, ok := st.codes[code]
		if !ok {
			return models.ErrNotFound
		}
		c.Active = active
		c.UpdatedAt = r.s.now()
		st.codes[code] = c
		out = &c
		return nil
	})
	return out, err
}

// --- redemptions ---

type Ledger struct{ s *Store }

func (s *Store) Ledger() *Ledger { return &Ledger{s: s} }

// ErrForeignKey mirrors a PostgreSQL foreign key violation on the ledger.
var ErrForeignKey = errors.New("memdb: foreign key violation")

func (r *Ledger) CreateTx(_ context.Context, tx pgx.Tx, e *models.Redemption) error {
	st := stateOf(tx)
	for _, ref := range []*uuid.UUID{e.AccountID, e.AgentID} {
		if ref == nil {
			continue
		}
		if _, ok := st.accounts[*ref]; !ok {
			return fmt.Errorf("%w: redemptions references account %s", ErrForeignKey, *ref)
		}
	}
	if _, ok := st.codes[e.Code]; !ok {
		return fmt.Errorf("%w: redemptions references code %s", ErrForeignKey, e.Code)
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.RedeemedAt = r.s.now()
	st.redemptions = append(st.redemptions, *e)
	return nil
}

// UsageByAgent mirrors the ledger repository's promo usage aggregate.
func (r *Ledger) UsageByAgent(_ context.Context, since *time.Time) ([]models.AgentUsage, error) {
	var out []models.AgentUsage
	r.s.read(func(st *state) {
		for _, a := range st.accounts {
			if !a.IsAgent() || !a.Active {
				continue
			}
			u := models.AgentUsage{AgentID: a.ID, Email: a.Email, Name: a.Name}
			for _, e := range st.redemptions {
				if e.Kind != models.CodeKindPromo || e.AgentID == nil || *e.AgentID != a.ID {
					continue
				}
				if since != nil && e.RedeemedAt.Before(*since) {
					continue
				}
				u.Uses++
			}
			out = append(out, u)
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Uses != out[j].Uses {
			return out[i].Uses > out[j].Uses
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// --- devices ---

type Devices struct{ s *Store }

func (s *Store) Devices() *Devices { return &Devices{s: s} }

func (r *Devices) Upsert(_ context.Context, d *models.Device) error {
	return r.s.write(func(st *state) error {
		if _, ok := st.accounts[d.AccountID]; !ok {
			return errors.New("memdb: device account does not exist")
		}
		for acc, existing := range st.devices {
			if acc != d.AccountID && existing.Token == d.Token {
				delete(st.devices, acc)
			}
		}
		now := r.s.now()
		if existing, ok := st.devices[d.AccountID]; ok {
			d.ID, d.CreatedAt = existing.ID, existing.CreatedAt
		} else {
			if d.ID == uuid.Nil {
				d.ID = uuid.New()
			}
			d.CreatedAt = now
		}
		d.UpdatedAt = now
		st.devices[d.AccountID] = *d
		return nil
	})
}

func (r *Devices) TokenForAccountTx(_ context.Context, tx pgx.Tx, accountID uuid.UUID) (string, error) {
	return stateOf(tx).devices[accountID].Token, nil
}

func (r *Devices) TokensForAgentUsers(_ context.Context, agentID uuid.UUID) ([]string, error) {
	var out []string
	r.s.read(func(st *state) {
		for acc, d := range st.devices {
			a := st.accounts[acc]
			if a.Active && a.LinkedAgentID != nil && *a.LinkedAgentID == agentID && d.Token != "" {
				out = append(out, d.Token)
			}
		}
	})
	sort.Strings(out)
	return out, nil
}

func (r *Devices) DeleteStale(_ context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := r.s.write(func(st *state) error {
		for acc, d := range st.devices {
			if d.Token == "" || d.UpdatedAt.Before(cutoff) {
				delete(st.devices, acc)
				n++
			}
		}
		return nil
	})
	return n, err
}

func (r *Devices) Count(context.Context) (int64, error) {
	var n int64
	r.s.read(func(st *state) { n = int64(len(st.devices)) })
	return n, nil
}

// --- audit ---

type Audit struct{ s *Store }

func (s *Store) Audit() *Audit { return &Audit{s: s} }

func (r *Audit) Create(_ context.Context, e *models.AuditEntry) error {
	return r.s.write(func(st *state) error {
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		e.CreatedAt = r.s.now()
		st.audit = append(st.audit, *e)
		return nil
	})
}
