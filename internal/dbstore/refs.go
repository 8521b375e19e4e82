package dbstore

import (
	"context"
	"hash/fnv"
	"strconv"
	"strings"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/andrew/gitgres/internal/gerrs"
	"github.com/andrew/gitgres/internal/oid"
)

// RefBackend is the ref-DB backend (C7): a repository-scoped view over the
// refs and reflog tables, exposing both spec §4.7's operations and go-git's
// plumbing/storer.ReferenceStorer.
//
// Grounded on spec §4.7's CAS/lock state machine directly — no teacher file
// implements ref CAS — but its option-struct funnel (WriteParams threaded
// through one Write method) follows the shape of navytux-git-backup's
// RunWith-configured _git() funnel in git.go.
type RefBackend struct {
	drv    *Driver
	repoID int64
}

var _ storer.ReferenceStorer = (*RefBackend)(nil)

// NewRefBackend binds a Driver to one repository's refs.
func NewRefBackend(drv *Driver, repoID int64) *RefBackend {
	return &RefBackend{drv: drv, repoID: repoID}
}

// RefValue is a ref row's current value: exactly one of OID/Symbolic is set
// (spec §3's checked XOR).
type RefValue struct {
	Name     string
	OID      oid.OID
	Symbolic string
}

func (v RefValue) IsSymbolic() bool { return v.Symbolic != "" }

// Signature is the committer identity recorded in a reflog row.
type Signature struct {
	Name  string
	Email string
	When  time.Time
}

func (s Signature) committer() string {
	return s.Name + " <" + s.Email + ">"
}

func (s Signature) tzOffset() string {
	_, offsetSec := s.When.Zone()
	sign := "+"
	if offsetSec < 0 {
		sign = "-"
		offsetSec = -offsetSec
	}
	hh := offsetSec / 3600
	mm := (offsetSec % 3600) / 60
	return sign + pad2(hh) + pad2(mm)
}

func pad2(n int) string {
	s := strconv.Itoa(n)
	if len(s) < 2 {
		return "0" + s
	}
	return s
}

// WriteParams is the argument bundle for Write's atomic
// compare-and-swap-and-reflog (spec §4.7).
type WriteParams struct {
	Name string

	// Exactly one of NewOID/NewTarget must be set (the ref's new value).
	NewOID    *oid.OID
	NewTarget *string

	Force bool

	// CAS preconditions; nil means "not given" (spec §4.7's !force branch).
	OldOID    *oid.OID
	OldTarget *string

	// If non-nil, append a reflog row for this update.
	Signature *Signature
	Message   string
}

var refNamePrefix = "refs/"

// validateRefName enforces spec §9's resolved open question: bare HEAD and
// refs/-prefixed names are accepted, anything else is rejected.
func validateRefName(name string) error {
	if name == "HEAD" || strings.HasPrefix(name, refNamePrefix) {
		return nil
	}
	return gerrs.New(gerrs.MalformedInput, "dbstore: unqualified ref name "+strconv.Quote(name))
}

// Exists reports whether name is present.
func (b *RefBackend) Exists(ctx context.Context, name string) (bool, error) {
	var one int
	err := b.drv.pool.QueryRow(ctx, `SELECT 1 FROM refs WHERE repo_id = $1 AND name = $2`, b.repoID, name).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, mapErr("dbstore: exists ref "+name, err)
	}
	return true, nil
}

// Lookup returns name's current value.
func (b *RefBackend) Lookup(ctx context.Context, name string) (RefValue, error) {
	return lookupTx(ctx, b.drv.pool, b.repoID, name)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func lookupTx(ctx context.Context, q querier, repoID int64, name string) (RefValue, error) {
	var rawOID []byte
	var symbolic *string
	err := q.QueryRow(ctx, `SELECT oid, symbolic FROM refs WHERE repo_id = $1 AND name = $2`, repoID, name).Scan(&rawOID, &symbolic)
	if err != nil {
		return RefValue{}, mapErr("dbstore: lookup ref "+name, err)
	}
	v := RefValue{Name: name}
	if symbolic != nil {
		v.Symbolic = *symbolic
		return v, nil
	}
	o, err := oid.FromBytes(rawOID)
	if err != nil {
		return RefValue{}, gerrs.Wrap(gerrs.Internal, "dbstore: corrupt ref oid", err)
	}
	v.OID = o
	return v, nil
}

// Iterate returns every ref whose name matches glob (a `*` translated to a
// SQL LIKE wildcard; spec §4.7 documents no other glob construct is
// supported), ordered by name. An empty glob matches every ref.
func (b *RefBackend) Iterate(ctx context.Context, glob string) ([]RefValue, error) {
	pattern := "%"
	if glob != "" {
		pattern = strings.ReplaceAll(glob, "*", "%")
	}
	rows, err := b.drv.pool.Query(ctx, `
		SELECT name, oid, symbolic FROM refs
		WHERE repo_id = $1 AND name LIKE $2
		ORDER BY name
	`, b.repoID, pattern)
	if err != nil {
		return nil, mapErr("dbstore: iterate refs", err)
	}
	defer rows.Close()

	var out []RefValue
	for rows.Next() {
		var name string
		var rawOID []byte
		var symbolic *string
		if err := rows.Scan(&name, &rawOID, &symbolic); err != nil {
			return nil, mapErr("dbstore: scan ref", err)
		}
		v := RefValue{Name: name}
		if symbolic != nil {
			v.Symbolic = *symbolic
		} else {
			o, err := oid.FromBytes(rawOID)
			if err != nil {
				return nil, gerrs.Wrap(gerrs.Internal, "dbstore: corrupt ref oid", err)
			}
			v.OID = o
		}
		out = append(out, v)
	}
	return out, mapErr("dbstore: iterate refs", rows.Err())
}

// Write performs the atomic compare-and-swap-and-reflog update spec §4.7
// describes: lock the row (if it exists), check preconditions unless
// force, upsert, optionally append a reflog row, all in one transaction.
func (b *RefBackend) Write(ctx context.Context, p WriteParams) error {
	if err := validateRefName(p.Name); err != nil {
		return err
	}
	if (p.NewOID == nil) == (p.NewTarget == nil) {
		return gerrs.New(gerrs.MalformedInput, "dbstore: write ref "+p.Name+": exactly one of new oid/target required")
	}

	return b.drv.WithTx(ctx, func(tx pgx.Tx) error {
		cur, err := lockRefForUpdate(ctx, tx, b.repoID, p.Name)
		exists := err == nil
		if err != nil && !gerrs.Is(err, gerrs.NotFound) {
			return err
		}

		if !p.Force {
			if p.OldOID != nil || p.OldTarget != nil {
				if !exists {
					b.drv.m.refCASFailures.Inc()
					return gerrs.New(gerrs.ValueChanged, "dbstore: ref "+p.Name+" does not exist")
				}
				if !casMatches(cur, p.OldOID, p.OldTarget) {
					b.drv.m.refCASFailures.Inc()
					return gerrs.New(gerrs.ValueChanged, "dbstore: ref "+p.Name+" current value does not match expected")
				}
			} else if exists {
				return gerrs.New(gerrs.AlreadyExists, "dbstore: ref "+p.Name+" already exists")
			}
		}

		if err := upsertRef(ctx, tx, b.repoID, p.Name, p.NewOID, p.NewTarget); err != nil {
			return err
		}

		if p.Signature != nil {
			if err := appendReflog(ctx, tx, b.drv.m, b.repoID, p.Name, refOIDOf(cur), p.NewOID, *p.Signature, p.Message); err != nil {
				return err
			}
		}
		return nil
	})
}

// refOIDOf returns cur's direct OID pointer, or nil if cur didn't exist or
// was symbolic (reflog's old_oid column is null in either case, per spec §3).
func refOIDOf(cur RefValue) *oid.OID {
	if cur.Name == "" || cur.IsSymbolic() {
		return nil
	}
	o := cur.OID
	return &o
}

func casMatches(cur RefValue, oldOID *oid.OID, oldTarget *string) bool {
	if oldOID != nil {
		return !cur.IsSymbolic() && cur.OID == *oldOID
	}
	if oldTarget != nil {
		return cur.IsSymbolic() && cur.Symbolic == *oldTarget
	}
	return false
}

func lockRefForUpdate(ctx context.Context, tx pgx.Tx, repoID int64, name string) (RefValue, error) {
	var rawOID []byte
	var symbolic *string
	err := tx.QueryRow(ctx, `
		SELECT oid, symbolic FROM refs WHERE repo_id = $1 AND name = $2 FOR UPDATE
	`, repoID, name).Scan(&rawOID, &symbolic)
	if err != nil {
		return RefValue{}, mapErr("dbstore: lock ref "+name, err)
	}
	v := RefValue{Name: name}
	if symbolic != nil {
		v.Symbolic = *symbolic
		return v, nil
	}
	o, err := oid.FromBytes(rawOID)
	if err != nil {
		return RefValue{}, gerrs.Wrap(gerrs.Internal, "dbstore: corrupt ref oid", err)
	}
	v.OID = o
	return v, nil
}

func upsertRef(ctx context.Context, tx pgx.Tx, repoID int64, name string, newOID *oid.OID, newTarget *string) error {
	var oidBytes []byte
	if newOID != nil {
		oidBytes = newOID[:]
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO refs (repo_id, name, oid, symbolic) VALUES ($1, $2, $3, $4)
		ON CONFLICT (repo_id, name) DO UPDATE SET oid = EXCLUDED.oid, symbolic = EXCLUDED.symbolic
	`, repoID, name, oidBytes, newTarget)
	return mapErr("dbstore: upsert ref "+name, err)
}

func appendReflog(ctx context.Context, tx pgx.Tx, m *metrics, repoID int64, name string, oldOID, newOID *oid.OID, sig Signature, message string) error {
	var oldBytes, newBytes []byte
	if oldOID != nil {
		oldBytes = (*oldOID)[:]
	}
	if newOID != nil {
		newBytes = (*newOID)[:]
	}
	var msg *string
	if message != "" {
		msg = &message
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO reflog (repo_id, ref_name, old_oid, new_oid, committer, timestamp_s, tz_offset, message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, repoID, name, oldBytes, newBytes, sig.committer(), sig.When.Unix(), sig.tzOffset(), msg)
	if err != nil {
		return mapErr("dbstore: append reflog "+name, err)
	}
	m.reflogAppended.Inc()
	return nil
}

// Rename moves old to new, failing with AlreadyExists if new exists and
// !force (deleting it first if forced), and NotFound if old doesn't exist.
// The reflog rows follow the ref (spec §4.7).
func (b *RefBackend) Rename(ctx context.Context, oldName, newName string, force bool) (RefValue, error) {
	if err := validateRefName(newName); err != nil {
		return RefValue{}, err
	}

	var renamed RefValue
	err := b.drv.WithTx(ctx, func(tx pgx.Tx) error {
		cur, err := lockRefForUpdate(ctx, tx, b.repoID, oldName)
		if err != nil {
			return err
		}

		newExists, err := existsTx(ctx, tx, b.repoID, newName)
		if err != nil {
			return err
		}
		if newExists {
			if !force {
				return gerrs.New(gerrs.AlreadyExists, "dbstore: ref "+newName+" already exists")
			}
			if err := deleteRefTx(ctx, tx, b.repoID, newName); err != nil {
				return err
			}
		}

		if _, err := tx.Exec(ctx, `UPDATE reflog SET ref_name = $1 WHERE repo_id = $2 AND ref_name = $3`, newName, b.repoID, oldName); err != nil {
			return mapErr("dbstore: rename reflog", err)
		}
		if err := deleteRefTx(ctx, tx, b.repoID, oldName); err != nil {
			return err
		}
		if err := upsertRef(ctx, tx, b.repoID, newName, refOIDOf(cur), symbolicOf(cur)); err != nil {
			return err
		}

		renamed = RefValue{Name: newName, OID: cur.OID, Symbolic: cur.Symbolic}
		return nil
	})
	return renamed, err
}

func symbolicOf(cur RefValue) *string {
	if !cur.IsSymbolic() {
		return nil
	}
	s := cur.Symbolic
	return &s
}

func existsTx(ctx context.Context, tx pgx.Tx, repoID int64, name string) (bool, error) {
	var one int
	err := tx.QueryRow(ctx, `SELECT 1 FROM refs WHERE repo_id = $1 AND name = $2`, repoID, name).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, mapErr("dbstore: exists ref "+name, err)
	}
	return true, nil
}

func deleteRefTx(ctx context.Context, tx pgx.Tx, repoID int64, name string) error {
	if _, err := tx.Exec(ctx, `DELETE FROM reflog WHERE repo_id = $1 AND ref_name = $2`, repoID, name); err != nil {
		return mapErr("dbstore: delete reflog "+name, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM refs WHERE repo_id = $1 AND name = $2`, repoID, name); err != nil {
		return mapErr("dbstore: delete ref "+name, err)
	}
	return nil
}

// Del removes name (and its reflog) transactionally, with an optional CAS
// check against oldOID/oldTarget.
func (b *RefBackend) Del(ctx context.Context, name string, oldOID *oid.OID, oldTarget *string) error {
	return b.drv.WithTx(ctx, func(tx pgx.Tx) error {
		cur, err := lockRefForUpdate(ctx, tx, b.repoID, name)
		if err != nil {
			return err
		}
		if (oldOID != nil || oldTarget != nil) && !casMatches(cur, oldOID, oldTarget) {
			b.drv.m.refCASFailures.Inc()
			return gerrs.New(gerrs.ValueChanged, "dbstore: delete ref "+name+": current value does not match expected")
		}
		return deleteRefTx(ctx, tx, b.repoID, name)
	})
}

// LockToken is an affine, transaction-scoped advisory lock on one ref (spec
// §4.7/§9): it must be consumed exactly once, by Unlock.
type LockToken struct {
	tx   pgx.Tx
	name string
}

// advisoryKey derives the FNV-1a 64-bit advisory-lock key spec §4.7
// specifies: repo_id as 4 big-endian bytes, concatenated with the ref
// name's bytes.
func advisoryKey(repoID int64, name string) int64 {
	h := fnv.New64a()
	var repoBytes [4]byte
	repoBytes[0] = byte(repoID >> 24)
	repoBytes[1] = byte(repoID >> 16)
	repoBytes[2] = byte(repoID >> 8)
	repoBytes[3] = byte(repoID)
	h.Write(repoBytes[:])
	h.Write([]byte(name))
	return int64(h.Sum64()) //nolint:gosec // pg_advisory_xact_lock takes a signed bigint; the bit pattern, not the sign, is what matters.
}

// Lock begins a transaction and acquires a transaction-scoped Postgres
// advisory lock keyed on (repo_id, name); the lock is released implicitly
// when the transaction this token's Unlock ends.
func (b *RefBackend) Lock(ctx context.Context, name string) (*LockToken, error) {
	tx, err := b.drv.pool.Begin(ctx)
	if err != nil {
		return nil, gerrs.Wrap(gerrs.StorageFailure, "dbstore: lock ref "+name+": begin", err)
	}
	key := advisoryKey(b.repoID, name)
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, key); err != nil {
		_ = tx.Rollback(ctx)
		return nil, gerrs.Wrap(gerrs.StorageFailure, "dbstore: lock ref "+name, err)
	}
	return &LockToken{tx: tx, name: name}, nil
}

// Disposition is how Unlock ends a Lock-acquired transaction.
type Disposition int

const (
	Discard Disposition = iota
	WriteDisposition
	DeleteDisposition
)

// Unlock consumes token, performing disposition's action and ending the
// transaction the matching Lock began.
func (b *RefBackend) Unlock(ctx context.Context, token *LockToken, disposition Disposition, p *WriteParams) error {
	defer func() { _ = token.tx.Rollback(ctx) }()

	switch disposition {
	case Discard:
		return token.tx.Rollback(ctx)

	case WriteDisposition:
		if p == nil {
			return gerrs.New(gerrs.Internal, "dbstore: unlock write: missing params")
		}
		if err := validateRefName(p.Name); err != nil {
			return err
		}
		var cur RefValue
		if p.Signature != nil {
			cur, _ = lockRefForUpdate(ctx, token.tx, b.repoID, p.Name)
		}
		if err := upsertRef(ctx, token.tx, b.repoID, p.Name, p.NewOID, p.NewTarget); err != nil {
			return err
		}
		if p.Signature != nil {
			if err := appendReflog(ctx, token.tx, b.drv.m, b.repoID, p.Name, refOIDOf(cur), p.NewOID, *p.Signature, p.Message); err != nil {
				return err
			}
		}
		return token.tx.Commit(ctx)

	case DeleteDisposition:
		if p == nil {
			return gerrs.New(gerrs.Internal, "dbstore: unlock delete: missing params")
		}
		if err := deleteRefTx(ctx, token.tx, b.repoID, p.Name); err != nil {
			return err
		}
		return token.tx.Commit(ctx)

	default:
		return gerrs.New(gerrs.Internal, "dbstore: unknown disposition")
	}
}

// HasLog reports whether name has any reflog entries.
func (b *RefBackend) HasLog(ctx context.Context, name string) (bool, error) {
	var one int
	err := b.drv.pool.QueryRow(ctx, `SELECT 1 FROM reflog WHERE repo_id = $1 AND ref_name = $2 LIMIT 1`, b.repoID, name).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, mapErr("dbstore: has log "+name, err)
	}
	return true, nil
}

// ReflogRename renames every reflog row for old to new, independent of
// whether the ref itself is being renamed (Rename above does both
// together; this is exposed separately because spec §4.7 lists it as its
// own operation).
func (b *RefBackend) ReflogRename(ctx context.Context, oldName, newName string) error {
	_, err := b.drv.pool.Exec(ctx, `UPDATE reflog SET ref_name = $1 WHERE repo_id = $2 AND ref_name = $3`, newName, b.repoID, oldName)
	return mapErr("dbstore: reflog rename", err)
}

// ReflogDelete deletes every reflog row for name.
func (b *RefBackend) ReflogDelete(ctx context.Context, name string) error {
	_, err := b.drv.pool.Exec(ctx, `DELETE FROM reflog WHERE repo_id = $1 AND ref_name = $2`, b.repoID, name)
	return mapErr("dbstore: reflog delete", err)
}

// EnsureLog is a no-op: reflog is write-through, so there is no separate
// log file to create (spec §4.7).
func (b *RefBackend) EnsureLog(ctx context.Context, name string) error {
	return nil
}

// --- go-git plumbing/storer.ReferenceStorer ---

func toPlumbingRef(v RefValue) *plumbing.Reference {
	if v.IsSymbolic() {
		return plumbing.NewSymbolicReference(plumbing.ReferenceName(v.Name), plumbing.ReferenceName(v.Symbolic))
	}
	return plumbing.NewHashReference(plumbing.ReferenceName(v.Name), plumbing.Hash(v.OID))
}

// SetReference implements storer.ReferenceStorer: a forced, unconditional
// write with no reflog (go-git's plumbing-level API carries no committer
// identity to attribute a reflog entry to).
func (b *RefBackend) SetReference(ref *plumbing.Reference) error {
	return b.Write(context.Background(), writeParamsFromPlumbing(ref, true, nil))
}

// CheckAndSetReference implements storer.ReferenceStorer: if old is nil the
// write is unconditional; otherwise it is a CAS against old's value.
func (b *RefBackend) CheckAndSetReference(newRef, old *plumbing.Reference) error {
	p := writeParamsFromPlumbing(newRef, old == nil, nil)
	if old != nil {
		if old.Type() == plumbing.HashReference {
			h := old.Hash()
			o, err := oid.FromBytes(h[:])
			if err != nil {
				return gerrs.Wrap(gerrs.MalformedInput, "dbstore: check-and-set reference", err)
			}
			p.OldOID = &o
		} else {
			t := old.Target().String()
			p.OldTarget = &t
		}
	}
	return b.Write(context.Background(), p)
}

func writeParamsFromPlumbing(ref *plumbing.Reference, force bool, sig *Signature) WriteParams {
	p := WriteParams{Name: ref.Name().String(), Force: force, Signature: sig}
	if ref.Type() == plumbing.SymbolicReference {
		t := ref.Target().String()
		p.NewTarget = &t
	} else {
		h := ref.Hash()
		o, _ := oid.FromBytes(h[:])
		p.NewOID = &o
	}
	return p
}

// Reference implements storer.ReferenceStorer.
func (b *RefBackend) Reference(name plumbing.ReferenceName) (*plumbing.Reference, error) {
	v, err := b.Lookup(context.Background(), name.String())
	if err != nil {
		if gerrs.Is(err, gerrs.NotFound) {
			return nil, plumbing.ErrReferenceNotFound
		}
		return nil, err
	}
	return toPlumbingRef(v), nil
}

// IterReferences implements storer.ReferenceStorer.
func (b *RefBackend) IterReferences() (storer.ReferenceIter, error) {
	vs, err := b.Iterate(context.Background(), "")
	if err != nil {
		return nil, err
	}
	refs := make([]*plumbing.Reference, 0, len(vs))
	for _, v := range vs {
		refs = append(refs, toPlumbingRef(v))
	}
	return storer.NewReferenceSliceIter(refs), nil
}

// RemoveReference implements storer.ReferenceStorer.
func (b *RefBackend) RemoveReference(name plumbing.ReferenceName) error {
	err := b.Del(context.Background(), name.String(), nil, nil)
	if gerrs.Is(err, gerrs.NotFound) {
		return nil
	}
	return err
}

// CountLooseRefs implements storer.ReferenceStorer; there is no loose/packed
// distinction in a relational ref store, so this is simply the ref count.
func (b *RefBackend) CountLooseRefs() (int, error) {
	var n int
	err := b.drv.pool.QueryRow(context.Background(), `SELECT count(*) FROM refs WHERE repo_id = $1`, b.repoID).Scan(&n)
	if err != nil {
		return 0, mapErr("dbstore: count refs", err)
	}
	return n, nil
}

// PackRefs implements storer.ReferenceStorer; packing loose refs has no
// analogue in a relational store, so this is a no-op.
func (b *RefBackend) PackRefs() error {
	return nil
}
