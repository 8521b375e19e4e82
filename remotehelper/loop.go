// Package remotehelper implements the remote-helper protocol loop (C9): the
// line-oriented stdio dialog a `git` client speaks to an external remote
// helper, bridging it to a database-backed repository built from C6/C7.
//
// Grounded on navytux-git-backup/git-backup.go's top-level command-loop
// shape (verbosity-gated logging, a simple read-a-block-until-blank-line
// pattern in its restore path) generalised from that program's one-shot
// backup/restore commands to the remote-helper's persistent capabilities/
// list/fetch/push dialog.
package remotehelper

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/packfile"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/andrew/gitgres/internal/dbstore"
	"github.com/andrew/gitgres/internal/dbstore/packingest"
	"github.com/andrew/gitgres/internal/gerrs"
	"github.com/andrew/gitgres/internal/objfmt"
	"github.com/andrew/gitgres/internal/oid"
)

// state is the loop's position in the protocol state machine spec §4.9
// diagrams.
type state int

const (
	idle state = iota
	inFetchBlock
	inPushBlock
	terminated
)

// Helper drives one remote-helper session: one local Git repository (opened
// by the calling `git` process) paired with one database-backed repository.
type Helper struct {
	local *git.Repository
	obj   *dbstore.ObjectBackend
	ref   *dbstore.RefBackend
	log   *logrus.Entry

	state      state
	fetchLines []string
	pushLines  []string
}

// New builds a Helper from an already-opened local repository and the
// database backends for the remote side.
func New(local *git.Repository, obj *dbstore.ObjectBackend, ref *dbstore.RefBackend, log *logrus.Entry) *Helper {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Helper{local: local, obj: obj, ref: ref, log: log, state: idle}
}

// SplitURL parses `<conninfo>/<reponame>` by splitting on the last `/`, per
// spec §4.9/§6. Both sides must be non-empty.
func SplitURL(url string) (conninfo, reponame string, err error) {
	i := strings.LastIndex(url, "/")
	if i < 0 {
		return "", "", errors.Errorf("remotehelper: url %q: missing '/' separator", url)
	}
	conninfo, reponame = url[:i], url[i+1:]
	if conninfo == "" || reponame == "" {
		return "", "", errors.Errorf("remotehelper: url %q: empty conninfo or repository name", url)
	}
	return conninfo, reponame, nil
}

// Run reads remote-helper commands from in and writes protocol responses to
// out until the client disconnects or sends the top-level blank line that
// terminates the session (spec §4.9's state diagram).
func (h *Helper) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	w := bufio.NewWriter(out)
	defer w.Flush()

	for h.state != terminated && scanner.Scan() {
		line := scanner.Text()
		if err := h.dispatch(ctx, line, w); err != nil {
			return err
		}
		if err := w.Flush(); err != nil {
			return errors.Wrap(err, "remotehelper: flush response")
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, "remotehelper: read command")
	}
	return nil
}

func (h *Helper) dispatch(ctx context.Context, line string, w io.Writer) error {
	switch h.state {
	case idle:
		return h.dispatchIdle(ctx, line, w)
	case inFetchBlock:
		if line == "" {
			if err := h.runFetch(ctx); err != nil {
				return err
			}
			h.state = idle
			_, err := fmt.Fprint(w, "\n")
			return err
		}
		h.fetchLines = append(h.fetchLines, line)
		return nil
	case inPushBlock:
		if line == "" {
			err := h.runPush(ctx, w)
			h.state = idle
			if err != nil {
				return err
			}
			_, werr := fmt.Fprint(w, "\n")
			return werr
		}
		h.pushLines = append(h.pushLines, line)
		return nil
	default:
		return nil
	}
}

func (h *Helper) dispatchIdle(ctx context.Context, line string, w io.Writer) error {
	switch {
	case line == "":
		h.state = terminated
		return nil
	case line == "capabilities":
		_, err := fmt.Fprint(w, "fetch\npush\n\n")
		return err
	case line == "list" || line == "list for-push":
		return h.runList(ctx, w)
	case strings.HasPrefix(line, "fetch "):
		h.state = inFetchBlock
		h.fetchLines = []string{line}
		return nil
	case strings.HasPrefix(line, "push "):
		h.state = inPushBlock
		h.pushLines = []string{line}
		return nil
	default:
		h.log.Warnf("remotehelper: unknown command %q", line)
		return nil
	}
}

// runList emits every direct ref as "<hex-oid> <name>", and HEAD either as a
// symbolic line (when its target ref exists) or a direct line.
func (h *Helper) runList(ctx context.Context, w io.Writer) error {
	vs, err := h.ref.Iterate(ctx, "")
	if err != nil {
		return err
	}

	haveHead := false
	for _, v := range vs {
		if v.Name == "HEAD" {
			haveHead = true
			if v.IsSymbolic() {
				targetExists, err := h.ref.Exists(ctx, v.Symbolic)
				if err != nil {
					return err
				}
				if targetExists {
					if _, err := fmt.Fprintf(w, "@%s HEAD\n", v.Symbolic); err != nil {
						return err
					}
				}
			} else {
				if _, err := fmt.Fprintf(w, "%s HEAD\n", v.OID.String()); err != nil {
					return err
				}
			}
			continue
		}
		if v.IsSymbolic() {
			continue
		}
		if _, err := fmt.Fprintf(w, "%s %s\n", v.OID.String(), v.Name); err != nil {
			return err
		}
	}
	if !haveHead {
		h.log.Debug("remotehelper: repository has no HEAD yet")
	}
	_, err = fmt.Fprint(w, "\n")
	return err
}

// runFetch copies every object present in the database-backed store but
// missing from the local repository (spec §4.9's simplified "copy
// everything absent" fetch semantics).
func (h *Helper) runFetch(ctx context.Context) error {
	defer func() { h.fetchLines = nil }()
	return h.obj.Foreach(func(o oid.OID) error {
		hash := plumbing.Hash(o)
		if err := h.local.Storer.HasEncodedObject(hash); err == nil {
			return nil
		}
		typ, _, content, err := h.obj.ReadAny(o)
		if err != nil {
			return err
		}
		return copyIntoStorer(h.local.Storer, typ, content)
	})
}

func copyIntoStorer(dst interface {
	NewEncodedObject() plumbing.EncodedObject
	SetEncodedObject(plumbing.EncodedObject) (plumbing.Hash, error)
}, typ objfmt.Type, content []byte) error {
	mo := dst.NewEncodedObject()
	mo.SetType(plumbing.ObjectType(typ))
	mo.SetSize(int64(len(content)))
	wc, err := mo.Writer()
	if err != nil {
		return errors.Wrap(err, "remotehelper: open object writer")
	}
	if _, err := wc.Write(content); err != nil {
		_ = wc.Close()
		return errors.Wrap(err, "remotehelper: write object content")
	}
	if err := wc.Close(); err != nil {
		return errors.Wrap(err, "remotehelper: close object writer")
	}
	if _, err := dst.SetEncodedObject(mo); err != nil {
		return errors.Wrap(err, "remotehelper: set encoded object")
	}
	return nil
}

type pushResult struct {
	dst string
	err error
}

// runPush copies every local object absent from the database-backed store,
// then resolves and applies each requested ref update, writing an "ok"/
// "error" line per ref (spec §4.9).
func (h *Helper) runPush(ctx context.Context, w io.Writer) error {
	defer func() { h.pushLines = nil }()

	specs := make([]refspec, 0, len(h.pushLines))
	for _, line := range h.pushLines {
		sp, err := parseRefspec(line)
		if err != nil {
			return err
		}
		specs = append(specs, sp)
	}

	if err := h.copyLocalObjectsToBackend(); err != nil {
		return err
	}

	results := make([]pushResult, 0, len(specs))
	var firstPushedRef string
	for _, sp := range specs {
		err := h.applyRefspec(ctx, sp)
		if err == nil && firstPushedRef == "" && sp.dst != "" {
			firstPushedRef = sp.dst
		}
		results = append(results, pushResult{dst: sp.dst, err: err})
	}

	if firstPushedRef != "" {
		if err := h.ensureHead(ctx, firstPushedRef); err != nil {
			h.log.WithError(err).Warn("remotehelper: could not ensure HEAD")
		}
	}

	for _, r := range results {
		var line string
		if r.err != nil {
			line = fmt.Sprintf("error %s %s\n", r.dst, r.err.Error())
		} else {
			line = fmt.Sprintf("ok %s\n", r.dst)
		}
		if _, err := fmt.Fprint(w, line); err != nil {
			return err
		}
	}
	return nil
}

// copyLocalObjectsToBackend packs every local object absent from the
// database-backed store into a single packfile and re-decodes it through
// packingest.Area (C8) before writing each resolved object to the object
// backend (C6) — the spec §2 bulk-push path, rather than copying objects
// across the API one at a time.
func (h *Helper) copyLocalObjectsToBackend() error {
	missing, err := h.missingLocalHashes()
	if err != nil {
		return err
	}
	if len(missing) == 0 {
		return nil
	}

	area, err := packingest.New()
	if err != nil {
		return err
	}
	defer area.Destroy()

	pw, err := area.PackfileWriter()
	if err != nil {
		return err
	}
	enc := packfile.NewEncoder(pw, h.local.Storer, false)
	if _, err := enc.Encode(missing, 10); err != nil {
		_ = pw.Close()
		return errors.Wrap(err, "remotehelper: encode push packfile")
	}
	if err := pw.Close(); err != nil {
		return errors.Wrap(err, "remotehelper: close push packfile")
	}

	return area.Each(func(o packingest.DecodedObject) error {
		return h.obj.Write(o.OID, o.Type, o.Content)
	})
}

// missingLocalHashes lists every local object hash not yet present in the
// object backend, the set fed into the push packfile.
func (h *Helper) missingLocalHashes() ([]plumbing.Hash, error) {
	iter, err := h.local.Storer.IterEncodedObjects(plumbing.AnyObject)
	if err != nil {
		return nil, errors.Wrap(err, "remotehelper: iterate local objects")
	}
	defer iter.Close()

	var missing []plumbing.Hash
	err = iter.ForEach(func(eo plumbing.EncodedObject) error {
		hash := eo.Hash()
		o, err := oid.FromBytes(hash[:])
		if err != nil {
			return errors.Wrap(err, "remotehelper: local object hash")
		}
		exists, err := h.obj.Exists(o)
		if err != nil {
			return err
		}
		if !exists {
			missing = append(missing, hash)
		}
		return nil
	})
	return missing, err
}

// refspec is one parsed "[+]<src>:<dst>" push line.
type refspec struct {
	force bool
	src   string
	dst   string
}

func parseRefspec(line string) (refspec, error) {
	rest, ok := strings.CutPrefix(line, "push ")
	if !ok {
		return refspec{}, errors.Errorf("remotehelper: malformed push line %q", line)
	}
	force := strings.HasPrefix(rest, "+")
	rest = strings.TrimPrefix(rest, "+")
	i := strings.Index(rest, ":")
	if i < 0 {
		return refspec{}, errors.Errorf("remotehelper: malformed refspec %q", line)
	}
	return refspec{force: force, src: rest[:i], dst: rest[i+1:]}, nil
}

// applyRefspec resolves sp.src to an OID via the local repository (or
// deletes dst if src is empty) and upserts the corresponding ref in the
// database-backed store.
func (h *Helper) applyRefspec(ctx context.Context, sp refspec) error {
	if sp.src == "" {
		err := h.ref.Del(ctx, sp.dst, nil, nil)
		if gerrs.Is(err, gerrs.NotFound) {
			return nil
		}
		return err
	}

	resolved, err := h.resolveLocal(sp.src)
	if err != nil {
		return err
	}
	p := dbstore.WriteParams{
		Name:  sp.dst,
		NewOID: &resolved,
		Force: sp.force,
	}
	if !sp.force {
		cur, err := h.ref.Lookup(ctx, sp.dst)
		switch {
		case err == nil && cur.IsSymbolic():
			p.OldTarget = &cur.Symbolic
		case err == nil:
			p.OldOID = &cur.OID
		case !gerrs.Is(err, gerrs.NotFound):
			return err
		}
	}
	return h.ref.Write(ctx, p)
}

// resolveLocal resolves src to an OID: a 40-character hex string is parsed
// directly, anything else is treated as a ref name and resolved (following
// symbolic chains) against the local repository.
func (h *Helper) resolveLocal(src string) (oid.OID, error) {
	if len(src) == oid.HexSize {
		if o, err := oid.Parse(src); err == nil {
			return o, nil
		}
	}
	ref, err := h.local.Reference(plumbing.ReferenceName(src), true)
	if err != nil {
		return oid.OID{}, errors.Wrapf(err, "remotehelper: resolve %q", src)
	}
	hash := ref.Hash()
	return oid.FromBytes(hash[:])
}

// ensureHead creates HEAD as a symbolic ref to target if it does not
// already exist (spec §4.9's "create as symbolic to the first pushed ref if
// missing").
func (h *Helper) ensureHead(ctx context.Context, target string) error {
	exists, err := h.ref.Exists(ctx, "HEAD")
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return h.ref.Write(ctx, dbstore.WriteParams{Name: "HEAD", NewTarget: &target})
}
