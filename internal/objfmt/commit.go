package objfmt

import (
	"bytes"
	"strconv"

	"github.com/pkg/errors"

	"github.com/andrew/gitgres/internal/oid"
)

// Identity is a parsed author/committer line:
// "<name> SP <<email>> SP <unix-seconds> SP <±HHMM>".
type Identity struct {
	Name      string
	Email     string
	Timestamp int64
	TZ        string
}

// Commit is the parsed header and message of a type-commit object's raw
// content.
type Commit struct {
	Tree      oid.OID
	Parents   []oid.OID
	Author    Identity
	Committer Identity
	Message   []byte
}

// ErrMalformedHeader is returned when a commit's header violates the
// required line grammar (missing/duplicate tree, missing author/committer).
var ErrMalformedHeader = errors.New("objfmt: malformed commit header")

// ErrMalformedIdentity is returned when an author/committer line does not
// match "<name> <<email>> <timestamp> <tz>".
var ErrMalformedIdentity = errors.New("objfmt: malformed author/committer identity")

// ParseCommit decodes the raw content of a type-commit object. The header is
// the prefix terminated by the first "\n\n"; everything after that is the
// message, taken byte-for-byte (spec §4.4: arbitrary Unicode is allowed in
// the name and message, so this never goes through a text codec).
func ParseCommit(content []byte) (*Commit, error) {
	headerEnd := bytes.Index(content, []byte("\n\n"))
	var header, message []byte
	if headerEnd < 0 {
		header = content
	} else {
		header = content[:headerEnd]
		message = content[headerEnd+2:]
	}

	c := &Commit{Message: message}
	var haveTree, haveAuthor, haveCommitter bool

	for _, line := range bytes.Split(header, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		key, rest, ok := cutSpace(line)
		if !ok {
			return nil, errors.Wrapf(ErrMalformedHeader, "objfmt: header line %q has no key/value separator", line)
		}

		switch string(key) {
		case "tree":
			if haveTree {
				return nil, errors.Wrap(ErrMalformedHeader, "objfmt: duplicate tree line")
			}
			o, err := oid.Parse(string(rest))
			if err != nil {
				return nil, errors.Wrap(ErrMalformedHeader, "objfmt: invalid tree oid")
			}
			c.Tree = o
			haveTree = true

		case "parent":
			o, err := oid.Parse(string(rest))
			if err != nil {
				return nil, errors.Wrap(ErrMalformedHeader, "objfmt: invalid parent oid")
			}
			c.Parents = append(c.Parents, o)

		case "author":
			id, err := parseIdentity(rest)
			if err != nil {
				return nil, err
			}
			c.Author = id
			haveAuthor = true

		case "committer":
			id, err := parseIdentity(rest)
			if err != nil {
				return nil, err
			}
			c.Committer = id
			haveCommitter = true

		default:
			// unrecognised lines (gpgsig, encoding, mergetag, ...) pass through unread.
		}
	}

	if !haveTree {
		return nil, errors.Wrap(ErrMalformedHeader, "objfmt: missing tree line")
	}
	if !haveAuthor {
		return nil, errors.Wrap(ErrMalformedHeader, "objfmt: missing author line")
	}
	if !haveCommitter {
		return nil, errors.Wrap(ErrMalformedHeader, "objfmt: missing committer line")
	}
	return c, nil
}

// cutSpace splits "key value..." on the first space, as header lines require.
func cutSpace(line []byte) (key, rest []byte, ok bool) {
	i := bytes.IndexByte(line, ' ')
	if i < 0 {
		return nil, nil, false
	}
	return line[:i], line[i+1:], true
}

// parseIdentity parses "<name> <<email>> <unix-seconds> <±HHMM>". The name
// may contain spaces: the email spans from the first '<' to the last '>',
// everything before that '<' (trailing spaces trimmed) is the name, and
// exactly two space-separated fields, timestamp and tz, must follow the '>'.
func parseIdentity(line []byte) (Identity, error) {
	emailStart := bytes.IndexByte(line, '<')
	emailEnd := bytes.LastIndexByte(line, '>')
	if emailStart < 0 || emailEnd < 0 || emailEnd < emailStart {
		return Identity{}, errors.Wrapf(ErrMalformedIdentity, "objfmt: %q: no <email>", line)
	}

	name := bytes.TrimRight(line[:emailStart], " ")
	email := line[emailStart+1 : emailEnd]

	tail := bytes.TrimLeft(line[emailEnd+1:], " ")
	fields := bytes.Fields(tail)
	if len(fields) != 2 {
		return Identity{}, errors.Wrapf(ErrMalformedIdentity, "objfmt: %q: want <timestamp> <tz>, got %d fields", line, len(fields))
	}

	ts, err := strconv.ParseInt(string(fields[0]), 10, 64)
	if err != nil {
		return Identity{}, errors.Wrapf(ErrMalformedIdentity, "objfmt: %q: invalid timestamp", line)
	}

	return Identity{
		Name:      string(name),
		Email:     string(email),
		Timestamp: ts,
		TZ:        string(fields[1]),
	}, nil
}

// FormatIdentity reconstructs an identity line's value (without the leading
// "author "/"committer " key), the inverse of parseIdentity.
func FormatIdentity(id Identity) string {
	return id.Name + " <" + id.Email + "> " + strconv.FormatInt(id.Timestamp, 10) + " " + id.TZ
}
