// Command git-remote-gitgres is the thin process entry point git invokes as
// `git-remote-gitgres <conninfo> <reponame>` whenever a remote URL has the
// form `gitgres::<conninfo>/<reponame>`. It wires the remote-helper protocol
// loop (C9) to a real connection pool and exits non-zero with a `fatal:`
// message on failure, per spec §6/§7.
//
// Grounded on navytux-git-backup/git-backup.go's main(): a verbosity flag
// parsed with a flag library, a fatal-message-then-os.Exit(1) error path,
// and an optional debug trace file gated on an environment variable.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/go-git/go-git/v5"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/andrew/gitgres/internal/dbstore"
	"github.com/andrew/gitgres/remotehelper"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %s\n", err)
		os.Exit(1)
	}
}

func run() error {
	debug := pflag.BoolP("debug", "v", false, "enable verbose debug logging, overriding GIT_REMOTE_GITGRES_DEBUG")
	pflag.Parse()

	// git invokes a remote helper as `git-remote-<transport> <remote> <url>`;
	// the second positional argument is the URL with the transport prefix
	// already stripped, i.e. exactly spec §4.9's "<conninfo>/<reponame>".
	args := pflag.Args()
	if len(args) != 2 {
		return fmt.Errorf("usage: git-remote-gitgres <remote> <conninfo>/<reponame>")
	}
	url := args[1]

	log := logrus.NewEntry(logrus.StandardLogger())
	if *debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	if tracePath := os.Getenv("GIT_REMOTE_GITGRES_DEBUG"); tracePath != "" || *debug {
		if tracePath == "" {
			tracePath = os.TempDir() + "/git-remote-gitgres-trace.json"
		}
		f, err := os.OpenFile(tracePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open debug trace file: %w", err)
		}
		defer f.Close()
		hook := &jsonTraceHook{out: f}
		logrus.AddHook(hook)
	}

	conninfo, reponame, err := remotehelper.SplitURL(url)
	if err != nil {
		return err
	}

	ctx := context.Background()
	drv, err := dbstore.Open(ctx, conninfo, dbstore.WithLogger(log))
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer drv.Close()

	repoID, err := drv.EnsureRepository(ctx, reponame)
	if err != nil {
		return fmt.Errorf("ensure repository %q: %w", reponame, err)
	}

	obj := dbstore.NewObjectBackend(drv, repoID, ctx)
	ref := dbstore.NewRefBackend(drv, repoID)

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getwd: %w", err)
	}
	local, err := git.PlainOpen(cwd)
	if err != nil {
		return fmt.Errorf("open local repository at %s: %w", cwd, err)
	}

	helper := remotehelper.New(local, obj, ref, log)
	return helper.Run(ctx, os.Stdin, os.Stdout)
}

// jsonTraceHook writes every log entry as a JSON line to a dedicated trace
// file, independent of the human-readable stderr logger (spec §6's
// GIT_REMOTE_GITGRES_DEBUG).
type jsonTraceHook struct {
	out    *os.File
	format logrus.JSONFormatter
}

func (h *jsonTraceHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *jsonTraceHook) Fire(entry *logrus.Entry) error {
	line, err := h.format.Format(entry)
	if err != nil {
		return err
	}
	_, err = h.out.Write(line)
	return err
}
