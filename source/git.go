package source

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/Masterminds/vcs"
	"github.com/pkg/errors"
	"github.com/theckman/go-flock"
)

// gitIndex maintains a bare mirror of one index repository under the user
// data directory. Both source kinds are backed by it.
type gitIndex struct {
	Repo string
}

// A Tree references the root tree of the mirror at a point in time.
type Tree struct {
	dir  string
	hash string
	ref  string
	auth []string
}

// Hash returns the tree's object id, usable as a cache revision key.
func (t Tree) Hash() string { return t.hash }

// OpenError is returned when the existing mirror directory cannot be opened
// as a repository.
type OpenError struct {
	Path string
	Err  error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("error opening repository at %s: %s", e.Path, e.Err)
}

// Cause returns the underlying error.
func (e *OpenError) Cause() error { return e.Err }

// FetchError is returned when receiving updates from the remote fails.
type FetchError struct {
	Repo string
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("error fetching repository from %s: %s", e.Repo, e.Err)
}

// Cause returns the underlying error.
func (e *FetchError) Cause() error { return e.Err }

// CloneError is returned when the initial bare clone fails.
type CloneError struct {
	Repo string
	Err  error
}

func (e *CloneError) Error() string {
	return fmt.Sprintf("error cloning repository from %s: %s", e.Repo, e.Err)
}

// Cause returns the underlying error.
func (e *CloneError) Cause() error { return e.Err }

// TreeError is returned when the root tree of a mirror cannot be located.
type TreeError struct {
	Path string
	Err  error
}

func (e *TreeError) Error() string {
	return fmt.Sprintf("error getting root tree of repository at %s: %s", e.Path, e.Err)
}

// Cause returns the underlying error.
func (e *TreeError) Cause() error { return e.Err }

// ReadFileError is returned when a blob exists but cannot be read as UTF-8.
type ReadFileError struct {
	Path string
	Err  error
}

func (e *ReadFileError) Error() string {
	return fmt.Sprintf("error reading file %s: %s", e.Path, e.Err)
}

// Cause returns the underlying error.
func (e *ReadFileError) Cause() error { return e.Err }

// runGit runs a git subcommand against the mirror directory and returns its
// combined output. The command is bound to ctx.
func runGit(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.Bytes(), err
}

// authFlags builds the -c configuration injecting the index token into git
// transport, mirroring how the connection is configured on clone.
func (g gitIndex) authFlags(env *Env) []string {
	tok, ok := env.Auth.TokenFor(g.Repo)
	if !ok {
		return nil
	}
	return []string{"-c", fmt.Sprintf("http.%s.extraheader=Authorization: Bearer %s", g.Repo, tok)}
}

// refresh brings the mirror up to date: fetch when the directory already
// holds a repository, bare clone otherwise. The mirror directory is guarded
// by a file lock so concurrent runs serialize; refresh itself is idempotent.
func (g gitIndex) refresh(ctx context.Context, env *Env) error {
	path := env.MirrorPath(g.Repo)

	if err := os.MkdirAll(env.IndicesDir(), 0755); err != nil {
		return errors.Wrap(err, "creating indices directory")
	}

	lock := flock.NewFlock(path + ".lock")
	if err := lock.Lock(); err != nil {
		return errors.Wrapf(err, "locking mirror for %s", g.Repo)
	}
	defer lock.Unlock()

	if _, err := os.Stat(path); err == nil {
		repo, err := vcs.NewGitRepo(g.Repo, path)
		if err != nil {
			return &OpenError{Path: path, Err: err}
		}
		if !repo.CheckLocal() {
			return &OpenError{Path: path, Err: errors.New("directory exists but is not a git repository")}
		}

		// Bare clones record no fetch refspec, so name the heads namespace
		// explicitly; a plain fetch would only write FETCH_HEAD.
		args := append(g.authFlags(env), "fetch", "--force", "--prune", "origin", "+refs/heads/*:refs/heads/*")
		if out, err := runGit(ctx, repo.LocalPath(), args...); err != nil {
			return &FetchError{Repo: g.Repo, Err: errors.Wrap(err, strings.TrimSpace(string(out)))}
		}
		return nil
	} else if !os.IsNotExist(err) {
		return errors.Wrapf(err, "checking mirror directory %s", path)
	}

	env.dbg().Printf("cloning index %s", g.Repo)
	args := append(g.authFlags(env), "clone", "--bare", g.Repo, path)
	if out, err := runGit(ctx, "", args...); err != nil {
		// A failed clone leaves a partial directory that would be
		// misread as an existing mirror on the next run.
		os.RemoveAll(path)
		return &CloneError{Repo: g.Repo, Err: errors.Wrap(err, strings.TrimSpace(string(out)))}
	}
	return nil
}

// rootTree locates the tree the index should be read from: the first fetch
// refspec's local side, with "*" substituted by the first branch name
// (falling back to "main"), resolved and fully peeled to a tree id.
func (g gitIndex) rootTree(ctx context.Context, env *Env) (Tree, error) {
	path := env.MirrorPath(g.Repo)

	out, err := runGit(ctx, path, "config", "--get-all", "remote.origin.fetch")
	refspec := ""
	if err == nil {
		lines := strings.Split(strings.TrimSpace(string(out)), "\n")
		if len(lines) > 0 {
			refspec = lines[0]
		}
	}
	if refspec == "" {
		// Bare clones record no fetch refspec; fall back to the heads
		// namespace, which is what the clone wrote.
		refspec = "+refs/heads/*:refs/heads/*"
	}

	local := refspec
	if _, l, ok := strings.Cut(refspec, ":"); ok {
		local = l
	}

	if strings.Contains(local, "*") {
		branch := "main"
		out, err := runGit(ctx, path, "for-each-ref", "--format=%(refname:short)", "refs/heads")
		if err == nil {
			if lines := strings.Fields(string(out)); len(lines) > 0 {
				branch = lines[0]
			}
		}
		local = strings.Replace(local, "*", branch, 1)
	}

	out, err = runGit(ctx, path, "rev-parse", "--verify", local+"^{tree}")
	if err != nil {
		return Tree{}, &TreeError{Path: path, Err: errors.Wrapf(err, "resolving %s: %s", local, strings.TrimSpace(string(out)))}
	}

	return Tree{dir: path, hash: strings.TrimSpace(string(out)), ref: local, auth: g.authFlags(env)}, nil
}

// ReadFile reads a blob from the tree. The path is a sequence of segments,
// joined with the platform separator for error reporting only. A missing
// entry returns ok=false with no error.
func (t Tree) ReadFile(ctx context.Context, segments ...string) (string, bool, error) {
	rel := strings.Join(segments, "/")
	display := filepath.Join(segments...)

	out, err := runGit(ctx, t.dir, "cat-file", "blob", t.hash+":"+rel)
	if err != nil {
		// git reports both missing paths and non-blob entries with a
		// non-zero status; treat any lookup failure as absence.
		return "", false, nil
	}
	if !utf8.Valid(out) {
		return "", false, &ReadFileError{Path: display, Err: errors.New("blob is not valid UTF-8")}
	}
	return string(out), true, nil
}

// Entries lists the immediate children of a directory inside the tree,
// recursing is left to the caller.
func (t Tree) Entries(ctx context.Context, segments ...string) ([]string, error) {
	spec := t.hash
	if len(segments) > 0 {
		spec += ":" + strings.Join(segments, "/")
	}
	out, err := runGit(ctx, t.dir, "ls-tree", "--name-only", spec)
	if err != nil {
		return nil, &TreeError{Path: t.dir, Err: errors.Wrap(err, strings.TrimSpace(string(out)))}
	}
	names := strings.Fields(string(out))
	return names, nil
}

// CommitAndPush writes the given files on top of the current root tree,
// commits, and pushes. On a non-fast-forward rejection the mirror is
// refetched and the commit retried once, implementing the optimistic
// publish channel.
func (g gitIndex) CommitAndPush(ctx context.Context, env *Env, files map[string][]byte, message string) error {
	for attempt := 0; ; attempt++ {
		tree, err := g.rootTree(ctx, env)
		if err != nil {
			return err
		}

		err = commitOnto(ctx, tree, g, env, files, message)
		if err == nil {
			return nil
		}
		if attempt > 0 || !isNonFastForward(err) {
			return err
		}

		env.dbg().Printf("push to %s rejected, refetching and retrying", g.Repo)
		if err := g.refresh(ctx, env); err != nil {
			return err
		}
	}
}

func commitOnto(ctx context.Context, tree Tree, g gitIndex, env *Env, files map[string][]byte, message string) error {
	dir := tree.dir

	indexFile, err := os.CreateTemp("", "pesde-index-")
	if err != nil {
		return errors.Wrap(err, "creating temporary git index")
	}
	indexFile.Close()
	defer os.Remove(indexFile.Name())

	envArgs := append(os.Environ(), "GIT_INDEX_FILE="+indexFile.Name())
	run := func(stdin []byte, args ...string) (string, error) {
		cmd := exec.CommandContext(ctx, "git", args...)
		cmd.Dir = dir
		cmd.Env = envArgs
		if stdin != nil {
			cmd.Stdin = bytes.NewReader(stdin)
		}
		var buf bytes.Buffer
		cmd.Stdout = &buf
		cmd.Stderr = &buf
		err := cmd.Run()
		return strings.TrimSpace(buf.String()), err
	}

	if out, err := run(nil, "read-tree", tree.hash); err != nil {
		return errors.Wrapf(err, "read-tree: %s", out)
	}

	for path, contents := range files {
		blob, err := run(contents, "hash-object", "-w", "--stdin")
		if err != nil {
			return errors.Wrapf(err, "hash-object for %s: %s", path, blob)
		}
		if out, err := run(nil, "update-index", "--add", "--cacheinfo", "100644,"+blob+","+path); err != nil {
			return errors.Wrapf(err, "update-index for %s: %s", path, out)
		}
	}

	newTree, err := run(nil, "write-tree")
	if err != nil {
		return errors.Wrapf(err, "write-tree: %s", newTree)
	}

	// The parent is the commit the root tree was peeled from.
	head, err := run(nil, "rev-parse", "--verify", tree.ref+"^{commit}")
	commitArgs := []string{"commit-tree", newTree, "-m", message}
	if err == nil && head != "" {
		commitArgs = append(commitArgs, "-p", head)
	}
	commit, err := run(nil, commitArgs...)
	if err != nil {
		return errors.Wrapf(err, "commit-tree: %s", commit)
	}

	branch := strings.TrimPrefix(tree.ref, "refs/heads/")

	if out, err := run(nil, "update-ref", "refs/heads/"+branch, commit); err != nil {
		return errors.Wrapf(err, "update-ref: %s", out)
	}

	pushArgs := append(append([]string{}, tree.auth...), "push", "origin", branch)
	if out, err := run(nil, pushArgs...); err != nil {
		return &pushError{repo: g.Repo, out: out, err: err}
	}
	return nil
}

type pushError struct {
	repo string
	out  string
	err  error
}

func (e *pushError) Error() string {
	return fmt.Sprintf("error pushing to %s: %s: %s", e.repo, e.err, e.out)
}

func isNonFastForward(err error) bool {
	pe, ok := err.(*pushError)
	if !ok {
		return false
	}
	return strings.Contains(pe.out, "non-fast-forward") || strings.Contains(pe.out, "fetch first")
}
