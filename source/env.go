package source

import (
	"io/ioutil"
	"log"
	"net/http"
	"path/filepath"
	"strings"
)

// Used to compute a friendly filepath from a URL-shaped input.
var sanitizer = strings.NewReplacer("-", "--", ":", "-", "/", "-", "+", "-")

// AuthConfig maps index repository URLs to the tokens used when talking to
// them, over both git and HTTP.
type AuthConfig struct {
	Tokens map[string]string
}

// TokenFor returns the token configured for repo, if any.
func (a AuthConfig) TokenFor(repo string) (string, bool) {
	tok, ok := a.Tokens[repo]
	return tok, ok
}

// Env carries the per-run state every source operation needs: the user
// directories, credentials, the shared HTTP client, and loggers. It is
// constructed once per run and passed explicitly; there are no process-wide
// singletons.
type Env struct {
	// DataDir is the user data directory holding git mirrors and caches.
	DataDir string
	// CasDir is the root of the content-addressed store.
	CasDir string
	// Auth holds per-index credentials.
	Auth AuthConfig
	// HTTP is the shared client used for artifact downloads.
	HTTP *http.Client

	// Out receives user-facing progress lines; Dbg receives debug lines.
	Out *log.Logger
	Dbg *log.Logger
}

// IndicesDir is where bare index mirrors live under the data directory.
func (e *Env) IndicesDir() string {
	return filepath.Join(e.DataDir, "indices")
}

// MirrorPath returns the directory holding the bare mirror of repo.
func (e *Env) MirrorPath(repo string) string {
	return filepath.Join(e.IndicesDir(), sanitizer.Replace(repo))
}

func (e *Env) dbg() *log.Logger {
	if e.Dbg != nil {
		return e.Dbg
	}
	return log.New(ioutil.Discard, "", 0)
}
