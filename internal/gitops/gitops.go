// Package gitops snapshots a working tree: stage everything, commit, push.
package gitops

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/hochfrequenz/claude-cli-supervisor/internal/domain"
)

const (
	defaultRemote          = "origin"
	defaultBreakerFailures = 3
	defaultBreakerCooldown = 5 * time.Minute
	defaultTokenUser       = "x-access-token"
)

var credentialsPattern = regexp.MustCompile(`://[^@/\s]+@`)

// ErrNotARepository is returned when the path is not inside a git work tree
var ErrNotARepository = errors.New("not a git repository")

// AuthContext carries the credentials sent along with each push. An explicit Token wins over TokenEnv.
type AuthContext struct {
	Token    string `json:"-" yaml:"-"`
	TokenEnv string `json:"token_env,omitempty" yaml:"token_env"`
	Username string `json:"username,omitempty" yaml:"username"`
}

func (a *AuthContext) token() string {
	if a.Token != "" {
		return a.Token
	}
	if a.TokenEnv != "" {
		return os.Getenv(a.TokenEnv)
	}
	return ""
}

// Options configures a Committer
type Options struct {
	Remote             string
	AuthorName         string
	AuthorEmail        string
	BreakerMaxFailures uint32
	BreakerCooldown    time.Duration
	Logger             *slog.Logger
}

// Committer commits and pushes working trees. Git commands against the same
// repository are serialized; different repositories proceed in parallel.
type Committer struct {
	remote      string
	authorName  string
	authorEmail string
	breaker     *gobreaker.CircuitBreaker[struct{}]
	logger      *slog.Logger

	mu          sync.Mutex
	repoLocks   map[string]*sync.Mutex
	pendingPush map[string]bool
}

// New creates a Committer
func New(opts Options) *Committer {
	if opts.Remote == "" {
		opts.Remote = defaultRemote
	}
	if opts.BreakerMaxFailures == 0 {
		opts.BreakerMaxFailures = defaultBreakerFailures
	}
	if opts.BreakerCooldown == 0 {
		opts.BreakerCooldown = defaultBreakerCooldown
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxFailures := opts.BreakerMaxFailures

	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "git-push",
		MaxRequests: 1,
		Timeout:     opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			// A cancelled snapshot says nothing about the remote
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	return &Committer{
		remote:      opts.Remote,
		authorName:  opts.AuthorName,
		authorEmail: opts.AuthorEmail,
		breaker:     cb,
		logger:      logger,
		repoLocks:   make(map[string]*sync.Mutex),
		pendingPush: make(map[string]bool),
	}
}

// BreakerState returns the push circuit breaker state
func (c *Committer) BreakerState() gobreaker.State {
	return c.breaker.State()
}

func (c *Committer) lockRepo(repoPath string) func() {
	c.mu.Lock()
	l, ok := c.repoLocks[repoPath]
	if !ok {
		l = &sync.Mutex{}
		c.repoLocks[repoPath] = l
	}
	c.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func (c *Committer) setPending(repoPath string, pending bool) {
	c.mu.Lock()
	c.pendingPush[repoPath] = pending
	c.mu.Unlock()
}

func (c *Committer) isPending(repoPath string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingPush[repoPath]
}

// CommitAndPush stages all changes in repoPath, commits them with message
// and pushes HEAD to branch. With nothing to commit it only pushes when an
// earlier push failed. The returned result is never nil; its Status reports
// success, error or timeout.
func (c *Committer) CommitAndPush(ctx context.Context, repoPath, branch string, auth *AuthContext, message string) (*domain.CommitResult, error) {
	unlock := c.lockRepo(repoPath)
	defer unlock()

	result := &domain.CommitResult{Status: domain.CommitSuccess}
	fail := func(err error) (*domain.CommitResult, error) {
		result.Status = domain.CommitError
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			result.Status = domain.CommitTimeout
		}
		result.Error = err.Error()
		return result, err
	}

	if _, err := c.git(ctx, repoPath, "rev-parse", "--is-inside-work-tree"); err != nil {
		return fail(fmt.Errorf("%s: %w", repoPath, ErrNotARepository))
	}

	status, err := c.git(ctx, repoPath, "status", "--porcelain=v1", "-z", "--untracked-files=all")
	if err != nil {
		return fail(fmt.Errorf("git status: %w", err))
	}
	result.Diff = ParsePorcelain(status)
	result.ChangedFiles = changedFiles(result.Diff)

	if result.Diff.Total() > 0 {
		if _, err := c.git(ctx, repoPath, "add", "-A"); err != nil {
			return fail(fmt.Errorf("git add: %w", err))
		}

		// Nothing staged after add (e.g. only ignored files changed)
		if err := c.gitRun(ctx, repoPath, "diff", "--cached", "--quiet"); err != nil {
			args := c.identityArgs()
			args = append(args, "commit", "--no-verify", "-m", message)
			if _, err := c.git(ctx, repoPath, args...); err != nil {
				return fail(fmt.Errorf("git commit: %w", err))
			}
			sha, err := c.git(ctx, repoPath, "rev-parse", "HEAD")
			if err != nil {
				return fail(fmt.Errorf("git rev-parse: %w", err))
			}
			result.CommitSHA = strings.TrimSpace(string(sha))
			c.setPending(repoPath, true)
		}
	}

	if !c.isPending(repoPath) {
		return result, nil
	}

	if branch == "" {
		out, err := c.git(ctx, repoPath, "rev-parse", "--abbrev-ref", "HEAD")
		if err != nil {
			return fail(fmt.Errorf("resolving branch: %w", err))
		}
		branch = strings.TrimSpace(string(out))
	}

	var authEnv []string
	if auth != nil {
		if authEnv, err = c.pushAuthEnv(ctx, repoPath, auth); err != nil {
			return fail(fmt.Errorf("preparing push auth: %w", err))
		}
	}

	_, err = c.breaker.Execute(func() (struct{}, error) {
		_, err := c.gitEnv(ctx, repoPath, authEnv, "push", c.remote, "HEAD:refs/heads/"+branch)
		return struct{}{}, err
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fail(fmt.Errorf("push to %s circuit open: %w", c.remote, err))
		}
		return fail(fmt.Errorf("git push: %w", err))
	}
	c.setPending(repoPath, false)
	result.Pushed = true

	c.logger.Info("pushed snapshot",
		"repo", repoPath,
		"branch", branch,
		"commit", result.CommitSHA,
		"files", result.Diff.Total(),
	)
	return result, nil
}

func (c *Committer) identityArgs() []string {
	var args []string
	if c.authorName != "" {
		args = append(args, "-c", "user.name="+c.authorName)
	}
	if c.authorEmail != "" {
		args = append(args, "-c", "user.email="+c.authorEmail)
	}
	return append(args, "-c", "commit.gpgsign=false")
}

// pushAuthEnv hands the token to a single git invocation as an
// Authorization header scoped to the remote's origin. The repository config
// is never touched. Remotes other than https get no header.
func (c *Committer) pushAuthEnv(ctx context.Context, repoPath string, auth *AuthContext) ([]string, error) {
	token := auth.token()
	if token == "" {
		return nil, nil
	}
	out, err := c.git(ctx, repoPath, "remote", "get-url", c.remote)
	if err != nil {
		return nil, err
	}
	user := auth.Username
	if user == "" {
		user = defaultTokenUser
	}
	key, ok := extraHeaderKey(strings.TrimSpace(string(out)))
	if !ok {
		c.logger.Debug("remote is not https, pushing without token", "repo", repoPath)
		return nil, nil
	}
	return []string{
		"GIT_CONFIG_COUNT=1",
		"GIT_CONFIG_KEY_0=" + key,
		"GIT_CONFIG_VALUE_0=Authorization: " + BasicAuth(user, token),
	}, nil
}

// extraHeaderKey returns the http.<url>.extraHeader key matching the origin
// of an https remote URL
func extraHeaderKey(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return "", false
	}
	return "http.https://" + u.Host + "/.extraHeader", true
}

// BasicAuth returns the value of a basic Authorization header
func BasicAuth(user, token string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+token))
}

func (c *Committer) git(ctx context.Context, dir string, args ...string) ([]byte, error) {
	return c.gitEnv(ctx, dir, nil, args...)
}

func (c *Committer) gitEnv(ctx context.Context, dir string, env []string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	cmd.Env = append(cmd.Env, env...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("git %s: %w", args[0], ctxErr)
		}
		return nil, fmt.Errorf("git %s failed: %w\n%s", args[0], err, redact(stderr.String()))
	}
	return out, nil
}

// gitRun runs a command whose exit status is the answer
func (c *Committer) gitRun(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	return cmd.Run()
}

// redact strips credentials from URLs echoed by git
func redact(s string) string {
	return credentialsPattern.ReplaceAllString(s, "://***@")
}
