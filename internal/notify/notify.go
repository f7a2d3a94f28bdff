// Package notify implements CrashNotifier, a supplemented feature grounded
// on github.go's GitHubRepo: a verified crash opens (or reuses) a GitHub
// issue, deduplicated by a title carrying a short content hash.
package notify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/google/go-github/v72/github"
	"golang.org/x/oauth2"

	"github.com/go-continuous-fuzz/go-fuzzfleet/internal/model"
)

// CrashNotifier is notified when a CrashSynchronizer observes a verified
// crash, so an operator learns about it without polling the store.
type CrashNotifier interface {
	NotifyCrash(ctx context.Context, taskID int64, crash model.Crash) error
}

// GitHubNotifier opens a GitHub issue per distinct verified crash checksum,
// skipping issues that already exist for that crash.
type GitHubNotifier struct {
	client *github.Client
	logger *slog.Logger
	owner  string
	repo   string
}

// NewGitHubNotifier parses repoURL (https://<owner>:<token>@github.com/<owner>/<repo>)
// the same way GitHubRepo.NewGitHubRepo does, and builds a notifier bound to
// that repository.
func NewGitHubNotifier(repoURL string, logger *slog.Logger) (*GitHubNotifier, error) {
	u, err := url.Parse(repoURL)
	if err != nil {
		return nil, fmt.Errorf("invalid crash repo url: %w", err)
	}

	owner, repo, err := extractOwnerRepo(u)
	if err != nil {
		return nil, err
	}

	token := extractToken(u)
	if token == "" {
		return nil, fmt.Errorf("authentication token not provided in crash repo url")
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(context.Background(), ts)

	return &GitHubNotifier{
		client: github.NewClient(tc),
		logger: logger,
		owner:  owner,
		repo:   repo,
	}, nil
}

func extractToken(u *url.URL) string {
	if u.User != nil {
		if pwd, ok := u.User.Password(); ok {
			return pwd
		}
	}
	return ""
}

func extractOwnerRepo(u *url.URL) (string, string, error) {
	parts := strings.Split(strings.TrimSuffix(u.Path, ".git"), "/")
	if len(parts) < 3 {
		return "", "", fmt.Errorf("invalid repository path %q", u.Path)
	}
	return parts[1], parts[2], nil
}

// NotifyCrash opens a new issue titled with a short crash signature, unless
// one already exists.
func (n *GitHubNotifier) NotifyCrash(ctx context.Context, taskID int64, crash model.Crash) error {
	sig := shortHash(crash.Checksum)
	title := fmt.Sprintf("[fuzz/%s] task %d crash %s", sig, taskID, crash.Label)

	exists, err := n.issueExists(ctx, title)
	if err != nil {
		return fmt.Errorf("checking existing github issues: %w", err)
	}
	if exists {
		if n.logger != nil {
			n.logger.Info("crash already reported", "signature", sig)
		}
		return nil
	}

	body := formatCrashBody(crash)
	req := &github.IssueRequest{Title: &title, Body: &body}
	issue, _, err := n.client.Issues.Create(ctx, n.owner, n.repo, req)
	if err != nil {
		return fmt.Errorf("create github issue: %w", err)
	}
	if n.logger != nil {
		n.logger.Info("crash issue created", "url", issue.GetHTMLURL())
	}
	return nil
}

func (n *GitHubNotifier) issueExists(ctx context.Context, title string) (bool, error) {
	query := fmt.Sprintf(`repo:%s/%s is:issue is:open "%s"`, n.owner, n.repo, title)
	results, _, err := n.client.Search.Issues(ctx, query, &github.SearchOptions{})
	if err != nil {
		return false, err
	}
	return len(results.Issues) > 0, nil
}

func formatCrashBody(crash model.Crash) string {
	output := "(not captured)"
	if crash.Output != nil {
		output = *crash.Output
	}
	return fmt.Sprintf("Checksum: %s\nLabel: %s\n\n```\n%s\n```\n", crash.Checksum, crash.Label, output)
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:12]
}
