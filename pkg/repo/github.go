package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"

	"github.com/quorumnet/steward/pkg/fault"
)

// GitHubClient implements Repository against the GitHub REST API.
// token may be empty (public read-only, lower rate limits).
type GitHubClient struct {
	apiBase    string // https://api.github.com/repos/{owner}/{repo}
	token      string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// NewGitHubClient creates a client for the repository at
// https://github.com/{owner}/{repo}. apiBase is derived from repoURL.
func NewGitHubClient(repoURL, token string, timeout time.Duration) (*GitHubClient, error) {
	u, err := url.Parse(repoURL)
	if err != nil {
		return nil, fmt.Errorf("parse repo URL %q: %w", repoURL, err)
	}
	return &GitHubClient{
		apiBase:    "https://api." + u.Host + "/repos" + u.Path,
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "repository",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}, nil
}

// ListChangedPaths queries commits since the given time and collects the
// files they touched.
func (c *GitHubClient) ListChangedPaths(ctx context.Context, since time.Time) ([]string, error) {
	var commits []struct {
		SHA string `json:"sha"`
	}
	path := "/commits?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339))
	if err := c.getJSON(ctx, path, &commits); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var paths []string
	for _, commit := range commits {
		var detail struct {
			Files []struct {
				Filename string `json:"filename"`
			} `json:"files"`
		}
		if err := c.getJSON(ctx, "/commits/"+commit.SHA, &detail); err != nil {
			return nil, err
		}
		for _, f := range detail.Files {
			if _, dup := seen[f.Filename]; !dup {
				seen[f.Filename] = struct{}{}
				paths = append(paths, f.Filename)
			}
		}
	}
	return paths, nil
}

// Read fetches raw file content at a revision.
func (c *GitHubClient) Read(ctx context.Context, path, rev string) ([]byte, error) {
	out, err := c.do(ctx, http.MethodGet,
		"/contents/"+path+"?ref="+url.QueryEscape(rev), nil, "application/vnd.github.raw+json")
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ProposeChange pushes the commits to branch via the contents API and opens
// a pull request.
func (c *GitHubClient) ProposeChange(ctx context.Context, branch string, commits []Commit, description string) (string, error) {
	for _, commit := range commits {
		for _, change := range commit.Changes {
			if err := c.putContent(ctx, branch, commit.Message, change); err != nil {
				return "", err
			}
		}
	}

	body, err := json.Marshal(map[string]string{
		"title": firstLine(description),
		"body":  description,
		"head":  branch,
		"base":  "main",
	})
	if err != nil {
		return "", err
	}
	out, err := c.do(ctx, http.MethodPost, "/pulls", body, "")
	if err != nil {
		return "", err
	}
	var pr struct {
		Number int `json:"number"`
	}
	if err := json.Unmarshal(out, &pr); err != nil {
		return "", fmt.Errorf("decode pull response: %w", err)
	}
	return fmt.Sprintf("%d", pr.Number), nil
}

// Merge lands a pull request.
func (c *GitHubClient) Merge(ctx context.Context, prID, strategy string) (string, error) {
	body, err := json.Marshal(map[string]string{"merge_method": strategy})
	if err != nil {
		return "", err
	}
	out, err := c.do(ctx, http.MethodPut, "/pulls/"+prID+"/merge", body, "")
	if err != nil {
		return "", err
	}
	var merged struct {
		SHA string `json:"sha"`
	}
	if err := json.Unmarshal(out, &merged); err != nil {
		return "", fmt.Errorf("decode merge response: %w", err)
	}
	return merged.SHA, nil
}

// Revert asks the API for a compensating revert commit of commitID.
func (c *GitHubClient) Revert(ctx context.Context, commitID string) (string, error) {
	body, err := json.Marshal(map[string]string{"sha": commitID})
	if err != nil {
		return "", err
	}
	out, err := c.do(ctx, http.MethodPost, "/reverts", body, "")
	if err != nil {
		return "", err
	}
	var revert struct {
		SHA string `json:"sha"`
	}
	if err := json.Unmarshal(out, &revert); err != nil {
		return "", fmt.Errorf("decode revert response: %w", err)
	}
	return revert.SHA, nil
}

// putContent creates or updates one file on branch.
func (c *GitHubClient) putContent(ctx context.Context, branch, message string, change Change) error {
	if change.Delete {
		body, err := json.Marshal(map[string]string{"message": message, "branch": branch})
		if err != nil {
			return err
		}
		_, err = c.do(ctx, http.MethodDelete, "/contents/"+change.Path, body, "")
		return err
	}

	body, err := json.Marshal(map[string]string{
		"message": message,
		"branch":  branch,
		"content": change.Content,
	})
	if err != nil {
		return err
	}
	_, err = c.do(ctx, http.MethodPut, "/contents/"+change.Path, body, "")
	return err
}

// getJSON runs a GET and decodes the answer into v.
func (c *GitHubClient) getJSON(ctx context.Context, path string, v any) error {
	out, err := c.do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return err
	}
	if err := json.Unmarshal(out, v); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// do runs one breaker-guarded API call. Transport errors and 5xx answers
// surface as transient.
func (c *GitHubClient) do(ctx context.Context, method, path string, body []byte, accept string) ([]byte, error) {
	out, err := c.breaker.Execute(func() (any, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.apiBase+path, reader)
		if err != nil {
			return nil, err
		}
		if accept == "" {
			accept = "application/vnd.github+json"
		}
		req.Header.Set("Accept", accept)
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fault.Transientf("repository %s %s: %v", method, path, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return nil, fault.Transientf("repository returned HTTP %d for %s", resp.StatusCode, path)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("repository returned HTTP %d for %s", resp.StatusCode, path)
		}
		return io.ReadAll(resp.Body)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fault.Transientf("repository circuit open")
		}
		return nil, err
	}
	return out.([]byte), nil
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
