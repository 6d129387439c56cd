package jira

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	v3 "github.com/ctreminiom/go-atlassian/v2/jira/v3"
	"github.com/ctreminiom/go-atlassian/v2/pkg/infra/models"
)

// ClientConfig connects to a Jira Cloud instance with basic auth.
type ClientConfig struct {
	// BaseURL is the instance URL, e.g. "https://acme.atlassian.net".
	BaseURL string
	// Email and APIToken form the basic-auth pair.
	Email    string
	APIToken string
}

// Client wraps the go-atlassian v3 client.
type Client struct {
	jira *v3.Client
}

// NewClient builds an authenticated Jira Cloud client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("jira base URL is required")
	}
	if cfg.Email == "" {
		return nil, fmt.Errorf("jira email is required")
	}
	if cfg.APIToken == "" {
		return nil, fmt.Errorf("jira API token is required")
	}

	client, err := v3.New(&http.Client{Timeout: 30 * time.Second}, strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("create jira client: %w", err)
	}
	client.Auth.SetBasicAuth(cfg.Email, cfg.APIToken)
	client.Auth.SetUserAgent("autodev-jira-import/1.0")

	return &Client{jira: client}, nil
}

// searchFields limits search responses to what the importer reads.
var searchFields = []string{
	"summary",
	"description",
	"issuetype",
	"status",
	"priority",
	"labels",
	"created",
	"updated",
}

// SearchAllIssues runs the JQL query and drains every result page.
func (c *Client) SearchAllIssues(ctx context.Context, jql string) ([]Issue, error) {
	var all []Issue
	pageToken := ""

	for {
		result, resp, err := c.jira.Issue.Search.SearchJQL(ctx, jql, searchFields, nil, 50, pageToken)
		if err != nil {
			if resp != nil {
				return nil, fmt.Errorf("jira search (status %d): %w", resp.StatusCode, err)
			}
			return nil, fmt.Errorf("jira search: %w", err)
		}

		for _, issue := range result.Issues {
			all = append(all, reduceIssue(issue))
		}

		if result.NextPageToken == "" || len(result.Issues) == 0 {
			break
		}
		pageToken = result.NextPageToken
	}

	return all, nil
}

// CheckAuth verifies the credentials actually authenticate.
func (c *Client) CheckAuth(ctx context.Context) error {
	_, resp, err := c.jira.MySelf.Details(ctx, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("jira auth check failed (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("jira auth check failed: %w", err)
	}
	return nil
}

// reduceIssue flattens a go-atlassian issue scheme into Issue.
func reduceIssue(issue *models.IssueScheme) Issue {
	if issue == nil {
		return Issue{}
	}
	out := Issue{Key: issue.Key}
	f := issue.Fields
	if f == nil {
		return out
	}

	out.Summary = f.Summary
	out.Description = adfToMarkdown(f.Description)
	out.Labels = f.Labels
	if f.IssueType != nil {
		out.IssueType = f.IssueType.Name
		out.IsSubtask = f.IssueType.Subtask
	}
	if f.Status != nil {
		out.Status = f.Status.Name
		if f.Status.StatusCategory != nil {
			out.StatusKey = f.Status.StatusCategory.Key
		}
	}
	if f.Priority != nil {
		out.Priority = f.Priority.Name
	}
	if f.Created != nil {
		out.Created = time.Time(*f.Created)
	}
	if f.Updated != nil {
		out.Updated = time.Time(*f.Updated)
	}
	return out
}
