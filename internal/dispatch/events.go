// Package dispatch turns source-control webhook deliveries into pipeline updates, resource
// checks, build aborts and pull request reconciliation
package dispatch

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"ci-replicator/internal/common/errors"
	"ci-replicator/internal/definition"
	"ci-replicator/internal/github"
)

// Event types handled by the dispatcher
const (
	EventPush        = "push"
	EventCreate      = "create"
	EventPullRequest = "pull_request"
	EventPing        = "ping"
)

const (
	branchRefPrefix = "refs/heads/"
	// nullSHA is sent as before for newly created branches
	nullSHA = "0000000000000000000000000000000000000000"
)

// Delivery is one webhook delivery as received over HTTP
type Delivery struct {
	ID      string
	Event   string
	Host    string
	Payload []byte
}

// Repository is the repository section shared by all events
type Repository struct {
	Name          string `json:"name"`
	FullName      string `json:"full_name"`
	CloneURL      string `json:"clone_url"`
	DefaultBranch string `json:"default_branch"`
	Owner         User   `json:"owner"`
}

// Split returns owner and name
func (r Repository) Split() (string, string) {
	owner, name, ok := strings.Cut(r.FullName, "/")
	if !ok {
		return r.Owner.Login, r.Name
	}
	return owner, name
}

// User is a GitHub account reference
type User struct {
	Login string `json:"login"`
}

// Commit is a commit summary carried by push events
type Commit struct {
	ID       string   `json:"id"`
	Message  string   `json:"message"`
	Added    []string `json:"added"`
	Removed  []string `json:"removed"`
	Modified []string `json:"modified"`
}

func (c Commit) touches(path string) bool {
	return slices.Contains(c.Modified, path) || slices.Contains(c.Added, path) || slices.Contains(c.Removed, path)
}

// PushEvent is sent for every push to a branch or tag
type PushEvent struct {
	Ref        string     `json:"ref"`
	Before     string     `json:"before"`
	After      string     `json:"after"`
	Created    bool       `json:"created"`
	Deleted    bool       `json:"deleted"`
	Forced     bool       `json:"forced"`
	HeadCommit *Commit    `json:"head_commit"`
	Commits    []Commit   `json:"commits"`
	Repository Repository `json:"repository"`
}

// Branch returns the pushed branch; ok is false for tag pushes
func (e PushEvent) Branch() (string, bool) {
	return strings.CutPrefix(e.Ref, branchRefPrefix)
}

// HasPrevious reports whether the push replaced an existing head
func (e PushEvent) HasPrevious() bool {
	return e.Before != "" && e.Before != nullSHA
}

// DefinitionsChanged reports whether any pushed commit touched the pipeline definitions
func (e PushEvent) DefinitionsChanged() bool {
	if e.HeadCommit != nil && e.HeadCommit.touches(definition.DefinitionsPath) {
		return true
	}
	for _, c := range e.Commits {
		if c.touches(definition.DefinitionsPath) {
			return true
		}
	}
	return false
}

// CreateEvent is sent when a branch or tag is created
type CreateEvent struct {
	Ref        string     `json:"ref"`
	RefType    string     `json:"ref_type"`
	Repository Repository `json:"repository"`
}

// Label is a pull request label
type Label struct {
	Name string `json:"name"`
}

// PullRequest is the pull request section of pull_request events
type PullRequest struct {
	Number int     `json:"number"`
	State  string  `json:"state"`
	Labels []Label `json:"labels"`
	User   User    `json:"user"`
	Head   struct {
		SHA string `json:"sha"`
		Ref string `json:"ref"`
	} `json:"head"`
	Base struct {
		Ref string `json:"ref"`
	} `json:"base"`
}

// PullRequestEvent is sent when a pull request is opened, updated or labeled
type PullRequestEvent struct {
	Action      string      `json:"action"`
	Number      int         `json:"number"`
	PullRequest PullRequest `json:"pull_request"`
	Sender      User        `json:"sender"`
	Repository  Repository  `json:"repository"`
}

// HasLabel reports whether the pull request carries label
func (e PullRequestEvent) HasLabel(label string) bool {
	return slices.ContainsFunc(e.PullRequest.Labels, func(l Label) bool { return l.Name == label })
}

// reconciledActions trigger pull request reconciliation; others are ignored
var reconciledActions = map[string]bool{
	"opened":      true,
	"reopened":    true,
	"synchronize": true,
	"labeled":     true,
	"edited":      true,
}

func decode[T any](d Delivery) (T, error) {
	var ev T
	if err := json.Unmarshal(d.Payload, &ev); err != nil {
		return ev, errors.ValidationError(fmt.Sprintf("invalid %s payload: %v", d.Event, err))
	}
	return ev, nil
}

// hostOf defaults deliveries without an enterprise host to the public host
func hostOf(d Delivery) string {
	if d.Host == "" {
		return github.PublicHost
	}
	return d.Host
}
