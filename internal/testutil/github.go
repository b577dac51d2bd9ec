package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"ci-replicator/internal/common/errors"
	"ci-replicator/internal/github"
)

// FakeGitHub implements github.Client in memory
type FakeGitHub struct {
	mu       sync.Mutex
	host     string
	files    map[string][]byte
	repos    map[string][]github.Repository
	branches map[string][]string
	compare  map[string]string
	commits  map[string][]string
	orgs     map[string][]string
	teams    map[string][]string
	emails   map[string]string

	Labels   map[string][]string
	Comments map[string][]string
	Calls    map[string]int

	// Control error injection
	ErrorOnMethod map[string]error
}

// NewFakeGitHub creates an empty fake for host
func NewFakeGitHub(host string) *FakeGitHub {
	return &FakeGitHub{
		host:          host,
		files:         make(map[string][]byte),
		repos:         make(map[string][]github.Repository),
		branches:      make(map[string][]string),
		compare:       make(map[string]string),
		commits:       make(map[string][]string),
		orgs:          make(map[string][]string),
		teams:         make(map[string][]string),
		emails:        make(map[string]string),
		Labels:        make(map[string][]string),
		Comments:      make(map[string][]string),
		Calls:         make(map[string]int),
		ErrorOnMethod: make(map[string]error),
	}
}

func fileKey(owner, repo, path, ref string) string {
	return fmt.Sprintf("%s/%s@%s:%s", owner, repo, ref, path)
}

func issueKey(owner, repo string, number int) string {
	return fmt.Sprintf("%s/%s#%d", owner, repo, number)
}

func (f *FakeGitHub) call(method string) error {
	f.Calls[method]++
	return f.ErrorOnMethod[method]
}

// AddRepository registers repo under owner with its branches; the first branch is the default
func (f *FakeGitHub) AddRepository(owner, name string, branches ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(branches) == 0 {
		branches = []string{"master"}
	}
	f.repos[owner] = append(f.repos[owner], github.Repository{
		Name:          name,
		FullName:      owner + "/" + name,
		DefaultBranch: branches[0],
	})
	f.branches[owner+"/"+name] = branches
}

// SetFile stores a file at ref
func (f *FakeGitHub) SetFile(owner, repo, ref, path, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[fileKey(owner, repo, path, ref)] = []byte(content)
}

// SetCompareStatus answers CompareStatus for base...head
func (f *FakeGitHub) SetCompareStatus(owner, repo, base, head, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.compare[fmt.Sprintf("%s/%s:%s...%s", owner, repo, base, head)] = status
}

// SetCommitEmails answers CommitEmails for ref
func (f *FakeGitHub) SetCommitEmails(owner, repo, ref string, emails ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits[owner+"/"+repo+"@"+ref] = emails
}

// AddOrgMember makes login a member of org
func (f *FakeGitHub) AddOrgMember(org, login string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orgs[org] = append(f.orgs[org], login)
}

// AddTeamMember makes login an active member of org/team
func (f *FakeGitHub) AddTeamMember(org, team, login string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := org + "/" + team
	f.teams[key] = append(f.teams[key], login)
}

// SetUserEmail sets the public email of login
func (f *FakeGitHub) SetUserEmail(login, email string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emails[login] = email
}

// LabelsOf returns the labels currently on an issue or pull request
func (f *FakeGitHub) LabelsOf(owner, repo string, number int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Labels[issueKey(owner, repo, number)]...)
}

// CommentsOf returns the comments created on an issue or pull request
func (f *FakeGitHub) CommentsOf(owner, repo string, number int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Comments[issueKey(owner, repo, number)]...)
}

// CallCount returns how often method was called
func (f *FakeGitHub) CallCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Calls[method]
}

func (f *FakeGitHub) Host() string { return f.host }

func (f *FakeGitHub) FileContents(_ context.Context, owner, repo, path, ref string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("FileContents"); err != nil {
		return nil, false, err
	}
	data, ok := f.files[fileKey(owner, repo, path, ref)]
	return data, ok, nil
}

func (f *FakeGitHub) Repository(_ context.Context, owner, repo string) (github.Repository, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("Repository"); err != nil {
		return github.Repository{}, err
	}
	for _, r := range f.repos[owner] {
		if r.Name == repo {
			return r, nil
		}
	}
	return github.Repository{}, errors.NotFoundError("repository " + owner + "/" + repo)
}

func (f *FakeGitHub) OrgRepositories(_ context.Context, org string) ([]github.Repository, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("OrgRepositories"); err != nil {
		return nil, err
	}
	return append([]github.Repository(nil), f.repos[org]...), nil
}

func (f *FakeGitHub) Branches(_ context.Context, owner, repo string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("Branches"); err != nil {
		return nil, err
	}
	return append([]string(nil), f.branches[owner+"/"+repo]...), nil
}

func (f *FakeGitHub) CompareStatus(_ context.Context, owner, repo, base, head string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("CompareStatus"); err != nil {
		return "", err
	}
	status, ok := f.compare[fmt.Sprintf("%s/%s:%s...%s", owner, repo, base, head)]
	if !ok {
		return "", errors.NotFoundError("comparison " + base + "..." + head)
	}
	return status, nil
}

func (f *FakeGitHub) CommitEmails(_ context.Context, owner, repo, ref string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("CommitEmails"); err != nil {
		return nil, err
	}
	return f.commits[owner+"/"+repo+"@"+ref], nil
}

func (f *FakeGitHub) AddLabels(_ context.Context, owner, repo string, number int, labels []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("AddLabels"); err != nil {
		return err
	}
	key := issueKey(owner, repo, number)
	for _, l := range labels {
		if !contains(f.Labels[key], l) {
			f.Labels[key] = append(f.Labels[key], l)
		}
	}
	return nil
}

func (f *FakeGitHub) RemoveLabel(_ context.Context, owner, repo string, number int, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("RemoveLabel"); err != nil {
		return err
	}
	key := issueKey(owner, repo, number)
	var kept []string
	for _, l := range f.Labels[key] {
		if l != label {
			kept = append(kept, l)
		}
	}
	f.Labels[key] = kept
	return nil
}

func (f *FakeGitHub) CreateComment(_ context.Context, owner, repo string, number int, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("CreateComment"); err != nil {
		return err
	}
	key := issueKey(owner, repo, number)
	f.Comments[key] = append(f.Comments[key], body)
	return nil
}

func (f *FakeGitHub) IsOrgMember(_ context.Context, org, user string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("IsOrgMember"); err != nil {
		return false, err
	}
	return contains(f.orgs[org], user), nil
}

func (f *FakeGitHub) IsTeamMember(_ context.Context, org, team, user string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("IsTeamMember"); err != nil {
		return false, err
	}
	return contains(f.teams[org+"/"+team], user), nil
}

func (f *FakeGitHub) TeamMembers(_ context.Context, org, team string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("TeamMembers"); err != nil {
		return nil, err
	}
	return append([]string(nil), f.teams[org+"/"+team]...), nil
}

func (f *FakeGitHub) UserEmail(_ context.Context, login string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("UserEmail"); err != nil {
		return "", err
	}
	return f.emails[login], nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// GitHubClients serves fixed clients by host
type GitHubClients map[string]github.Client

func (c GitHubClients) For(host string) (github.Client, error) {
	if host == "" {
		host = github.PublicHost
	}
	if cl, ok := c[strings.ToLower(host)]; ok {
		return cl, nil
	}
	return nil, errors.ConfigElementNotFound("github host", host)
}
