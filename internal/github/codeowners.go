package github

import (
	"bufio"
	"bytes"
	"context"
	"strings"

	"ci-replicator/internal/common/logging"

	"github.com/samber/lo"
)

// CodeOwnersPaths are searched in order; the first existing file is used
var CodeOwnersPaths = []string{".github/CODEOWNERS", "CODEOWNERS", "docs/CODEOWNERS"}

// ParseCodeOwners returns every owner entry of a CODEOWNERS file in order of appearance:
// @user, @org/team or an e-mail address
func ParseCodeOwners(data []byte) []string {
	var owners []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.Index(line, "#"); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		owners = append(owners, fields[1:]...)
	}
	return lo.Uniq(owners)
}

// CodeOwnerEmails resolves the code owners of owner/repo at ref to e-mail addresses.
// Users without a public address are skipped.
func CodeOwnerEmails(ctx context.Context, c Client, owner, repo, ref string, logger logging.Logger) ([]string, error) {
	var data []byte
	for _, path := range CodeOwnersPaths {
		content, ok, err := c.FileContents(ctx, owner, repo, path, ref)
		if err != nil {
			return nil, err
		}
		if ok {
			data = content
			break
		}
	}
	if data == nil {
		return nil, nil
	}

	var emails []string
	for _, entry := range ParseCodeOwners(data) {
		switch {
		case !strings.HasPrefix(entry, "@"):
			if strings.Contains(entry, "@") {
				emails = append(emails, entry)
			}
		case strings.Contains(entry, "/"):
			org, team, _ := strings.Cut(strings.TrimPrefix(entry, "@"), "/")
			members, err := c.TeamMembers(ctx, org, team)
			if err != nil {
				logger.Warn("Failed to resolve code owner team", logging.String("team", entry), logging.Err(err))
				continue
			}
			for _, m := range members {
				emails = appendUserEmail(ctx, c, emails, m, logger)
			}
		default:
			emails = appendUserEmail(ctx, c, emails, strings.TrimPrefix(entry, "@"), logger)
		}
	}
	return lo.Uniq(emails), nil
}

func appendUserEmail(ctx context.Context, c Client, emails []string, login string, logger logging.Logger) []string {
	email, err := c.UserEmail(ctx, login)
	if err != nil {
		logger.Warn("Failed to resolve code owner", logging.String("user", login), logging.Err(err))
		return emails
	}
	if email == "" {
		return emails
	}
	return append(emails, email)
}
