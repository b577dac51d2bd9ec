package concourse

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"ci-replicator/internal/common/errors"
	apihttp "ci-replicator/internal/common/http"
	"ci-replicator/internal/common/utils"
)

// noParentVersionPrefix starts the body of a 500 response to a check of a resource whose
// custom resource type has not produced a version yet
const noParentVersionPrefix = "parent type has no version"

// CheckRetryPolicy bounds retries of resource checks. Retries is the number of attempts
// after the first one.
type CheckRetryPolicy struct {
	Retries int
	Delay   time.Duration
}

// DefaultCheckRetryPolicy retries five times, one second apart
func DefaultCheckRetryPolicy() CheckRetryPolicy {
	return CheckRetryPolicy{Retries: 5, Delay: time.Second}
}

func isNoParentVersion(err error) bool {
	se, ok := apihttp.AsStatusError(err)
	if !ok || se.StatusCode != http.StatusInternalServerError {
		return false
	}
	return strings.HasPrefix(strings.TrimSpace(se.Body), noParentVersionPrefix)
}

// TriggerResourceCheck checks resource, retrying only while its resource type has no
// version. Other errors are returned right away.
func TriggerResourceCheck(ctx context.Context, c Client, pipeline, resource string, policy CheckRetryPolicy) error {
	err := utils.RetryWithBackoff(ctx, utils.RetryConfig{
		MaxAttempts:     policy.Retries + 1,
		InitialDelay:    policy.Delay,
		BackoffFactor:   1.0,
		RetryableErrors: isNoParentVersion,
	}, func() error {
		return c.CheckResource(ctx, pipeline, resource)
	})
	if err == nil {
		return nil
	}
	if stderrors.Is(err, utils.ErrMaxRetriesExceeded) && isNoParentVersion(err) {
		return errors.BackendError(fmt.Sprintf(
			"resource %q of pipeline %q could not be checked after %d retries: its resource type has no version yet, check the resource type first",
			resource, pipeline, policy.Retries), err)
	}
	return err
}
