// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package gitlabutil wraps the GitLab API client: construction from a personal access token,
// bounded retry with rate limit awareness, pagination, and a typed facade over the subset of the
// REST surface the bot needs.
package gitlabutil

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	gitlab "gitlab.com/gitlab-org/api/client-go"
	"golang.org/x/oauth2"
)

// NewClient creates a GitLab client for the given instance URL using the given personal access
// token. The token rides on an oauth2 transport as a bearer token, which GitLab accepts for PATs.
func NewClient(ctx context.Context, baseURL, pat string) (*gitlab.Client, error) {
	if pat == "" {
		return nil, errors.New("no GitLab access token specified")
	}
	tokenSource := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: pat})
	tokenClient := oauth2.NewClient(ctx, tokenSource)
	return gitlab.NewClient("", gitlab.WithBaseURL(baseURL), gitlab.WithHTTPClient(tokenClient))
}

const (
	retryAttempts           = 5
	maxRateLimitResetWait   = time.Minute * 15
	rateLimitResetWaitSlack = time.Second * 5
)

// retryBaseDelay is a var so tests can shrink the backoff.
var retryBaseDelay = 2 * time.Second

// Retry runs f up to 'retryAttempts' times, printing the error if one is encountered. Handles
// GitLab rate limiting (429) by waiting for the advertised reset, if it will happen reasonably
// soon. Server errors (5xx) and failures that carry no HTTP status (transport errors) back off
// linearly; other errors are returned immediately.
func Retry(f func() error) error {
	i := 0
	for ; i < retryAttempts; i++ {
		log.Printf("   attempt %v/%v...\n", i+1, retryAttempts)
		err := f()
		if err != nil {
			log.Printf("...attempt %v/%v failed with error: %v\n", i+1, retryAttempts, err)
			if i+1 >= retryAttempts {
				log.Printf("...no retries remaining.\n")
				return err
			}
			status, header := errorStatus(err)
			switch {
			case status == http.StatusTooManyRequests:
				wait := retryAfter(header)
				if wait > maxRateLimitResetWait {
					log.Printf("...rate limit reset is too far away to reasonably wait. Aborting.")
					return err
				}
				log.Printf("...rate limit exceeded, waiting %v before next retry.\n", wait)
				time.Sleep(wait)
			case status >= 500 || status == 0:
				wait := retryBaseDelay * time.Duration(i+1)
				log.Printf("...waiting %v before next retry.\n", wait)
				time.Sleep(wait)
			default:
				// 4xx other than throttling won't get better by retrying.
				return err
			}
			continue
		}
		break
	}
	log.Printf("...attempt %v/%v successful.\n", i+1, retryAttempts)
	return nil
}

// retryAfter reads the Retry-After header, falling back to a small fixed wait.
func retryAfter(header http.Header) time.Duration {
	if header != nil {
		if s := header.Get("Retry-After"); s != "" {
			if seconds, err := strconv.Atoi(s); err == nil {
				return time.Duration(seconds)*time.Second + rateLimitResetWaitSlack
			}
		}
	}
	return 30*time.Second + rateLimitResetWaitSlack
}

// errorStatus extracts the HTTP status and headers from a GitLab API error, or (0, nil) for
// transport-level failures.
func errorStatus(err error) (int, http.Header) {
	var glErr *gitlab.ErrorResponse
	if errors.As(err, &glErr) && glErr.Response != nil {
		return glErr.Response.StatusCode, glErr.Response.Header
	}
	return 0, nil
}

// ErrorStatus returns the HTTP status code carried by a GitLab API error, or 0 if the error has
// none (transport failure, timeout).
func ErrorStatus(err error) int {
	status, _ := errorStatus(err)
	return status
}

// IsTransient reports whether an API error is worth retrying later: throttling, server errors, or
// a failure that never reached the server at all.
func IsTransient(err error) bool {
	status := ErrorStatus(err)
	return status == 0 || status == http.StatusTooManyRequests || status >= 500
}

// FetchEachPage helps fetch all data from a GitLab API call that may or may not span multiple
// pages. FetchEachPage initially calls f with no paging parameters, then inspects the response to
// see if there are more pages to fetch. If so, it constructs paging parameters that will fetch the
// next page and calls f again. This repeats until there aren't any more pages.
//
// Note that FetchEachPage doesn't process any of the result data, and doesn't actually call the
// GitLab API. f must do this itself. This allows FetchEachPage to work with any GitLab API.
func FetchEachPage(f func(options gitlab.ListOptions) (*gitlab.Response, error)) error {
	var options gitlab.ListOptions
	for {
		log.Printf("Fetching page %v...\n", options.Page)
		resp, err := f(options)
		if err != nil {
			return err
		}
		if resp.NextPage == 0 {
			return nil
		}
		options.Page = resp.NextPage
	}
}
