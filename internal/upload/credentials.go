package upload

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-retry"
)

// ErrNoCredentials is returned while no valid session credentials are held,
// either before the first successful refresh or after expiry.
var ErrNoCredentials = errors.New("no valid credentials")

type assumeRoleAPI interface {
	AssumeRole(ctx context.Context, in *sts.AssumeRoleInput, opts ...func(*sts.Options)) (*sts.AssumeRoleOutput, error)
}

// Refresher keeps rotating STS session credentials fresh in the background.
// Consumers only ever see "current valid credentials or an error".
type Refresher struct {
	client   assumeRoleAPI
	roleARN  string
	duration time.Duration

	mu          sync.RWMutex
	creds       aws.Credentials
	nextRefresh time.Time
}

func NewRefresher(client assumeRoleAPI, roleARN string, duration time.Duration) *Refresher {
	if duration < 15*time.Minute {
		duration = 15 * time.Minute
	}
	return &Refresher{client: client, roleARN: roleARN, duration: duration}
}

// Credentials returns the current session credentials, or ErrNoCredentials
// when none are held or they have expired.
func (r *Refresher) Credentials(ctx context.Context) (aws.Credentials, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.creds.AccessKeyID == "" || (r.creds.CanExpire && time.Now().After(r.creds.Expires)) {
		return aws.Credentials{}, ErrNoCredentials
	}
	return r.creds, nil
}

func (r *Refresher) refreshOnce(ctx context.Context) error {
	seconds := int32(r.duration / time.Second)
	out, err := r.client.AssumeRole(ctx, &sts.AssumeRoleInput{
		RoleArn:         aws.String(r.roleARN),
		RoleSessionName: aws.String("teamchat-upload"),
		DurationSeconds: &seconds,
	})
	if err != nil {
		return err
	}
	c := out.Credentials
	r.mu.Lock()
	r.creds = aws.Credentials{
		AccessKeyID:     aws.ToString(c.AccessKeyId),
		SecretAccessKey: aws.ToString(c.SecretAccessKey),
		SessionToken:    aws.ToString(c.SessionToken),
		CanExpire:       true,
		Expires:         aws.ToTime(c.Expiration),
	}
	// Refresh at half-life so a few failed attempts still leave headroom.
	r.nextRefresh = time.Now().Add(time.Until(r.creds.Expires) / 2)
	r.mu.Unlock()
	return nil
}

// Run refreshes until the context is cancelled, retrying failures with
// fibonacci backoff before falling back to a short fixed delay.
func (r *Refresher) Run(ctx context.Context) {
	for {
		backoff := retry.WithMaxDuration(5*time.Minute, retry.NewFibonacci(time.Second))
		err := retry.Do(ctx, backoff, func(ctx context.Context) error {
			if err := r.refreshOnce(ctx); err != nil {
				log.Warn().Err(err).Msg("sts assume role")
				return retry.RetryableError(err)
			}
			return nil
		})
		if ctx.Err() != nil {
			return
		}
		var wait time.Duration
		if err != nil {
			wait = time.Minute
		} else {
			r.mu.RLock()
			wait = time.Until(r.nextRefresh)
			r.mu.RUnlock()
			if wait < time.Minute {
				wait = time.Minute
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}
