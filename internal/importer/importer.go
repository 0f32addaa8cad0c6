package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"lmsbridge.org/internal/ids"
	"lmsbridge.org/internal/obs"
	"lmsbridge.org/internal/sso"
)

const defaultMaxRetries = 5

// Directory is the account storage the importer writes to.
type Directory interface {
	sso.AccountRegistry
	Upsert(ctx context.Context, acct *sso.Account) error
}

// Summary counts the outcome of one import run.
type Summary struct {
	Migrated int
	Skipped  int
	Errors   int
}

func (s Summary) String() string {
	return fmt.Sprintf("migrated=%d skipped=%d errors=%d", s.Migrated, s.Skipped, s.Errors)
}

// Importer copies source users into the account directory.
type Importer struct {
	dir        Directory
	out        io.Writer
	apply      bool
	newBackOff func() backoff.BackOff
	maxRetries uint64
}

// Option configures Importer.
type Option func(*Importer)

// WithApply switches from dry run to writing accounts.
func WithApply(apply bool) Option {
	return func(im *Importer) { im.apply = apply }
}

// WithBackOff overrides the retry policy for storage failures.
func WithBackOff(fn func() backoff.BackOff, maxRetries uint64) Option {
	return func(im *Importer) {
		if fn != nil {
			im.newBackOff = fn
		}
		im.maxRetries = maxRetries
	}
}

// New returns a dry-run importer reporting to out.
func New(dir Directory, out io.Writer, opts ...Option) *Importer {
	im := &Importer{
		dir:        dir,
		out:        out,
		maxRetries: defaultMaxRetries,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxElapsedTime = 30 * time.Second
			return b
		},
	}
	if im.out == nil {
		im.out = io.Discard
	}
	for _, opt := range opts {
		opt(im)
	}
	return im
}

// MapSubaccount derives the destination subaccount for a unique ID.
func MapSubaccount(uniqueID string) string {
	lower := strings.ToLower(uniqueID)
	switch {
	case strings.HasPrefix(uniqueID, "2019513"):
		return "ohs_" + strings.ReplaceAll(lower, "-", "_")
	case strings.HasPrefix(uniqueID, "AIR"):
		return "air_" + lower
	default:
		return "ohs_" + strings.ReplaceAll(lower, "-", "_")
	}
}

// Run imports every user from src. Per-user failures are counted and
// reported; only a failure to read the source aborts the run.
func (im *Importer) Run(ctx context.Context, src Source) (Summary, error) {
	var sum Summary
	users, err := src.Users(ctx)
	if err != nil {
		return sum, err
	}
	fmt.Fprintf(im.out, "found %d users (apply=%t)\n", len(users), im.apply)

	seen := make(map[string]bool, len(users))
	for _, u := range users {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		uid := strings.TrimSpace(u.UniqueID)
		if uid == "" || seen[uid] {
			sum.Skipped++
			continue
		}
		seen[uid] = true

		exists, err := im.exists(ctx, uid)
		if err != nil {
			fmt.Fprintf(im.out, "error  %s: %v\n", uid, err)
			sum.Errors++
			continue
		}
		if exists {
			fmt.Fprintf(im.out, "skip   %s: already exists\n", uid)
			sum.Skipped++
			continue
		}

		sub := strings.TrimSpace(u.SubaccountID)
		if sub == "" {
			sub = MapSubaccount(uid)
		}
		if !im.apply {
			fmt.Fprintf(im.out, "would  %s -> %s (%s)\n", uid, sub, u.Email)
			sum.Migrated++
			continue
		}
		acct := &sso.Account{
			UniqueID:     uid,
			SubaccountID: sub,
			Email:        u.Email,
			FirstName:    u.FirstName,
			LastName:     u.LastName,
			Active:       true,
		}
		if err := im.retry(ctx, func() error { return im.dir.Upsert(ctx, acct) }); err != nil {
			fmt.Fprintf(im.out, "error  %s: %v\n", uid, err)
			sum.Errors++
			continue
		}
		fmt.Fprintf(im.out, "create %s -> %s\n", uid, sub)
		sum.Migrated++
	}

	obs.Info("import finished", map[string]any{
		"apply":    im.apply,
		"migrated": sum.Migrated,
		"skipped":  sum.Skipped,
		"errors":   sum.Errors,
	})
	return sum, nil
}

func (im *Importer) exists(ctx context.Context, uid string) (bool, error) {
	var ok bool
	err := im.retry(ctx, func() error {
		var err error
		ok, err = im.dir.Exists(ctx, uid)
		return err
	})
	return ok, err
}

// retry repeats op while it fails with ErrStorageUnavailable.
func (im *Importer) retry(ctx context.Context, op func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(im.newBackOff(), im.maxRetries), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !errors.Is(err, sso.ErrStorageUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}

// EnsureClient returns the client credential named name, creating it with a
// fresh id and secret when absent.
func EnsureClient(ctx context.Context, store sso.ClientStore, name string) (*sso.ClientCredential, bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, false, fmt.Errorf("%w: client name is required", sso.ErrInvalidInput)
	}
	existing, err := store.FindClientByName(ctx, name)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, sso.ErrNotFound) {
		return nil, false, err
	}
	id, err := ids.NewClientID()
	if err != nil {
		return nil, false, err
	}
	secret, err := ids.NewClientSecret()
	if err != nil {
		return nil, false, err
	}
	c := &sso.ClientCredential{ClientID: id, Secret: secret, Name: name, Active: true}
	if err := store.CreateClient(ctx, c); err != nil {
		return nil, false, err
	}
	return c, true, nil
}
