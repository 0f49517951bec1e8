// XamOps - Cloud Cost, Security and Operations Dashboard
// Copyright 2026 Xammer Cloud
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xammer/xamops

package account

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/xammer/xamops/internal/logging"
)

// CredentialProvider yields short-lived credentials scoped to a cloud
// account. Fetchers and the deep scanner consume these.
type CredentialProvider interface {
	// Credentials returns valid credentials for acct, refreshing as
	// needed.
	Credentials(ctx context.Context, acct *Account) (aws.Credentials, error)
}

// STSCredentialProvider assumes each account's cross-account role via
// STS and caches the resulting short-lived credentials per account.
type STSCredentialProvider struct {
	mu     sync.Mutex
	base   *aws.Config
	caches map[string]*aws.CredentialsCache
}

// NewSTSCredentialProvider creates a provider using the host's default
// credential chain as the assume-role principal.
func NewSTSCredentialProvider() *STSCredentialProvider {
	return &STSCredentialProvider{caches: make(map[string]*aws.CredentialsCache)}
}

// Credentials implements CredentialProvider.
func (p *STSCredentialProvider) Credentials(ctx context.Context, acct *Account) (aws.Credentials, error) {
	cache, err := p.cacheFor(ctx, acct)
	if err != nil {
		return aws.Credentials{}, err
	}

	creds, err := cache.Retrieve(ctx)
	if err != nil {
		return aws.Credentials{}, fmt.Errorf("assume role for account %s: %w", acct.ID, err)
	}
	return creds, nil
}

// Verify assumes the account's role and calls GetCallerIdentity,
// proving the trust relationship works end to end.
func (p *STSCredentialProvider) Verify(ctx context.Context, acct *Account) error {
	creds, err := p.Credentials(ctx, acct)
	if err != nil {
		return err
	}

	cfg, err := p.baseConfig(ctx)
	if err != nil {
		return err
	}
	client := sts.NewFromConfig(*cfg, func(o *sts.Options) {
		o.Credentials = staticProvider{creds: creds}
	})
	if _, err := client.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{}); err != nil {
		return fmt.Errorf("verify account %s: %w", acct.ID, err)
	}

	logging.Debug().Str("account_id", acct.ID).Msg("account role verified")
	return nil
}

func (p *STSCredentialProvider) cacheFor(ctx context.Context, acct *Account) (*aws.CredentialsCache, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cache, ok := p.caches[acct.ID]; ok {
		return cache, nil
	}

	cfg, err := p.baseConfigLocked(ctx)
	if err != nil {
		return nil, err
	}

	client := sts.NewFromConfig(*cfg)
	provider := stscreds.NewAssumeRoleProvider(client, acct.RoleARN, func(o *stscreds.AssumeRoleOptions) {
		o.RoleSessionName = "xamops-" + acct.ID
		if acct.ExternalID != "" {
			o.ExternalID = aws.String(acct.ExternalID)
		}
	})

	cache := aws.NewCredentialsCache(provider)
	p.caches[acct.ID] = cache
	return cache, nil
}

func (p *STSCredentialProvider) baseConfig(ctx context.Context) (*aws.Config, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.baseConfigLocked(ctx)
}

// baseConfigLocked loads the host credential chain once. Caller holds p.mu.
func (p *STSCredentialProvider) baseConfigLocked(ctx context.Context) (*aws.Config, error) {
	if p.base != nil {
		return p.base, nil
	}
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	p.base = &cfg
	return p.base, nil
}

// staticProvider serves already-retrieved credentials. Used for the
// verification call so it runs as the assumed role.
type staticProvider struct {
	creds aws.Credentials
}

func (s staticProvider) Retrieve(context.Context) (aws.Credentials, error) {
	return s.creds, nil
}

// StaticCredentialProvider returns fixed credentials for every account.
// Used by tests and local development.
type StaticCredentialProvider struct {
	Creds aws.Credentials
}

// Credentials implements CredentialProvider.
func (s *StaticCredentialProvider) Credentials(context.Context, *Account) (aws.Credentials, error) {
	return s.Creds, nil
}
