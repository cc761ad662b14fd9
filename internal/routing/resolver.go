package routing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dialgrid/dialgrid/internal/provider"
	"github.com/dialgrid/dialgrid/internal/tenant"
	"github.com/dialgrid/dialgrid/pkg/logging"
)

// CredentialSource is the slice of the tenant store the resolver reads.
type CredentialSource interface {
	CredentialFor(ctx context.Context, clientID, providerName string) (tenant.Credential, error)
}

// Plan is everything the pipeline needs to dial one call.
type Plan struct {
	Provider    string
	Adapter     provider.Adapter
	Credentials provider.Credentials
	// ClientSpecific is false when the system credentials were used, either
	// because the tenant has none or because ownership validation failed.
	ClientSpecific  bool
	MaskedAccountID string
}

// Config wires the resolver.
type Config struct {
	Numbers  NumberMap
	Tenants  CredentialSource
	Adapters map[string]provider.Adapter
	// System holds the default credentials per provider from configuration.
	System          map[string]provider.Credentials
	DefaultProvider string
	Logger          *logging.Logger
}

type Resolver struct {
	numbers         NumberMap
	tenants         CredentialSource
	adapters        map[string]provider.Adapter
	system          map[string]provider.Credentials
	defaultProvider string
	logger          *logging.Logger
}

func New(cfg Config) *Resolver {
	defaultProvider := strings.ToLower(strings.TrimSpace(cfg.DefaultProvider))
	if defaultProvider == "" {
		defaultProvider = provider.Plivo
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Resolver{
		numbers:         cfg.Numbers,
		tenants:         cfg.Tenants,
		adapters:        cfg.Adapters,
		system:          cfg.System,
		defaultProvider: defaultProvider,
		logger:          logger,
	}
}

// ProviderFor picks the provider: explicit override first, then the number
// map, then the configured default.
func (r *Resolver) ProviderFor(ctx context.Context, fromNumber, override string) (string, error) {
	if override = strings.ToLower(strings.TrimSpace(override)); override != "" {
		if !provider.Known(override) {
			return "", fmt.Errorf("%w: %q", ErrUnknownProvider, override)
		}
		return override, nil
	}
	if r.numbers != nil {
		name, err := r.numbers.ProviderFor(ctx, fromNumber)
		if err == nil {
			if !provider.Known(name) {
				return "", fmt.Errorf("%w: mapped %q", ErrUnknownProvider, name)
			}
			return name, nil
		}
		if !errors.Is(err, ErrNotMapped) {
			return "", err
		}
	}
	return r.defaultProvider, nil
}

// Credentials prefers the tenant's own provider account. When the tenant
// credential restricts from-numbers and this number is not validated, the
// resolver silently falls back to the system account: never dial on an
// account that does not own the number.
func (r *Resolver) Credentials(ctx context.Context, clientID, providerName, fromNumber string) (provider.Credentials, bool, error) {
	system, hasSystem := r.system[providerName]
	if r.tenants != nil && clientID != "" {
		cred, err := r.tenants.CredentialFor(ctx, clientID, providerName)
		switch {
		case err == nil:
			creds := provider.Credentials{
				AccountID:        cred.AccountID,
				AuthToken:        cred.AuthToken,
				ValidatedNumbers: cred.ValidatedNumbers,
			}
			if creds.Owns(fromNumber) {
				return creds, true, nil
			}
			r.logger.Warn("from number not validated for tenant account, using system credentials",
				"client_id", clientID,
				"provider", providerName,
				"from_number", fromNumber,
				"account_id", MaskAccountID(cred.AccountID),
			)
		case errors.Is(err, tenant.ErrNotFound):
		default:
			return provider.Credentials{}, false, err
		}
	}
	if !hasSystem || system.AccountID == "" {
		return provider.Credentials{}, false, fmt.Errorf("routing: no credentials available for provider %s", providerName)
	}
	return system, false, nil
}

// Route composes provider choice, adapter, and credentials into a dial plan.
func (r *Resolver) Route(ctx context.Context, clientID, fromNumber, override string) (Plan, error) {
	providerName, err := r.ProviderFor(ctx, fromNumber, override)
	if err != nil {
		return Plan{}, err
	}
	adapter, ok := r.adapters[providerName]
	if !ok {
		return Plan{}, fmt.Errorf("%w: no adapter for %q", ErrUnknownProvider, providerName)
	}
	creds, clientSpecific, err := r.Credentials(ctx, clientID, providerName, fromNumber)
	if err != nil {
		return Plan{}, err
	}
	return Plan{
		Provider:        providerName,
		Adapter:         adapter,
		Credentials:     creds,
		ClientSpecific:  clientSpecific,
		MaskedAccountID: MaskAccountID(creds.AccountID),
	}, nil
}

// MaskAccountID keeps the first and last four characters for logs.
func MaskAccountID(accountID string) string {
	if len(accountID) <= 8 {
		return "****"
	}
	return accountID[:4] + "..." + accountID[len(accountID)-4:]
}
