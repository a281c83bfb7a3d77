package statestore

import (
	"context"
	"fmt"

	"github.com/timmy/artifactory-codeartifact-migrator/internal/config"
	"github.com/timmy/artifactory-codeartifact-migrator/internal/domain"
	"github.com/timmy/artifactory-codeartifact-migrator/internal/retry"
)

// New opens the backend selected by configuration for ns.
// Parameters:
//   - ctx: context for connection and table provisioning.
//   - cfg: application configuration; DynamoDB.Enabled selects the distributed backend.
//   - ns: namespace the store is bound to.
//   - debug: enables SQL statement logging.
// Returns:
//   - Store: the opened store.
//   - error: non-nil if the backend cannot be reached or provisioned.
func New(ctx context.Context, cfg *config.Config, ns domain.Namespace, debug bool) (Store, error) {
	opts := Options{
		Timeout: cfg.Database.Timeout,
		Retry: retry.Policy{
			InitialInterval: cfg.Retry.InitialInterval,
			MaxInterval:     cfg.Retry.MaxInterval,
			Multiplier:      cfg.Retry.Multiplier,
			MaxAttempts:     cfg.Retry.MaxAttempts,
			MaxElapsed:      cfg.Retry.MaxElapsed,
		},
	}

	if cfg.DynamoDB.Enabled {
		client, err := NewDynamoClient(ctx, DynamoConfig{
			Region:          cfg.DynamoRegion(),
			Endpoint:        cfg.DynamoDB.Endpoint,
			AccessKeyID:     cfg.CodeArtifact.AccessKeyID,
			SecretAccessKey: cfg.CodeArtifact.SecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
		store, err := OpenDynamo(ctx, client, ns, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to open DynamoDB store: %w", err)
		}
		return store, nil
	}

	store, err := OpenSQL(ctx, SQLConfig{
		Driver:          cfg.Database.Driver,
		Dir:             cfg.Database.Dir,
		DSN:             cfg.Database.DSN,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		Debug:           debug,
	}, ns, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Database.Driver, err)
	}
	return store, nil
}
