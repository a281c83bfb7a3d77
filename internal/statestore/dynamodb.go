package statestore

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/timmy/artifactory-codeartifact-migrator/internal/domain"
	"github.com/timmy/artifactory-codeartifact-migrator/internal/logger"
)

// DynamoAPI is the subset of the DynamoDB client used by DynamoStore.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	DeleteTable(ctx context.Context, params *dynamodb.DeleteTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteTableOutput, error)
}

// DynamoConfig holds connection settings for the distributed backend.
type DynamoConfig struct {
	Region          string
	Endpoint        string // optional, e.g. DynamoDB Local
	AccessKeyID     string
	SecretAccessKey string
}

// NewDynamoClient builds a DynamoDB client. Static credentials are used when
// given, otherwise the default AWS credential chain.
func NewDynamoClient(ctx context.Context, cfg DynamoConfig) (*dynamodb.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

const (
	attrName           = "name"
	attrRepository     = "repository"
	attrPackageVersion = "package_version"
	attrPublishStatus  = "publish_status"
	attrChecksum       = "checksum"

	tableWaitTimeout = 5 * time.Minute
)

// versionItem is the stored shape of a package version: the record plus the
// composite range key.
type versionItem struct {
	domain.PackageVersionRecord
	PackageVersion string `dynamodbav:"package_version"`
}

func rangeKey(pkg, version string) string {
	return pkg + "#" + version
}

// DynamoStore implements Store on two DynamoDB tables per namespace.
type DynamoStore struct {
	client    DynamoAPI
	ns        domain.Namespace
	repoTable string
	pkgTable  string
	call      caller

	// waiter delays, shortened in tests
	minDelay time.Duration
	maxDelay time.Duration

	mu    sync.Mutex
	ready bool
}

// OpenDynamo binds a store to ns and provisions its tables if needed.
func OpenDynamo(ctx context.Context, client DynamoAPI, ns domain.Namespace, opts Options) (*DynamoStore, error) {
	opts = opts.withDefaults()
	s := &DynamoStore{
		client:    client,
		ns:        ns,
		repoTable: ns.TableName(domain.EntityRepositories),
		pkgTable:  ns.TableName(domain.EntityPackages),
		call:      newCaller(opts, isPermanentDynamoError),
		minDelay:  2 * time.Second,
		maxDelay:  20 * time.Second,
	}
	if err := s.ensureTables(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// isPermanentDynamoError reports client faults that retrying cannot fix.
func isPermanentDynamoError(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "ThrottlingException", "ProvisionedThroughputExceededException", "RequestLimitExceeded", "ResourceInUseException":
		return false
	}
	return apiErr.ErrorFault() == smithy.FaultClient
}

func (s *DynamoStore) ensureTables(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return nil
	}

	repoSchema := &dynamodb.CreateTableInput{
		TableName: aws.String(s.repoTable),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(attrName), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(attrName), KeyType: types.KeyTypeHash},
		},
		BillingMode: types.BillingModePayPerRequest,
	}
	pkgSchema := &dynamodb.CreateTableInput{
		TableName: aws.String(s.pkgTable),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(attrRepository), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String(attrPackageVersion), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(attrRepository), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String(attrPackageVersion), KeyType: types.KeyTypeRange},
		},
		BillingMode: types.BillingModePayPerRequest,
	}

	for _, in := range []*dynamodb.CreateTableInput{repoSchema, pkgSchema} {
		if err := s.ensureTable(ctx, in); err != nil {
			return err
		}
	}
	s.ready = true
	return nil
}

func (s *DynamoStore) ensureTable(ctx context.Context, in *dynamodb.CreateTableInput) error {
	name := aws.ToString(in.TableName)
	err := s.call.do(ctx, "provision table", name, func(ctx context.Context) error {
		_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: in.TableName})
		if err == nil {
			return nil
		}
		var nf *types.ResourceNotFoundException
		if !errors.As(err, &nf) {
			return fmt.Errorf("failed to describe table %s: %w", name, err)
		}

		logger.CtxInfo(ctx, "[StateStore] Creating DynamoDB table %s", name)
		if _, err := s.client.CreateTable(ctx, in); err != nil {
			var inUse *types.ResourceInUseException
			if !errors.As(err, &inUse) {
				return fmt.Errorf("failed to create table %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.waitExists(ctx, name)
}

func (s *DynamoStore) waitExists(ctx context.Context, name string) error {
	waiter := dynamodb.NewTableExistsWaiter(s.client, func(o *dynamodb.TableExistsWaiterOptions) {
		o.MinDelay = s.minDelay
		o.MaxDelay = s.maxDelay
	})
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(name)}, tableWaitTimeout); err != nil {
		return domain.StoreError("provision table", name, err)
	}
	return nil
}

func (s *DynamoStore) waitGone(ctx context.Context, name string) error {
	waiter := dynamodb.NewTableNotExistsWaiter(s.client, func(o *dynamodb.TableNotExistsWaiterOptions) {
		o.MinDelay = s.minDelay
		o.MaxDelay = s.maxDelay
	})
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(name)}, tableWaitTimeout); err != nil {
		return domain.StoreError("clear", name, err)
	}
	return nil
}

// Namespace returns the namespace the store is bound to.
func (s *DynamoStore) Namespace() domain.Namespace {
	return s.ns
}

// GetRepository loads one repository record with a consistent read.
func (s *DynamoStore) GetRepository(ctx context.Context, name string) (*domain.RepositoryRecord, error) {
	var rec domain.RepositoryRecord
	err := s.call.do(ctx, "get repository", name, func(ctx context.Context) error {
		out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
			TableName:      aws.String(s.repoTable),
			Key:            map[string]types.AttributeValue{attrName: &types.AttributeValueMemberS{Value: name}},
			ConsistentRead: aws.Bool(true),
		})
		if err != nil {
			return err
		}
		if len(out.Item) == 0 {
			return ErrNotFound
		}
		return attributevalue.UnmarshalMap(out.Item, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// PutRepository writes a repository record, replacing any previous one.
func (s *DynamoStore) PutRepository(ctx context.Context, rec *domain.RepositoryRecord) error {
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal repository %s: %w", rec.Name, err)
	}
	return s.call.do(ctx, "put repository", rec.Name, func(ctx context.Context) error {
		_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(s.repoTable),
			Item:      item,
		})
		return err
	})
}

// ScanRepositories yields all repository records ordered by name.
// The repositories table is small, so it is read fully before yielding.
func (s *DynamoStore) ScanRepositories(ctx context.Context) iter.Seq2[*domain.RepositoryRecord, error] {
	return func(yield func(*domain.RepositoryRecord, error) bool) {
		var recs []*domain.RepositoryRecord
		err := s.call.do(ctx, "scan repositories", s.repoTable, func(ctx context.Context) error {
			recs = recs[:0]
			pages := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
				TableName:      aws.String(s.repoTable),
				ConsistentRead: aws.Bool(true),
			})
			for pages.HasMorePages() {
				page, err := pages.NextPage(ctx)
				if err != nil {
					return err
				}
				var batch []*domain.RepositoryRecord
				if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
					return err
				}
				recs = append(recs, batch...)
			}
			return nil
		})
		if err != nil {
			yield(nil, err)
			return
		}
		sort.Slice(recs, func(i, j int) bool { return recs[i].Name < recs[j].Name })
		for _, rec := range recs {
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// GetVersion loads one package version record with a consistent read.
func (s *DynamoStore) GetVersion(ctx context.Context, key domain.VersionKey) (*domain.PackageVersionRecord, error) {
	var item versionItem
	err := s.call.do(ctx, "get version", key.String(), func(ctx context.Context) error {
		out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
			TableName: aws.String(s.pkgTable),
			Key: map[string]types.AttributeValue{
				attrRepository:     &types.AttributeValueMemberS{Value: key.Repository},
				attrPackageVersion: &types.AttributeValueMemberS{Value: rangeKey(key.PackageName, key.Version)},
			},
			ConsistentRead: aws.Bool(true),
		})
		if err != nil {
			return err
		}
		if len(out.Item) == 0 {
			return ErrNotFound
		}
		return attributevalue.UnmarshalMap(out.Item, &item)
	})
	if err != nil {
		return nil, err
	}
	return &item.PackageVersionRecord, nil
}

// PutVersion writes a package version with the published guard expressed as
// a condition. A failed condition means the write was superseded and is not
// an error.
func (s *DynamoStore) PutVersion(ctx context.Context, rec *domain.PackageVersionRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	item, err := attributevalue.MarshalMap(versionItem{
		PackageVersionRecord: *rec,
		PackageVersion:       rangeKey(rec.PackageName, rec.Version),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal version %s: %w", rec.Key(), err)
	}

	in := &dynamodb.PutItemInput{
		TableName: aws.String(s.pkgTable),
		Item:      item,
	}
	if rec.PublishStatus != domain.PublishStatusPublished {
		cond := "attribute_not_exists(#ps) OR #ps <> :published"
		names := map[string]string{"#ps": attrPublishStatus}
		values := map[string]types.AttributeValue{
			":published": &types.AttributeValueMemberS{Value: string(domain.PublishStatusPublished)},
		}
		if rec.Checksum != "" {
			cond += " OR #cs <> :cs"
			names["#cs"] = attrChecksum
			values[":cs"] = &types.AttributeValueMemberS{Value: rec.Checksum}
		}
		in.ConditionExpression = aws.String(cond)
		in.ExpressionAttributeNames = names
		in.ExpressionAttributeValues = values
	}

	return s.call.do(ctx, "put version", rec.Key().String(), func(ctx context.Context) error {
		_, err := s.client.PutItem(ctx, in)
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			logger.CtxDebug(ctx, "[StateStore] Kept published record %s", rec.Key())
			return nil
		}
		return err
	})
}

// ScanVersions yields records under prefix. A repository prefix becomes a
// single partition query in key order; an empty prefix is a paginated table
// scan without ordering guarantees.
func (s *DynamoStore) ScanVersions(ctx context.Context, prefix domain.VersionKey) iter.Seq2[*domain.PackageVersionRecord, error] {
	return func(yield func(*domain.PackageVersionRecord, error) bool) {
		if prefix.Repository != "" {
			s.queryPartition(ctx, prefix, yield)
			return
		}
		pages := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
			TableName:      aws.String(s.pkgTable),
			ConsistentRead: aws.Bool(true),
		})
		for pages.HasMorePages() {
			var items []versionItem
			err := s.call.do(ctx, "scan versions", s.pkgTable, func(ctx context.Context) error {
				page, err := pages.NextPage(ctx)
				if err != nil {
					return err
				}
				return attributevalue.UnmarshalListOfMaps(page.Items, &items)
			})
			if err != nil {
				yield(nil, err)
				return
			}
			for i := range items {
				if !yield(&items[i].PackageVersionRecord, nil) {
					return
				}
			}
		}
	}
}

// queryPartition yields one repository's records page by page.
func (s *DynamoStore) queryPartition(ctx context.Context, prefix domain.VersionKey, yield func(*domain.PackageVersionRecord, error) bool) {
	in := &dynamodb.QueryInput{
		TableName:                aws.String(s.pkgTable),
		KeyConditionExpression:   aws.String("#r = :r"),
		ExpressionAttributeNames: map[string]string{"#r": attrRepository},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":r": &types.AttributeValueMemberS{Value: prefix.Repository},
		},
		ConsistentRead: aws.Bool(true),
	}
	if prefix.PackageName != "" {
		begins := prefix.PackageName + "#"
		if prefix.Version != "" {
			begins = rangeKey(prefix.PackageName, prefix.Version)
		}
		in.KeyConditionExpression = aws.String("#r = :r AND begins_with(#pv, :pv)")
		in.ExpressionAttributeNames["#pv"] = attrPackageVersion
		in.ExpressionAttributeValues[":pv"] = &types.AttributeValueMemberS{Value: begins}
	}

	pages := dynamodb.NewQueryPaginator(s.client, in)
	for pages.HasMorePages() {
		var items []versionItem
		err := s.call.do(ctx, "scan versions", prefix.String(), func(ctx context.Context) error {
			page, err := pages.NextPage(ctx)
			if err != nil {
				return err
			}
			return attributevalue.UnmarshalListOfMaps(page.Items, &items)
		})
		if err != nil {
			yield(nil, err)
			return
		}
		for i := range items {
			rec := &items[i].PackageVersionRecord
			if !rec.Key().Matches(prefix) {
				continue
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// Clear drops and re-provisions the namespace tables.
func (s *DynamoStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	for _, table := range []string{s.pkgTable, s.repoTable} {
		err := s.call.do(ctx, "clear", table, func(ctx context.Context) error {
			_, err := s.client.DeleteTable(ctx, &dynamodb.DeleteTableInput{TableName: aws.String(table)})
			var nf *types.ResourceNotFoundException
			if err != nil && !errors.As(err, &nf) {
				return err
			}
			return nil
		})
		if err == nil {
			err = s.waitGone(ctx, table)
		}
		if err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.ready = false
	s.mu.Unlock()

	logger.CtxInfo(ctx, "[StateStore] Cleared namespace %s", s.ns)
	return s.ensureTables(ctx)
}

// Close is a no-op; the SDK client holds no dedicated resources.
func (s *DynamoStore) Close() error {
	return nil
}
