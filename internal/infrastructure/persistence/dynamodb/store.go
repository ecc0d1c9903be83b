package dynamodb

import (
	"context"
	"errors"
	"fmt"

	"brain2-uow/internal/repository"
	"brain2-uow/internal/uow"
	apperrors "brain2-uow/pkg/errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"
)

// MaxTransactItems is the DynamoDB limit of items per TransactWriteItems call.
const MaxTransactItems = 100

const recordSortKey = "RECORD"

// API is the subset of the DynamoDB client used by the store.
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// item is the stored shape of a record. A deleted record stays as a tombstone item
// with Deleted set, so a recreated record continues from the tombstone's version.
type item struct {
	PK      string `dynamodbav:"PK"`
	SK      string `dynamodbav:"SK"`
	Value   []byte `dynamodbav:"Value"`
	Version int64  `dynamodbav:"Version"`
	Deleted bool   `dynamodbav:"Deleted,omitempty"`
}

// NewClient builds a DynamoDB client from the default AWS configuration chain.
// endpoint overrides the service endpoint, e.g. for DynamoDB Local.
func NewClient(ctx context.Context, region, endpoint string) (*dynamodb.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

// Store keeps versioned records in a DynamoDB table keyed by PK/SK.
// Commits use TransactWriteItems with a version condition on every item.
type Store struct {
	client API
	table  string
	logger *zap.Logger
}

// NewStore creates a store on table.
func NewStore(client API, table string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{client: client, table: table, logger: logger}
}

// Factory returns a StoreFactory opening a new session per unit of work.
func (s *Store) Factory() uow.StoreFactory {
	return func(ctx context.Context, strategy uow.ConcurrencyStrategy, resolveName string) (uow.StoreHandle, error) {
		return s.NewSession(), nil
	}
}

// NewSession opens a session on the store.
func (s *Store) NewSession() *Session {
	return &Session{ChangeSet: repository.NewChangeSet(), store: s}
}

func keyOf(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: key},
		"SK": &types.AttributeValueMemberS{Value: recordSortKey},
	}
}

func (s *Store) get(ctx context.Context, key string) (repository.Record, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            keyOf(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return repository.Record{}, err
	}
	if len(out.Item) == 0 {
		return repository.Record{Key: key}, repository.ErrNotFound
	}
	var it item
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return repository.Record{}, apperrors.Wrap(err, "failed to unmarshal record")
	}
	if it.Deleted {
		return repository.Record{Key: key, Version: it.Version}, repository.ErrNotFound
	}
	return repository.Record{Key: key, Value: it.Value, Version: it.Version}, nil
}

// versionCondition requires the stored item to still have the expected version,
// or never to have existed when nothing was read.
func versionCondition(expected int64) (expression.Expression, error) {
	var cond expression.ConditionBuilder
	if expected == 0 {
		cond = expression.AttributeNotExists(expression.Name("PK"))
	} else {
		cond = expression.Name("Version").Equal(expression.Value(expected))
	}
	return expression.NewBuilder().WithCondition(cond).Build()
}

// buildItem writes every mutation as a conditional Put; a delete puts a tombstone.
func (s *Store) buildItem(m repository.Mutation) (types.TransactWriteItem, error) {
	expr, err := versionCondition(m.ExpectedVersion)
	if err != nil {
		return types.TransactWriteItem{}, apperrors.Wrap(err, "failed to build condition")
	}
	it := item{PK: m.Key, SK: recordSortKey, Version: m.NextVersion(), Deleted: m.Delete}
	if !m.Delete {
		it.Value = m.Value
	}
	av, err := attributevalue.MarshalMap(it)
	if err != nil {
		return types.TransactWriteItem{}, apperrors.Wrap(err, "failed to marshal record")
	}
	return types.TransactWriteItem{Put: &types.Put{
		TableName:                           aws.String(s.table),
		Item:                                av,
		ConditionExpression:                 expr.Condition(),
		ExpressionAttributeNames:            expr.Names(),
		ExpressionAttributeValues:           expr.Values(),
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	}}, nil
}

func (s *Store) apply(ctx context.Context, session *Session, mutations []repository.Mutation) error {
	if len(mutations) > MaxTransactItems {
		return apperrors.NewValidation(fmt.Sprintf("transaction exceeds %d items: %d", MaxTransactItems, len(mutations)))
	}

	items := make([]types.TransactWriteItem, 0, len(mutations))
	for _, m := range mutations {
		it, err := s.buildItem(m)
		if err != nil {
			return err
		}
		items = append(items, it)
	}

	_, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err == nil {
		return nil
	}
	return s.mapCommitError(err, session, mutations)
}

// mapCommitError turns failed version conditions into a *uow.ConflictError and
// cancellations caused by contention into UNAVAILABLE errors.
func (s *Store) mapCommitError(err error, session *Session, mutations []repository.Mutation) error {
	var canceled *types.TransactionCanceledException
	if !errors.As(err, &canceled) {
		return err
	}

	var conflicts []uow.ConflictEntry
	transient := false
	for i, reason := range canceled.CancellationReasons {
		if i >= len(mutations) {
			break
		}
		switch aws.ToString(reason.Code) {
		case "ConditionalCheckFailed":
			var old item
			if len(reason.Item) > 0 {
				if uerr := attributevalue.UnmarshalMap(reason.Item, &old); uerr != nil {
					s.logger.Warn("Failed to decode conflicting item", zap.String("key", mutations[i].Key), zap.Error(uerr))
				}
			}
			conflicts = append(conflicts, uow.ConflictEntry{
				Key:          mutations[i].Key,
				LocalVersion: mutations[i].ExpectedVersion,
				StoreVersion: old.Version,
			})
		case "TransactionConflict", "ThrottlingError", "ProvisionedThroughputExceeded", "RequestLimitExceeded":
			transient = true
		}
	}

	if len(conflicts) > 0 {
		return &uow.ConflictError{Entries: conflicts, Tracker: session, Err: err}
	}
	if transient {
		return apperrors.NewUnavailable("dynamodb transaction cancelled", err)
	}
	return err
}

// Session is a unit-of-work session on a DynamoDB Store.
type Session struct {
	*repository.ChangeSet
	store *Store
}

var _ repository.Session = (*Session)(nil)

// Get reads key with a consistent read and tracks its version. A deleted key is
// tracked as the version of its tombstone.
func (s *Session) Get(ctx context.Context, key string) (repository.Record, error) {
	if s.Released() {
		return repository.Record{}, repository.ErrReleased
	}
	rec, err := s.store.get(ctx, key)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		s.Track(key, rec.Version)
		return rec, err
	case err != nil:
		return repository.Record{}, err
	}
	s.Track(key, rec.Version)
	return rec, nil
}

// Commit writes the staged changes in one DynamoDB transaction.
func (s *Session) Commit(ctx context.Context) error {
	if s.Released() {
		return repository.ErrReleased
	}
	mutations := s.Mutations()
	if len(mutations) == 0 {
		return nil
	}
	if err := s.store.apply(ctx, s, mutations); err != nil {
		return err
	}
	s.Applied(mutations)
	return nil
}

// CommitAsync commits on a separate goroutine.
func (s *Session) CommitAsync(ctx context.Context) *uow.Future[struct{}] {
	return uow.Go(func() (struct{}, error) {
		return struct{}{}, s.Commit(ctx)
	})
}

// Release discards staged writes. Releasing twice is a no-op.
func (s *Session) Release() error {
	s.MarkReleased()
	return nil
}
