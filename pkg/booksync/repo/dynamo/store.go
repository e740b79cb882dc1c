// Package dynamo implements the secondary book store on DynamoDB.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/tendant/booksync/pkg/booksync"
)

const (
	storeName = "dynamodb"

	// AuthorYearIndex is the GSI keyed by author and publication year.
	AuthorYearIndex = "AuthorYearIndex"

	batchWriteLimit = 25
	batchGetLimit   = 100
)

// API is the subset of the DynamoDB client the store calls.
type API interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	BatchGetItem(ctx context.Context, in *dynamodb.BatchGetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

// Config options for the DynamoDB backend
type Config struct {
	Region          string // AWS region
	Table           string // table name
	AccessKeyID     string // optional static credentials
	SecretAccessKey string
	Endpoint        string // optional custom endpoint, e.g. DynamoDB Local
	CreateTable     bool   // create the table and index when missing
}

// item is the stored shape. Views is optional on disk and read as zero when absent.
type item struct {
	BookID          string `dynamodbav:"bookId"`
	Title           string `dynamodbav:"title"`
	Author          string `dynamodbav:"author"`
	PublicationYear int    `dynamodbav:"publicationYear"`
	Views           *int   `dynamodbav:"views,omitempty"`
}

func toItem(b booksync.Book) item {
	views := b.ViewCount
	return item{BookID: b.ID, Title: b.Title, Author: b.Author, PublicationYear: b.PublicationYear, Views: &views}
}

func (it item) book() booksync.Book {
	b := booksync.Book{ID: it.BookID, Title: it.Title, Author: it.Author, PublicationYear: it.PublicationYear}
	if it.Views != nil {
		b.ViewCount = *it.Views
	}
	return b
}

// Store implements booksync.SecondaryStore.
type Store struct {
	api    API
	table  string
	logger *slog.Logger
}

var _ booksync.SecondaryStore = (*Store)(nil)

// New wraps an existing client.
func New(api API, table string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{api: api, table: table, logger: logger.With("component", "dynamo")}
}

// Connect builds a client from config and, when asked, ensures the table exists.
func Connect(ctx context.Context, config Config, logger *slog.Logger) (*Store, error) {
	if config.Table == "" {
		return nil, errors.New("table name is required")
	}
	if config.Region == "" {
		config.Region = "us-east-1"
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(config.Region)}
	if config.AccessKeyID != "" && config.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(config.AccessKeyID, config.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var opts []func(*dynamodb.Options)
	if config.Endpoint != "" {
		opts = append(opts, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(config.Endpoint)
		})
	}

	s := New(dynamodb.NewFromConfig(awsCfg, opts...), config.Table, logger)
	if config.CreateTable {
		if err := s.EnsureTable(ctx); err != nil {
			return nil, err
		}
	}
	return s, nil
}

var throttled = map[string]bool{
	"ProvisionedThroughputExceededException": true,
	"RequestLimitExceeded":                   true,
	"ThrottlingException":                    true,
}

func (s *Store) wrap(op string, err error) error {
	var notFound *types.ResourceNotFoundException
	var apiErr smithy.APIError
	switch {
	case errors.As(err, &notFound):
		err = fmt.Errorf("%w: table %s not found", booksync.ErrStoreUnavailable, s.table)
	case errors.As(err, &apiErr) && throttled[apiErr.ErrorCode()]:
		err = fmt.Errorf("%w: %s", booksync.ErrStoreUnavailable, apiErr.ErrorMessage())
	}
	return &booksync.StoreError{Store: storeName, Op: op, Err: err}
}

func keyOf(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"bookId": &types.AttributeValueMemberS{Value: id}}
}

// EnsureTable creates the table with its author/year index unless it already exists.
func (s *Store) EnsureTable(ctx context.Context) error {
	_, err := s.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)})
	if err == nil {
		return nil
	}
	var notFound *types.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return s.wrap("describe table", err)
	}

	_, err = s.api.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:   aws.String(s.table),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("bookId"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("author"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("publicationYear"), AttributeType: types.ScalarAttributeTypeN},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("bookId"), KeyType: types.KeyTypeHash},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{{
			IndexName: aws.String(AuthorYearIndex),
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String("author"), KeyType: types.KeyTypeHash},
				{AttributeName: aws.String("publicationYear"), KeyType: types.KeyTypeRange},
			},
			Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
		}},
	})
	if err != nil {
		var inUse *types.ResourceInUseException
		if errors.As(err, &inUse) {
			return nil
		}
		return s.wrap("create table", err)
	}

	waiter := dynamodb.NewTableExistsWaiter(s.api)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)}, 2*time.Minute); err != nil {
		return s.wrap("wait for table", err)
	}
	s.logger.Info("Created table", "table", s.table)
	return nil
}

func (s *Store) ListBooks(ctx context.Context) ([]booksync.Book, error) {
	var (
		books []booksync.Book
		start map[string]types.AttributeValue
	)
	for {
		out, err := s.api.Scan(ctx, &dynamodb.ScanInput{
			TableName:         aws.String(s.table),
			ExclusiveStartKey: start,
		})
		if err != nil {
			return nil, s.wrap("scan", err)
		}
		page, err := unmarshalBooks(out.Items)
		if err != nil {
			return nil, s.wrap("scan", err)
		}
		books = append(books, page...)
		if len(out.LastEvaluatedKey) == 0 {
			return books, nil
		}
		start = out.LastEvaluatedKey
	}
}

func (s *Store) GetBook(ctx context.Context, id string) (*booksync.Book, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key:       keyOf(id),
	})
	if err != nil {
		return nil, s.wrap("get item", err)
	}
	if out.Item == nil {
		return nil, booksync.ErrBookNotFound
	}
	var it item
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return nil, s.wrap("get item", err)
	}
	b := it.book()
	return &b, nil
}

func (s *Store) PutBook(ctx context.Context, book booksync.Book) error {
	av, err := attributevalue.MarshalMap(toItem(book))
	if err != nil {
		return s.wrap("put item", err)
	}
	if _, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(s.table), Item: av}); err != nil {
		return s.wrap("put item", err)
	}
	return nil
}

func (s *Store) DeleteBook(ctx context.Context, id string) error {
	if _, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{TableName: aws.String(s.table), Key: keyOf(id)}); err != nil {
		return s.wrap("delete item", err)
	}
	return nil
}

// BatchGetBooks returns found books in the order of ids.
func (s *Store) BatchGetBooks(ctx context.Context, ids []string) ([]booksync.Book, error) {
	found := make(map[string]booksync.Book, len(ids))
	for start := 0; start < len(ids); start += batchGetLimit {
		end := min(start+batchGetLimit, len(ids))
		keys := make([]map[string]types.AttributeValue, 0, end-start)
		seen := make(map[string]bool, end-start)
		for _, id := range ids[start:end] {
			// BatchGetItem rejects duplicate keys
			if seen[id] {
				continue
			}
			seen[id] = true
			keys = append(keys, keyOf(id))
		}

		request := map[string]types.KeysAndAttributes{s.table: {Keys: keys}}
		for attempt := 0; len(request) > 0; attempt++ {
			if attempt > 1 {
				return nil, s.wrap("batch get", fmt.Errorf("%d keys left unprocessed", len(request[s.table].Keys)))
			}
			out, err := s.api.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{RequestItems: request})
			if err != nil {
				return nil, s.wrap("batch get", err)
			}
			books, err := unmarshalBooks(out.Responses[s.table])
			if err != nil {
				return nil, s.wrap("batch get", err)
			}
			for _, b := range books {
				found[b.ID] = b
			}
			request = out.UnprocessedKeys
		}
	}

	books := make([]booksync.Book, 0, len(found))
	for _, id := range ids {
		if b, ok := found[id]; ok {
			books = append(books, b)
			delete(found, id)
		}
	}
	return books, nil
}

func (s *Store) BatchPutBooks(ctx context.Context, books []booksync.Book) error {
	for start := 0; start < len(books); start += batchWriteLimit {
		end := min(start+batchWriteLimit, len(books))
		writes := make([]types.WriteRequest, 0, end-start)
		for _, b := range books[start:end] {
			av, err := attributevalue.MarshalMap(toItem(b))
			if err != nil {
				return s.wrap("batch write", err)
			}
			writes = append(writes, types.WriteRequest{PutRequest: &types.PutRequest{Item: av}})
		}

		request := map[string][]types.WriteRequest{s.table: writes}
		for attempt := 0; len(request) > 0; attempt++ {
			if attempt > 1 {
				return s.wrap("batch write", fmt.Errorf("%d items left unprocessed", len(request[s.table])))
			}
			out, err := s.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: request})
			if err != nil {
				return s.wrap("batch write", err)
			}
			request = out.UnprocessedItems
		}
	}
	return nil
}

func (s *Store) FindByAuthorAndYear(ctx context.Context, author string, year int) ([]booksync.Book, error) {
	var (
		books []booksync.Book
		start map[string]types.AttributeValue
	)
	for {
		out, err := s.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.table),
			IndexName:              aws.String(AuthorYearIndex),
			KeyConditionExpression: aws.String("author = :author AND publicationYear = :year"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":author": &types.AttributeValueMemberS{Value: author},
				":year":   &types.AttributeValueMemberN{Value: fmt.Sprint(year)},
			},
			ExclusiveStartKey: start,
		})
		if err != nil {
			return nil, s.wrap("query", err)
		}
		page, err := unmarshalBooks(out.Items)
		if err != nil {
			return nil, s.wrap("query", err)
		}
		books = append(books, page...)
		if len(out.LastEvaluatedKey) == 0 {
			return books, nil
		}
		start = out.LastEvaluatedKey
	}
}

func unmarshalBooks(items []map[string]types.AttributeValue) ([]booksync.Book, error) {
	var raw []item
	if err := attributevalue.UnmarshalListOfMaps(items, &raw); err != nil {
		return nil, err
	}
	books := make([]booksync.Book, 0, len(raw))
	for _, it := range raw {
		books = append(books, it.book())
	}
	return books, nil
}
