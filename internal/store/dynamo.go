package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Priya8975/redirect-tracker/internal/domain"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
)

// DynamoAPI is the subset of the DynamoDB client DynamoStore uses.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoStore keeps events in a table keyed by tracking_id with native TTL on
// the ttl attribute, and escalations in a second table keyed by id.
type DynamoStore struct {
	client           DynamoAPI
	eventsTable      string
	escalationsTable string
	now              func() time.Time
}

func NewDynamo(client DynamoAPI, eventsTable, escalationsTable string) *DynamoStore {
	return &DynamoStore{
		client:           client,
		eventsTable:      eventsTable,
		escalationsTable: escalationsTable,
		now:              time.Now,
	}
}

type eventItem struct {
	TrackingID         string `dynamodbav:"tracking_id"`
	Timestamp          string `dynamodbav:"timestamp"`
	FormattedTimestamp string `dynamodbav:"formatted_timestamp"`
	DestinationURL     string `dynamodbav:"destination_url"`
	ClientIP           string `dynamodbav:"client_ip"`
	SourceAttribution  string `dynamodbav:"source_attribution,omitempty"`
	TTL                int64  `dynamodbav:"ttl"`
	CorrelationID      string `dynamodbav:"correlation_id,omitempty"`
}

func toEventItem(evt domain.TrackingEvent) eventItem {
	return eventItem{
		TrackingID:         evt.TrackingID,
		Timestamp:          evt.Timestamp.UTC().Format(time.RFC3339Nano),
		FormattedTimestamp: evt.FormattedTimestamp,
		DestinationURL:     evt.DestinationURL,
		ClientIP:           evt.ClientIP,
		SourceAttribution:  evt.SourceAttribution,
		TTL:                evt.TTL,
		CorrelationID:      evt.CorrelationID,
	}
}

func (it eventItem) event() domain.TrackingEvent {
	ts, _ := time.Parse(time.RFC3339Nano, it.Timestamp)
	return domain.TrackingEvent{
		TrackingID:         it.TrackingID,
		Timestamp:          ts.UTC(),
		FormattedTimestamp: it.FormattedTimestamp,
		DestinationURL:     it.DestinationURL,
		ClientIP:           it.ClientIP,
		SourceAttribution:  it.SourceAttribution,
		TTL:                it.TTL,
		CorrelationID:      it.CorrelationID,
	}
}

func (s *DynamoStore) UpsertEvent(ctx context.Context, evt domain.TrackingEvent) error {
	av, err := attributevalue.MarshalMap(toEventItem(evt))
	if err != nil {
		return fmt.Errorf("marshaling tracking event %s: %w", evt.TrackingID, err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.eventsTable),
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("putting tracking event %s: %w", evt.TrackingID, err)
	}
	return nil
}

// scanEvents pushes the ttl, source and destination filters to DynamoDB and
// applies the time range on the results.
func (s *DynamoStore) scanEvents(ctx context.Context, q domain.EventQuery) ([]domain.TrackingEvent, error) {
	now := s.now()
	filter := "#ttl > :now"
	names := map[string]string{"#ttl": "ttl"}
	values := map[string]types.AttributeValue{
		":now": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", now.Unix())},
	}

	switch q.SourceAttribution {
	case "":
	case domain.NoSourceAttribution:
		filter += " AND attribute_not_exists(source_attribution)"
	default:
		filter += " AND source_attribution = :src"
		values[":src"] = &types.AttributeValueMemberS{Value: q.SourceAttribution}
	}
	if q.DestinationContains != "" {
		filter += " AND contains(destination_url, :dest)"
		values[":dest"] = &types.AttributeValueMemberS{Value: q.DestinationContains}
	}

	var events []domain.TrackingEvent
	var startKey map[string]types.AttributeValue
	for {
		out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:                 aws.String(s.eventsTable),
			FilterExpression:          aws.String(filter),
			ExpressionAttributeNames:  names,
			ExpressionAttributeValues: values,
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("scanning tracking events: %w", err)
		}

		for _, item := range out.Items {
			var it eventItem
			if err := attributevalue.UnmarshalMap(item, &it); err != nil {
				return nil, fmt.Errorf("unmarshaling tracking event: %w", err)
			}
			if evt := it.event(); matches(evt, q, now) {
				events = append(events, evt)
			}
		}

		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	return events, nil
}

func (s *DynamoStore) QueryEvents(ctx context.Context, q domain.EventQuery) ([]domain.TrackingEvent, error) {
	q = normalizeQuery(q)
	events, err := s.scanEvents(ctx, q)
	if err != nil {
		return nil, err
	}
	return sortAndPage(events, q), nil
}

func (s *DynamoStore) AggregateBySource(ctx context.Context, q domain.EventQuery) ([]domain.SourceAggregate, error) {
	events, err := s.scanEvents(ctx, q)
	if err != nil {
		return nil, err
	}
	return aggregate(events), nil
}

type escalationItem struct {
	ID            string  `dynamodbav:"id"`
	TrackingID    string  `dynamodbav:"tracking_id"`
	CorrelationID string  `dynamodbav:"correlation_id,omitempty"`
	ErrorType     string  `dynamodbav:"error_type"`
	LastError     *string `dynamodbav:"last_error,omitempty"`
	Body          string  `dynamodbav:"body"`
	TotalAttempts int     `dynamodbav:"total_attempts"`
	CreatedAt     string  `dynamodbav:"created_at"`
	ResolvedAt    string  `dynamodbav:"resolved_at,omitempty"`
	ResolvedBy    *string `dynamodbav:"resolved_by,omitempty"`
}

func (it escalationItem) escalation() domain.Escalation {
	e := domain.Escalation{
		ID:            it.ID,
		TrackingID:    it.TrackingID,
		CorrelationID: it.CorrelationID,
		ErrorType:     it.ErrorType,
		LastError:     it.LastError,
		Body:          it.Body,
		TotalAttempts: it.TotalAttempts,
		ResolvedBy:    it.ResolvedBy,
	}
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, it.CreatedAt)
	if it.ResolvedAt != "" {
		at, err := time.Parse(time.RFC3339Nano, it.ResolvedAt)
		if err == nil {
			e.ResolvedAt = &at
		}
	}
	return e
}

func (s *DynamoStore) CreateEscalation(ctx context.Context, esc domain.Escalation) (*domain.Escalation, error) {
	item := escalationItem{
		ID:            uuid.NewString(),
		TrackingID:    esc.TrackingID,
		CorrelationID: esc.CorrelationID,
		ErrorType:     esc.ErrorType,
		LastError:     esc.LastError,
		Body:          esc.Body,
		TotalAttempts: esc.TotalAttempts,
		CreatedAt:     s.now().UTC().Format(time.RFC3339Nano),
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return nil, fmt.Errorf("marshaling escalation: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.escalationsTable),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if err != nil {
		return nil, fmt.Errorf("putting escalation: %w", err)
	}

	out := item.escalation()
	return &out, nil
}

func (s *DynamoStore) ListEscalations(ctx context.Context, resolved bool, limit int) ([]domain.Escalation, error) {
	filter := "attribute_not_exists(resolved_at)"
	if resolved {
		filter = "attribute_exists(resolved_at)"
	}

	escalations := []domain.Escalation{}
	var startKey map[string]types.AttributeValue
	for {
		out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:         aws.String(s.escalationsTable),
			FilterExpression:  aws.String(filter),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("scanning escalations: %w", err)
		}
		for _, item := range out.Items {
			var it escalationItem
			if err := attributevalue.UnmarshalMap(item, &it); err != nil {
				return nil, fmt.Errorf("unmarshaling escalation: %w", err)
			}
			escalations = append(escalations, it.escalation())
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}

	sortEscalations(escalations)
	if limit > 0 && len(escalations) > limit {
		escalations = escalations[:limit]
	}
	return escalations, nil
}

func (s *DynamoStore) GetEscalation(ctx context.Context, id string) (*domain.Escalation, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.escalationsTable),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: id},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("getting escalation: %w", err)
	}
	if out.Item == nil {
		return nil, nil
	}

	var it escalationItem
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return nil, fmt.Errorf("unmarshaling escalation: %w", err)
	}
	e := it.escalation()
	return &e, nil
}

func (s *DynamoStore) ResolveEscalation(ctx context.Context, id, resolvedBy string) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.escalationsTable),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: id},
		},
		UpdateExpression:    aws.String("SET resolved_at = :at, resolved_by = :by"),
		ConditionExpression: aws.String("attribute_exists(id) AND attribute_not_exists(resolved_at)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":at": &types.AttributeValueMemberS{Value: s.now().UTC().Format(time.RFC3339Nano)},
			":by": &types.AttributeValueMemberS{Value: resolvedBy},
		},
	})
	if err != nil {
		var failed *types.ConditionalCheckFailedException
		if errors.As(err, &failed) {
			return fmt.Errorf("escalation %s not found or already resolved: %w", id, ErrNotFound)
		}
		return fmt.Errorf("resolving escalation: %w", err)
	}
	return nil
}
