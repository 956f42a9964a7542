package store

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Priya8975/redirect-tracker/internal/domain"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDynamo keeps items per table keyed by their hash key. Scan returns
// pages of two items and only understands the resolved_at filters; event
// filters are re-applied by the store.
type fakeDynamo struct {
	mu     sync.Mutex
	tables map[string]map[string]map[string]types.AttributeValue
	order  map[string][]string
	scans  []*dynamodb.ScanInput
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{
		tables: map[string]map[string]map[string]types.AttributeValue{},
		order:  map[string][]string{},
	}
}

func hashKey(item map[string]types.AttributeValue) string {
	if v, ok := item["id"].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	if v, ok := item["tracking_id"].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	table := aws.ToString(in.TableName)
	if f.tables[table] == nil {
		f.tables[table] = map[string]map[string]types.AttributeValue{}
	}
	key := hashKey(in.Item)
	if _, exists := f.tables[table][key]; !exists {
		f.order[table] = append(f.order[table], key)
	} else if aws.ToString(in.ConditionExpression) == "attribute_not_exists(id)" {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("exists")}
	}
	f.tables[table][key] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := in.Key["id"].(*types.AttributeValueMemberS).Value
	return &dynamodb.GetItemOutput{Item: f.tables[aws.ToString(in.TableName)][id]}, nil
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := in.Key["id"].(*types.AttributeValueMemberS).Value
	item, ok := f.tables[aws.ToString(in.TableName)][id]
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("missing")}
	}
	if _, resolved := item["resolved_at"]; resolved {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("resolved")}
	}
	item["resolved_at"] = in.ExpressionAttributeValues[":at"]
	item["resolved_by"] = in.ExpressionAttributeValues[":by"]
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeDynamo) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scans = append(f.scans, in)

	table := aws.ToString(in.TableName)
	keys := f.order[table]
	start := 0
	if in.ExclusiveStartKey != nil {
		last := in.ExclusiveStartKey["k"].(*types.AttributeValueMemberS).Value
		for i, k := range keys {
			if k == last {
				start = i + 1
			}
		}
	}

	filter := aws.ToString(in.FilterExpression)
	out := &dynamodb.ScanOutput{}
	i := start
	for ; i < len(keys) && i < start+2; i++ {
		item := f.tables[table][keys[i]]
		_, resolved := item["resolved_at"]
		if strings.HasPrefix(filter, "attribute_not_exists(resolved_at)") && resolved {
			continue
		}
		if strings.HasPrefix(filter, "attribute_exists(resolved_at)") && !resolved {
			continue
		}
		out.Items = append(out.Items, item)
	}
	if i < len(keys) {
		out.LastEvaluatedKey = map[string]types.AttributeValue{
			"k": &types.AttributeValueMemberS{Value: keys[i-1]},
		}
	}
	return out, nil
}

func newTestDynamo() (*DynamoStore, *fakeDynamo) {
	fake := newFakeDynamo()
	s := NewDynamo(fake, "tracking-events", "tracking-escalations")
	s.now = func() time.Time { return testNow }
	return s, fake
}

func TestDynamoStore_UpsertAndQuery(t *testing.T) {
	s, fake := newTestDynamo()
	ctx := context.Background()

	for _, evt := range []domain.TrackingEvent{
		testEvent("e1", -3*time.Minute, "CampaignA", "https://a.example.com/x", "10.0.0.1"),
		testEvent("e2", -2*time.Minute, "", "https://b.example.com/", "10.0.0.2"),
		testEvent("e3", -1*time.Minute, "CampaignA", "https://a.example.com/y", "10.0.0.3"),
	} {
		require.NoError(t, s.UpsertEvent(ctx, evt))
	}
	// Same tracking id again overwrites.
	dup := testEvent("e3", -1*time.Minute, "CampaignA", "https://a.example.com/y", "10.0.0.3")
	require.NoError(t, s.UpsertEvent(ctx, dup))
	assert.Len(t, fake.tables["tracking-events"], 3)

	item := fake.tables["tracking-events"]["e2"]
	_, hasSource := item["source_attribution"]
	assert.False(t, hasSource, "absent source is not written")
	_, hasTTL := item["ttl"].(*types.AttributeValueMemberN)
	assert.True(t, hasTTL, "ttl is a number attribute for native expiry")

	got, err := s.QueryEvents(ctx, domain.EventQuery{})
	require.NoError(t, err)
	assert.Equal(t, []string{"e3", "e2", "e1"}, ids(got))
	assert.True(t, got[0].Timestamp.Equal(testNow.Add(-time.Minute)))

	got, err = s.QueryEvents(ctx, domain.EventQuery{SourceAttribution: "CampaignA", Order: domain.OrderAsc})
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e3"}, ids(got))

	last := fake.scans[len(fake.scans)-1]
	assert.Contains(t, aws.ToString(last.FilterExpression), "source_attribution = :src")
	assert.Equal(t, "ttl", last.ExpressionAttributeNames["#ttl"])
}

func TestDynamoStore_AggregateBySource(t *testing.T) {
	s, _ := newTestDynamo()
	ctx := context.Background()

	require.NoError(t, s.UpsertEvent(ctx, testEvent("e1", -time.Minute, "CampaignA", "https://a.example.com/x", "10.0.0.1")))
	require.NoError(t, s.UpsertEvent(ctx, testEvent("e2", -time.Minute, "CampaignA", "https://a.example.com/x", "10.0.0.1")))
	require.NoError(t, s.UpsertEvent(ctx, testEvent("e3", -time.Minute, "", "https://b.example.com/", "10.0.0.2")))

	aggs, err := s.AggregateBySource(ctx, domain.EventQuery{})
	require.NoError(t, err)
	require.Len(t, aggs, 2)
	assert.Equal(t, "CampaignA", aggs[0].SourceAttribution)
	assert.Equal(t, 2, aggs[0].Count)
	assert.Equal(t, 1, aggs[0].UniqueIPs)
	assert.Equal(t, []string{"https://a.example.com/x"}, aggs[0].Destinations)
	assert.Equal(t, domain.NoSourceAttribution, aggs[1].SourceAttribution)
}

func TestDynamoStore_Escalations(t *testing.T) {
	s, _ := newTestDynamo()
	ctx := context.Background()

	created, err := s.CreateEscalation(ctx, domain.Escalation{
		TrackingID:    "t-1",
		CorrelationID: "c-1",
		ErrorType:     "validation_failure",
		Body:          "{}",
		TotalAttempts: 2,
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	assert.True(t, created.CreatedAt.Equal(testNow))

	got, err := s.GetEscalation(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "c-1", got.CorrelationID)
	assert.Nil(t, got.ResolvedAt)

	open, err := s.ListEscalations(ctx, false, 0)
	require.NoError(t, err)
	assert.Len(t, open, 1)

	require.NoError(t, s.ResolveEscalation(ctx, created.ID, "ops"))
	err = s.ResolveEscalation(ctx, created.ID, "ops")
	assert.True(t, errors.Is(err, ErrNotFound))

	resolved, err := s.ListEscalations(ctx, true, 0)
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	require.NotNil(t, resolved[0].ResolvedBy)
	assert.Equal(t, "ops", *resolved[0].ResolvedBy)

	missing, err := s.GetEscalation(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
