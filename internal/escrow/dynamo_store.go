package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// dynamodbAPI is the subset of the DynamoDB client DynamoStore uses.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// DynamoStore keeps conversations in a single DynamoDB table keyed by
// PK/SK. The conversation and its record share one META item guarded by
// per-document revision attributes; messages are MSG# items under the same
// partition.
type DynamoStore struct {
	api   dynamodbAPI
	table string
}

var _ Store = (*DynamoStore)(nil)

const (
	dynamoSKMeta      = "META"
	dynamoSKMsgPrefix = "MSG#"
)

// NewDynamoStore creates a DynamoDB-backed store over table.
func NewDynamoStore(api dynamodbAPI, table string) (*DynamoStore, error) {
	if api == nil {
		return nil, errors.New("escrow: dynamodb api must not be nil")
	}
	if strings.TrimSpace(table) == "" {
		return nil, errors.New("escrow: dynamodb table name must not be empty")
	}
	return &DynamoStore{api: api, table: table}, nil
}

func dynamoPK(id string) string { return "CONV#" + id }

func dynamoMsgSK(seq int) string { return fmt.Sprintf("%s%010d", dynamoSKMsgPrefix, seq) }

func (d *DynamoStore) key(id, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: dynamoPK(id)},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

func (d *DynamoStore) Create(ctx context.Context, mut Mutation) error {
	if mut.Conversation == nil || mut.Record == nil {
		return ErrInvalidRequest
	}
	conv := cloneConversation(mut.Conversation)
	rec := cloneRecord(mut.Record)
	conv.Revision, rec.Revision = 1, 1

	msgs := 0
	items := []types.TransactWriteItem{}
	if mut.Message != nil {
		put, err := d.messagePut(mut.Message, 0)
		if err != nil {
			return err
		}
		items = append(items, put)
		msgs = 1
	}
	meta, err := metaItem(conv, rec, msgs)
	if err != nil {
		return err
	}
	items = append([]types.TransactWriteItem{{
		Put: &types.Put{
			TableName:           aws.String(d.table),
			Item:                meta,
			ConditionExpression: aws.String("attribute_not_exists(PK)"),
		},
	}}, items...)

	if _, err := d.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items}); err != nil {
		if conditionFailed(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("escrow: dynamodb create %s: %w", conv.ID, err)
	}
	mut.Conversation.Revision = 1
	mut.Record.Revision = 1
	return nil
}

func (d *DynamoStore) Load(ctx context.Context, id string) (*Conversation, *Record, error) {
	conv, rec, _, err := d.loadMeta(ctx, id)
	return conv, rec, err
}

func (d *DynamoStore) loadMeta(ctx context.Context, id string) (*Conversation, *Record, int, error) {
	out, err := d.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.table),
		Key:            d.key(id, dynamoSKMeta),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, nil, 0, fmt.Errorf("escrow: dynamodb get %s: %w", id, err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, nil, 0, ErrNotFound
	}
	return decodeMeta(out.Item)
}

func (d *DynamoStore) Messages(ctx context.Context, id string) ([]*Message, error) {
	if _, _, _, err := d.loadMeta(ctx, id); err != nil {
		return nil, err
	}

	out := []*Message{}
	var start map[string]types.AttributeValue
	for {
		page, err := d.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(d.table),
			KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":     &types.AttributeValueMemberS{Value: dynamoPK(id)},
				":prefix": &types.AttributeValueMemberS{Value: dynamoSKMsgPrefix},
			},
			ScanIndexForward:  aws.Bool(true),
			ConsistentRead:    aws.Bool(true),
			ExclusiveStartKey: start,
		})
		if err != nil {
			return nil, fmt.Errorf("escrow: dynamodb messages %s: %w", id, err)
		}
		for _, item := range page.Items {
			m := &Message{}
			if err := jsonAttr(item, "doc", m); err != nil {
				return nil, err
			}
			out = append(out, m)
		}
		if len(page.LastEvaluatedKey) == 0 {
			return out, nil
		}
		start = page.LastEvaluatedKey
	}
}

func (d *DynamoStore) Apply(ctx context.Context, mut Mutation) error {
	id, err := mutationID(mut)
	if err != nil {
		return err
	}
	conv, rec, msgs, err := d.loadMeta(ctx, id)
	if err != nil {
		return err
	}
	if (mut.Conversation != nil && conv.Revision != mut.Conversation.Revision) ||
		(mut.Record != nil && rec.Revision != mut.Record.Revision) {
		return ErrConflict
	}

	// only the documents in the mutation are rewritten, each guarded by its
	// own revision
	var sets, conds []string
	values := map[string]types.AttributeValue{}
	if mut.Conversation != nil {
		next := cloneConversation(mut.Conversation)
		next.Revision++
		doc, err := json.Marshal(next)
		if err != nil {
			return err
		}
		sets = append(sets, "conv = :conv", "convRev = :convNext", "#status = :status")
		conds = append(conds, "convRev = :convRev")
		values[":conv"] = &types.AttributeValueMemberS{Value: string(doc)}
		values[":convNext"] = numberAttr(next.Revision)
		values[":convRev"] = numberAttr(mut.Conversation.Revision)
		values[":status"] = &types.AttributeValueMemberS{Value: string(next.Status)}
	}
	if mut.Record != nil {
		next := cloneRecord(mut.Record)
		next.Revision++
		doc, err := json.Marshal(next)
		if err != nil {
			return err
		}
		sets = append(sets, "rec = :rec", "recRev = :recNext", "escrowStatus = :escrowStatus")
		conds = append(conds, "recRev = :recRev")
		values[":rec"] = &types.AttributeValueMemberS{Value: string(doc)}
		values[":recNext"] = numberAttr(next.Revision)
		values[":recRev"] = numberAttr(mut.Record.Revision)
		values[":escrowStatus"] = &types.AttributeValueMemberS{Value: string(next.Status)}
	}

	items := []types.TransactWriteItem{}
	if mut.Message != nil {
		put, err := d.messagePut(mut.Message, msgs)
		if err != nil {
			return err
		}
		items = append(items, put)
		sets = append(sets, "msgs = :msgsNext")
		conds = append(conds, "msgs = :msgs")
		values[":msgs"] = numberAttr(int64(msgs))
		values[":msgsNext"] = numberAttr(int64(msgs + 1))
	}
	update := &types.Update{
		TableName:                 aws.String(d.table),
		Key:                       d.key(id, dynamoSKMeta),
		UpdateExpression:          aws.String("SET " + strings.Join(sets, ", ")),
		ConditionExpression:       aws.String(strings.Join(conds, " AND ")),
		ExpressionAttributeValues: values,
	}
	if mut.Conversation != nil {
		update.ExpressionAttributeNames = map[string]string{"#status": "status"}
	}
	items = append([]types.TransactWriteItem{{Update: update}}, items...)

	if _, err := d.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items}); err != nil {
		if conditionFailed(err) {
			return ErrConflict
		}
		return fmt.Errorf("escrow: dynamodb apply %s: %w", id, err)
	}
	if mut.Conversation != nil {
		mut.Conversation.Revision++
	}
	if mut.Record != nil {
		mut.Record.Revision++
	}
	return nil
}

func (d *DynamoStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Conversation, error) {
	var out []*Conversation
	err := d.scanMeta(ctx, func(conv *Conversation, _ *Record) {
		if conv.Status == ConversationOpen && !conv.Deadline.After(now) {
			out = append(out, conv)
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(out[j].Deadline) })
	return truncate(out, normalizeLimit(limit, 100)), nil
}

func (d *DynamoStore) ListRecords(ctx context.Context, q RecordQuery) ([]*Record, error) {
	var out []*Record
	err := d.scanMeta(ctx, func(_ *Conversation, rec *Record) {
		if q.Matches(rec) {
			out = append(out, rec)
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return truncate(out, normalizeLimit(q.Limit, 100)), nil
}

func (d *DynamoStore) ListByIdentity(ctx context.Context, identity string, role Role, limit int) ([]*Conversation, error) {
	var out []*Conversation
	err := d.scanMeta(ctx, func(conv *Conversation, _ *Record) {
		if identityMatches(conv, identity, role) {
			out = append(out, conv)
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return truncate(out, normalizeLimit(limit, 50)), nil
}

// scanMeta walks every META item in the table.
func (d *DynamoStore) scanMeta(ctx context.Context, fn func(*Conversation, *Record)) error {
	var start map[string]types.AttributeValue
	for {
		page, err := d.api.Scan(ctx, &dynamodb.ScanInput{
			TableName:        aws.String(d.table),
			FilterExpression: aws.String("SK = :meta"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":meta": &types.AttributeValueMemberS{Value: dynamoSKMeta},
			},
			ExclusiveStartKey: start,
		})
		if err != nil {
			return fmt.Errorf("escrow: dynamodb scan: %w", err)
		}
		for _, item := range page.Items {
			conv, rec, _, err := decodeMeta(item)
			if err != nil {
				return err
			}
			fn(conv, rec)
		}
		if len(page.LastEvaluatedKey) == 0 {
			return nil
		}
		start = page.LastEvaluatedKey
	}
}

func (d *DynamoStore) messagePut(m *Message, seq int) (types.TransactWriteItem, error) {
	doc, err := json.Marshal(m)
	if err != nil {
		return types.TransactWriteItem{}, err
	}
	item := d.key(m.ConversationID, dynamoMsgSK(seq))
	item["doc"] = &types.AttributeValueMemberS{Value: string(doc)}
	return types.TransactWriteItem{
		Put: &types.Put{
			TableName:           aws.String(d.table),
			Item:                item,
			ConditionExpression: aws.String("attribute_not_exists(PK)"),
		},
	}, nil
}

func metaItem(conv *Conversation, rec *Record, msgs int) (map[string]types.AttributeValue, error) {
	convDoc, err := json.Marshal(conv)
	if err != nil {
		return nil, err
	}
	recDoc, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	return map[string]types.AttributeValue{
		"PK":           &types.AttributeValueMemberS{Value: dynamoPK(conv.ID)},
		"SK":           &types.AttributeValueMemberS{Value: dynamoSKMeta},
		"conv":         &types.AttributeValueMemberS{Value: string(convDoc)},
		"rec":          &types.AttributeValueMemberS{Value: string(recDoc)},
		"convRev":      numberAttr(conv.Revision),
		"recRev":       numberAttr(rec.Revision),
		"msgs":         numberAttr(int64(msgs)),
		"status":       &types.AttributeValueMemberS{Value: string(conv.Status)},
		"escrowStatus": &types.AttributeValueMemberS{Value: string(rec.Status)},
	}, nil
}

func decodeMeta(item map[string]types.AttributeValue) (*Conversation, *Record, int, error) {
	conv := &Conversation{}
	if err := jsonAttr(item, "conv", conv); err != nil {
		return nil, nil, 0, err
	}
	rec := &Record{}
	if err := jsonAttr(item, "rec", rec); err != nil {
		return nil, nil, 0, err
	}
	msgs := 0
	if n, ok := item["msgs"].(*types.AttributeValueMemberN); ok {
		v, err := strconv.Atoi(n.Value)
		if err != nil {
			return nil, nil, 0, fmt.Errorf("escrow: parse msgs attribute: %w", err)
		}
		msgs = v
	}
	return conv, rec, msgs, nil
}

func jsonAttr(item map[string]types.AttributeValue, key string, dst any) error {
	v, ok := item[key].(*types.AttributeValueMemberS)
	if !ok {
		return fmt.Errorf("escrow: missing or non-string attribute %q", key)
	}
	if err := json.Unmarshal([]byte(v.Value), dst); err != nil {
		return fmt.Errorf("escrow: decode attribute %q: %w", key, err)
	}
	return nil
}

func numberAttr(n int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

// conditionFailed reports whether a transaction was cancelled by one of its
// condition expressions.
func conditionFailed(err error) bool {
	var tce *types.TransactionCanceledException
	if errors.As(err, &tce) {
		for _, r := range tce.CancellationReasons {
			if aws.ToString(r.Code) == "ConditionalCheckFailed" {
				return true
			}
		}
		return false
	}
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}
