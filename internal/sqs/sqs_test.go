package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/preorder/internal/db"
	"github.com/lalithlochan/preorder/internal/notify"
)

// fakeQueue is an in-memory queue with SQS's receive/delete semantics.
type fakeQueue struct {
	bodies  map[string]string
	order   []string
	sendErr error
	deleted []string
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{bodies: map[string]string{}}
}

func (q *fakeQueue) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	if q.sendErr != nil {
		return nil, q.sendErr
	}
	id := uuid.NewString()
	q.bodies[id] = aws.ToString(params.MessageBody)
	q.order = append(q.order, id)
	return &sqs.SendMessageOutput{MessageId: aws.String(id)}, nil
}

func (q *fakeQueue) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	for _, id := range q.order {
		if body, ok := q.bodies[id]; ok {
			return &sqs.ReceiveMessageOutput{Messages: []types.Message{{
				Body:          aws.String(body),
				ReceiptHandle: aws.String(id),
			}}}, nil
		}
	}
	return &sqs.ReceiveMessageOutput{}, nil
}

func (q *fakeQueue) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	handle := aws.ToString(params.ReceiptHandle)
	delete(q.bodies, handle)
	q.deleted = append(q.deleted, handle)
	return &sqs.DeleteMessageOutput{}, nil
}

func failedEntry() (*db.NotificationLog, notify.Message) {
	regID := uuid.New()
	errMsg := "mailbox unavailable"
	entry := &db.NotificationLog{ID: uuid.New(), Kind: db.KindConfirm, Status: db.StatusFailed, ErrorMessage: &errMsg, RegistrationID: &regID}
	msg := notify.Message{
		To:             "anna@example.com",
		Kind:           db.KindConfirm,
		Context:        map[string]any{"offer_title": "Olive oil"},
		RegistrationID: &regID,
	}
	return entry, msg
}

func TestProducer_EnqueueRetry(t *testing.T) {
	q := newFakeQueue()
	p := NewProducerWithClient(q, "https://sqs.eu-central-1.amazonaws.com/1/retries", zap.NewNop())
	entry, msg := failedEntry()

	if err := p.EnqueueRetry(context.Background(), entry, msg); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if len(q.order) != 1 {
		t.Fatalf("expected one queued message, got %d", len(q.order))
	}

	var rm RetryMessage
	if err := json.Unmarshal([]byte(q.bodies[q.order[0]]), &rm); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rm.LogID != entry.ID.String() || rm.LastError != "mailbox unavailable" {
		t.Errorf("unexpected retry message %+v", rm)
	}
	if rm.Message.To != msg.To || *rm.Message.RegistrationID != *msg.RegistrationID {
		t.Errorf("message not preserved: %+v", rm.Message)
	}
}

func TestProducer_SendError(t *testing.T) {
	q := newFakeQueue()
	q.sendErr = errors.New("access denied")
	p := NewProducerWithClient(q, "queue", zap.NewNop())
	entry, msg := failedEntry()

	if err := p.EnqueueRetry(context.Background(), entry, msg); err == nil {
		t.Fatal("expected send error")
	}
}

type mockSender struct {
	err   error
	calls int
}

func (m *mockSender) Send(ctx context.Context, msg notify.Message) (string, error) {
	m.calls++
	if m.err != nil {
		return "", m.err
	}
	return "ses-2", nil
}

type mockLogStore struct {
	entries []*db.NotificationLog
}

func (m *mockLogStore) InsertNotificationLog(ctx context.Context, entry *db.NotificationLog) error {
	m.entries = append(m.entries, entry)
	return nil
}

func setupWorker(t *testing.T, sender *mockSender) (*RetryWorker, *fakeQueue, *mockLogStore) {
	t.Helper()
	q := newFakeQueue()
	entry, msg := failedEntry()
	if err := NewProducerWithClient(q, "queue", zap.NewNop()).EnqueueRetry(context.Background(), entry, msg); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	logs := &mockLogStore{}
	w := NewRetryWorker(NewConsumerWithClient(q, "queue", zap.NewNop()), sender, logs, zap.NewNop())
	return w, q, logs
}

func TestRetryWorker_Redelivers(t *testing.T) {
	w, q, logs := setupWorker(t, &mockSender{})

	got, err := w.ProcessOne(context.Background())
	if err != nil || !got {
		t.Fatalf("expected one processed message, got %v, %v", got, err)
	}
	if len(logs.entries) != 1 || logs.entries[0].Status != db.StatusSent || logs.entries[0].ProviderMessageID != "ses-2" {
		t.Fatalf("expected a sent log row, got %+v", logs.entries)
	}
	if len(q.bodies) != 0 {
		t.Error("delivered message should be deleted")
	}

	got, err = w.ProcessOne(context.Background())
	if err != nil || got {
		t.Errorf("queue should be empty, got %v, %v", got, err)
	}
}

func TestRetryWorker_FailureStaysQueued(t *testing.T) {
	w, q, logs := setupWorker(t, &mockSender{err: errors.New("still down")})

	if _, err := w.ProcessOne(context.Background()); err != nil {
		t.Fatalf("failed redelivery is not a poll error: %v", err)
	}
	if len(q.bodies) != 1 || len(q.deleted) != 0 {
		t.Error("failed redelivery must stay queued")
	}
	if len(logs.entries) != 0 {
		t.Error("failed redelivery should not add a log row")
	}
}

func TestRetryWorker_DropsMalformed(t *testing.T) {
	q := newFakeQueue()
	q.bodies["bad"] = "{not json"
	q.order = append(q.order, "bad")
	w := NewRetryWorker(NewConsumerWithClient(q, "queue", zap.NewNop()), &mockSender{}, &mockLogStore{}, zap.NewNop())

	if _, err := w.ProcessOne(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(q.bodies) != 0 {
		t.Error("malformed message should be deleted")
	}
}

func TestRetryWorker_StartStopsOnCancel(t *testing.T) {
	w := NewRetryWorker(NewConsumerWithClient(newFakeQueue(), "queue", zap.NewNop()), &mockSender{}, &mockLogStore{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("retry worker did not stop after cancel")
	}
}
