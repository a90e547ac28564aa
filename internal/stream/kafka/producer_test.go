package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"

	"github.com/alanyoungcy/convbot/internal/domain"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestProducerKeysBySymbol(t *testing.T) {
	w := &fakeWriter{}
	p := &Producer{writer: w, topic: "audit"}
	ctx := context.Background()

	if err := p.RecordArbitration(ctx, domain.ArbitrationRecord{ID: "r1", Symbol: "paper:SOL"}); err != nil {
		t.Fatal(err)
	}
	if err := p.RecordExecution(ctx, domain.ExecutionReceipt{ProposalID: "p1", Venue: "paper", FromAsset: "SOL"}); err != nil {
		t.Fatal(err)
	}
	if len(w.msgs) != 2 {
		t.Fatalf("messages = %d", len(w.msgs))
	}
	for _, m := range w.msgs {
		if string(m.Key) != "paper:SOL" {
			t.Errorf("key = %s", m.Key)
		}
	}
	if string(w.msgs[0].Headers[0].Value) != KindArbitration || string(w.msgs[1].Headers[0].Value) != KindExecution {
		t.Errorf("headers = %v / %v", w.msgs[0].Headers, w.msgs[1].Headers)
	}
	var rec domain.ArbitrationRecord
	if err := json.Unmarshal(w.msgs[0].Value, &rec); err != nil || rec.ID != "r1" {
		t.Fatalf("value = %s (%v)", w.msgs[0].Value, err)
	}
}

func TestProducerWrapsErrors(t *testing.T) {
	boom := errors.New("broker down")
	p := &Producer{writer: &fakeWriter{err: boom}, topic: "audit"}
	if err := p.RecordArbitration(context.Background(), domain.ArbitrationRecord{}); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
}

func TestNewProducerRequiresBrokers(t *testing.T) {
	if _, err := NewProducer(WithTopic("x")); err == nil {
		t.Fatal("expected error without brokers")
	}
	p, err := NewProducer(WithBrokers([]string{"localhost:9092"}), WithTopic("convbot.audit"), WithBatch(10, 0))
	if err != nil {
		t.Fatal(err)
	}
	if p.topic != "convbot.audit" {
		t.Fatalf("topic = %s", p.topic)
	}
	_ = p.Close()
}
