package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/lorawan-server/sc-gateway/internal/models"
)

type published struct {
	topic string
	data  []byte
}

type fakeSink struct {
	mu     sync.Mutex
	got    []published
	fail   bool
	closed bool
}

func (f *fakeSink) Name() string { return "fake" }

func (f *fakeSink) Publish(gatewayID string, t models.EventType, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, published{topic: natsSubject(gatewayID, t), data: data})
	if f.fail {
		return errors.New("unavailable")
	}
	return nil
}

func (f *fakeSink) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.got)
}

func TestMirrorPublishesToAllSinks(t *testing.T) {
	a := &fakeSink{}
	b := &fakeSink{fail: true}
	m := New("aa555a0000000001", 8, a, b)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	m.Emit(models.EventTypeUplink, map[string]int{"size": 3})
	m.Emit(models.EventTypeStats, map[string]int{"rxnb": 1})

	deadline := time.Now().Add(3 * time.Second)
	for (a.count() < 2 || b.count() < 2) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	if a.count() != 2 || b.count() != 2 {
		t.Fatalf("published a=%d b=%d", a.count(), b.count())
	}
	if a.got[0].topic != "gateway.aa555a0000000001.rx" || a.got[1].topic != "gateway.aa555a0000000001.stat" {
		t.Errorf("subjects = %s, %s", a.got[0].topic, a.got[1].topic)
	}

	var ev models.Event
	if err := json.Unmarshal(a.got[0].data, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != models.EventTypeUplink || ev.GatewayID != "aa555a0000000001" {
		t.Errorf("event = %+v", ev)
	}
	if !a.closed || !b.closed {
		t.Error("sinks not closed")
	}
}

func TestEmitNeverBlocks(t *testing.T) {
	m := New("gw", 2, &fakeSink{})
	for i := 0; i < 5; i++ {
		m.Emit(models.EventTypeDownlink, i)
	}
	if m.Dropped() != 3 {
		t.Errorf("dropped = %d", m.Dropped())
	}

	var disabled *Mirror
	disabled.Emit(models.EventTypeUplink, nil)
	if disabled.Enabled() {
		t.Error("nil mirror enabled")
	}
	if disabled.Dropped() != 0 {
		t.Error("nil mirror reports drops")
	}
}

type fakeToken struct {
	mqtt.Token
	err error
}

func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Error() error                   { return t.err }

type fakeClient struct {
	mqtt.Client
	topics []string
	qos    []byte
}

func (c *fakeClient) Publish(topic string, qos byte, _ bool, _ interface{}) mqtt.Token {
	c.topics = append(c.topics, topic)
	c.qos = append(c.qos, qos)
	return &fakeToken{}
}

func TestMQTTSinkTopics(t *testing.T) {
	client := &fakeClient{}
	s := NewMQTTSink(client, "", 1)

	if err := s.Publish("aa555a0000000001", models.EventTypeDownlink, []byte("{}")); err != nil {
		t.Fatal(err)
	}
	if len(client.topics) != 1 || client.topics[0] != "gateway/aa555a0000000001/tx" || client.qos[0] != 1 {
		t.Errorf("topics = %v qos = %v", client.topics, client.qos)
	}
}
