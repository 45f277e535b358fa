package bus

import (
	"context"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	ch := b.Subscribe(TopicSessionSaved, 4)

	b.Publish(&Envelope{Topic: TopicSessionSaved, RecordingID: "rec1"})

	select {
	case env := <-ch:
		if env.RecordingID != "rec1" {
			t.Errorf("unexpected envelope: %+v", env)
		}
	case <-time.After(time.Second):
		t.Fatal("envelope not delivered")
	}
}

func TestBus_Publish_no_subscriber_does_not_block(t *testing.T) {
	b := New()
	done := make(chan struct{})
	go func() {
		b.Publish(&Envelope{Topic: TopicOverlayRemove})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked with no subscribers")
	}
}

func TestBus_Request_reply(t *testing.T) {
	b := New()
	ch := b.Subscribe(Topic("capture.headless.start"), 1)

	go func() {
		env := <-ch
		env.Reply(Result{OK: true})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res, err := b.Request(ctx, &Envelope{Topic: Topic("capture.headless.start")})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if !res.OK {
		t.Errorf("expected OK reply, got %+v", res)
	}
}

func TestBus_Request_times_out_when_peer_is_gone(t *testing.T) {
	b := New()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := b.Request(ctx, &Envelope{Topic: Topic("capture.visible.stop")})
	if err == nil {
		t.Fatal("expected context error for dead peer")
	}
}

func TestEnvelope_Reply_without_request_is_noop(t *testing.T) {
	env := &Envelope{Topic: TopicSessionError}
	env.Reply(Result{OK: false, Err: "x"}) // must not panic
	env.Reply(Result{OK: true})
}
