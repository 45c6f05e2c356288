package queue

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPublish_WithoutConnection(t *testing.T) {
	q := New(&Config{})

	if err := q.Publish(QueueReconcile, []byte(`{}`)); err == nil {
		t.Fatal("expected an error before the first connect")
	}
}

func TestPermanentError(t *testing.T) {
	cause := errors.New("bad payload")
	var err error = PermanentError{Err: cause}

	if !errors.Is(err, cause) {
		t.Fatal("permanent error does not unwrap")
	}

	var permanent PermanentError
	if !errors.As(err, &permanent) || err.Error() != "bad payload" {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestSleep(t *testing.T) {
	if !sleep(context.Background(), time.Millisecond) {
		t.Fatal("sleep was interrupted")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if sleep(ctx, time.Hour) {
		t.Fatal("sleep ignored the cancelled context")
	}
}
