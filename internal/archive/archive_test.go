package archive

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/openbuilders/reward-disburser/internal/types"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

type fakePutter struct {
	input *s3.PutObjectInput
	body  []byte
}

func (f *fakePutter) PutObject(ctx context.Context, in *s3.PutObjectInput,
	opts ...func(*s3.Options)) (*s3.PutObjectOutput, error) {

	f.input = in
	f.body, _ = io.ReadAll(in.Body)
	return &s3.PutObjectOutput{}, nil
}

func TestArchiveBatch(t *testing.T) {
	putter := &fakePutter{}
	a := New(&Config{Bucket: "audit", Timeout: time.Second}, putter)

	batch := &types.PayoutBatch{
		ID:      uuid.New(),
		CycleID: 12,
		Status:  types.BatchCompleted,
		Version: 3,
	}

	if err := a.ArchiveBatch(context.Background(), batch); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if *putter.input.Bucket != "audit" {
		t.Fatalf("unexpected bucket %s", *putter.input.Bucket)
	}
	key := *putter.input.Key
	if !strings.HasPrefix(key, "payouts/cycle-12/"+batch.ID.String()) ||
		!strings.HasSuffix(key, "v0003-completed.json") {
		t.Fatalf("unexpected key %s", key)
	}

	var decoded record
	if err := json.Unmarshal(putter.body, &decoded); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if decoded.Batch.ID != batch.ID {
		t.Fatal("archived batch does not match")
	}
}
