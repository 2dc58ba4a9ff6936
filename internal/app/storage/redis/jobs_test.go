package redis

import (
	"context"
	"errors"
	"math/big"
	"os"
	"testing"
	"time"

	"github.com/R3E-Network/sessionpay/internal/app/domain/settlement"
	"github.com/R3E-Network/sessionpay/internal/app/storage"
	"github.com/R3E-Network/sessionpay/internal/chain"
)

func TestJobKey(t *testing.T) {
	id := chain.Keccak256String("key")
	if got := jobKey(id); got != "session:"+id.Hex() {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestDecodeJobRoundTripsAmount(t *testing.T) {
	id := chain.Keccak256String("decode")
	raw := []byte(`{"request_id":"` + id.Hex() + `","status":"settled","amount":123456789012345678901234567890}`)
	job, err := decodeJob(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if job.RequestID != id || job.Status != settlement.StatusSettled {
		t.Fatalf("unexpected status %s", job.Status)
	}
	want, _ := new(big.Int).SetString("123456789012345678901234567890", 10)
	if job.Amount.Cmp(want) != 0 {
		t.Fatalf("amount lost precision: %s", job.Amount)
	}
	if _, err := decodeJob([]byte("{")); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestJobStoreIntegration(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set; skipping redis integration test")
	}
	ctx := context.Background()
	store, err := New(ctx, Options{Addr: addr})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer store.Close()

	id := chain.Keccak256String(time.Now().String())
	job := settlement.Job{RequestID: id, Status: settlement.StatusPending, Amount: big.NewInt(10), CreatedAt: time.Now().UTC()}
	if err := store.SaveJob(ctx, job, time.Minute); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != settlement.StatusPending || got.Amount.Int64() != 10 {
		t.Fatalf("unexpected job %+v", got)
	}
	jobs, err := store.ListJobs(ctx, settlement.StatusPending)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	found := false
	for _, j := range jobs {
		if j.RequestID == id {
			found = true
		}
	}
	if !found {
		t.Fatalf("saved job not listed")
	}
	if _, err := store.GetJob(ctx, chain.Keccak256String("absent")); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
