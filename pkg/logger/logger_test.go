package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNewDefaultTagsComponent(t *testing.T) {
	log := NewDefault("sessionpay")
	var buf bytes.Buffer
	log.SetOutput(&buf)

	log.WithField("request_id", "0xabc").Info("opened")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode entry: %v (%s)", err, buf.String())
	}
	if entry["component"] != "sessionpay" {
		t.Fatalf("expected component field, got %v", entry["component"])
	}
	if entry["request_id"] != "0xabc" {
		t.Fatalf("expected request_id field, got %v", entry["request_id"])
	}
}

func TestNewFallsBackOnBadLevel(t *testing.T) {
	log := New(LoggingConfig{Level: "loud", Format: "text"})
	if log.GetLevel() != logrus.InfoLevel {
		t.Fatalf("expected info level, got %s", log.GetLevel())
	}
	if _, ok := log.Formatter.(*logrus.TextFormatter); !ok {
		t.Fatalf("expected text formatter, got %T", log.Formatter)
	}
}

func TestWithContextAddsTraceAndCaller(t *testing.T) {
	log := NewDefault("http")
	var buf bytes.Buffer
	log.SetOutput(&buf)

	ctx := WithTraceID(context.Background(), "trace-1")
	ctx = WithCaller(ctx, "0x01")
	log.WithContext(ctx).Warn("rejected")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode entry: %v", err)
	}
	if entry["trace_id"] != "trace-1" || entry["caller"] != "0x01" {
		t.Fatalf("missing context fields: %v", entry)
	}
}

func TestTraceIDHelpers(t *testing.T) {
	if GetTraceID(context.Background()) != "" {
		t.Fatalf("expected empty trace id")
	}
	if NewTraceID() == NewTraceID() {
		t.Fatalf("trace ids should be unique")
	}
	ctx := WithTraceID(context.Background(), "")
	if GetTraceID(ctx) != "" {
		t.Fatalf("empty trace id should not be stored")
	}
}
