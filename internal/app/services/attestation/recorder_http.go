package attestation

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/R3E-Network/sessionpay/internal/app/domain/attestation"
	"github.com/R3E-Network/sessionpay/internal/app/metrics"
	"github.com/R3E-Network/sessionpay/internal/chain"
	"github.com/R3E-Network/sessionpay/pkg/logger"
	"github.com/tidwall/gjson"
)

// HTTPRecorder relays attestation requests to a remote attestation service.
type HTTPRecorder struct {
	client   *http.Client
	endpoint *url.URL
	apiKey   string
	log      *logger.Logger
}

var _ Recorder = (*HTTPRecorder)(nil)

// NewHTTPRecorder constructs a recorder using the provided relay endpoint.
func NewHTTPRecorder(client *http.Client, endpoint, apiKey string, log *logger.Logger) (*HTTPRecorder, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("attestation endpoint required")
	}
	parsed, err := url.Parse(strings.TrimRight(endpoint, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse attestation endpoint: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if log == nil {
		log = logger.NewDefault("attestation-http")
	}
	return &HTTPRecorder{
		client:   client,
		endpoint: parsed,
		apiKey:   strings.TrimSpace(apiKey),
		log:      log,
	}, nil
}

func (r *HTTPRecorder) RegisterSchema(ctx context.Context, schema string, revocable bool) (chain.Hash, error) {
	body, status, err := r.do(ctx, http.MethodPost, "/schemas", map[string]any{
		"schema":    schema,
		"revocable": revocable,
	})
	if err != nil {
		return chain.Hash{}, err
	}
	uid, perr := chain.ParseHash(firstString(body, "uid", "data.uid"))
	if status == http.StatusConflict {
		if perr != nil {
			uid = SchemaUID(schema, chain.ZeroAddress, revocable)
		}
		return uid, ErrSchemaExists.WithOp("registerSchema")
	}
	if status/100 != 2 {
		return chain.Hash{}, fmt.Errorf("register schema: status %d", status)
	}
	if perr != nil {
		return chain.Hash{}, fmt.Errorf("register schema: decode uid: %w", perr)
	}
	return uid, nil
}

func (r *HTTPRecorder) Attest(ctx context.Context, req Request) (uid chain.Hash, err error) {
	defer func() { metrics.RecordAttestation(err == nil) }()

	payload := map[string]any{
		"schema":    req.Schema.Hex(),
		"recipient": req.Recipient.Hex(),
		"data":      "0x" + hex.EncodeToString(req.Data),
		"refUID":    req.RefUID.Hex(),
		"revocable": req.Revocable,
	}
	if !req.ExpirationTime.IsZero() {
		payload["expirationTime"] = req.ExpirationTime.Unix()
	}
	body, status, err := r.do(ctx, http.MethodPost, "/attestations", payload)
	if err != nil {
		return chain.Hash{}, err
	}
	if status/100 != 2 {
		return chain.Hash{}, fmt.Errorf("attest: status %d: %s", status, firstString(body, "error", "message"))
	}
	uid, err = chain.ParseHash(firstString(body, "uid", "data.uid", "attestationId"))
	if err != nil {
		return chain.Hash{}, fmt.Errorf("attest: decode uid: %w", err)
	}
	r.log.WithField("uid", uid.Hex()).Info("attestation relayed")
	return uid, nil
}

func (r *HTTPRecorder) GetAttestation(ctx context.Context, uid chain.Hash) (attestation.Attestation, error) {
	body, status, err := r.do(ctx, http.MethodGet, "/attestations/"+uid.Hex(), nil)
	if err != nil {
		return attestation.Attestation{}, err
	}
	if status == http.StatusNotFound {
		return attestation.Attestation{}, ErrNotFound.WithDetails("uid", uid.Hex())
	}
	if status/100 != 2 {
		return attestation.Attestation{}, fmt.Errorf("get attestation: status %d", status)
	}
	att, err := parseAttestation(unwrapData(body), uid)
	if err != nil {
		return attestation.Attestation{}, fmt.Errorf("get attestation: %w", err)
	}
	return att, nil
}

func (r *HTTPRecorder) List(ctx context.Context, recipient chain.Address) ([]attestation.Attestation, error) {
	query := url.Values{}
	if !recipient.IsZero() {
		query.Set("recipient", recipient.Hex())
	}
	body, status, err := r.doQuery(ctx, http.MethodGet, "/attestations", query, nil)
	if err != nil {
		return nil, err
	}
	if status/100 != 2 {
		return nil, fmt.Errorf("list attestations: status %d", status)
	}
	items := gjson.ParseBytes(body)
	for _, path := range []string{"data.attestations", "data", "attestations"} {
		if res := items.Get(path); res.IsArray() {
			items = res
			break
		}
	}
	if !items.IsArray() {
		return nil, fmt.Errorf("list attestations: response is not a list")
	}
	out := make([]attestation.Attestation, 0, len(items.Array()))
	for _, item := range items.Array() {
		att, err := parseAttestation(item, chain.Hash{})
		if err != nil {
			return nil, fmt.Errorf("list attestations: %w", err)
		}
		out = append(out, att)
	}
	return out, nil
}

// parseAttestation reads the relay's attestation object. uid is used when the
// object does not carry its own.
func parseAttestation(root gjson.Result, uid chain.Hash) (attestation.Attestation, error) {
	if parsed, err := chain.ParseHash(root.Get("uid").String()); err == nil {
		uid = parsed
	}
	att := attestation.Attestation{
		UID:       uid,
		Revocable: root.Get("revocable").Bool(),
		CreatedAt: unixTime(root.Get("time")),
	}
	att.SchemaUID, _ = chain.ParseHash(root.Get("schema").String())
	att.RefUID, _ = chain.ParseHash(root.Get("refUID").String())
	att.Recipient, _ = chain.ParseAddress(root.Get("recipient").String())
	att.Attester, _ = chain.ParseAddress(root.Get("attester").String())
	att.ExpirationTime = unixTime(root.Get("expirationTime"))
	att.RevocationTime = unixTime(root.Get("revocationTime"))
	if data := strings.TrimPrefix(root.Get("data").String(), "0x"); data != "" {
		raw, err := hex.DecodeString(data)
		if err != nil {
			return attestation.Attestation{}, fmt.Errorf("decode data: %w", err)
		}
		att.Data = raw
	}
	return att, nil
}

func (r *HTTPRecorder) GetSchema(ctx context.Context, uid chain.Hash) (attestation.Schema, error) {
	body, status, err := r.do(ctx, http.MethodGet, "/schemas/"+uid.Hex(), nil)
	if err != nil {
		return attestation.Schema{}, err
	}
	if status == http.StatusNotFound {
		return attestation.Schema{}, ErrSchemaNotFound.WithDetails("uid", uid.Hex())
	}
	if status/100 != 2 {
		return attestation.Schema{}, fmt.Errorf("get schema: status %d", status)
	}
	root := unwrapData(body)
	schema := attestation.Schema{
		UID:       uid,
		Schema:    root.Get("schema").String(),
		Revocable: root.Get("revocable").Bool(),
	}
	schema.Resolver, _ = chain.ParseAddress(root.Get("resolver").String())
	return schema, nil
}

func (r *HTTPRecorder) do(ctx context.Context, method, path string, payload any) ([]byte, int, error) {
	return r.doQuery(ctx, method, path, nil, payload)
}

func (r *HTTPRecorder) doQuery(ctx context.Context, method, path string, query url.Values, payload any) ([]byte, int, error) {
	target := *r.endpoint
	target.Path += path
	if len(query) > 0 {
		target.RawQuery = query.Encode()
	}

	var reader io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return nil, 0, fmt.Errorf("build attestation request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("attestation request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read attestation response: %w", err)
	}
	return body, resp.StatusCode, nil
}

func unwrapData(body []byte) gjson.Result {
	root := gjson.ParseBytes(body)
	if data := root.Get("data"); data.IsObject() {
		return data
	}
	return root
}

func firstString(body []byte, paths ...string) string {
	for _, res := range gjson.GetManyBytes(body, paths...) {
		if res.Exists() && res.String() != "" {
			return res.String()
		}
	}
	return ""
}

func unixTime(v gjson.Result) time.Time {
	if !v.Exists() || v.Int() == 0 {
		return time.Time{}
	}
	return time.Unix(v.Int(), 0).UTC()
}
