package notary

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/asn1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/smallstep/pkcs7"
)

var oidSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}

type algorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

type messageImprint struct {
	HashAlgorithm algorithmIdentifier
	HashedMessage []byte
}

type timeStampReq struct {
	Version        int
	MessageImprint messageImprint
	ReqPolicy      asn1.ObjectIdentifier `asn1:"optional"`
	Nonce          *big.Int              `asn1:"optional"`
	CertReq        bool                  `asn1:"optional"`
}

type pkiStatusInfo struct {
	Status       int
	StatusString asn1.RawValue  `asn1:"optional"`
	FailInfo     asn1.BitString `asn1:"optional"`
}

type timeStampResp struct {
	Status pkiStatusInfo
	Token  asn1.RawValue `asn1:"optional"`
}

// tstInfo holds the leading TSTInfo fields; the optional tail is ignored.
type tstInfo struct {
	Version        int
	Policy         asn1.ObjectIdentifier
	MessageImprint messageImprint
	SerialNumber   *big.Int
	GenTime        time.Time `asn1:"generalized"`
}

// TimestampAuthority notarizes through an RFC 3161 time-stamp authority. The
// transaction reference is the sha256 of the returned token.
type TimestampAuthority struct {
	url    string
	policy asn1.ObjectIdentifier
	client *http.Client

	mu     sync.Mutex
	tokens map[string]pending
}

type pending struct {
	digest []byte
	token  []byte
}

// NewTimestampAuthority builds a TSA client. policyOID may be empty.
func NewTimestampAuthority(url, policyOID string, client *http.Client) *TimestampAuthority {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	tsa := &TimestampAuthority{url: url, client: client, tokens: map[string]pending{}}
	if oid, err := parseOID(policyOID); err == nil {
		tsa.policy = oid
	}
	return tsa
}

func (t *TimestampAuthority) Name() string { return "rfc3161" }

func (t *TimestampAuthority) Submit(ctx context.Context, hash []byte) (string, error) {
	reqDER, err := buildTimeStampRequest(hash, t.policy)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(reqDER))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/timestamp-query")
	httpReq.Header.Set("Accept", "application/timestamp-reply")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request timestamp: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read timestamp reply: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("tsa returned HTTP %d", resp.StatusCode)
	}

	token, err := parseResponse(body)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(token)
	ref := hex.EncodeToString(sum[:])

	t.mu.Lock()
	t.tokens[ref] = pending{digest: append([]byte(nil), hash...), token: token}
	t.mu.Unlock()
	return ref, nil
}

// AwaitConfirmation parses the token saved by Submit. TSA replies are final, so
// there is nothing to wait for.
func (t *TimestampAuthority) AwaitConfirmation(ctx context.Context, ref string) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	p, ok := t.tokens[ref]
	delete(t.tokens, ref)
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown timestamp reference %s", ref)
	}

	info, err := parseToken(p.token)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(info.MessageImprint.HashedMessage, p.digest) {
		return nil, errors.New("timestamp token covers a different digest")
	}
	return &Receipt{
		TxHash: ref,
		Metadata: map[string]any{
			"tsa_url":       t.url,
			"serial_number": info.SerialNumber.String(),
			"gen_time":      info.GenTime.UTC().Format(time.RFC3339Nano),
			"policy":        info.Policy.String(),
		},
	}, nil
}

func buildTimeStampRequest(digest []byte, policy asn1.ObjectIdentifier) ([]byte, error) {
	if len(digest) != sha256.Size {
		return nil, fmt.Errorf("digest must be %d bytes", sha256.Size)
	}
	nonce, err := randomNonce()
	if err != nil {
		return nil, err
	}
	req := timeStampReq{
		Version: 1,
		MessageImprint: messageImprint{
			HashAlgorithm: algorithmIdentifier{
				Algorithm:  oidSHA256,
				Parameters: asn1.RawValue{Class: asn1.ClassUniversal, Tag: asn1.TagNull},
			},
			HashedMessage: digest,
		},
		ReqPolicy: policy,
		Nonce:     nonce,
		CertReq:   true,
	}
	return asn1.Marshal(req)
}

// parseResponse returns the timeStampToken of a granted reply.
func parseResponse(der []byte) ([]byte, error) {
	var resp timeStampResp
	if _, err := asn1.Unmarshal(der, &resp); err != nil {
		return nil, fmt.Errorf("parse timestamp reply: %w", err)
	}
	// 0 granted, 1 granted with modifications.
	if resp.Status.Status > 1 {
		return nil, fmt.Errorf("tsa rejected request with status %d", resp.Status.Status)
	}
	if len(resp.Token.FullBytes) == 0 {
		return nil, errors.New("timestamp reply carries no token")
	}
	return resp.Token.FullBytes, nil
}

func parseToken(token []byte) (*tstInfo, error) {
	p7, err := pkcs7.Parse(token)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp token: %w", err)
	}
	var info tstInfo
	if _, err := asn1.Unmarshal(p7.Content, &info); err != nil {
		return nil, fmt.Errorf("parse TSTInfo: %w", err)
	}
	return &info, nil
}

func parseOID(s string) (asn1.ObjectIdentifier, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty oid")
	}
	parts := strings.Split(s, ".")
	if len(parts) < 2 {
		return nil, fmt.Errorf("invalid oid %q", s)
	}
	out := make(asn1.ObjectIdentifier, 0, len(parts))
	for _, p := range parts {
		n, ok := new(big.Int).SetString(p, 10)
		if !ok || n.Sign() < 0 || !n.IsInt64() {
			return nil, fmt.Errorf("invalid oid %q", s)
		}
		out = append(out, int(n.Int64()))
	}
	return out, nil
}
