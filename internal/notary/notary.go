// Package notary submits content hashes to external, independently verifiable
// timestamping networks.
package notary

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Levelup666/AuditWiz/internal/config"
)

// ErrDisabled is returned by the no-op notarizer.
var ErrDisabled = errors.New("notarization is not configured")

// Receipt is a confirmed notarization.
type Receipt struct {
	TxHash      string
	BlockNumber *int64
	Metadata    map[string]any
}

// Notarizer is the external notarization network.
type Notarizer interface {
	// Name is recorded as the anchor's network.
	Name() string
	Submit(ctx context.Context, hash []byte) (ref string, err error)
	AwaitConfirmation(ctx context.Context, ref string) (*Receipt, error)
}

// Noop never notarizes; anchoring through it always degrades to soft-null.
type Noop struct{}

func (Noop) Name() string { return "none" }

func (Noop) Submit(context.Context, []byte) (string, error) { return "", ErrDisabled }

func (Noop) AwaitConfirmation(context.Context, string) (*Receipt, error) { return nil, ErrDisabled }

// New builds the notarizer selected by cfg.Backend.
func New(ctx context.Context, cfg config.NotaryConfig, logger *zap.Logger) (Notarizer, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "none":
		return Noop{}, nil
	case "ethereum":
		n, err := DialEthereum(ctx, EthereumConfig{
			RPCURL:     cfg.RPCURL,
			PrivateKey: cfg.PrivateKey,
			GasLimit:   cfg.GasLimit,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("ethereum notarizer ready", zap.String("address", n.Address()), zap.String("chain_id", n.ChainID().String()))
		return n, nil
	case "rfc3161":
		return NewTimestampAuthority(cfg.TSAURL, cfg.TSAPolicyOID, nil), nil
	default:
		return nil, fmt.Errorf("unknown notary backend %q", cfg.Backend)
	}
}
