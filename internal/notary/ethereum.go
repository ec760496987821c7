package notary

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

const defaultGasLimit = 30000

// EthClient is the JSON-RPC surface the notarizer uses. *ethclient.Client implements it.
type EthClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// EthereumConfig configures an Ethereum notarizer.
type EthereumConfig struct {
	RPCURL       string
	PrivateKey   string // hex, with or without 0x
	GasLimit     uint64
	PollInterval time.Duration
}

// Ethereum notarizes by sending a zero-value transaction to its own address
// with the hash as calldata.
type Ethereum struct {
	client   EthClient
	key      *ecdsa.PrivateKey
	from     common.Address
	chainID  *big.Int
	gasLimit uint64
	poll     time.Duration
}

// DialEthereum connects to cfg.RPCURL.
func DialEthereum(ctx context.Context, cfg EthereumConfig) (*Ethereum, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial ethereum rpc: %w", err)
	}
	return NewEthereum(ctx, client, cfg)
}

// NewEthereum builds a notarizer over an existing client.
func NewEthereum(ctx context.Context, client EthClient, cfg EthereumConfig) (*Ethereum, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse notary private key: %w", err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("query chain id: %w", err)
	}
	gasLimit := cfg.GasLimit
	if gasLimit == 0 {
		gasLimit = defaultGasLimit
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	return &Ethereum{
		client:   client,
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		chainID:  chainID,
		gasLimit: gasLimit,
		poll:     poll,
	}, nil
}

func (e *Ethereum) Name() string { return "ethereum:" + e.chainID.String() }

// Address is the sending account.
func (e *Ethereum) Address() string { return e.from.Hex() }

func (e *Ethereum) ChainID() *big.Int { return new(big.Int).Set(e.chainID) }

func (e *Ethereum) Submit(ctx context.Context, hash []byte) (string, error) {
	nonce, err := e.client.PendingNonceAt(ctx, e.from)
	if err != nil {
		return "", fmt.Errorf("query nonce: %w", err)
	}
	gasPrice, err := e.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("suggest gas price: %w", err)
	}

	to := e.from
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      e.gasLimit,
		GasPrice: gasPrice,
		Data:     append([]byte(nil), hash...),
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(e.chainID), e.key)
	if err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}
	if err := e.client.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("send transaction: %w", err)
	}
	return signed.Hash().Hex(), nil
}

// AwaitConfirmation polls for the receipt until it is mined or ctx ends.
func (e *Ethereum) AwaitConfirmation(ctx context.Context, ref string) (*Receipt, error) {
	txHash := common.HexToHash(ref)
	ticker := time.NewTicker(e.poll)
	defer ticker.Stop()

	for {
		receipt, err := e.client.TransactionReceipt(ctx, txHash)
		switch {
		case err == nil:
			if receipt.Status != types.ReceiptStatusSuccessful {
				return nil, fmt.Errorf("transaction %s reverted", ref)
			}
			block := receipt.BlockNumber.Int64()
			return &Receipt{
				TxHash:      txHash.Hex(),
				BlockNumber: &block,
				Metadata: map[string]any{
					"chain_id": e.chainID.String(),
					"from":     e.from.Hex(),
					"gas_used": receipt.GasUsed,
				},
			}, nil
		case !errors.Is(err, ethereum.NotFound):
			return nil, fmt.Errorf("query receipt: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
