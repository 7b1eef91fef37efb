package payment

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/params"
	"github.com/rotisserie/eris"

	"github.com/sells-group/fulfillment-engine/internal/model"
)

// EthClient is the subset of ethclient.Client the verifier needs. It is an
// interface so tests can supply canned transactions without an RPC node.
type EthClient interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

var _ EthClient = (*ethclient.Client)(nil)

var txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// OnChainConfig holds the chain parameters a transaction must satisfy.
type OnChainConfig struct {
	// ChainID is the expected network (1 for mainnet).
	ChainID int64
	// Recipient is the treasury address payments must be sent to.
	Recipient string
	// SlippageTolerance discounts the required amount to absorb exchange-rate
	// drift between quote and confirmation (0.02 accepts 98% of list price).
	SlippageTolerance float64
	// TierPricesUSD maps each tier to its list price in USD.
	TierPricesUSD map[model.Tier]float64
}

// OnChainVerifier validates Ethereum payments: the transaction must be mined
// and successful, sent to the treasury on the expected chain, and carry at
// least the tier price in ETH at the current exchange rate.
type OnChainVerifier struct {
	client    EthClient
	feed      Feed
	sessions  SessionSource
	cfg       OnChainConfig
	recipient common.Address
}

// NewOnChainVerifier creates the Ethereum rail verifier.
func NewOnChainVerifier(client EthClient, feed Feed, sessions SessionSource, cfg OnChainConfig) (*OnChainVerifier, error) {
	if !common.IsHexAddress(cfg.Recipient) {
		return nil, eris.Errorf("onchain: invalid recipient address %q", cfg.Recipient)
	}
	if cfg.SlippageTolerance < 0 || cfg.SlippageTolerance >= 1 {
		return nil, eris.Errorf("onchain: slippage tolerance %f out of range", cfg.SlippageTolerance)
	}
	return &OnChainVerifier{
		client:    client,
		feed:      feed,
		sessions:  sessions,
		cfg:       cfg,
		recipient: common.HexToAddress(cfg.Recipient),
	}, nil
}

func (v *OnChainVerifier) Rail() model.PaymentRail {
	return model.RailOnChain
}

func (v *OnChainVerifier) Verify(ctx context.Context, raw string) (Result, error) {
	if !txHashPattern.MatchString(raw) {
		return invalid("malformed transaction hash"), nil
	}
	hash := common.HexToHash(raw)
	reference := model.RailOnChain.Reference(raw)

	sess, err := v.sessions.GetSessionByReference(ctx, reference)
	if err != nil {
		return Result{}, eris.Wrap(err, "onchain: session lookup")
	}
	if sess == nil {
		return invalid("no purchase session for transaction"), nil
	}

	tx, pending, err := v.client.TransactionByHash(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return invalid("transaction not found"), nil
	}
	if err != nil {
		return Result{}, eris.Wrap(err, "onchain: fetch transaction")
	}
	if pending {
		return invalid("transaction not yet mined"), nil
	}

	chainID := big.NewInt(v.cfg.ChainID)
	if tx.ChainId().Cmp(chainID) != 0 {
		return invalid(fmt.Sprintf("wrong chain: got %s, want %d", tx.ChainId(), v.cfg.ChainID)), nil
	}
	if tx.To() == nil || *tx.To() != v.recipient {
		return invalid("transaction not addressed to treasury"), nil
	}

	receipt, err := v.client.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return invalid("transaction receipt not available"), nil
	}
	if err != nil {
		return Result{}, eris.Wrap(err, "onchain: fetch receipt")
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return invalid("transaction reverted"), nil
	}

	priceUSD, ok := v.cfg.TierPricesUSD[sess.Tier]
	if !ok {
		return Result{}, eris.Errorf("onchain: no price configured for tier %s", sess.Tier)
	}
	rate, err := v.feed.ETHUSD(ctx)
	if err != nil {
		return Result{}, eris.Wrap(err, "onchain: exchange rate")
	}

	paidETH := weiToEth(tx.Value())
	requiredETH := priceUSD / rate * (1 - v.cfg.SlippageTolerance)
	if paidETH < requiredETH {
		return invalid(fmt.Sprintf("underpaid: got %.6f ETH, need %.6f ETH", paidETH, requiredETH)), nil
	}

	payer := ""
	if from, err := types.Sender(types.LatestSignerForChainID(chainID), tx); err == nil {
		payer = strings.ToLower(from.Hex())
	}

	return Result{
		Valid: true,
		Confirmation: &model.PaymentConfirmation{
			Reference:        reference,
			Tier:             sess.Tier,
			ProblemStatement: sess.ProblemStatement,
			Payer:            payer,
		},
	}, nil
}

func invalid(reason string) Result {
	return Result{Valid: false, Reason: reason}
}

func weiToEth(wei *big.Int) float64 {
	f, _ := new(big.Float).Quo(
		new(big.Float).SetInt(wei),
		big.NewFloat(params.Ether),
	).Float64()
	return f
}
