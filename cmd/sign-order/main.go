package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/uhyunpark/batchauction/pkg/app/core/order"
	"github.com/uhyunpark/batchauction/pkg/app/core/transaction"
	"github.com/uhyunpark/batchauction/pkg/crypto"
)

type globalFlags struct {
	key      string
	chainID  int64
	contract string
	api      string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "sign-order",
		Short:         "Sign swap orders and cancellations for the batch auction",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.key, "key", "", "hex private key (a new key is generated when empty)")
	root.PersistentFlags().Int64Var(&g.chainID, "chain-id", 1, "EIP-712 domain chain id")
	root.PersistentFlags().StringVar(&g.contract, "contract", "", "settlement contract (EIP-712 verifying contract)")
	root.PersistentFlags().StringVar(&g.api, "api", "", "node API base URL; when set the signed transaction is submitted")

	root.AddCommand(newOrderCmd(g), newCancelCmd(g))
	return root
}

func (g *globalFlags) signer(out io.Writer) (*crypto.Signer, error) {
	if g.key != "" {
		return crypto.FromPrivateKeyHex(g.key)
	}
	fmt.Fprintln(out, "Generating new keypair...")
	s, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(out, "Private Key: %s (KEEP SECRET!)\n", s.PrivateKeyHex())
	return s, nil
}

func (g *globalFlags) domain() (crypto.EIP712Domain, error) {
	var contract common.Address
	if g.contract != "" {
		if !common.IsHexAddress(g.contract) {
			return crypto.EIP712Domain{}, fmt.Errorf("invalid contract address %q", g.contract)
		}
		contract = common.HexToAddress(g.contract)
	}
	return crypto.DomainFor(g.chainID, contract), nil
}

func newOrderCmd(g *globalFlags) *cobra.Command {
	var (
		sellToken, buyToken   string
		sellAmount, buyAmount string
		nonce                 string
		validFor              time.Duration
		partial               bool
	)
	cmd := &cobra.Command{
		Use:   "order",
		Short: "Sign a limit swap order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			signer, err := g.signer(out)
			if err != nil {
				return err
			}
			domain, err := g.domain()
			if err != nil {
				return err
			}
			o, err := buildOrder(signer.Address(), sellToken, buyToken, sellAmount, buyAmount, nonce, validFor, partial)
			if err != nil {
				return err
			}

			fmt.Fprintf(out, "Address: %s\n\n", signer.Address().Hex())
			fmt.Fprintln(out, "Order Details:")
			fmt.Fprintf(out, "  Sell: %s of %s\n", o.SellAmount, o.SellToken.Hex())
			fmt.Fprintf(out, "  Buy:  at least %s of %s\n", o.BuyAmount, o.BuyToken.Hex())
			fmt.Fprintf(out, "  Valid to: %s\n", time.Unix(int64(o.ValidTo), 0).UTC().Format(time.RFC3339))
			fmt.Fprintf(out, "  Partially fillable: %v\n\n", o.PartiallyFillable)

			tx, err := transaction.NewSignedOrder(domain, signer, o)
			if err != nil {
				return fmt.Errorf("sign order: %w", err)
			}
			decoded, err := transaction.NewVerifier(domain).DecodeOrder(tx)
			if err != nil {
				return fmt.Errorf("verify order: %w", err)
			}
			fmt.Fprintf(out, "Order UID: %s\n\n", decoded.UID)
			return emit(cmd, g.api, "/api/v1/orders", tx)
		},
	}
	f := cmd.Flags()
	f.StringVar(&sellToken, "sell-token", "", "token to sell")
	f.StringVar(&buyToken, "buy-token", "", "token to buy")
	f.StringVar(&sellAmount, "sell-amount", "", "sell amount in atoms")
	f.StringVar(&buyAmount, "buy-amount", "", "minimum buy amount in atoms for the full sell amount")
	f.StringVar(&nonce, "nonce", "", "order nonce (random when empty)")
	f.DurationVar(&validFor, "valid-for", 10*time.Minute, "order lifetime from now")
	f.BoolVar(&partial, "partial", false, "allow partial fills")
	for _, name := range []string{"sell-token", "buy-token", "sell-amount", "buy-amount"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func buildOrder(owner common.Address, sellToken, buyToken, sellAmount, buyAmount, nonce string, validFor time.Duration, partial bool) (*crypto.OrderEIP712, error) {
	if !common.IsHexAddress(sellToken) || !common.IsHexAddress(buyToken) {
		return nil, fmt.Errorf("token addresses must be 0x-prefixed hex")
	}
	sell, ok := new(big.Int).SetString(sellAmount, 10)
	if !ok || sell.Sign() <= 0 {
		return nil, fmt.Errorf("invalid sell amount %q", sellAmount)
	}
	buy, ok := new(big.Int).SetString(buyAmount, 10)
	if !ok || buy.Sign() <= 0 {
		return nil, fmt.Errorf("invalid buy amount %q", buyAmount)
	}
	var n *big.Int
	if nonce == "" {
		var err error
		if n, err = crypto.GenerateNonce(); err != nil {
			return nil, err
		}
	} else if n, ok = new(big.Int).SetString(nonce, 10); !ok {
		return nil, fmt.Errorf("invalid nonce %q", nonce)
	}
	if validFor <= 0 {
		return nil, fmt.Errorf("valid-for must be positive")
	}
	return &crypto.OrderEIP712{
		SellToken:         common.HexToAddress(sellToken),
		BuyToken:          common.HexToAddress(buyToken),
		SellAmount:        sell,
		BuyAmount:         buy,
		ValidTo:           uint32(time.Now().Add(validFor).Unix()),
		Nonce:             n,
		PartiallyFillable: partial,
		Owner:             owner,
	}, nil
}

func newCancelCmd(g *globalFlags) *cobra.Command {
	var rawUID string
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Sign the cancellation of an order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			uid, err := order.ParseUID(rawUID)
			if err != nil {
				return err
			}
			if g.key == "" {
				return fmt.Errorf("--key is required to cancel")
			}
			signer, err := g.signer(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			if uid.Owner() != signer.Address() {
				return fmt.Errorf("order belongs to %s, key is %s", uid.Owner().Hex(), signer.Address().Hex())
			}
			domain, err := g.domain()
			if err != nil {
				return err
			}
			tx, err := transaction.NewSignedCancel(domain, signer, uid)
			if err != nil {
				return fmt.Errorf("sign cancel: %w", err)
			}
			return emit(cmd, g.api, "/api/v1/orders/"+uid.String()+"/cancel", tx)
		},
	}
	cmd.Flags().StringVar(&rawUID, "uid", "", "order uid (0x...)")
	_ = cmd.MarkFlagRequired("uid")
	return cmd
}

// emit prints tx and, when an API is configured, posts it there.
func emit(cmd *cobra.Command, api, path string, tx *transaction.SignedTransaction) error {
	out := cmd.OutOrStdout()
	body, err := json.MarshalIndent(tx, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "Signed Transaction (JSON):")
	fmt.Fprintln(out, string(body))
	fmt.Fprintln(out)

	if api == "" {
		fmt.Fprintln(out, "To submit:")
		fmt.Fprintf(out, "  POST http://localhost:8080%s\n", path)
		fmt.Fprintln(out, "  Content-Type: application/json")
		return nil
	}

	url := strings.TrimRight(api, "/") + path
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	defer resp.Body.Close()
	reply, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	fmt.Fprintf(out, "%s -> %s\n%s\n", url, resp.Status, bytes.TrimSpace(reply))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("node refused the transaction: %s", resp.Status)
	}
	return nil
}
