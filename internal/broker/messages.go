// Package broker implements the WebSocket link to the derived-volatility
// broker: transport with reconnect, the request/response correlator, and
// the authorize/heartbeat session loop.
package broker

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Known application error codes the agent handles distinctly.
const (
	CodeRateLimit          = "RateLimit"
	CodeBuyLimitReached    = "buy_limit_reached"
	CodeInvalidToken       = "InvalidToken"
	CodeAuthRequired       = "AuthorizationRequired"
	CodeMarketIsClosed     = "MarketIsClosed"
	CodeInvalidSymbol      = "InvalidSymbol"
	CodeInvalidGranularity = "InvalidGranularity"
)

// Sentinel transport errors.
var (
	// ErrTimeout fires a pending call whose deadline passed unanswered.
	ErrTimeout = errors.New("broker: call timed out")
	// ErrLinkLost fails every pending call when the socket drops.
	ErrLinkLost = errors.New("broker: link lost")
	// ErrNotConnected rejects sends while the link is down.
	ErrNotConnected = errors.New("broker: not connected")
	// ErrClosed rejects use after explicit shutdown.
	ErrClosed = errors.New("broker: closed")
)

// APIError is an application-level error frame from the broker.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("broker: %s: %s", e.Code, e.Message)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// Message is the inbound frame envelope. Every broker frame carries a
// msg_type; responses to our calls additionally echo the req_id we sent.
type Message struct {
	MsgType string    `json:"msg_type"`
	ReqID   int64     `json:"req_id,omitempty"`
	Error   *APIError `json:"error,omitempty"`

	Authorize            *AuthorizePayload    `json:"authorize,omitempty"`
	Tick                 *TickPayload         `json:"tick,omitempty"`
	OHLC                 *OHLCPayload         `json:"ohlc,omitempty"`
	Candles              []CandlePayload      `json:"candles,omitempty"`
	Balance              *BalancePayload      `json:"balance,omitempty"`
	Proposal             *ProposalPayload     `json:"proposal,omitempty"`
	Buy                  *BuyPayload          `json:"buy,omitempty"`
	Sell                 *SellPayload         `json:"sell,omitempty"`
	ProposalOpenContract *OpenContractPayload `json:"proposal_open_contract,omitempty"`

	EchoReq json.RawMessage `json:"echo_req,omitempty"`
}

// AuthorizePayload is the authorize response body.
type AuthorizePayload struct {
	UserID   int64           `json:"user_id"`
	LoginID  string          `json:"loginid"`
	Balance  decimal.Decimal `json:"balance"`
	Currency string          `json:"currency"`
}

// TickPayload is one streaming quote.
type TickPayload struct {
	Symbol string          `json:"symbol"`
	Epoch  int64           `json:"epoch"`
	Quote  decimal.Decimal `json:"quote"`
	ID     string          `json:"id,omitempty"`
}

// OHLCPayload is a streaming candle update; the broker resends the forming
// candle with the same open_time until its interval rolls over.
type OHLCPayload struct {
	Symbol      string          `json:"symbol"`
	OpenTime    int64           `json:"open_time"`
	Granularity int             `json:"granularity"`
	Open        decimal.Decimal `json:"open"`
	High        decimal.Decimal `json:"high"`
	Low         decimal.Decimal `json:"low"`
	Close       decimal.Decimal `json:"close"`
	Epoch       int64           `json:"epoch"`
	ID          string          `json:"id,omitempty"`
}

// CandlePayload is one historical candle from a ticks_history response.
type CandlePayload struct {
	Epoch int64           `json:"epoch"`
	Open  decimal.Decimal `json:"open"`
	High  decimal.Decimal `json:"high"`
	Low   decimal.Decimal `json:"low"`
	Close decimal.Decimal `json:"close"`
}

// BalancePayload is a balance snapshot or streamed update.
type BalancePayload struct {
	Balance  decimal.Decimal `json:"balance"`
	Currency string          `json:"currency"`
	LoginID  string          `json:"loginid,omitempty"`
}

// ProposalPayload is the priced quote returned for a proposal request.
type ProposalPayload struct {
	ID       string          `json:"id"`
	AskPrice decimal.Decimal `json:"ask_price"`
	Spot     decimal.Decimal `json:"spot"`
	SpotTime int64           `json:"spot_time"`
}

// BuyPayload confirms a contract purchase.
type BuyPayload struct {
	ContractID    int64           `json:"contract_id"`
	BuyPrice      decimal.Decimal `json:"buy_price"`
	PurchaseTime  int64           `json:"purchase_time"`
	StartTime     int64           `json:"start_time"`
	TransactionID int64           `json:"transaction_id"`
	LongCode      string          `json:"longcode,omitempty"`
}

// SellPayload confirms a contract sale.
type SellPayload struct {
	ContractID    int64           `json:"contract_id"`
	SoldFor       decimal.Decimal `json:"sold_for"`
	TransactionID int64           `json:"transaction_id"`
}

// OpenContractPayload streams the live state of an open contract.
type OpenContractPayload struct {
	ContractID  int64           `json:"contract_id"`
	IsSold      int             `json:"is_sold"`
	Profit      decimal.Decimal `json:"profit"`
	SellPrice   decimal.Decimal `json:"sell_price"`
	SellTime    int64           `json:"sell_time"`
	BuyPrice    decimal.Decimal `json:"buy_price"`
	CurrentSpot decimal.Decimal `json:"current_spot"`
	Status      string          `json:"status,omitempty"`
}

// Stream msg_type values the correlator routes to registered handlers.
const (
	MsgTick                 = "tick"
	MsgOHLC                 = "ohlc"
	MsgCandles              = "candles"
	MsgBalance              = "balance"
	MsgProposalOpenContract = "proposal_open_contract"
	MsgBuy                  = "buy"
	MsgSell                 = "sell"
	MsgAuthorize            = "authorize"
	MsgPing                 = "ping"
)
