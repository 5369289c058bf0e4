package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-lottery-relayer/internal/metrics"
	"github.com/0gfoundation/0g-lottery-relayer/internal/reimburse"
	"github.com/0gfoundation/0g-lottery-relayer/internal/relay"
	"github.com/0gfoundation/0g-lottery-relayer/internal/ticket"
)

// Purchaser runs one relayed purchase.
type Purchaser interface {
	Purchase(ctx context.Context, req relay.Request) (*relay.Result, error)
}

// Reimburser runs one reimbursement pass.
type Reimburser interface {
	RunOnce(ctx context.Context) (*reimburse.Report, error)
}

// Handler serves the relayer HTTP surface.
type Handler struct {
	purchaser  Purchaser
	reimburser Reimburser
	cronAuth   gin.HandlerFunc
	log        *zap.Logger
}

// NewHandler builds the handler. cronAuth guards the reimbursement trigger;
// with a nil reimburser the trigger is not registered.
func NewHandler(p Purchaser, r Reimburser, cronAuth gin.HandlerFunc, log *zap.Logger) *Handler {
	return &Handler{purchaser: p, reimburser: r, cronAuth: cronAuth, log: log}
}

// NewRouter returns an engine with panic recovery that takes the client IP
// from X-Forwarded-For only when the connection comes from one of
// trustedProxies. With none, the remote address is the client IP.
func NewRouter(trustedProxies []string) (*gin.Engine, error) {
	r := gin.New()
	r.Use(gin.Recovery())
	if err := r.SetTrustedProxies(trustedProxies); err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}
	return r, nil
}

// Register mounts all routes on r.
func (h *Handler) Register(r *gin.Engine) {
	r.Use(requestMetrics())
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	api.POST("/purchase", h.handlePurchase)
	if h.reimburser != nil {
		cron := api.Group("/cron")
		if h.cronAuth != nil {
			cron.Use(h.cronAuth)
		}
		cron.POST("/reimburse", h.handleReimburse)
	}
}

func requestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		metrics.HTTPRequests.WithLabelValues(c.Request.Method, endpoint, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

// ── purchase ──────────────────────────────────────────────────────────────────

// purchaseRequest is the wire form of a signed intent. Nonce and deadline
// accept JSON numbers or decimal strings. The signature is either one
// 65-byte hex string or its v/r/s parts.
type purchaseRequest struct {
	Signer      string      `json:"signer"`
	Numbers     []int       `json:"numbers"`
	PowerNumber *int        `json:"powerNumber"`
	Nonce       json.Number `json:"nonce"`
	Deadline    json.Number `json:"deadline"`
	Signature   string      `json:"signature"`
	V           *uint8      `json:"v"`
	R           string      `json:"r"`
	S           string      `json:"s"`
}

type purchaseResponse struct {
	Success    bool   `json:"success"`
	TxHash     string `json:"txHash"`
	TicketID   string `json:"ticketId,omitempty"`
	Error      string `json:"error,omitempty"`
	Message    string `json:"message,omitempty"`
	Retryable  bool   `json:"retryable,omitempty"`
	RetryAfter int64  `json:"retryAfterSec,omitempty"`
}

func (h *Handler) handlePurchase(c *gin.Context) {
	var req purchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, &relay.Error{Kind: relay.KindMalformed, Msg: "invalid JSON body", Err: err})
		return
	}
	in, err := req.intent()
	if err != nil {
		h.writeError(c, &relay.Error{Kind: relay.KindMalformed, Msg: err.Error(), Err: err})
		return
	}

	res, err := h.purchaser.Purchase(c.Request.Context(), relay.Request{Intent: in, ClientIP: c.ClientIP()})
	if err != nil {
		var rerr *relay.Error
		if !errors.As(err, &rerr) {
			rerr = &relay.Error{Kind: relay.KindInternal, Msg: "internal error", Err: err}
		}
		h.writeError(c, rerr)
		return
	}

	resp := purchaseResponse{Success: true, TxHash: res.TxHash.Hex()}
	if res.TicketID != nil {
		resp.TicketID = res.TicketID.String()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) writeError(c *gin.Context, e *relay.Error) {
	resp := purchaseResponse{
		Success:   false,
		TxHash:    e.TxHash,
		Error:     string(e.Kind),
		Message:   e.Msg,
		Retryable: e.Kind.Retryable(),
	}
	if e.Kind == relay.KindInternal {
		// Internal details stay in the logs.
		resp.Message = "internal error"
	}
	if e.Kind == relay.KindRateLimited && e.RetryAfter > 0 {
		secs := int64(math.Ceil(e.RetryAfter.Seconds()))
		resp.RetryAfter = secs
		c.Header("Retry-After", strconv.FormatInt(secs, 10))
	}
	c.JSON(e.Kind.HTTPStatus(), resp)
}

func (r *purchaseRequest) intent() (*ticket.Intent, error) {
	if !common.IsHexAddress(r.Signer) {
		return nil, fmt.Errorf("signer %q is not an address", r.Signer)
	}
	if r.PowerNumber == nil {
		return nil, errors.New("powerNumber is required")
	}
	if r.Nonce == "" {
		return nil, errors.New("nonce is required")
	}
	nonce, ok := new(big.Int).SetString(string(r.Nonce), 10)
	if !ok {
		return nil, fmt.Errorf("nonce %q is not a decimal integer", r.Nonce)
	}
	deadline, err := strconv.ParseInt(string(r.Deadline), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("deadline %q is not a unix timestamp", r.Deadline)
	}
	sig, err := r.signature()
	if err != nil {
		return nil, err
	}
	return &ticket.Intent{
		Buyer:       common.HexToAddress(r.Signer),
		Numbers:     r.Numbers,
		PowerNumber: *r.PowerNumber,
		Nonce:       nonce,
		Deadline:    deadline,
		Signature:   sig,
	}, nil
}

func (r *purchaseRequest) signature() ([]byte, error) {
	if r.Signature != "" {
		sig, err := hexutil.Decode(r.Signature)
		if err != nil {
			return nil, fmt.Errorf("signature: %w", err)
		}
		if len(sig) != 65 {
			return nil, fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
		}
		return sig, nil
	}
	if r.V == nil || r.R == "" || r.S == "" {
		return nil, errors.New("signature or v/r/s is required")
	}
	rb, err := hexutil.Decode(r.R)
	if err != nil || len(rb) != 32 {
		return nil, errors.New("r must be 32 bytes of hex")
	}
	sb, err := hexutil.Decode(r.S)
	if err != nil || len(sb) != 32 {
		return nil, errors.New("s must be 32 bytes of hex")
	}
	return ticket.JoinSignature(*r.V, common.BytesToHash(rb), common.BytesToHash(sb)), nil
}

// ── reimbursement trigger ─────────────────────────────────────────────────────

func (h *Handler) handleReimburse(c *gin.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), 5*time.Minute)
	defer cancel()

	report, err := h.reimburser.RunOnce(ctx)
	if errors.Is(err, reimburse.ErrRunning) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		h.log.Error("reimbursement run failed",
			zap.String("operator", c.GetString("operator_address")),
			zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	h.log.Info("reimbursement run triggered",
		zap.String("operator", c.GetString("operator_address")),
		zap.Bool("claimed", report.Claimed))
	c.JSON(http.StatusOK, report)
}
