package auth

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// SignedRequest is the JSON payload inside X-Signed-Message (fields sorted).
type SignedRequest struct {
	Action    string `json:"action"`
	ExpiresAt int64  `json:"expires_at"`
	Nonce     string `json:"nonce"`
}

const maxFutureWindow = 5 * time.Minute

// NonceCache remembers request nonces until their expiry so a signed
// operator request cannot be replayed.
type NonceCache interface {
	// Claim records nonce for ttl; it returns false if the nonce is already recorded.
	Claim(ctx context.Context, nonce string, ttl time.Duration) (bool, error)
}

// RedisNonceCache dedups nonces with SET NX.
type RedisNonceCache struct {
	rdb redis.UniversalClient
}

func NewRedisNonceCache(rdb redis.UniversalClient) *RedisNonceCache {
	return &RedisNonceCache{rdb: rdb}
}

func (c *RedisNonceCache) Claim(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, "nonce:"+nonce, 1, ttl).Result()
}

// MemoryNonceCache is the single-process NonceCache.
type MemoryNonceCache struct {
	mu      sync.Mutex
	expires map[string]time.Time
	now     func() time.Time
}

func NewMemoryNonceCache() *MemoryNonceCache {
	return &MemoryNonceCache{expires: make(map[string]time.Time), now: time.Now}
}

func (c *MemoryNonceCache) Claim(_ context.Context, nonce string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, exp := range c.expires {
		if !now.Before(exp) {
			delete(c.expires, k)
		}
	}
	if _, used := c.expires[nonce]; used {
		return false, nil
	}
	c.expires[nonce] = now.Add(ttl)
	return true, nil
}

// OperatorMiddleware returns a Gin handler that validates EIP-191 wallet
// signatures and only admits the given operator addresses.
func OperatorMiddleware(nonces NonceCache, operators []string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(operators))
	for _, op := range operators {
		allowed[strings.ToLower(op)] = struct{}{}
	}

	return func(c *gin.Context) {
		walletAddr := c.GetHeader("X-Wallet-Address")
		signedMsgB64 := c.GetHeader("X-Signed-Message")
		sigHex := c.GetHeader("X-Wallet-Signature")

		if walletAddr == "" || signedMsgB64 == "" || sigHex == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing auth headers"})
			return
		}
		if _, ok := allowed[strings.ToLower(walletAddr)]; !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "not an operator"})
			return
		}

		msgBytes, err := base64.StdEncoding.DecodeString(signedMsgB64)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid X-Signed-Message encoding"})
			return
		}

		var req SignedRequest
		if err := json.Unmarshal(msgBytes, &req); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signed message JSON"})
			return
		}

		now := time.Now().Unix()

		if req.ExpiresAt <= now {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "request expired"})
			return
		}
		if req.ExpiresAt > now+int64(maxFutureWindow.Seconds()) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "expires_at too far in future"})
			return
		}

		sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature hex"})
			return
		}

		recovered, err := Recover(msgBytes, sig)
		if err != nil || !strings.EqualFold(recovered.Hex(), walletAddr) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}

		ttl := time.Duration(req.ExpiresAt-now) * time.Second
		fresh, err := nonces.Claim(c.Request.Context(), req.Nonce, ttl)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		if !fresh {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "nonce already used"})
			return
		}

		c.Set("operator_address", recovered.Hex())
		c.Next()
	}
}
