package webserver

import (
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/horizoncircle/circle-recon/src/recon/data"
	"github.com/horizoncircle/circle-recon/src/recon/pipeline"
)

type Requests struct {
	rdb  *redis.Client
	pipe *pipeline.Pipeline
}

func NewRequests(rdb *redis.Client, pipe *pipeline.Pipeline) Requests {
	return Requests{rdb: rdb, pipe: pipe}
}

// List runs a reconciliation pass for the caller and returns the actionable
// requests. stale=true means the chain was unreachable and this is the last
// persisted view.
func (h Requests) List(c *gin.Context) {
	addr := c.GetString("addr")
	requests, stale, err := h.pipe.Refresh(c.Request.Context(), addr)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"err": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": requests, "stale": stale})
}

// Circles lists the caller's circles with the cached name and member count
// when discovery has recorded them.
func (h Requests) Circles(c *gin.Context) {
	circles, err := h.pipe.Circles(c.Request.Context(), c.GetString("addr"))
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"err": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"circles": circles})
}

// Loans lists the caller's executed requests.
func (h Requests) Loans(c *gin.Context) {
	addr := c.GetString("addr")
	loans, err := data.ActiveLoans(c.Request.Context(), h.rdb, addr)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"err": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"loans": loans})
}

type actionBody struct {
	CircleAddress string `json:"circleAddress" binding:"required"`
	Amount        string `json:"amount"`
}

func (h Requests) parseAction(c *gin.Context) (circle common.Address, requestID common.Hash, body actionBody, ok bool) {
	id := c.Param("id")
	if !strings.HasPrefix(id, "0x") || len(id) != 66 {
		c.JSON(http.StatusBadRequest, gin.H{"err": "invalid request id"})
		return
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": err.Error()})
		return
	}
	if !common.IsHexAddress(body.CircleAddress) {
		c.JSON(http.StatusBadRequest, gin.H{"err": "invalid circle address"})
		return
	}
	return common.HexToAddress(body.CircleAddress), common.HexToHash(id), body, true
}

func (h Requests) Contribute(c *gin.Context) {
	circle, requestID, body, ok := h.parseAction(c)
	if !ok {
		return
	}
	amount, valid := new(big.Int).SetString(body.Amount, 10)
	if !valid || amount.Sign() <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"err": "invalid amount"})
		return
	}
	hash, err := h.pipe.Contribute(c.Request.Context(), c.GetString("addr"), circle, requestID, amount)
	if err != nil {
		// Financial write: surface the provider's reason, no retry.
		c.JSON(http.StatusBadGateway, gin.H{"err": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"txHash": hash})
}

func (h Requests) Decline(c *gin.Context) {
	circle, requestID, _, ok := h.parseAction(c)
	if !ok {
		return
	}
	hash, err := h.pipe.Decline(c.Request.Context(), c.GetString("addr"), circle, requestID)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"err": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"txHash": hash})
}

func (h Requests) Execute(c *gin.Context) {
	circle, requestID, _, ok := h.parseAction(c)
	if !ok {
		return
	}
	hash, err := h.pipe.Execute(c.Request.Context(), c.GetString("addr"), circle, requestID)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"err": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"txHash": hash})
}
