package data

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key namespaces. The discovery cache has its own namespace in the
// discovery package; these cover auth nonces and the response/loan caches
// that back up contributor state when chain reads fail.
const (
	noncePrefix       = "nonce:"
	contributedPrefix = "responses:contributed:"
	declinedPrefix    = "responses:declined:"
	activeLoanPrefix  = "loans:active:"

	nonceTTL    = 5 * time.Minute
	responseTTL = 24 * time.Hour
	loanTTL     = 7 * 24 * time.Hour
)

func MustRedis(url string) *redis.Client {
	opt, err := redis.ParseURL(url)
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	return redis.NewClient(opt)
}

func SetNonce(ctx context.Context, rdb *redis.Client, addr, nonce string) error {
	return rdb.Set(ctx, noncePrefix+strings.ToLower(addr), nonce, nonceTTL).Err()
}

func GetAndDelNonce(ctx context.Context, rdb *redis.Client, addr string) (string, error) {
	return rdb.GetDel(ctx, noncePrefix+strings.ToLower(addr)).Result()
}

func responseKey(prefix, requestID, contributor string) string {
	return prefix + strings.ToLower(requestID) + ":" + strings.ToLower(contributor)
}

// RecordContribution marks a confirmed on-chain contribution. Only written
// after the transaction was accepted; the aggregator may trust it when the
// canonical read is unavailable.
func RecordContribution(ctx context.Context, rdb *redis.Client, requestID, contributor, amount string) error {
	return rdb.Set(ctx, responseKey(contributedPrefix, requestID, contributor), amount, responseTTL).Err()
}

// RecordDecline marks a confirmed on-chain decline.
func RecordDecline(ctx context.Context, rdb *redis.Client, requestID, contributor string) error {
	return rdb.Set(ctx, responseKey(declinedPrefix, requestID, contributor), "1", responseTTL).Err()
}

// CachedResponse returns ("contributed", amount), ("declined", "") or
// ("", "") when nothing is recorded.
func CachedResponse(ctx context.Context, rdb *redis.Client, requestID, contributor string) (string, string, error) {
	amount, err := rdb.Get(ctx, responseKey(contributedPrefix, requestID, contributor)).Result()
	if err == nil {
		return "contributed", amount, nil
	}
	if err != redis.Nil {
		return "", "", err
	}
	_, err = rdb.Get(ctx, responseKey(declinedPrefix, requestID, contributor)).Result()
	if err == nil {
		return "declined", "", nil
	}
	if err != redis.Nil {
		return "", "", err
	}
	return "", "", nil
}

// AddActiveLoan records an executed request for a borrower.
func AddActiveLoan(ctx context.Context, rdb *redis.Client, borrower, requestID string) error {
	key := activeLoanPrefix + strings.ToLower(borrower)
	if err := rdb.SAdd(ctx, key, strings.ToLower(requestID)).Err(); err != nil {
		return err
	}
	return rdb.Expire(ctx, key, loanTTL).Err()
}

func ActiveLoans(ctx context.Context, rdb *redis.Client, borrower string) ([]string, error) {
	return rdb.SMembers(ctx, activeLoanPrefix+strings.ToLower(borrower)).Result()
}
