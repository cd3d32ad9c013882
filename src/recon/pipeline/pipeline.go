package pipeline

import (
	"context"
	"encoding/json"
	"log"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"github.com/horizoncircle/circle-recon/src/chain"
	"github.com/horizoncircle/circle-recon/src/recon/aggregator"
	"github.com/horizoncircle/circle-recon/src/recon/data"
	"github.com/horizoncircle/circle-recon/src/recon/discovery"
	"github.com/horizoncircle/circle-recon/src/recon/resolver"
	"github.com/horizoncircle/circle-recon/src/recon/scanner"
	"github.com/horizoncircle/circle-recon/src/recon/types"
)

// Users queried in this window get auto-refreshed.
const trackWindow = 15 * time.Minute

// Upper bound on one reconciliation pass.
const refreshTimeout = 2 * time.Minute

// Pipeline runs the full reconciliation pass: discovery, event scan, state
// reads, contributor resolution, aggregation, persistence. Concurrent
// refreshes for the same user are coalesced; overlapping ticker and query
// triggers produce one pass, not two.
type Pipeline struct {
	db         *gorm.DB
	rdb        *redis.Client
	cache      *discovery.Cache
	discoverer *discovery.Discoverer
	scanner    *scanner.Scanner
	reader     *chain.Reader
	resolver   *resolver.Resolver
	writer     *chain.Writer
	interval   time.Duration
	sf         singleflight.Group
}

func New(
	db *gorm.DB,
	rdb *redis.Client,
	cache *discovery.Cache,
	discoverer *discovery.Discoverer,
	sc *scanner.Scanner,
	reader *chain.Reader,
	res *resolver.Resolver,
	writer *chain.Writer,
	interval time.Duration,
) *Pipeline {
	return &Pipeline{
		db:         db,
		rdb:        rdb,
		cache:      cache,
		discoverer: discoverer,
		scanner:    sc,
		reader:     reader,
		resolver:   res,
		writer:     writer,
		interval:   interval,
	}
}

// Refresh returns the current actionable requests for user. When the chain
// is unreachable it serves the last persisted snapshot with stale=true; a
// stale view never claims a request is executable.
func (p *Pipeline) Refresh(ctx context.Context, user string) ([]types.ActiveRequest, bool, error) {
	key := strings.ToLower(user)
	// The shared pass runs detached from the callers: a client disconnect
	// must not cancel the refresh the other waiters are coalesced onto.
	ch := p.sf.DoChan(key, func() (interface{}, error) {
		rctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()
		return p.refresh(rctx, user)
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
	if res.Err != nil {
		snaps, serr := data.SnapshotsFor(p.db, user)
		if serr != nil || len(snaps) == 0 {
			return nil, false, res.Err
		}
		log.Printf("pipeline: refresh for %s failed (%v), serving %d stale snapshots", user, res.Err, len(snaps))
		return snapshotsToActive(snaps, time.Now()), true, nil
	}
	return res.Val.([]types.ActiveRequest), false, nil
}

// Circles lists the caller's circles with whatever metadata discovery has
// cached for them.
func (p *Pipeline) Circles(ctx context.Context, user string) ([]types.CircleInfo, error) {
	addrs, _, err := p.discoverer.Circles(ctx, common.HexToAddress(user))
	if err != nil {
		return nil, err
	}
	out := make([]types.CircleInfo, 0, len(addrs))
	for _, addr := range addrs {
		info := types.CircleInfo{Address: addr.Hex()}
		if meta, err := p.cache.GetMeta(ctx, addr.Hex()); err == nil && meta != nil {
			info.Name = meta.Name
			info.MemberCount = meta.MemberCount
		}
		out = append(out, info)
	}
	return out, nil
}

func (p *Pipeline) refresh(ctx context.Context, user string) ([]types.ActiveRequest, error) {
	addr := common.HexToAddress(user)

	circles, height, err := p.discoverer.Circles(ctx, addr)
	if err != nil {
		return nil, err
	}

	raw, err := p.scanner.ScanForRequests(ctx, circles, p.discoverer.DeployBlock(), height)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	for i := range raw {
		state, err := p.reader.RequestState(ctx, raw[i].Circle, raw[i].RequestID)
		if err != nil {
			log.Printf("pipeline: state read for %s failed: %v", raw[i].RequestID.Hex(), err)
			continue
		}
		raw[i].StateRead = true
		raw[i].TotalContributed = state.TotalContributed
		raw[i].Fulfilled = state.Fulfilled
		raw[i].Executed = state.Executed
	}

	statuses := make(map[common.Hash]map[common.Address]resolver.Status, len(raw))
	cached := make(map[common.Hash]map[common.Address]aggregator.CachedResponse)
	for _, req := range raw {
		// No point resolving contributors of requests the aggregator will
		// drop anyway.
		if (req.StateRead && req.Executed) || !req.Deadline.After(now) {
			continue
		}
		resolved := p.resolver.Resolve(ctx, req.Circle, req.RequestID, req.Contributors)
		statuses[req.RequestID] = resolved
		p.overlayFromCache(ctx, req, resolved, cached)
		p.persistResponses(req.RequestID, resolved)
	}

	actives := aggregator.Aggregate(raw, statuses, cached, now)

	if err := data.SaveSnapshots(p.db, actives); err != nil {
		log.Printf("pipeline: snapshot save: %v", err)
	}
	if err := data.TouchTrackedUser(p.db, user); err != nil {
		log.Printf("pipeline: track user: %v", err)
	}
	return actives, nil
}

// overlayFromCache pulls confirmed write records for contributors whose
// chain reads failed. Only Unknown statuses consult the cache.
func (p *Pipeline) overlayFromCache(ctx context.Context, req types.RawRequest, resolved map[common.Address]resolver.Status, cached map[common.Hash]map[common.Address]aggregator.CachedResponse) {
	for contributor, st := range resolved {
		if st.Kind != resolver.Unknown {
			continue
		}
		status, amount, err := data.CachedResponse(ctx, p.rdb, req.RequestID.Hex(), contributor.Hex())
		if err != nil || status == "" {
			continue
		}
		if cached[req.RequestID] == nil {
			cached[req.RequestID] = make(map[common.Address]aggregator.CachedResponse)
		}
		switch status {
		case "contributed":
			value, ok := new(big.Int).SetString(amount, 10)
			if !ok {
				continue
			}
			cached[req.RequestID][contributor] = aggregator.CachedResponse{Kind: resolver.Contributed, Amount: value}
		case "declined":
			cached[req.RequestID][contributor] = aggregator.CachedResponse{Kind: resolver.Declined}
		}
	}
}

func (p *Pipeline) persistResponses(requestID common.Hash, resolved map[common.Address]resolver.Status) {
	records := make([]types.ResponseRecord, 0, len(resolved))
	for contributor, st := range resolved {
		rec := types.ResponseRecord{
			Contributor: contributor.Hex(),
			Status:      st.Kind.String(),
		}
		if st.Amount != nil {
			rec.Amount = st.Amount.String()
		}
		records = append(records, rec)
	}
	if err := data.SaveResponses(p.db, requestID.Hex(), records); err != nil {
		log.Printf("pipeline: response save: %v", err)
	}
}

// ---------- write actions ----------

// Contribute submits a contribution. Write failures surface verbatim and
// are never retried; a confirmed send is recorded in the response cache and
// kicks off a background refresh.
func (p *Pipeline) Contribute(ctx context.Context, actor string, circle common.Address, requestID common.Hash, amount *big.Int) (string, error) {
	hash, err := p.writer.Contribute(ctx, circle, requestID, amount)
	if err != nil {
		return "", err
	}
	if err := data.RecordContribution(ctx, p.rdb, requestID.Hex(), actor, amount.String()); err != nil {
		log.Printf("pipeline: record contribution: %v", err)
	}
	p.refreshAfterWrite(actor)
	return hash.Hex(), nil
}

func (p *Pipeline) Decline(ctx context.Context, actor string, circle common.Address, requestID common.Hash) (string, error) {
	hash, err := p.writer.Decline(ctx, circle, requestID)
	if err != nil {
		return "", err
	}
	if err := data.RecordDecline(ctx, p.rdb, requestID.Hex(), actor); err != nil {
		log.Printf("pipeline: record decline: %v", err)
	}
	p.refreshAfterWrite(actor)
	return hash.Hex(), nil
}

func (p *Pipeline) Execute(ctx context.Context, actor string, circle common.Address, requestID common.Hash) (string, error) {
	hash, err := p.writer.Execute(ctx, circle, requestID)
	if err != nil {
		return "", err
	}
	if err := data.AddActiveLoan(ctx, p.rdb, actor, requestID.Hex()); err != nil {
		log.Printf("pipeline: record loan: %v", err)
	}
	p.refreshAfterWrite(actor)
	return hash.Hex(), nil
}

func (p *Pipeline) refreshAfterWrite(actor string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if _, _, err := p.Refresh(ctx, actor); err != nil {
			log.Printf("pipeline: post-write refresh for %s: %v", actor, err)
		}
	}()
}

// InvalidateCache wipes the discovery cache. Blunt by design.
func (p *Pipeline) InvalidateCache(ctx context.Context) error {
	return p.cache.InvalidateAll(ctx)
}

func (p *Pipeline) CacheStats(ctx context.Context) (discovery.Stats, error) {
	return p.cache.Stats(ctx)
}

// StartAutoRefresh keeps recently queried users fresh until ctx is done.
func (p *Pipeline) StartAutoRefresh(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Stopping auto refresh")
			return
		case <-ticker.C:
			users, err := data.TrackedUsers(p.db, time.Now().Add(-trackWindow))
			if err != nil {
				log.Printf("pipeline: tracked users: %v", err)
				continue
			}
			for _, user := range users {
				if _, _, err := p.Refresh(ctx, user); err != nil {
					log.Printf("pipeline: auto refresh %s: %v", user, err)
				}
			}
		}
	}
}

func snapshotsToActive(snaps []types.RequestSnapshot, now time.Time) []types.ActiveRequest {
	out := make([]types.ActiveRequest, 0, len(snaps))
	for _, snap := range snaps {
		if snap.Executed || !snap.Deadline.After(now) {
			continue
		}
		var contributors []string
		_ = json.Unmarshal([]byte(snap.Contributors), &contributors)
		out = append(out, types.ActiveRequest{
			ID:               snap.Circle + "-" + snap.RequestID,
			RequestID:        snap.RequestID,
			Borrower:         snap.Borrower,
			Amount:           snap.AmountNeeded,
			Contributors:     contributors,
			Purpose:          snap.Purpose,
			CircleAddress:    snap.Circle,
			Deadline:         snap.Deadline,
			TotalContributed: snap.TotalContributed,
			Fulfilled:        snap.Fulfilled,
			Executed:         snap.Executed,
			// Stale data must never claim a request is ready to execute.
			Executable: false,
			State:      snap.State,
			CreatedAt:  snap.RequestCreatedAt,
		})
	}
	return out
}
