package data

import (
	"encoding/json"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/horizoncircle/circle-recon/src/recon/types"
)

// marshalContributors lowercases the list before encoding so that
// SnapshotsFor's LIKE match works regardless of column collation. Every
// address column in the table is stored lowercased.
func marshalContributors(contributors []string) string {
	lowered := make([]string, len(contributors))
	for i, c := range contributors {
		lowered[i] = strings.ToLower(c)
	}
	raw, _ := json.Marshal(lowered)
	return string(raw)
}

// SaveSnapshots upserts the aggregated view of each request, keyed by
// requestId. Last write wins.
func SaveSnapshots(db *gorm.DB, requests []types.ActiveRequest) error {
	for _, req := range requests {
		snap := types.RequestSnapshot{
			RequestID:        strings.ToLower(req.RequestID),
			Circle:           strings.ToLower(req.CircleAddress),
			Borrower:         strings.ToLower(req.Borrower),
			AmountNeeded:     req.Amount,
			TotalContributed: req.TotalContributed,
			Contributors:     marshalContributors(req.Contributors),
			Purpose:          req.Purpose,
			Deadline:         req.Deadline,
			Fulfilled:        req.Fulfilled,
			Executed:         req.Executed,
			Executable:       req.Executable,
			State:            req.State,
			RequestCreatedAt: req.CreatedAt,
		}

		var existing types.RequestSnapshot
		err := db.Where("request_id = ?", snap.RequestID).First(&existing).Error
		if err == gorm.ErrRecordNotFound {
			if err := db.Create(&snap).Error; err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		snap.ID = existing.ID
		if err := db.Model(&existing).Updates(map[string]interface{}{
			"total_contributed":  snap.TotalContributed,
			"fulfilled":          snap.Fulfilled,
			"executed":           snap.Executed,
			"executable":         snap.Executable,
			"state":              snap.State,
			"purpose":            snap.Purpose,
			"amount_needed":      snap.AmountNeeded,
			"contributors":       snap.Contributors,
			"deadline":           snap.Deadline,
			"request_created_at": snap.RequestCreatedAt,
		}).Error; err != nil {
			return err
		}
	}
	return nil
}

// SaveResponses upserts per-contributor statuses for a request.
func SaveResponses(db *gorm.DB, requestID string, responses []types.ResponseRecord) error {
	for _, resp := range responses {
		resp.RequestID = strings.ToLower(requestID)
		resp.Contributor = strings.ToLower(resp.Contributor)

		var existing types.ResponseRecord
		err := db.Where("request_id = ? AND contributor = ?", resp.RequestID, resp.Contributor).
			First(&existing).Error
		if err == gorm.ErrRecordNotFound {
			if err := db.Create(&resp).Error; err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		if err := db.Model(&existing).Updates(map[string]interface{}{
			"status": resp.Status,
			"amount": resp.Amount,
		}).Error; err != nil {
			return err
		}
	}
	return nil
}

// SnapshotsFor returns persisted requests where addr is the borrower or a
// contributor, newest state last written. Used to serve a stale view when
// the chain is unreachable.
func SnapshotsFor(db *gorm.DB, addr string) ([]types.RequestSnapshot, error) {
	addr = strings.ToLower(addr)
	var snaps []types.RequestSnapshot
	err := db.Where("borrower = ? OR contributors LIKE ?", addr, "%"+addr+"%").
		Order("request_created_at asc").
		Find(&snaps).Error
	return snaps, err
}

// TouchTrackedUser records that addr queried the pipeline; the refresher
// keeps recently seen users fresh.
func TouchTrackedUser(db *gorm.DB, addr string) error {
	addr = strings.ToLower(addr)
	var user types.TrackedUser
	err := db.Where("address = ?", addr).First(&user).Error
	if err == gorm.ErrRecordNotFound {
		return db.Create(&types.TrackedUser{Address: addr, LastQuery: time.Now()}).Error
	}
	if err != nil {
		return err
	}
	return db.Model(&user).Update("last_query", time.Now()).Error
}

// TrackedUsers lists addresses seen since the cutoff.
func TrackedUsers(db *gorm.DB, since time.Time) ([]string, error) {
	var users []types.TrackedUser
	if err := db.Where("last_query >= ?", since).Find(&users).Error; err != nil {
		return nil, err
	}
	addrs := make([]string, 0, len(users))
	for _, u := range users {
		addrs = append(addrs, u.Address)
	}
	return addrs, nil
}
