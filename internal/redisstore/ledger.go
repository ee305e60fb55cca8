package redisstore

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	opensway "github.com/opensway/opensway-go"
	"github.com/opensway/opensway-go/internal/keys"
)

// reserveScript places a hold if the available balance and the monthly
// ceiling both allow it, and records the reservation hash.
// Returns 1 on success, 0 on insufficient credit, -1 on missing account.
var reserveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
if redis.call('HGET', KEYS[1], 'month') ~= ARGV[2] then
  redis.call('HSET', KEYS[1], 'month', ARGV[2], 'month_spend', '0')
end
local balance = tonumber(redis.call('HGET', KEYS[1], 'balance') or '0')
local reserved = tonumber(redis.call('HGET', KEYS[1], 'reserved') or '0')
local ceiling = tonumber(redis.call('HGET', KEYS[1], 'ceiling') or '0')
local spend = tonumber(redis.call('HGET', KEYS[1], 'month_spend') or '0')
local amount = tonumber(ARGV[1])
if balance - reserved < amount then return 0 end
if ceiling > 0 and spend + reserved + amount > ceiling then return 0 end
redis.call('HINCRBY', KEYS[1], 'reserved', amount)
redis.call('HSET', KEYS[2], 'principal', ARGV[3], 'amount', ARGV[1])
return 1
`)

// settleScript finalizes (ARGV[3]=1) or releases (ARGV[3]=0) a hold.
// It deletes the reservation hash in the same step, so a reservation can be
// settled at most once. Returns -1 for an unknown reservation.
var settleScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
local principal = redis.call('HGET', KEYS[1], 'principal')
local amount = tonumber(redis.call('HGET', KEYS[1], 'amount'))
redis.call('DEL', KEYS[1])
local acc = ARGV[1] .. principal .. '}'
redis.call('HINCRBY', acc, 'reserved', -amount)
if ARGV[3] == '1' then
  if redis.call('HGET', acc, 'month') ~= ARGV[2] then
    redis.call('HSET', acc, 'month', ARGV[2], 'month_spend', '0')
  end
  redis.call('HINCRBY', acc, 'balance', -amount)
  redis.call('HINCRBY', acc, 'month_spend', amount)
end
return 1
`)

// Ledger is a Redis-backed CreditLedger. Each account is a single hash, so
// every reserve/commit/release is one atomic script invocation and unrelated
// principals never contend.
type Ledger struct {
	rdb redis.UniversalClient
	now func() time.Time
}

// NewLedger creates a Redis-backed credit ledger.
func NewLedger(rdb redis.UniversalClient) *Ledger {
	return &Ledger{rdb: rdb, now: time.Now}
}

// CreateAccount registers a principal with an opening balance and monthly ceiling.
func (l *Ledger) CreateAccount(ctx context.Context, principalID string, balance, monthlyCeiling int64) error {
	return l.rdb.HSet(ctx, keys.Account(principalID),
		"balance", strconv.FormatInt(balance, 10),
		"reserved", "0",
		"ceiling", strconv.FormatInt(monthlyCeiling, 10),
		"month", l.month(),
		"month_spend", "0",
	).Err()
}

func (l *Ledger) month() string { return l.now().UTC().Format("2006-01") }

func (l *Ledger) Reserve(ctx context.Context, principalID string, amount int64) (string, error) {
	rid := uuid.NewString()
	res, err := reserveScript.Run(ctx, l.rdb,
		[]string{keys.Account(principalID), keys.Reservation(rid)},
		strconv.FormatInt(amount, 10), l.month(), principalID,
	).Int()
	if err != nil {
		return "", err
	}
	switch res {
	case -1:
		return "", opensway.ErrAccountNotFound
	case 0:
		return "", opensway.ErrInsufficientCredit
	}
	return rid, nil
}

func (l *Ledger) settle(ctx context.Context, reservationID string, commit bool) error {
	flag := "0"
	if commit {
		flag = "1"
	}
	res, err := settleScript.Run(ctx, l.rdb,
		[]string{keys.Reservation(reservationID)},
		keys.AccountPrefix, l.month(), flag,
	).Int()
	if err != nil {
		return err
	}
	if res == -1 {
		return opensway.ErrReservationNotFound
	}
	return nil
}

func (l *Ledger) Commit(ctx context.Context, reservationID string) error {
	return l.settle(ctx, reservationID, true)
}

func (l *Ledger) Release(ctx context.Context, reservationID string) error {
	return l.settle(ctx, reservationID, false)
}

func (l *Ledger) Account(ctx context.Context, principalID string) (*opensway.AccountInfo, error) {
	vals, err := l.rdb.HGetAll(ctx, keys.Account(principalID)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, opensway.ErrAccountNotFound
	}
	info := &opensway.AccountInfo{PrincipalID: principalID}
	info.Balance, _ = strconv.ParseInt(vals["balance"], 10, 64)
	info.Reserved, _ = strconv.ParseInt(vals["reserved"], 10, 64)
	info.MonthlyCeiling, _ = strconv.ParseInt(vals["ceiling"], 10, 64)
	if vals["month"] == l.month() {
		info.MonthSpend, _ = strconv.ParseInt(vals["month_spend"], 10, 64)
	}
	return info, nil
}

// interface guard
var _ opensway.CreditLedger = (*Ledger)(nil)
