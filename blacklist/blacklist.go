// Package blacklist bans partition keys that fail too often. Failures are
// counted in an expiring counter; once the counter passes the threshold a ban
// key with a fixed TTL is created. Bans are lifted only by expiry.
package blacklist

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"

	"taskbus/limit"
	"taskbus/metrics"
	"taskbus/store"
)

const (
	keyPrefix       = "blacklist:"
	banKeyPrefix    = keyPrefix + "globalBlacklist:"
	logKeyPrefix    = keyPrefix + "logs:"
	countKeySuffix  = ":count"
	noTaskKeyReason = "No task key, can't check blacklist."

	DefaultFailureInterval        = time.Second
	DefaultBlacklistThreshold     = 10
	DefaultGlobalBlacklistTimeout = time.Hour
)

var (
	ErrMissingReason = errors.New("must supply a reason for the failure")
	ErrInvalidTask   = errors.New("invalid task, not running")
)

// Outcome is the result of AddFailure.
type Outcome string

const (
	OutcomeOK          Outcome = "OK"
	OutcomeBlacklisted Outcome = "Blacklisted"
)

// Status describes whether a partition key is currently banned.
type Status struct {
	Banned bool
	// Remaining is negative when not banned or when the ban has no expiry.
	Remaining time.Duration
	Reason    string
	// Message explains a not-banned answer that was not looked up.
	Message string
}

// Auditor receives every ban as it is created.
type Auditor interface {
	Audit(key, reason string, at time.Time) error
}

// Blacklist is the blacklist controller.
type Blacklist struct {
	st       store.Store
	taskKey  string
	interval time.Duration
	limit    int64
	timeout  time.Duration
	auditors []Auditor
}

type Option func(*Blacklist)

func SetFailureInterval(d time.Duration) Option {
	return func(b *Blacklist) {
		if d > 0 {
			b.interval = d
		}
	}
}

func SetBlacklistThreshold(n int) Option {
	return func(b *Blacklist) {
		if n > 0 {
			b.limit = int64(n)
		}
	}
}

func SetGlobalBlacklistTimeout(d time.Duration) Option {
	return func(b *Blacklist) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// SetLogBlacklist appends every ban to the list blacklist:logs:<key>.
func SetLogBlacklist(on bool) Option {
	return func(b *Blacklist) {
		if on {
			b.auditors = append(b.auditors, &RedisAuditor{st: b.st})
		}
	}
}

// AddAuditor registers an extra ban sink.
func AddAuditor(a Auditor) Option {
	return func(b *Blacklist) {
		if a != nil {
			b.auditors = append(b.auditors, a)
		}
	}
}

// New builds a Blacklist reading partition keys from field taskKey. The field
// is only needed by Check; AddFailure takes the key value directly.
func New(st store.Store, taskKey string, opts ...Option) *Blacklist {
	b := &Blacklist{
		st:       st,
		taskKey:  taskKey,
		interval: DefaultFailureInterval,
		limit:    DefaultBlacklistThreshold,
		timeout:  DefaultGlobalBlacklistTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// AddFailure records one failure for key and bans it once the count within
// the failure interval exceeds the threshold.
func (b *Blacklist) AddFailure(key, reason string) (Outcome, error) {
	if reason == "" {
		return "", ErrMissingReason
	}
	if key == "" {
		return "", ErrInvalidTask
	}

	metrics.Failures.Inc()

	count, err := b.st.IncrExpiring(keyPrefix+key+countKeySuffix, b.interval)
	if err != nil {
		return "", fmt.Errorf("count failure for %s error:%w", key, err)
	}
	if count <= b.limit {
		return OutcomeOK, nil
	}

	if _, err := b.st.SetNX(banKeyPrefix+key, b.timeout, reason); err != nil {
		return "", fmt.Errorf("ban %s error:%w", key, err)
	}
	metrics.Bans.Inc()
	glog.Warningf("blacklist: %s banned for %s after %d failures: %s", key, b.timeout, count, reason)

	now := time.Now()
	for _, a := range b.auditors {
		if err := a.Audit(key, reason, now); err != nil {
			glog.Errorf("blacklist: audit ban of %s error:%v", key, err)
		}
	}
	return OutcomeBlacklisted, nil
}

// Check reports the ban status of the partition key found in body. A body
// without a key cannot be banned and is reported as such, not as an error.
func (b *Blacklist) Check(body map[string]interface{}) (Status, error) {
	key, ok := limit.PartitionKey(body, b.taskKey)
	if !ok {
		return Status{Remaining: -1, Message: noTaskKeyReason}, nil
	}
	return b.Lookup(key)
}

// Lookup reports the ban status of a partition key value.
func (b *Blacklist) Lookup(key string) (Status, error) {
	banKey := banKeyPrefix + key

	reason, found, err := b.st.Get(banKey)
	if err != nil {
		return Status{}, fmt.Errorf("check blacklist %s error:%w", key, err)
	}
	if !found {
		return Status{Remaining: -1}, nil
	}

	ttl, err := b.st.TTL(banKey)
	if err != nil {
		return Status{}, fmt.Errorf("check blacklist ttl %s error:%w", key, err)
	}
	return Status{Banned: true, Remaining: ttl, Reason: reason}, nil
}
