package models

// MembershipLevel is the closed set of subscription tiers.
type MembershipLevel string

const (
	LevelFree  MembershipLevel = "free"
	LevelBasic MembershipLevel = "basic"
	LevelPlus  MembershipLevel = "plus"
	LevelPro   MembershipLevel = "pro"
)

// Valid reports whether l is one of the known tiers.
func (l MembershipLevel) Valid() bool {
	switch l {
	case LevelFree, LevelBasic, LevelPlus, LevelPro:
		return true
	}
	return false
}

// ParseMembershipLevel maps an arbitrary plan string to a tier, falling back
// to free for anything unknown.
func ParseMembershipLevel(s string) MembershipLevel {
	l := MembershipLevel(s)
	if l.Valid() {
		return l
	}
	return LevelFree
}

// UnlimitedSentinel is the value stored in chat_quotas.monthly_quota for
// tiers without a monthly cap.
const UnlimitedSentinel = -1

// QuotaLimit is a monthly allowance: either a finite number of chat turns or
// unlimited. The -1 storage sentinel is converted at the persistence boundary
// only; business logic works with this type.
type QuotaLimit struct {
	unlimited bool
	amount    int
}

// LimitedQuota returns a finite allowance of n turns per month.
func LimitedQuota(n int) QuotaLimit {
	return QuotaLimit{amount: n}
}

// UnlimitedQuota returns an uncapped allowance.
func UnlimitedQuota() QuotaLimit {
	return QuotaLimit{unlimited: true}
}

// QuotaLimitFromSentinel converts a stored monthly_quota value.
func QuotaLimitFromSentinel(v int) QuotaLimit {
	if v == UnlimitedSentinel {
		return UnlimitedQuota()
	}
	return LimitedQuota(v)
}

// Unlimited reports whether the allowance has no monthly cap.
func (q QuotaLimit) Unlimited() bool {
	return q.unlimited
}

// Amount returns the monthly cap. Only meaningful for limited allowances.
func (q QuotaLimit) Amount() int {
	return q.amount
}

// Sentinel returns the storage representation: -1 for unlimited, the cap
// otherwise.
func (q QuotaLimit) Sentinel() int {
	if q.unlimited {
		return UnlimitedSentinel
	}
	return q.amount
}

// Exhausted reports whether used turns have reached the cap.
func (q QuotaLimit) Exhausted(used int) bool {
	return !q.unlimited && used >= q.amount
}
