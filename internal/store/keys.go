package store

import "fmt"

// Key builders for the persisted state layout in §4.5 and §6. Keeping these
// as functions (rather than ad hoc fmt.Sprintf calls scattered across
// packages) keeps the key scheme the single source of truth.

func NestKey(nestID string) string { return "nest:" + nestID }

func NestBySubdomainKey(subdomain string) string { return "nest:subdomain:" + subdomain }

func NestServicesSetKey(nestID string) string { return fmt.Sprintf("nest:%s:services", nestID) }

func ServiceKey(serviceID string) string { return "service:" + serviceID }

func MetricsKey(serviceID string, unixMillis int64) string {
	return fmt.Sprintf("metrics:%s:%d", serviceID, unixMillis)
}

func MetricsPrefix(serviceID string) string { return "metrics:" + serviceID + ":" }

func IncidentKey(incidentID string) string { return "incident:" + incidentID }

func BillingKey(billingID string) string { return "billing:" + billingID }

func AuditKey(auditID string) string { return "audit:" + auditID }

func StatusKey(nestID, serviceID string) string {
	return fmt.Sprintf("status:%s:%s", nestID, serviceID)
}

const (
	SchedulerServicesKey = "scheduler:services"
	SchedulerStatsKey    = "scheduler:stats:global"

	WorkersRegistrationsKey = "workers:registrations"
	WorkersPendingKey       = "workers:pending"
	WorkersHeartbeatKey     = "workers:heartbeat"
)

func WorkersByOwnerKey(email string) string { return "workers:by-owner:" + email }

func CheckCacheKey(cacheKey string) string { return "check:cache:" + cacheKey }

func WorkerStateKey(workerID string) string { return "worker:state:" + workerID }

func UserKey(userID string) string { return "user:" + userID }

func UserByEmailKey(nestID, email string) string { return fmt.Sprintf("user:email:%s:%s", nestID, email) }

func SSEChannel(nestID string) string { return "sse:" + nestID }

func LoginRateLimitKey(ip string) string { return "auth:ratelimit:login:" + ip }

func AuthAttemptsPrefix(email string) string { return "auth:attempts:" + email + ":" }

func AuthAttemptKey(email string, unixMillis int64) string {
	return fmt.Sprintf("auth:attempts:%s:%d", email, unixMillis)
}

func RegistrationRateLimitKey(ip string) string { return "workers:regrate:" + ip }

func LockoutKey(nestID, email string) string { return fmt.Sprintf("auth:lockout:%s:%s", nestID, email) }
