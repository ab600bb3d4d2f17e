package port

import "stockhold/internal/service/reservation/domain"

// ExpirationPolicy 决定调用方未指定有效期时使用的分钟数
type ExpirationPolicy interface {
	DefaultMinutes(tenantID int64, origin domain.Origin, quantity int64, branchScoped bool) int
}
