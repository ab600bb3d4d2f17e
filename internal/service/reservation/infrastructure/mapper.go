package infrastructure

import (
	"stockhold/internal/service/reservation/domain"
)

// ToDomainReservation 将数据库模型转换为领域模型
func ToDomainReservation(m *ReservationModel) *domain.Reservation {
	if m == nil {
		return nil
	}
	return &domain.Reservation{
		ID:            m.ID,
		TenantID:      m.TenantID,
		ProductID:     m.ProductID,
		VariantID:     m.VariantID,
		BranchID:      m.BranchID,
		Quantity:      m.Quantity,
		OriginType:    domain.OriginType(m.OriginType),
		OriginID:      m.OriginID,
		OriginRef:     m.OriginRef,
		State:         domain.State(m.State),
		CreatedAt:     m.CreatedAt,
		ExpiresAt:     m.ExpiresAt,
		UpdatedAt:     m.UpdatedAt,
		ConfirmedAt:   m.ConfirmedAt,
		ConfirmedBy:   m.ConfirmedBy,
		ReleasedAt:    m.ReleasedAt,
		ReleaseReason: m.ReleaseReason,
	}
}

// FromDomainReservation 将领域模型转换为数据库模型
func FromDomainReservation(r *domain.Reservation) *ReservationModel {
	if r == nil {
		return nil
	}
	return &ReservationModel{
		ID:            r.ID,
		TenantID:      r.TenantID,
		ProductID:     r.ProductID,
		VariantID:     r.VariantID,
		BranchID:      r.BranchID,
		Quantity:      r.Quantity,
		OriginType:    string(r.OriginType),
		OriginID:      r.OriginID,
		OriginRef:     r.OriginRef,
		State:         string(r.State),
		CreatedAt:     r.CreatedAt,
		ExpiresAt:     r.ExpiresAt,
		UpdatedAt:     r.UpdatedAt,
		ConfirmedAt:   r.ConfirmedAt,
		ConfirmedBy:   r.ConfirmedBy,
		ReleasedAt:    r.ReleasedAt,
		ReleaseReason: r.ReleaseReason,
	}
}

func toDomainReservations(models []ReservationModel) []*domain.Reservation {
	out := make([]*domain.Reservation, len(models))
	for i := range models {
		out[i] = ToDomainReservation(&models[i])
	}
	return out
}
