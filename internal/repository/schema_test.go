package repository

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"

	"github.com/akylbek/payment-system/momo-orchestrator/internal/interfaces"
)

func TestMapErr(t *testing.T) {
	tests := []struct {
		name string
		in   error
		want error
	}{
		{"nil", nil, nil},
		{"no rows", sql.ErrNoRows, interfaces.ErrNotFound},
		{"wrapped no rows", fmt.Errorf("scan: %w", sql.ErrNoRows), interfaces.ErrNotFound},
		{"unique violation", &pq.Error{Code: "23505", Constraint: "idx_payments_order_paid"}, interfaces.ErrDuplicate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mapErr(tt.in)
			if tt.want == nil {
				if got != nil {
					t.Errorf("mapErr() = %v, want nil", got)
				}
				return
			}
			if !errors.Is(got, tt.want) {
				t.Errorf("mapErr() = %v, want %v", got, tt.want)
			}
		})
	}

	other := &pq.Error{Code: "23503"}
	if got := mapErr(other); got != other {
		t.Errorf("foreign key violation should pass through, got %v", got)
	}
}
