package access

import (
	"context"
	"database/sql"
	"fmt"

	"flowline/internal/domain"
)

// UnauthorizedError indicates the acting principal lacks the tier an
// operation requires.
type UnauthorizedError struct {
	Principal string
	Action    string
}

func (e UnauthorizedError) Error() string {
	return fmt.Sprintf("principal %s is not authorized to %s", e.Principal, e.Action)
}

// Service answers tier questions for workflow principals backed by SQL.
// The workflow owner is always an executor, whether or not a roster row
// exists for them.
type Service struct {
	DB *sql.DB
}

// TierOf returns the effective tier of a principal in a workflow. The second
// return value is false when the principal is not on the roster and is not
// the owner.
func (s Service) TierOf(ctx context.Context, tx *sql.Tx, workflowID uint64, principal, owner string) (domain.Tier, bool, error) {
	if principal == owner {
		return domain.TierExecutor, true, nil
	}
	row := tx.QueryRowContext(ctx, `SELECT tier FROM contributors WHERE workflow_id=? AND principal=?`, workflowID, principal)
	var tier domain.Tier
	err := row.Scan(&tier)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return tier, true, nil
}

// Require checks that the principal holds tier max or better. Lower tier
// numbers carry more privilege.
func (s Service) Require(ctx context.Context, tx *sql.Tx, workflowID uint64, principal, owner string, max domain.Tier, action string) error {
	tier, ok, err := s.TierOf(ctx, tx, workflowID, principal, owner)
	if err != nil {
		return err
	}
	if !ok || tier > max {
		return UnauthorizedError{Principal: principal, Action: action}
	}
	return nil
}

// Member reports whether the principal has any access at all, owner included.
func (s Service) Member(ctx context.Context, tx *sql.Tx, workflowID uint64, principal, owner string) (bool, error) {
	_, ok, err := s.TierOf(ctx, tx, workflowID, principal, owner)
	return ok, err
}
