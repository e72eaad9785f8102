package store

import (
	"context"
	"fmt"
)

// ContactStore reads escalation contact lists.
type ContactStore struct{}

func NewContactStore() *ContactStore { return &ContactStore{} }

// ListActiveUpToPriority returns the tenant's active contacts whose priority
// tier is at or below maxPriority, ordered by tier then name so fan-out is
// deterministic.
func (cs *ContactStore) ListActiveUpToPriority(ctx context.Context, q Querier, tenantID string, maxPriority int) ([]EscalationContact, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT contact_id, tenant_id, name, phone, priority, active, user_id
		FROM escalation_contacts
		WHERE tenant_id = $1 AND active AND priority <= $2
		ORDER BY priority ASC, name ASC`,
		tenantID, maxPriority)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	defer rows.Close()

	var out []EscalationContact
	for rows.Next() {
		var c EscalationContact
		if err := rows.Scan(&c.ContactID, &c.TenantID, &c.Name, &c.Phone,
			&c.Priority, &c.Active, &c.UserID); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
