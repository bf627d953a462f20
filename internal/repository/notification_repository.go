package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/apqp-suite/changecore/internal/domain"
)

type notificationRepository struct {
	pool *pgxpool.Pool
}

// NewNotificationRepository wires a repository backed by pgxpool.
func NewNotificationRepository(pool *pgxpool.Pool) NotificationRepository {
	return &notificationRepository{pool: pool}
}

const notificationColumns = `id, change_event_id, notification_type, priority, recipient_criteria, created_at`

func (r *notificationRepository) Enqueue(ctx context.Context, notification domain.Notification) (domain.Notification, error) {
	criteriaJSON, err := json.Marshal(notification.RecipientCriteria)
	if err != nil {
		return domain.Notification{}, fmt.Errorf("failed to marshal recipient criteria: %w", err)
	}

	row := r.pool.QueryRow(
		ctx,
		`INSERT INTO notifications (id, change_event_id, notification_type, priority, recipient_criteria)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+notificationColumns,
		notification.ID, notification.ChangeEventID, notification.NotificationType,
		notification.Priority, criteriaJSON,
	)

	created, err := scanNotification(row)
	if err != nil {
		return domain.Notification{}, fmt.Errorf("failed to enqueue notification: %w", err)
	}
	return created, nil
}

func (r *notificationRepository) ListByEvent(ctx context.Context, eventID uuid.UUID) ([]domain.Notification, error) {
	rows, err := r.pool.Query(
		ctx,
		`SELECT `+notificationColumns+` FROM notifications
		 WHERE change_event_id = $1 ORDER BY created_at ASC`,
		eventID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	notifications := []domain.Notification{}
	for rows.Next() {
		notification, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		notifications = append(notifications, notification)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate notifications: %w", err)
	}
	return notifications, nil
}

func scanNotification(row pgx.Row) (domain.Notification, error) {
	var (
		n            domain.Notification
		criteriaJSON []byte
	)
	err := row.Scan(&n.ID, &n.ChangeEventID, &n.NotificationType, &n.Priority, &criteriaJSON, &n.CreatedAt)
	if err != nil {
		return domain.Notification{}, err
	}
	if len(criteriaJSON) > 0 {
		if err := json.Unmarshal(criteriaJSON, &n.RecipientCriteria); err != nil {
			return domain.Notification{}, fmt.Errorf("failed to unmarshal recipient criteria: %w", err)
		}
	}
	return n, nil
}
