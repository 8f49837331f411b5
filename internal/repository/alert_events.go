package repository

import (
	"context"
	"database/sql"
	"fmt"

	"agrihub/internal/models"

	"go.uber.org/zap"
)

// AlertEventsRepository 告警事件仓库（Postgres，对应 alert_events 表，只追加 + 确认标记）
type AlertEventsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAlertEventsRepository 创建告警事件仓库
func NewAlertEventsRepository(db *sql.DB, logger *zap.Logger) *AlertEventsRepository {
	return &AlertEventsRepository{
		db:     db,
		logger: logger,
	}
}

// InsertAlert 写入一条新告警
func (r *AlertEventsRepository) InsertAlert(ctx context.Context, alert *models.Alert) error {
	query := `
		INSERT INTO alert_events (
			alert_id,
			device_id,
			severity,
			rule_id,
			message,
			raised_at,
			acknowledged
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.db.ExecContext(ctx, query,
		alert.AlertID,
		alert.DeviceID,
		string(alert.Severity),
		alert.RuleID,
		alert.Message,
		alert.RaisedAt,
		alert.Acknowledged,
	)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	return nil
}

// MarkAcknowledged 将告警标记为已确认（幂等：重复确认不报错）
func (r *AlertEventsRepository) MarkAcknowledged(ctx context.Context, alertID string) error {
	query := `
		UPDATE alert_events
		SET acknowledged = TRUE
		WHERE alert_id = $1
	`

	if _, err := r.db.ExecContext(ctx, query, alertID); err != nil {
		return fmt.Errorf("failed to mark alert acknowledged: %w", err)
	}
	return nil
}

// ListRecentAlerts 读取最近的告警记录
func (r *AlertEventsRepository) ListRecentAlerts(ctx context.Context, limit int) ([]models.Alert, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT
			alert_id,
			device_id,
			severity,
			rule_id,
			message,
			raised_at,
			acknowledged
		FROM alert_events
		ORDER BY raised_at DESC
		LIMIT $1
	`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []models.Alert
	for rows.Next() {
		var alert models.Alert
		var severity string
		if err := rows.Scan(
			&alert.AlertID,
			&alert.DeviceID,
			&severity,
			&alert.RuleID,
			&alert.Message,
			&alert.RaisedAt,
			&alert.Acknowledged,
		); err != nil {
			return nil, fmt.Errorf("failed to scan alert row: %w", err)
		}
		alert.Severity = models.AlertSeverity(severity)
		alerts = append(alerts, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alert rows: %w", err)
	}

	return alerts, nil
}
