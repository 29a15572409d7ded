package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"relay-api/internal/shared"
)

// UsageRecord is one settled generation as seen by the usage ledger
type UsageRecord struct {
	PrincipalID      uint64
	Model            string
	InputChars       int
	OutputChars      int
	Charged          shared.Amount
	Canceled         bool
	Failed           bool
	TimeToFirstToken time.Duration
	TotalTime        time.Duration
}

type dailyUsage struct {
	model            string
	requests         uint64
	inputChars       uint64
	outputChars      uint64
	spend            int64
	timeToFirstToken int64
	totalTime        int64
	canceled         uint64
	failed           uint64
}

// SaveUsage aggregates records per model and adds them to today's row
func SaveUsage(ctx context.Context, db *sql.DB, principalID uint64, records []UsageRecord) error {
	if len(records) == 0 {
		return nil
	}

	aggregated := map[string]*dailyUsage{}
	var order []string
	for _, r := range records {
		agg, ok := aggregated[r.Model]
		if !ok {
			agg = &dailyUsage{model: r.Model}
			aggregated[r.Model] = agg
			order = append(order, r.Model)
		}
		agg.requests++
		agg.inputChars += uint64(r.InputChars)
		agg.outputChars += uint64(r.OutputChars)
		agg.spend += int64(r.Charged)
		agg.timeToFirstToken += r.TimeToFirstToken.Milliseconds()
		agg.totalTime += r.TotalTime.Milliseconds()
		if r.Canceled {
			agg.canceled++
		}
		if r.Failed {
			agg.failed++
		}
	}

	today := time.Now().UTC().Format("2006-01-02")
	query := `INSERT INTO daily_usage (
		date, principal_id, model, request_count, input_chars, output_chars,
		spend_micros, time_to_first_token, total_time, canceled_requests, failed_requests
	) VALUES`
	vals := []any{}
	for _, model := range order {
		agg := aggregated[model]
		query += "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?),"
		vals = append(vals, today, principalID, agg.model, agg.requests, agg.inputChars, agg.outputChars,
			agg.spend, agg.timeToFirstToken, agg.totalTime, agg.canceled, agg.failed)
	}
	query = strings.TrimSuffix(query, ",")
	query += ` ON DUPLICATE KEY UPDATE
		request_count = request_count + VALUES(request_count),
		input_chars = input_chars + VALUES(input_chars),
		output_chars = output_chars + VALUES(output_chars),
		spend_micros = spend_micros + VALUES(spend_micros),
		time_to_first_token = time_to_first_token + VALUES(time_to_first_token),
		total_time = total_time + VALUES(total_time),
		canceled_requests = canceled_requests + VALUES(canceled_requests),
		failed_requests = failed_requests + VALUES(failed_requests)`

	if _, err := db.ExecContext(ctx, query, vals...); err != nil {
		return fmt.Errorf("failed to save usage: %w", err)
	}
	return nil
}
