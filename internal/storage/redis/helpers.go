package redis

import (
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/numcheck/internal/storage"
)

// parseUsageRecord converts a Redis hash to UsageRecord
func parseUsageRecord(data map[string]string) (storage.UsageRecord, error) {
	var rec storage.UsageRecord
	if len(data) == 0 {
		return rec, nil
	}

	daily, err := parseCounter(data["daily"])
	if err != nil {
		return rec, fmt.Errorf("failed to parse daily: %w", err)
	}

	monthly, err := parseCounter(data["monthly"])
	if err != nil {
		return rec, fmt.Errorf("failed to parse monthly: %w", err)
	}

	rec.Daily = daily
	rec.Monthly = monthly
	return rec, nil
}

func parseCounter(value string) (int64, error) {
	if value == "" {
		return 0, nil
	}
	return strconv.ParseInt(value, 10, 64)
}

// parseCredentials converts a Redis hash to Credentials
func parseCredentials(data map[string]string) (*storage.Credentials, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	version, err := strconv.ParseInt(data["version"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse version: %w", err)
	}

	updatedAt, err := time.Parse(time.RFC3339Nano, data["updated_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}

	return &storage.Credentials{
		Version:   version,
		Data:      []byte(data["data"]),
		UpdatedAt: updatedAt,
	}, nil
}

// markValue converts an HMGET reply entry to a string
func markValue(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
